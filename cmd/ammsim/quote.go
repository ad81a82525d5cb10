package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/chain"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/config"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/dex"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/replay"
)

func runQuote(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuote(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !common.IsHexAddress(cfg.Pool) {
		return fmt.Errorf("pool address is required")
	}
	amount, err := decimal.NewFromString(cfg.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", cfg.Amount, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}

	var limit *uint256.Int
	if cfg.Limit != "" {
		v, ok := new(big.Int).SetString(cfg.Limit, 10)
		if !ok || v.Sign() <= 0 {
			return fmt.Errorf("invalid price limit %q", cfg.Limit)
		}
		var overflow bool
		if limit, overflow = uint256.FromBig(v); overflow {
			return fmt.Errorf("price limit %q overflows", cfg.Limit)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshots, closeSnapshots, err := openSnapshots(ctx, cfg.PGDSN, cfg.Snapshot)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	snap, ok, err := snapshots.LoadLatestSnapshot(ctx, common.HexToAddress(cfg.Pool).Hex())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return fmt.Errorf("no snapshot for pool %s", cfg.Pool)
	}

	decimals0, decimals1 := cfg.Decimals0, cfg.Decimals1
	if cfg.RPCURL != "" {
		client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.RPS)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer client.Close()
		token0, err := dex.FetchTokenMeta(ctx, client, common.HexToAddress(snap.Pool.Token0), logger)
		if err != nil {
			return fmt.Errorf("token0 meta: %w", err)
		}
		token1, err := dex.FetchTokenMeta(ctx, client, common.HexToAddress(snap.Pool.Token1), logger)
		if err != nil {
			return fmt.Errorf("token1 meta: %w", err)
		}
		decimals0, decimals1 = int32(token0.Decimals), int32(token1.Decimals)
	}

	// the specified side is the input for exact input, the output otherwise
	specifiedDecimals := decimals1
	if cfg.ZeroForOne != cfg.ExactOutput {
		specifiedDecimals = decimals0
	}
	raw := replay.RawAmount(amount, specifiedDecimals)
	if raw.Sign() == 0 {
		return fmt.Errorf("amount %s is below token precision", cfg.Amount)
	}
	if cfg.ExactOutput {
		raw.Neg(raw)
	}

	result, err := replay.Quote(snap, replay.QuoteRequest{ZeroForOne: cfg.ZeroForOne, Amount: raw, Limit: limit})
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	logger.Info("quote",
		zap.String("pool", snap.Pool.Address),
		zap.Uint64("snapshot_block", snap.BlockNumber),
		zap.Bool("zero_for_one", cfg.ZeroForOne),
		zap.String("amount0", replay.TokenAmount(result.Amount0, decimals0).String()),
		zap.String("amount1", replay.TokenAmount(result.Amount1, decimals1).String()),
		zap.String("price_before", replay.Price(mustPrice(snap.Slot0.SqrtPriceX96), decimals0, decimals1).String()),
		zap.String("price_after", replay.Price(result.SqrtPriceX96, decimals0, decimals1).String()),
		zap.Int32("tick_after", result.Tick),
		zap.String("liquidity_after", result.Liquidity.String()),
	)
	return nil
}

// mustPrice parses a snapshot price already validated by Quote.
func mustPrice(s string) *uint256.Int {
	v, _ := new(big.Int).SetString(s, 10)
	out, _ := uint256.FromBig(v)
	return out
}
