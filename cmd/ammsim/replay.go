package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/chain"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/config"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/dex"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/metrics"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/replay"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
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
	if cfg.In == "" && cfg.RPCURL == "" {
		return fmt.Errorf("either an input file or an rpc url is required")
	}
	poolAddr := common.HexToAddress(cfg.Pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var chainClient *chain.Client
	if cfg.RPCURL != "" {
		chainClient, err = chain.NewClient(ctx, cfg.RPCURL, cfg.RPS)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()
	}

	meta := model.PoolMeta{
		Address:     poolAddr.Hex(),
		Factory:     cfg.Factory,
		Token0:      cfg.Token0,
		Token1:      cfg.Token1,
		Fee:         cfg.Fee,
		TickSpacing: cfg.TickSpacing,
	}
	if chainClient != nil {
		meta, err = dex.FetchPoolMeta(ctx, chainClient, poolAddr)
		if err != nil {
			return fmt.Errorf("fetch pool meta: %w", err)
		}
	}

	decoder, err := dex.NewV3PoolDecoder(dex.DecoderConfig{Topic0Map: cfg.Topic0Map})
	if err != nil {
		return err
	}

	var source replay.Source = replay.FileSource{Path: cfg.In}
	if cfg.In == "" {
		source = replay.RPCSource{
			Chain:     chainClient,
			Pool:      poolAddr,
			Topics:    decoder.Topics(),
			FromBlock: cfg.FromBlock,
			ToBlock:   cfg.ToBlock,
			BatchSize: cfg.BatchSize,
			Retry:     replay.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff},
			Logger:    logger,
		}
	}

	snapshots, closeSnapshots, err := openSnapshots(ctx, cfg.PGDSN, cfg.Snapshot)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	eventsWriter, err := storage.NewJSONLWriter(cfg.Out, cfg.Resume)
	if err != nil {
		return err
	}
	defer eventsWriter.Close()

	rejectsWriter, err := storage.NewJSONLWriter(cfg.Errors, cfg.Resume)
	if err != nil {
		return err
	}
	defer rejectsWriter.Close()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry, "ammsim")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, registry, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	runID := uuid.New().String()
	logger.Info("replay configured",
		zap.String("run_id", runID),
		zap.String("pool", meta.Address),
		zap.String("factory", meta.Factory),
		zap.String("token0", meta.Token0),
		zap.String("token1", meta.Token1),
		zap.Uint32("fee", meta.Fee),
		zap.Int32("tick_spacing", meta.TickSpacing),
		zap.String("in", cfg.In),
		zap.Bool("rpc", chainClient != nil),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
		zap.Bool("postgres", cfg.PGDSN != ""),
	)

	runner := replay.NewRunner(replay.RunConfig{
		Meta:          meta,
		RunID:         runID,
		SnapshotEvery: cfg.SnapshotEvery,
		Resume:        cfg.Resume,
	}, replay.Deps{
		Source:    source,
		Decoder:   decoder,
		Snapshots: snapshots,
		Events:    eventsWriter,
		Rejects:   rejectsWriter,
		Metrics:   m,
		Logger:    logger,
	})

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if runner.Pool() == nil {
		return nil
	}

	slot0 := runner.Pool().Slot0()
	if slot0.SqrtPriceX96 == nil || slot0.SqrtPriceX96.IsZero() {
		logger.Info("pool not initialized")
		return nil
	}
	logger.Info("pool state",
		zap.String("sqrt_price_x96", slot0.SqrtPriceX96.ToBig().String()),
		zap.String("price_raw", replay.Price(slot0.SqrtPriceX96, 0, 0).String()),
		zap.Int32("tick", slot0.Tick),
		zap.String("liquidity", runner.Pool().Liquidity().String()),
		zap.Int("mismatches", summary.Mismatches),
	)

	if chainClient != nil && summary.Last.Set {
		return verifyAgainstChain(ctx, chainClient, runner, summary.Last.Block, logger)
	}
	return nil
}

// verifyAgainstChain compares the replayed slot0 with the contract at the
// last replayed block. Logs later in that block can make this differ.
func verifyAgainstChain(ctx context.Context, client *chain.Client, runner *replay.Runner, block uint64, logger *zap.Logger) error {
	onChain, err := dex.FetchPoolSlot0(ctx, client, runner.Pool().Address(), block)
	if err != nil {
		// historical state needs an archive node
		logger.Warn("end state check skipped", zap.Uint64("block", block), zap.Error(err))
		return nil
	}

	slot0 := runner.Pool().Slot0()
	engine := model.PoolSlot0{
		SqrtPriceX96: slot0.SqrtPriceX96.ToBig().String(),
		Tick:         slot0.Tick,
		Liquidity:    runner.Pool().Liquidity().String(),
	}
	if engine != onChain {
		logger.Warn("end state differs from chain",
			zap.Uint64("block", block),
			zap.Any("engine", engine),
			zap.Any("chain", onChain),
		)
		return nil
	}
	logger.Info("end state matches chain", zap.Uint64("block", block))
	return nil
}
