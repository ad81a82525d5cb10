package replay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/ledger"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
)

var q192 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)

// QuoteRequest describes a hypothetical swap. A positive Amount is an exact
// input, a negative one an exact output. A nil Limit allows the full price
// range.
type QuoteRequest struct {
	ZeroForOne bool
	Amount     *big.Int
	Limit      *uint256.Int
}

// QuoteResult is the outcome of a quoted swap from the pool's perspective.
type QuoteResult struct {
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *uint256.Int
	Tick         int32
	Liquidity    uint128.Uint128
}

// Quote runs req against a scratch pool restored from snap. The snapshot is
// not modified.
func Quote(snap model.PoolSnapshot, req QuoteRequest) (QuoteResult, error) {
	st, err := FromSnapshot(snap)
	if err != nil {
		return QuoteResult{}, err
	}
	cfg, err := PoolConfig(snap.Pool)
	if err != nil {
		return QuoteResult{}, err
	}
	l := ledger.New()
	clock := pool.NewManualClock(latestObservation(snap))
	cfg.Vault = l
	cfg.Clock = clock

	p, err := pool.Restore(cfg, st)
	if err != nil {
		return QuoteResult{}, err
	}

	limit := req.Limit
	if limit == nil {
		limit = maxSwapLimit
		if req.ZeroForOne {
			limit = minSwapLimit
		}
	}

	// the pool pays out of custody before settlement
	applier := NewApplier(p, l, clock, payerAccount)
	for _, token := range []struct {
		addr  common.Address
		value string
	}{{cfg.Token0, snap.Balance0}, {cfg.Token1, snap.Balance1}} {
		if token.value == "" {
			continue
		}
		amount, err := parseU256(token.value)
		if err != nil {
			return QuoteResult{}, fmt.Errorf("pool balance: %w", err)
		}
		if err := l.Mint(token.addr, cfg.Address, amount); err != nil {
			return QuoteResult{}, err
		}
	}

	amount0, amount1, err := p.Swap(payerAccount, payerAccount, req.ZeroForOne, req.Amount, limit, applier.payer, nil)
	if err != nil {
		return QuoteResult{}, err
	}
	slot0 := p.Slot0()
	return QuoteResult{
		Amount0:      amount0,
		Amount1:      amount1,
		SqrtPriceX96: slot0.SqrtPriceX96,
		Tick:         slot0.Tick,
		Liquidity:    p.Liquidity(),
	}, nil
}

func latestObservation(snap model.PoolSnapshot) uint32 {
	for _, o := range snap.Observations {
		if o.Index == snap.Slot0.ObservationIndex {
			return o.BlockTimestamp
		}
	}
	return 0
}

// Price converts a Q64.96 square-root price into token1 per token0 in whole
// token units.
func Price(sqrtPriceX96 *uint256.Int, decimals0, decimals1 int32) decimal.Decimal {
	sqrt := sqrtPriceX96.ToBig()
	squared := new(big.Int).Mul(sqrt, sqrt)
	return decimal.NewFromBigInt(squared, decimals0-decimals1).DivRound(q192, 18)
}

// TokenAmount renders a raw token amount in whole token units.
func TokenAmount(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}

// RawAmount converts a whole-unit amount into raw token units, truncating
// digits below the token's precision.
func RawAmount(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}
