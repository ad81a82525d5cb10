package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/position"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/sqrtpricemath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

// Mint adds amount of liquidity to owner's position over [tickLower, tickUpper).
// The settler is called with the token amounts owed and must pay them to the
// pool before returning.
func (p *Pool) Mint(
	sender, owner common.Address,
	tickLower, tickUpper int32,
	amount uint128.Uint128,
	settler MintSettler,
	data []byte,
) (amount0, amount1 *uint256.Int, err error) {
	if amount.IsZero() {
		return nil, nil, ErrZeroLiquidity
	}
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock(&err)

	a0, a1, err := p.modifyPosition(owner, tickLower, tickUpper, liquiditymath.Signed(amount, false))
	if err != nil {
		return nil, nil, err
	}
	// minting only ever rounds up to positive amounts
	amount0, _ = uint256.FromBig(a0)
	amount1, _ = uint256.FromBig(a1)

	var balance0Before, balance1Before *uint256.Int
	if !amount0.IsZero() {
		balance0Before = p.balance0()
	}
	if !amount1.IsZero() {
		balance1Before = p.balance1()
	}
	if settler != nil {
		if err := settler.SettleMint(new(uint256.Int).Set(amount0), new(uint256.Int).Set(amount1), data); err != nil {
			return nil, nil, fmt.Errorf("mint settlement: %w", err)
		}
	}
	if err := checkPaid(balance0Before, amount0, p.balance0, "token0"); err != nil {
		return nil, nil, err
	}
	if err := checkPaid(balance1Before, amount1, p.balance1, "token1"); err != nil {
		return nil, nil, err
	}

	p.record(MintEvent{
		Sender:    sender,
		Owner:     owner,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount:    amount,
		Amount0:   new(uint256.Int).Set(amount0),
		Amount1:   new(uint256.Int).Set(amount1),
	})
	p.logger.Debug("mint",
		zap.String("owner", owner.Hex()),
		zap.Int32("tick_lower", tickLower),
		zap.Int32("tick_upper", tickUpper),
		zap.Stringer("amount", amount),
		zap.Stringer("amount0", amount0.ToBig()),
		zap.Stringer("amount1", amount1.ToBig()),
	)
	return amount0, amount1, nil
}

// Burn removes amount of liquidity from owner's position. The freed tokens are
// credited to the position's owed balances and withdrawn with Collect. A zero
// amount only updates the fees owed to the position.
func (p *Pool) Burn(
	owner common.Address,
	tickLower, tickUpper int32,
	amount uint128.Uint128,
) (amount0, amount1 *uint256.Int, err error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock(&err)

	a0, a1, err := p.modifyPosition(owner, tickLower, tickUpper, liquiditymath.Signed(amount, true))
	if err != nil {
		return nil, nil, err
	}
	amount0, _ = uint256.FromBig(new(big.Int).Neg(a0))
	amount1, _ = uint256.FromBig(new(big.Int).Neg(a1))

	if !amount0.IsZero() || !amount1.IsZero() {
		p.positions.AddOwed(
			position.Key(owner, tickLower, tickUpper),
			liquiditymath.Truncate(amount0),
			liquiditymath.Truncate(amount1),
		)
	}

	p.record(BurnEvent{
		Owner:     owner,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount:    amount,
		Amount0:   new(uint256.Int).Set(amount0),
		Amount1:   new(uint256.Int).Set(amount1),
	})
	p.logger.Debug("burn",
		zap.String("owner", owner.Hex()),
		zap.Int32("tick_lower", tickLower),
		zap.Int32("tick_upper", tickUpper),
		zap.Stringer("amount", amount),
		zap.Stringer("amount0", amount0.ToBig()),
		zap.Stringer("amount1", amount1.ToBig()),
	)
	return amount0, amount1, nil
}

// Collect pays up to the requested amounts of the position's owed tokens to
// its owner.
func (p *Pool) Collect(
	owner common.Address,
	tickLower, tickUpper int32,
	amount0Requested, amount1Requested uint128.Uint128,
) (amount0, amount1 uint128.Uint128, err error) {
	if err := p.lock(); err != nil {
		return uint128.Zero, uint128.Zero, err
	}
	defer p.unlock(&err)

	key := position.Key(owner, tickLower, tickUpper)
	p.touchPosition(key)
	amount0, amount1 = p.positions.Collect(key, amount0Requested, amount1Requested)

	if !amount0.IsZero() {
		if err := p.cfg.Vault.Transfer(p.cfg.Token0, p.cfg.Address, owner, liquiditymath.ToUint256(amount0)); err != nil {
			return uint128.Zero, uint128.Zero, fmt.Errorf("collect token0: %w", err)
		}
	}
	if !amount1.IsZero() {
		if err := p.cfg.Vault.Transfer(p.cfg.Token1, p.cfg.Address, owner, liquiditymath.ToUint256(amount1)); err != nil {
			return uint128.Zero, uint128.Zero, fmt.Errorf("collect token1: %w", err)
		}
	}

	p.record(CollectEvent{
		Owner:     owner,
		Recipient: owner,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount0:   amount0,
		Amount1:   amount1,
	})
	p.logger.Debug("collect",
		zap.String("owner", owner.Hex()),
		zap.Stringer("amount0", amount0),
		zap.Stringer("amount1", amount1),
	)
	return amount0, amount1, nil
}

// modifyPosition applies liquidityDelta to a position and returns the token
// deltas owed to (positive) or by (negative) the pool.
func (p *Pool) modifyPosition(
	owner common.Address,
	tickLower, tickUpper int32,
	liquidityDelta *big.Int,
) (amount0, amount1 *big.Int, err error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return nil, nil, err
	}

	slot0 := p.slot0
	if err := p.updatePosition(owner, tickLower, tickUpper, liquidityDelta, slot0.Tick); err != nil {
		return nil, nil, err
	}

	amount0, amount1 = new(big.Int), new(big.Int)
	if liquidityDelta.Sign() == 0 {
		return amount0, amount1, nil
	}

	sqrtLower, err := tickmath.GetSqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := tickmath.GetSqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case slot0.Tick < tickLower:
		// range is above the price, only token0 is needed
		amount0, err = sqrtpricemath.GetAmount0DeltaSigned(sqrtLower, sqrtUpper, liquidityDelta)
		if err != nil {
			return nil, nil, err
		}
	case slot0.Tick < tickUpper:
		p.slot0.ObservationIndex, p.slot0.ObservationCardinality = p.writeObservation(
			slot0.ObservationIndex,
			p.cfg.Clock.Now(),
			slot0.Tick,
			p.liquidity,
			slot0.ObservationCardinality,
			slot0.ObservationCardinalityNext,
		)

		amount0, err = sqrtpricemath.GetAmount0DeltaSigned(slot0.SqrtPriceX96, sqrtUpper, liquidityDelta)
		if err != nil {
			return nil, nil, err
		}
		amount1, err = sqrtpricemath.GetAmount1DeltaSigned(sqrtLower, slot0.SqrtPriceX96, liquidityDelta)
		if err != nil {
			return nil, nil, err
		}

		next, err := liquiditymath.AddDelta(p.liquidity, liquidityDelta)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: active liquidity: %v", ErrInvalidLiquidity, err)
		}
		p.liquidity = next
	default:
		// range is below the price, only token1 is needed
		amount1, err = sqrtpricemath.GetAmount1DeltaSigned(sqrtLower, sqrtUpper, liquidityDelta)
		if err != nil {
			return nil, nil, err
		}
	}
	return amount0, amount1, nil
}

func (p *Pool) updatePosition(
	owner common.Address,
	tickLower, tickUpper int32,
	liquidityDelta *big.Int,
	tickCurrent int32,
) error {
	key := position.Key(owner, tickLower, tickUpper)
	p.touchPosition(key)

	if liquidityDelta.Sign() < 0 {
		current, _ := p.positions.Get(key)
		if liquiditymath.Signed(current.Liquidity, false).CmpAbs(liquidityDelta) < 0 {
			return fmt.Errorf("%w: burn %s from position holding %s", ErrInsufficientLiquidity, new(big.Int).Neg(liquidityDelta), current.Liquidity)
		}
	}

	var flippedLower, flippedUpper bool
	if liquidityDelta.Sign() != 0 {
		now := p.cfg.Clock.Now()
		tickCumulative, secondsPerLiquidity, err := p.observations.ObserveSingle(
			now, 0,
			p.slot0.Tick,
			p.slot0.ObservationIndex,
			p.liquidity,
			p.slot0.ObservationCardinality,
		)
		if err != nil {
			return err
		}
		g := tick.Globals{
			FeeGrowthGlobal0X128:              p.feeGrowthGlobal0X128,
			FeeGrowthGlobal1X128:              p.feeGrowthGlobal1X128,
			SecondsPerLiquidityCumulativeX128: secondsPerLiquidity,
			TickCumulative:                    tickCumulative,
			Time:                              now,
		}

		p.touchTick(tickLower)
		flippedLower, err = p.ticks.Update(tickLower, tickCurrent, liquidityDelta, g, false, p.maxLiquidityPerTick)
		if err != nil {
			return fmt.Errorf("tick %d: %w", tickLower, err)
		}
		p.touchTick(tickUpper)
		flippedUpper, err = p.ticks.Update(tickUpper, tickCurrent, liquidityDelta, g, true, p.maxLiquidityPerTick)
		if err != nil {
			return fmt.Errorf("tick %d: %w", tickUpper, err)
		}

		if flippedLower {
			if err := p.flipTick(tickLower); err != nil {
				return err
			}
		}
		if flippedUpper {
			if err := p.flipTick(tickUpper); err != nil {
				return err
			}
		}
	}

	inside0, inside1 := p.ticks.FeeGrowthInside(tickLower, tickUpper, tickCurrent, p.feeGrowthGlobal0X128, p.feeGrowthGlobal1X128)
	if err := p.positions.Update(owner, tickLower, tickUpper, liquidityDelta, inside0, inside1); err != nil {
		return err
	}

	// ticks no longer referenced by any position are cleared
	if liquidityDelta.Sign() < 0 {
		if flippedLower {
			p.ticks.Clear(tickLower)
		}
		if flippedUpper {
			p.ticks.Clear(tickUpper)
		}
	}
	return nil
}

// checkPaid verifies the pool balance grew by at least owed since before was read.
func checkPaid(before, owed *uint256.Int, balance func() *uint256.Int, token string) error {
	if before == nil || owed.IsZero() {
		return nil
	}
	want, overflow := new(uint256.Int).AddOverflow(before, owed)
	if overflow {
		return fmt.Errorf("%w: %s balance overflow", ErrInsufficientPayment, token)
	}
	if got := balance(); got.Lt(want) {
		return fmt.Errorf("%w: %s balance %s, want at least %s", ErrInsufficientPayment, token, got.ToBig(), want.ToBig())
	}
	return nil
}
