package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/swapmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

// swapState is the running state of a swap, committed only at the end.
type swapState struct {
	// unspent input (exact input) or still-wanted output (exact output)
	remaining *uint256.Int
	// output paid (exact input) or input owed including fees (exact output)
	calculated   *uint256.Int
	sqrtPriceX96 *uint256.Int
	tick         int32
	// fee growth of the input token
	feeGrowthGlobalX128 *uint256.Int
	liquidity           uint128.Uint128
}

// Swap exchanges token0 for token1 (zeroForOne) or the reverse. A positive
// amountSpecified is an exact input amount, a negative one an exact output
// amount. The price never moves past sqrtPriceLimitX96. The returned deltas
// are from the pool's perspective: positive amounts are owed to the pool by
// the settler, negative amounts have been paid to recipient.
func (p *Pool) Swap(
	sender, recipient common.Address,
	zeroForOne bool,
	amountSpecified *big.Int,
	sqrtPriceLimitX96 *uint256.Int,
	settler SwapSettler,
	data []byte,
) (amount0, amount1 *big.Int, err error) {
	if amountSpecified.Sign() == 0 {
		return nil, nil, ErrZeroAmount
	}
	specified, overflow := uint256.FromBig(new(big.Int).Abs(amountSpecified))
	if overflow {
		return nil, nil, fmt.Errorf("%w: amount specified", ErrOutOfBounds)
	}

	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock(&err)

	slot0Start := p.slot0.clone()
	if zeroForOne {
		if !sqrtPriceLimitX96.Lt(slot0Start.SqrtPriceX96) || !sqrtPriceLimitX96.Gt(tickmath.MinSqrtRatio) {
			return nil, nil, ErrInvalidPriceLimit
		}
	} else {
		if !sqrtPriceLimitX96.Gt(slot0Start.SqrtPriceX96) || !sqrtPriceLimitX96.Lt(tickmath.MaxSqrtRatio) {
			return nil, nil, ErrInvalidPriceLimit
		}
	}

	exactInput := amountSpecified.Sign() > 0
	liquidityStart := p.liquidity
	blockTimestamp := p.cfg.Clock.Now()

	// oracle values are read at most once, on the first initialized tick crossed
	var (
		computedLatestObservation bool
		tickCumulative            int64
		secondsPerLiquidityX128   = new(uint256.Int)
	)

	state := swapState{
		remaining:    new(uint256.Int).Set(specified),
		calculated:   new(uint256.Int),
		sqrtPriceX96: new(uint256.Int).Set(slot0Start.SqrtPriceX96),
		tick:         slot0Start.Tick,
		liquidity:    liquidityStart,
	}
	if zeroForOne {
		state.feeGrowthGlobalX128 = new(uint256.Int).Set(p.feeGrowthGlobal0X128)
	} else {
		state.feeGrowthGlobalX128 = new(uint256.Int).Set(p.feeGrowthGlobal1X128)
	}

	for !state.remaining.IsZero() && !state.sqrtPriceX96.Eq(sqrtPriceLimitX96) {
		sqrtPriceStart := new(uint256.Int).Set(state.sqrtPriceX96)

		tickNext, initialized := p.bitmap.NextInitializedTickWithinOneWord(state.tick, p.cfg.TickSpacing, zeroForOne)
		// the bitmap is unaware of the tick domain
		if tickNext < tickmath.MinTick {
			tickNext = tickmath.MinTick
		} else if tickNext > tickmath.MaxTick {
			tickNext = tickmath.MaxTick
		}

		sqrtPriceNext, err := tickmath.GetSqrtRatioAtTick(tickNext)
		if err != nil {
			return nil, nil, err
		}

		target := sqrtPriceNext
		if (zeroForOne && sqrtPriceNext.Lt(sqrtPriceLimitX96)) || (!zeroForOne && sqrtPriceNext.Gt(sqrtPriceLimitX96)) {
			target = sqrtPriceLimitX96
		}

		step, err := swapmath.ComputeSwapStep(state.sqrtPriceX96, target, state.liquidity, state.remaining, p.cfg.Fee, exactInput)
		if err != nil {
			return nil, nil, fmt.Errorf("swap step at tick %d: %w", state.tick, err)
		}
		state.sqrtPriceX96 = step.SqrtPriceNextX96

		spent := new(uint256.Int).Add(step.AmountIn, step.FeeAmount)
		if exactInput {
			state.remaining.Sub(state.remaining, spent)
			state.calculated.Add(state.calculated, step.AmountOut)
		} else {
			state.remaining.Sub(state.remaining, step.AmountOut)
			state.calculated.Add(state.calculated, spent)
		}

		if !state.liquidity.IsZero() {
			growth, err := fullmath.MulDiv(step.FeeAmount, fullmath.Q128, liquiditymath.ToUint256(state.liquidity))
			if err != nil {
				return nil, nil, err
			}
			state.feeGrowthGlobalX128.Add(state.feeGrowthGlobalX128, growth)
		}

		if state.sqrtPriceX96.Eq(sqrtPriceNext) {
			// reached the next tick, cross it if it holds liquidity
			if initialized {
				if !computedLatestObservation {
					tickCumulative, secondsPerLiquidityX128, err = p.observations.ObserveSingle(
						blockTimestamp, 0,
						slot0Start.Tick,
						slot0Start.ObservationIndex,
						liquidityStart,
						slot0Start.ObservationCardinality,
					)
					if err != nil {
						return nil, nil, err
					}
					computedLatestObservation = true
				}

				g := tick.Globals{
					FeeGrowthGlobal0X128:              p.feeGrowthGlobal0X128,
					FeeGrowthGlobal1X128:              state.feeGrowthGlobalX128,
					SecondsPerLiquidityCumulativeX128: secondsPerLiquidityX128,
					TickCumulative:                    tickCumulative,
					Time:                              blockTimestamp,
				}
				if zeroForOne {
					g.FeeGrowthGlobal0X128 = state.feeGrowthGlobalX128
					g.FeeGrowthGlobal1X128 = p.feeGrowthGlobal1X128
				}

				p.touchTick(tickNext)
				liquidityNet := p.ticks.Cross(tickNext, g)
				// moving left the net is applied in reverse
				if zeroForOne {
					liquidityNet.Neg(liquidityNet)
				}
				state.liquidity, err = liquiditymath.AddDelta(state.liquidity, liquidityNet)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: crossing tick %d: %v", ErrInvalidLiquidity, tickNext, err)
				}
			}

			if zeroForOne {
				state.tick = tickNext - 1
			} else {
				state.tick = tickNext
			}
		} else if !state.sqrtPriceX96.Eq(sqrtPriceStart) {
			// partial step, recompute the tick from the new price
			state.tick, err = tickmath.GetTickAtSqrtRatio(state.sqrtPriceX96)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	// the observation records the tick that held before this swap
	if state.tick != slot0Start.Tick {
		index, cardinality := p.writeObservation(
			slot0Start.ObservationIndex,
			blockTimestamp,
			slot0Start.Tick,
			liquidityStart,
			slot0Start.ObservationCardinality,
			slot0Start.ObservationCardinalityNext,
		)
		p.slot0.SqrtPriceX96 = state.sqrtPriceX96
		p.slot0.Tick = state.tick
		p.slot0.ObservationIndex = index
		p.slot0.ObservationCardinality = cardinality
	} else {
		p.slot0.SqrtPriceX96 = state.sqrtPriceX96
	}

	if liquidityStart != state.liquidity {
		p.liquidity = state.liquidity
	}

	if zeroForOne {
		p.feeGrowthGlobal0X128 = state.feeGrowthGlobalX128
	} else {
		p.feeGrowthGlobal1X128 = state.feeGrowthGlobalX128
	}

	consumed := new(uint256.Int).Sub(specified, state.remaining).ToBig()
	calculated := state.calculated.ToBig()
	if exactInput {
		calculated.Neg(calculated)
	} else {
		consumed.Neg(consumed)
	}
	if zeroForOne == exactInput {
		amount0, amount1 = consumed, calculated
	} else {
		amount0, amount1 = calculated, consumed
	}

	// pay out first, then collect the input through the settler
	if zeroForOne {
		if err := p.payOut(p.cfg.Token1, recipient, amount1); err != nil {
			return nil, nil, err
		}
		balance0Before := p.balance0()
		if err := p.settleSwap(settler, amount0, amount1, data); err != nil {
			return nil, nil, err
		}
		if err := checkPaid(balance0Before, positivePart(amount0), p.balance0, "token0"); err != nil {
			return nil, nil, err
		}
	} else {
		if err := p.payOut(p.cfg.Token0, recipient, amount0); err != nil {
			return nil, nil, err
		}
		balance1Before := p.balance1()
		if err := p.settleSwap(settler, amount0, amount1, data); err != nil {
			return nil, nil, err
		}
		if err := checkPaid(balance1Before, positivePart(amount1), p.balance1, "token1"); err != nil {
			return nil, nil, err
		}
	}

	p.record(SwapEvent{
		Sender:       sender,
		Recipient:    recipient,
		Amount0:      new(big.Int).Set(amount0),
		Amount1:      new(big.Int).Set(amount1),
		SqrtPriceX96: new(uint256.Int).Set(state.sqrtPriceX96),
		Liquidity:    state.liquidity,
		Tick:         state.tick,
	})
	p.logger.Debug("swap",
		zap.Bool("zero_for_one", zeroForOne),
		zap.Stringer("amount0", amount0),
		zap.Stringer("amount1", amount1),
		zap.Int32("tick", state.tick),
		zap.Stringer("liquidity", state.liquidity),
	)
	return amount0, amount1, nil
}

// payOut sends -delta of token to recipient when delta is negative.
func (p *Pool) payOut(token, recipient common.Address, delta *big.Int) error {
	if delta.Sign() >= 0 {
		return nil
	}
	amount, _ := uint256.FromBig(new(big.Int).Neg(delta))
	if err := p.cfg.Vault.Transfer(token, p.cfg.Address, recipient, amount); err != nil {
		return fmt.Errorf("pay %s: %w", token.Hex(), err)
	}
	return nil
}

func (p *Pool) settleSwap(settler SwapSettler, amount0, amount1 *big.Int, data []byte) error {
	if settler == nil {
		return nil
	}
	if err := settler.SettleSwap(new(big.Int).Set(amount0), new(big.Int).Set(amount1), data); err != nil {
		return fmt.Errorf("swap settlement: %w", err)
	}
	return nil
}

func positivePart(x *big.Int) *uint256.Int {
	if x.Sign() <= 0 {
		return new(uint256.Int)
	}
	v, _ := uint256.FromBig(x)
	return v
}
