// Package swapmath computes a single swap step within one tick range.
package swapmath

import (
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/sqrtpricemath"
)

// FeeDenominator expresses fees in hundredths of a basis point (pips).
const FeeDenominator = 1_000_000

var feeDenominator = uint256.NewInt(FeeDenominator)

// Step is the outcome of one swap step.
type Step struct {
	SqrtPriceNextX96 *uint256.Int
	AmountIn         *uint256.Int
	AmountOut        *uint256.Int
	FeeAmount        *uint256.Int
}

// ComputeSwapStep swaps amountRemaining against liquidity, moving the price from
// sqrtRatioCurrentX96 toward sqrtRatioTargetX96 but never past it. The direction
// is implied by the two prices. amountRemaining is the unspent input when
// exactInput is set and the still-wanted output otherwise.
func ComputeSwapStep(
	sqrtRatioCurrentX96 *uint256.Int,
	sqrtRatioTargetX96 *uint256.Int,
	liquidity uint128.Uint128,
	amountRemaining *uint256.Int,
	feePips uint32,
	exactInput bool,
) (Step, error) {
	zeroForOne := !sqrtRatioCurrentX96.Lt(sqrtRatioTargetX96)
	fee := uint256.NewInt(uint64(feePips))
	oneMinusFee := new(uint256.Int).Sub(feeDenominator, fee)

	var (
		step Step
		err  error
	)

	if exactInput {
		amountRemainingLessFee, err := fullmath.MulDiv(amountRemaining, oneMinusFee, feeDenominator)
		if err != nil {
			return Step{}, err
		}
		if zeroForOne {
			step.AmountIn, err = sqrtpricemath.GetAmount0Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, true)
		} else {
			step.AmountIn, err = sqrtpricemath.GetAmount1Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, true)
		}
		if err != nil {
			return Step{}, err
		}
		if !amountRemainingLessFee.Lt(step.AmountIn) {
			step.SqrtPriceNextX96 = new(uint256.Int).Set(sqrtRatioTargetX96)
		} else {
			step.SqrtPriceNextX96, err = sqrtpricemath.GetNextSqrtPriceFromInput(sqrtRatioCurrentX96, liquidity, amountRemainingLessFee, zeroForOne)
			if err != nil {
				return Step{}, err
			}
		}
	} else {
		if zeroForOne {
			step.AmountOut, err = sqrtpricemath.GetAmount1Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, false)
		} else {
			step.AmountOut, err = sqrtpricemath.GetAmount0Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, false)
		}
		if err != nil {
			return Step{}, err
		}
		if !amountRemaining.Lt(step.AmountOut) {
			step.SqrtPriceNextX96 = new(uint256.Int).Set(sqrtRatioTargetX96)
		} else {
			step.SqrtPriceNextX96, err = sqrtpricemath.GetNextSqrtPriceFromOutput(sqrtRatioCurrentX96, liquidity, amountRemaining, zeroForOne)
			if err != nil {
				return Step{}, err
			}
		}
	}

	reachedTarget := sqrtRatioTargetX96.Eq(step.SqrtPriceNextX96)

	// recompute whichever amounts were not fixed by reaching the target
	if zeroForOne {
		if !(reachedTarget && exactInput) {
			if step.AmountIn, err = sqrtpricemath.GetAmount0Delta(step.SqrtPriceNextX96, sqrtRatioCurrentX96, liquidity, true); err != nil {
				return Step{}, err
			}
		}
		if !(reachedTarget && !exactInput) {
			if step.AmountOut, err = sqrtpricemath.GetAmount1Delta(step.SqrtPriceNextX96, sqrtRatioCurrentX96, liquidity, false); err != nil {
				return Step{}, err
			}
		}
	} else {
		if !(reachedTarget && exactInput) {
			if step.AmountIn, err = sqrtpricemath.GetAmount1Delta(sqrtRatioCurrentX96, step.SqrtPriceNextX96, liquidity, true); err != nil {
				return Step{}, err
			}
		}
		if !(reachedTarget && !exactInput) {
			if step.AmountOut, err = sqrtpricemath.GetAmount0Delta(sqrtRatioCurrentX96, step.SqrtPriceNextX96, liquidity, false); err != nil {
				return Step{}, err
			}
		}
	}

	// the output can never exceed what was asked for
	if !exactInput && step.AmountOut.Gt(amountRemaining) {
		step.AmountOut = new(uint256.Int).Set(amountRemaining)
	}

	if exactInput && !reachedTarget {
		// the price stopped short, so everything left of the input is fee
		step.FeeAmount = new(uint256.Int).Sub(amountRemaining, step.AmountIn)
	} else {
		step.FeeAmount, err = fullmath.MulDivRoundingUp(step.AmountIn, fee, oneMinusFee)
		if err != nil {
			return Step{}, err
		}
	}

	return step, nil
}
