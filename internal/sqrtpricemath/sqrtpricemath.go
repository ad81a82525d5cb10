// Package sqrtpricemath computes token amounts between sqrt prices and the
// sqrt price reached after adding or removing an amount of one token.
//
// Rounding always favours the pool: amounts owed to the pool round up, amounts
// paid by the pool round down.
package sqrtpricemath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
)

var (
	ErrZeroPrice            = errors.New("sqrt price must be greater than zero")
	ErrZeroLiquidity        = errors.New("liquidity must be greater than zero")
	ErrPriceOverflow        = errors.New("sqrt price overflows uint160")
	ErrInsufficientReserves = errors.New("amount exceeds available reserves")
)

var (
	maxUint160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)
)

// GetNextSqrtPriceFromInput returns the sqrt price after amountIn of the input token is added.
func GetNextSqrtPriceFromInput(sqrtPX96 *uint256.Int, liquidity uint128.Uint128, amountIn *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	if sqrtPX96.IsZero() {
		return nil, ErrZeroPrice
	}
	if liquidity.IsZero() {
		return nil, ErrZeroLiquidity
	}
	if zeroForOne {
		return nextFromAmount0RoundingUp(sqrtPX96, liquidity, amountIn, true)
	}
	return nextFromAmount1RoundingDown(sqrtPX96, liquidity, amountIn, true)
}

// GetNextSqrtPriceFromOutput returns the sqrt price after amountOut of the output token is removed.
func GetNextSqrtPriceFromOutput(sqrtPX96 *uint256.Int, liquidity uint128.Uint128, amountOut *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	if sqrtPX96.IsZero() {
		return nil, ErrZeroPrice
	}
	if liquidity.IsZero() {
		return nil, ErrZeroLiquidity
	}
	if zeroForOne {
		return nextFromAmount1RoundingDown(sqrtPX96, liquidity, amountOut, false)
	}
	return nextFromAmount0RoundingUp(sqrtPX96, liquidity, amountOut, false)
}

// nextFromAmount0RoundingUp computes L*sqrtP / (L ± amount*sqrtP), rounded up so
// the price moves less than exactly on add and more on remove.
func nextFromAmount0RoundingUp(sqrtPX96 *uint256.Int, liquidity uint128.Uint128, amount *uint256.Int, add bool) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int).Set(sqrtPX96), nil
	}
	numerator1 := new(uint256.Int).Lsh(liquiditymath.ToUint256(liquidity), 96)

	product, productOverflow := new(uint256.Int).MulOverflow(amount, sqrtPX96)
	if add {
		if !productOverflow {
			denominator, sumOverflow := new(uint256.Int).AddOverflow(numerator1, product)
			if !sumOverflow {
				return fullmath.MulDivRoundingUp(numerator1, sqrtPX96, denominator)
			}
		}
		// L / (L/sqrtP + amount), always safe from overflow of the product
		denominator, sumOverflow := new(uint256.Int).AddOverflow(new(uint256.Int).Div(numerator1, sqrtPX96), amount)
		if sumOverflow {
			return nil, ErrPriceOverflow
		}
		return fullmath.DivRoundingUp(numerator1, denominator)
	}

	if productOverflow || !numerator1.Gt(product) {
		return nil, ErrInsufficientReserves
	}
	denominator := new(uint256.Int).Sub(numerator1, product)
	next, err := fullmath.MulDivRoundingUp(numerator1, sqrtPX96, denominator)
	if err != nil {
		return nil, err
	}
	if next.Gt(maxUint160) {
		return nil, ErrPriceOverflow
	}
	return next, nil
}

// nextFromAmount1RoundingDown computes sqrtP ± amount/L, rounded down on add and up on remove.
func nextFromAmount1RoundingDown(sqrtPX96 *uint256.Int, liquidity uint128.Uint128, amount *uint256.Int, add bool) (*uint256.Int, error) {
	l := liquiditymath.ToUint256(liquidity)
	if add {
		var quotient *uint256.Int
		if !amount.Gt(maxUint160) {
			quotient = new(uint256.Int).Div(new(uint256.Int).Lsh(amount, 96), l)
		} else {
			var err error
			quotient, err = fullmath.MulDiv(amount, fullmath.Q96, l)
			if err != nil {
				return nil, err
			}
		}
		next, overflow := new(uint256.Int).AddOverflow(sqrtPX96, quotient)
		if overflow || next.Gt(maxUint160) {
			return nil, ErrPriceOverflow
		}
		return next, nil
	}

	var (
		quotient *uint256.Int
		err      error
	)
	if !amount.Gt(maxUint160) {
		quotient, err = fullmath.DivRoundingUp(new(uint256.Int).Lsh(amount, 96), l)
	} else {
		quotient, err = fullmath.MulDivRoundingUp(amount, fullmath.Q96, l)
	}
	if err != nil {
		return nil, err
	}
	if !sqrtPX96.Gt(quotient) {
		return nil, ErrInsufficientReserves
	}
	return new(uint256.Int).Sub(sqrtPX96, quotient), nil
}

// GetAmount0Delta returns the token0 amount between two prices for the given liquidity:
// L * (sqrtB - sqrtA) / (sqrtA * sqrtB).
func GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity uint128.Uint128, roundUp bool) (*uint256.Int, error) {
	if sqrtRatioAX96.Gt(sqrtRatioBX96) {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}
	if sqrtRatioAX96.IsZero() {
		return nil, ErrZeroPrice
	}

	numerator1 := new(uint256.Int).Lsh(liquiditymath.ToUint256(liquidity), 96)
	numerator2 := new(uint256.Int).Sub(sqrtRatioBX96, sqrtRatioAX96)

	if roundUp {
		inner, err := fullmath.MulDivRoundingUp(numerator1, numerator2, sqrtRatioBX96)
		if err != nil {
			return nil, err
		}
		return fullmath.DivRoundingUp(inner, sqrtRatioAX96)
	}
	inner, err := fullmath.MulDiv(numerator1, numerator2, sqrtRatioBX96)
	if err != nil {
		return nil, err
	}
	return inner.Div(inner, sqrtRatioAX96), nil
}

// GetAmount1Delta returns the token1 amount between two prices: L * (sqrtB - sqrtA).
func GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity uint128.Uint128, roundUp bool) (*uint256.Int, error) {
	if sqrtRatioAX96.Gt(sqrtRatioBX96) {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}
	diff := new(uint256.Int).Sub(sqrtRatioBX96, sqrtRatioAX96)
	l := liquiditymath.ToUint256(liquidity)
	if roundUp {
		return fullmath.MulDivRoundingUp(l, diff, fullmath.Q96)
	}
	return fullmath.MulDiv(l, diff, fullmath.Q96)
}

// GetAmount0DeltaSigned is GetAmount0Delta for a signed liquidity delta. Adding
// liquidity rounds up, removing rounds down, and the sign follows the delta.
func GetAmount0DeltaSigned(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity *big.Int) (*big.Int, error) {
	abs, err := liquiditymath.Abs(liquidity)
	if err != nil {
		return nil, err
	}
	amount, err := GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, abs, liquidity.Sign() > 0)
	if err != nil {
		return nil, err
	}
	return withSign(amount, liquidity.Sign() < 0), nil
}

// GetAmount1DeltaSigned is GetAmount1Delta for a signed liquidity delta.
func GetAmount1DeltaSigned(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity *big.Int) (*big.Int, error) {
	abs, err := liquiditymath.Abs(liquidity)
	if err != nil {
		return nil, err
	}
	amount, err := GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, abs, liquidity.Sign() > 0)
	if err != nil {
		return nil, err
	}
	return withSign(amount, liquidity.Sign() < 0), nil
}

func withSign(x *uint256.Int, negative bool) *big.Int {
	v := x.ToBig()
	if negative {
		v.Neg(v)
	}
	return v
}
