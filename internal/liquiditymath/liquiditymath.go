// Package liquiditymath applies signed liquidity deltas to uint128 liquidity.
package liquiditymath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"lukechampine.com/uint128"
)

var (
	ErrUnderflow = errors.New("liquidity underflow")
	ErrOverflow  = errors.New("liquidity overflow")
)

// AddDelta returns x + y, failing when the result leaves the uint128 range.
func AddDelta(x uint128.Uint128, y *big.Int) (uint128.Uint128, error) {
	sum := new(big.Int).Add(x.Big(), y)
	if sum.Sign() < 0 {
		return uint128.Zero, ErrUnderflow
	}
	if sum.BitLen() > 128 {
		return uint128.Zero, ErrOverflow
	}
	return uint128.FromBig(sum), nil
}

// ToUint256 widens a uint128.
func ToUint256(x uint128.Uint128) *uint256.Int {
	return &uint256.Int{x.Lo, x.Hi, 0, 0}
}

// FromUint256 narrows x to 128 bits, reporting whether it fit.
func FromUint256(x *uint256.Int) (uint128.Uint128, bool) {
	if x[2] != 0 || x[3] != 0 {
		return uint128.Zero, false
	}
	return uint128.New(x[0], x[1]), true
}

// Truncate keeps the low 128 bits of x.
func Truncate(x *uint256.Int) uint128.Uint128 {
	return uint128.New(x[0], x[1])
}

// Signed converts an unsigned liquidity amount into a signed delta, negated when negative is set.
func Signed(x uint128.Uint128, negative bool) *big.Int {
	v := x.Big()
	if negative {
		v.Neg(v)
	}
	return v
}

// Abs returns |y| as a uint128, failing when it does not fit.
func Abs(y *big.Int) (uint128.Uint128, error) {
	v := new(big.Int).Abs(y)
	if v.BitLen() > 128 {
		return uint128.Zero, ErrOverflow
	}
	return uint128.FromBig(v), nil
}
