// Package fullmath implements multiply-then-divide with a 512-bit intermediate.
package fullmath

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fullmath: result overflows uint256")
	// ErrDivisionByZero is returned for a zero denominator.
	ErrDivisionByZero = errors.New("fullmath: division by zero")
)

var (
	one = uint256.NewInt(1)

	// Q96 is 2^96, the unit of a Q64.96 number.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	// Q128 is 2^128, the unit of a Q128.128 number.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
)

// MulDiv computes floor(a*b/denominator) without losing precision in the product.
func MulDiv(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivisionByZero
	}
	result, overflow := new(uint256.Int).MulDivOverflow(a, b, denominator)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// MulDivRoundingUp computes ceil(a*b/denominator).
func MulDivRoundingUp(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	result, err := MulDiv(a, b, denominator)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(a, b, denominator).IsZero() {
		return result, nil
	}
	if result.Eq(maxUint256) {
		return nil, ErrOverflow
	}
	return result.Add(result, one), nil
}

// DivRoundingUp computes ceil(x/y).
func DivRoundingUp(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	quotient, rem := new(uint256.Int), new(uint256.Int)
	quotient.DivMod(x, y, rem)
	if !rem.IsZero() {
		quotient.Add(quotient, one)
	}
	return quotient, nil
}

var maxUint256 = new(uint256.Int).SetAllOne()
