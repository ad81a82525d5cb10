// Package tickmath converts between tick indices and Q64.96 square-root prices,
// where price(tick) = 1.0001^tick.
package tickmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// MinTick is the smallest tick whose sqrt price is representable.
	MinTick int32 = -887272
	// MaxTick is the largest tick whose sqrt price is representable.
	MaxTick int32 = -MinTick
)

var (
	// ErrOutOfBounds is returned for a tick or sqrt price outside the legal domain.
	ErrOutOfBounds = errors.New("tick or sqrt price out of bounds")

	// MinSqrtRatio is GetSqrtRatioAtTick(MinTick).
	MinSqrtRatio = uint256.NewInt(4295128739)
	// MaxSqrtRatio is GetSqrtRatioAtTick(MaxTick).
	MaxSqrtRatio = mustDecimal("1461446703485210103287273052203988822378723970342")
)

// sqrt(1.0001)^-(2^i) in Q128.128, indexed by bit i of |tick|.
var powers = [20]*uint256.Int{
	mustHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	mustHex("0xfff97272373d413259a46990580e213a"),
	mustHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	mustHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	mustHex("0xffcb9843d60f6159c9db58835c926644"),
	mustHex("0xff973b41fa98c081472e6896dfb254c0"),
	mustHex("0xff2ea16466c96a3843ec78b326b52861"),
	mustHex("0xfe5dee046a99a2a811c461f1969c3053"),
	mustHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	mustHex("0xf987a7253ac413176f2b074cf7815e54"),
	mustHex("0xf3392b0822b70005940c7a398e4b70f3"),
	mustHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	mustHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	mustHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	mustHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	mustHex("0x31be135f97d08fd981231505542fcfa6"),
	mustHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	mustHex("0x5d6af8dedb81196699c329225ee604"),
	mustHex("0x2216e584f5fa1ea926041bedfe98"),
	mustHex("0x48a170391f7dc42444e8fa2"),
}

var (
	q128       = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	maxUint256 = new(uint256.Int).SetAllOne()
	lowMask32  = uint256.NewInt(0xffffffff)

	log2ToLogSqrt10001 = mustHex("0x3627a301d71055774c85")
	tickLowOffset      = mustHex("0x28f6481ab7f045a5af012a19d003aaa")
	tickHighOffset     = mustHex("0xdb2df09e81959a81455e260799a0632f")
)

// GetSqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96, rounded up.
func GetSqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrOutOfBounds
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(powers[0])
	} else {
		ratio.Set(q128)
	}
	for i := 1; i < len(powers); i++ {
		if absTick&(1<<i) != 0 {
			ratio.Mul(ratio, powers[i]).Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so that GetTickAtSqrtRatio of the result is consistent.
	rounded := new(uint256.Int).Rsh(ratio, 32)
	if !new(uint256.Int).And(ratio, lowMask32).IsZero() {
		rounded.AddUint64(rounded, 1)
	}
	return rounded, nil
}

// GetTickAtSqrtRatio returns the greatest tick whose sqrt ratio is <= sqrtPriceX96.
// sqrtPriceX96 must be in [MinSqrtRatio, MaxSqrtRatio).
func GetTickAtSqrtRatio(sqrtPriceX96 *uint256.Int) (int32, error) {
	if sqrtPriceX96.Lt(MinSqrtRatio) || !sqrtPriceX96.Lt(MaxSqrtRatio) {
		return 0, ErrOutOfBounds
	}

	ratio := new(uint256.Int).Lsh(sqrtPriceX96, 32)
	msb := ratio.BitLen() - 1

	r := new(uint256.Int)
	if msb >= 128 {
		r.Rsh(ratio, uint(msb-127))
	} else {
		r.Lsh(ratio, uint(127-msb))
	}

	// log2 is a signed Q64.64 held in two's complement.
	log2 := signed(int64(msb) - 128)
	log2.Lsh(log2, 64)

	f := new(uint256.Int)
	for shift := uint(63); shift >= 50; shift-- {
		r.Mul(r, r).Rsh(r, 127)
		f.Rsh(r, 128)
		log2.Or(log2, new(uint256.Int).Lsh(f, shift))
		r.Rsh(r, uint(f.Uint64()))
	}

	logSqrt10001 := new(uint256.Int).Mul(log2, log2ToLogSqrt10001)

	tickLow := int32(int64(new(uint256.Int).SRsh(new(uint256.Int).Sub(logSqrt10001, tickLowOffset), 128).Uint64()))
	tickHigh := int32(int64(new(uint256.Int).SRsh(new(uint256.Int).Add(logSqrt10001, tickHighOffset), 128).Uint64()))

	if tickLow == tickHigh {
		return tickLow, nil
	}
	highRatio, err := GetSqrtRatioAtTick(tickHigh)
	if err != nil {
		return 0, err
	}
	if !highRatio.Gt(sqrtPriceX96) {
		return tickHigh, nil
	}
	return tickLow, nil
}

func signed(v int64) *uint256.Int {
	if v >= 0 {
		return uint256.NewInt(uint64(v))
	}
	out := uint256.NewInt(uint64(-v))
	return out.Neg(out)
}

func mustHex(s string) *uint256.Int {
	v, err := uint256.FromHex(s)
	if err != nil {
		panic(err)
	}
	return v
}

func mustDecimal(s string) *uint256.Int {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("tickmath: bad decimal " + s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		panic("tickmath: decimal overflows uint256 " + s)
	}
	return v
}
