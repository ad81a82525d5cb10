// Package tick keeps per-tick liquidity and fee growth accounting.
package tick

import (
	"errors"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

// ErrInvalidLiquidity is returned when liquidityGross would go negative or exceed the per-tick cap.
var ErrInvalidLiquidity = errors.New("invalid tick liquidity")

// seconds per liquidity is a 160-bit accumulator
var mask160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)

// Info is the state stored for one tick.
type Info struct {
	// LiquidityGross is the total position liquidity referencing this tick.
	LiquidityGross uint128.Uint128
	// LiquidityNet is added to active liquidity when the tick is crossed left to right.
	LiquidityNet *big.Int

	// Fee growth per unit of liquidity on the other side of this tick
	// relative to the current tick. Only relative values are meaningful.
	FeeGrowthOutside0X128 *uint256.Int
	FeeGrowthOutside1X128 *uint256.Int

	TickCumulativeOutside          int64
	SecondsPerLiquidityOutsideX128 *uint256.Int
	SecondsOutside                 uint32

	Initialized bool
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	return Info{
		LiquidityGross:                 i.LiquidityGross,
		LiquidityNet:                   cloneBig(i.LiquidityNet),
		FeeGrowthOutside0X128:          cloneU256(i.FeeGrowthOutside0X128),
		FeeGrowthOutside1X128:          cloneU256(i.FeeGrowthOutside1X128),
		TickCumulativeOutside:          i.TickCumulativeOutside,
		SecondsPerLiquidityOutsideX128: cloneU256(i.SecondsPerLiquidityOutsideX128),
		SecondsOutside:                 i.SecondsOutside,
		Initialized:                    i.Initialized,
	}
}

func emptyInfo() Info {
	return Info{}.Clone()
}

// Globals carries the pool-wide accumulators a tick snapshots when it is
// initialized or crossed.
type Globals struct {
	FeeGrowthGlobal0X128              *uint256.Int
	FeeGrowthGlobal1X128              *uint256.Int
	SecondsPerLiquidityCumulativeX128 *uint256.Int
	TickCumulative                    int64
	Time                              uint32
}

// Table maps tick index to Info. Entries are created on first reference and
// zeroed rather than removed once no liquidity references them.
type Table struct {
	ticks map[int32]*Info
}

// NewTable returns an empty tick table.
func NewTable() *Table {
	return &Table{ticks: make(map[int32]*Info)}
}

// Get returns a copy of the tick's state and whether an entry exists.
func (t *Table) Get(tick int32) (Info, bool) {
	info, ok := t.ticks[tick]
	if !ok {
		return emptyInfo(), false
	}
	return info.Clone(), true
}

// Restore overwrites the entry for tick. When exists is false the entry is
// removed, undoing its creation.
func (t *Table) Restore(tick int32, info Info, exists bool) {
	if !exists {
		delete(t.ticks, tick)
		return
	}
	c := info.Clone()
	t.ticks[tick] = &c
}

// Update applies liquidityDelta to tick and reports whether the tick flipped
// between initialized and uninitialized.
func (t *Table) Update(
	tick int32,
	tickCurrent int32,
	liquidityDelta *big.Int,
	g Globals,
	upper bool,
	maxLiquidity uint128.Uint128,
) (flipped bool, err error) {
	grossBefore := t.peek(tick).LiquidityGross
	grossAfter, err := liquiditymath.AddDelta(grossBefore, liquidityDelta)
	if err != nil {
		return false, ErrInvalidLiquidity
	}
	if grossAfter.Cmp(maxLiquidity) > 0 {
		return false, ErrInvalidLiquidity
	}

	info := t.entry(tick)
	flipped = grossAfter.IsZero() != grossBefore.IsZero()

	if grossBefore.IsZero() {
		// by convention all growth before initialization happened below the tick
		if tick <= tickCurrent {
			info.FeeGrowthOutside0X128 = cloneU256(g.FeeGrowthGlobal0X128)
			info.FeeGrowthOutside1X128 = cloneU256(g.FeeGrowthGlobal1X128)
			info.SecondsPerLiquidityOutsideX128 = cloneU256(g.SecondsPerLiquidityCumulativeX128)
			info.TickCumulativeOutside = g.TickCumulative
			info.SecondsOutside = g.Time
		}
		info.Initialized = true
	}

	info.LiquidityGross = grossAfter
	if upper {
		info.LiquidityNet = new(big.Int).Sub(info.LiquidityNet, liquidityDelta)
	} else {
		info.LiquidityNet = new(big.Int).Add(info.LiquidityNet, liquidityDelta)
	}
	return flipped, nil
}

// Clear zeroes a tick whose gross liquidity returned to zero.
func (t *Table) Clear(tick int32) {
	if _, ok := t.ticks[tick]; !ok {
		return
	}
	zero := emptyInfo()
	t.ticks[tick] = &zero
}

// Cross flips the outside accumulators of tick as the price moves across it
// and returns the tick's liquidityNet.
func (t *Table) Cross(tick int32, g Globals) *big.Int {
	info := t.entry(tick)
	info.FeeGrowthOutside0X128 = new(uint256.Int).Sub(g.FeeGrowthGlobal0X128, info.FeeGrowthOutside0X128)
	info.FeeGrowthOutside1X128 = new(uint256.Int).Sub(g.FeeGrowthGlobal1X128, info.FeeGrowthOutside1X128)
	info.SecondsPerLiquidityOutsideX128 = new(uint256.Int).Sub(g.SecondsPerLiquidityCumulativeX128, info.SecondsPerLiquidityOutsideX128)
	info.SecondsPerLiquidityOutsideX128.And(info.SecondsPerLiquidityOutsideX128, mask160)
	info.TickCumulativeOutside = g.TickCumulative - info.TickCumulativeOutside
	info.SecondsOutside = g.Time - info.SecondsOutside
	return new(big.Int).Set(info.LiquidityNet)
}

// FeeGrowthInside returns the fee growth per unit of liquidity accrued between
// tickLower and tickUpper. Subtractions wrap, only differences between two
// reads are meaningful.
func (t *Table) FeeGrowthInside(
	tickLower, tickUpper, tickCurrent int32,
	feeGrowthGlobal0X128, feeGrowthGlobal1X128 *uint256.Int,
) (inside0, inside1 *uint256.Int) {
	lower := t.peek(tickLower)
	upper := t.peek(tickUpper)

	var below0, below1 *uint256.Int
	if tickCurrent >= tickLower {
		below0, below1 = lower.FeeGrowthOutside0X128, lower.FeeGrowthOutside1X128
	} else {
		below0 = new(uint256.Int).Sub(feeGrowthGlobal0X128, lower.FeeGrowthOutside0X128)
		below1 = new(uint256.Int).Sub(feeGrowthGlobal1X128, lower.FeeGrowthOutside1X128)
	}

	var above0, above1 *uint256.Int
	if tickCurrent < tickUpper {
		above0, above1 = upper.FeeGrowthOutside0X128, upper.FeeGrowthOutside1X128
	} else {
		above0 = new(uint256.Int).Sub(feeGrowthGlobal0X128, upper.FeeGrowthOutside0X128)
		above1 = new(uint256.Int).Sub(feeGrowthGlobal1X128, upper.FeeGrowthOutside1X128)
	}

	inside0 = new(uint256.Int).Sub(feeGrowthGlobal0X128, below0)
	inside0.Sub(inside0, above0)
	inside1 = new(uint256.Int).Sub(feeGrowthGlobal1X128, below1)
	inside1.Sub(inside1, above1)
	return inside0, inside1
}

// Ticks returns the indices of every stored entry in ascending order.
func (t *Table) Ticks() []int32 {
	out := make([]int32, 0, len(t.ticks))
	for tick := range t.ticks {
		out = append(out, tick)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of stored entries, including cleared ones.
func (t *Table) Len() int {
	return len(t.ticks)
}

func (t *Table) entry(tick int32) *Info {
	info, ok := t.ticks[tick]
	if !ok {
		zero := emptyInfo()
		info = &zero
		t.ticks[tick] = info
	}
	return info
}

func (t *Table) peek(tick int32) Info {
	if info, ok := t.ticks[tick]; ok {
		return *info
	}
	return emptyInfo()
}

// SpacingToMaxLiquidityPerTick caps per-tick liquidity so that liquidity
// referencing every usable tick cannot overflow uint128.
func SpacingToMaxLiquidityPerTick(tickSpacing int32) uint128.Uint128 {
	minTick := (tickmath.MinTick / tickSpacing) * tickSpacing
	maxTick := (tickmath.MaxTick / tickSpacing) * tickSpacing
	numTicks := uint64((maxTick-minTick)/tickSpacing) + 1
	return uint128.Max.Div64(numTicks)
}

func cloneU256(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
