// Package oracle keeps a ring buffer of cumulative tick and seconds-per-liquidity
// observations from which time-weighted averages over any retained window can be
// derived.
package oracle

import (
	"errors"

	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
)

var (
	// ErrInsufficientHistory is returned when a requested time predates the oldest observation.
	ErrInsufficientHistory = errors.New("observation older than oldest retained")
	// ErrUninitialized is returned when the buffer has no observations yet.
	ErrUninitialized = errors.New("oracle not initialized")
)

var mask160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)

// Observation is one slot of the buffer.
type Observation struct {
	BlockTimestamp uint32
	// tick * seconds elapsed since initialization
	TickCumulative int64
	// seconds elapsed / max(1, liquidity), Q128.128, wrapping at 160 bits
	SecondsPerLiquidityCumulativeX128 *uint256.Int
	Initialized                       bool
}

// Clone returns a deep copy of o.
func (o Observation) Clone() Observation {
	c := o
	if o.SecondsPerLiquidityCumulativeX128 == nil {
		c.SecondsPerLiquidityCumulativeX128 = new(uint256.Int)
	} else {
		c.SecondsPerLiquidityCumulativeX128 = new(uint256.Int).Set(o.SecondsPerLiquidityCumulativeX128)
	}
	return c
}

// transform rolls last forward to blockTimestamp assuming tick and liquidity
// held for the whole interval.
func transform(last Observation, blockTimestamp uint32, tick int32, liquidity uint128.Uint128) Observation {
	delta := blockTimestamp - last.BlockTimestamp

	l := liquiditymath.ToUint256(liquidity)
	if l.IsZero() {
		l.SetOne()
	}
	perLiquidity := new(uint256.Int).Lsh(uint256.NewInt(uint64(delta)), 128)
	perLiquidity.Div(perLiquidity, l)

	spl := new(uint256.Int).Add(last.SecondsPerLiquidityCumulativeX128, perLiquidity)
	spl.And(spl, mask160)

	return Observation{
		BlockTimestamp:                    blockTimestamp,
		TickCumulative:                    last.TickCumulative + int64(tick)*int64(delta),
		SecondsPerLiquidityCumulativeX128: spl,
		Initialized:                       true,
	}
}

// Buffer holds the allocated observation slots. The number of populated slots
// (cardinality) and the most recent index are tracked by the caller.
type Buffer struct {
	obs []Observation
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len returns the number of allocated slots.
func (b *Buffer) Len() int {
	return len(b.obs)
}

// At returns a copy of slot i.
func (b *Buffer) At(i uint16) Observation {
	return b.obs[i].Clone()
}

// Set overwrites slot i, allocating up to it if needed.
func (b *Buffer) Set(i uint16, o Observation) {
	for int(i) >= len(b.obs) {
		b.obs = append(b.obs, emptyObservation())
	}
	b.obs[i] = o.Clone()
}

// Truncate drops every slot at or above n.
func (b *Buffer) Truncate(n int) {
	if n < len(b.obs) {
		b.obs = b.obs[:n]
	}
}

// Initialize writes the first observation and returns the initial cardinality
// and next cardinality.
func (b *Buffer) Initialize(time uint32) (cardinality, cardinalityNext uint16) {
	b.Set(0, Observation{
		BlockTimestamp:                    time,
		SecondsPerLiquidityCumulativeX128: new(uint256.Int),
		Initialized:                       true,
	})
	return 1, 1
}

// Write records an observation for blockTimestamp after the one at index.
// At most one observation is written per timestamp. Cardinality grows to
// cardinalityNext only once the last populated slot has been written.
func (b *Buffer) Write(
	index uint16,
	blockTimestamp uint32,
	tick int32,
	liquidity uint128.Uint128,
	cardinality, cardinalityNext uint16,
) (indexUpdated, cardinalityUpdated uint16) {
	last := b.obs[index]
	if last.BlockTimestamp == blockTimestamp {
		return index, cardinality
	}

	if cardinalityNext > cardinality && index == cardinality-1 {
		cardinalityUpdated = cardinalityNext
	} else {
		cardinalityUpdated = cardinality
	}

	indexUpdated = uint16((uint32(index) + 1) % uint32(cardinalityUpdated))
	b.Set(indexUpdated, transform(last, blockTimestamp, tick, liquidity))
	return indexUpdated, cardinalityUpdated
}

// Grow allocates slots up to next and returns the new next cardinality.
func (b *Buffer) Grow(current, next uint16) (uint16, error) {
	if current == 0 {
		return 0, ErrUninitialized
	}
	if next <= current {
		return current, nil
	}
	for i := current; i < next; i++ {
		// a nonzero timestamp marks the slot allocated, it stays uninitialized
		b.Set(i, Observation{BlockTimestamp: 1, SecondsPerLiquidityCumulativeX128: new(uint256.Int)})
	}
	return next, nil
}

// lte compares two timestamps that may have wrapped, both assumed to be at or
// before time.
func lte(time, a, b uint32) bool {
	if a <= time && b <= time {
		return a <= b
	}
	aAdj, bAdj := uint64(a), uint64(b)
	if a <= time {
		aAdj += 1 << 32
	}
	if b <= time {
		bAdj += 1 << 32
	}
	return aAdj <= bAdj
}

// binarySearch finds the observations immediately at or before and at or
// after target. The caller guarantees target lies within the retained range.
func (b *Buffer) binarySearch(time, target uint32, index, cardinality uint16) (beforeOrAt, atOrAfter Observation) {
	card := uint32(cardinality)
	l := (uint32(index) + 1) % card
	r := l + card - 1
	for {
		i := (l + r) / 2
		beforeOrAt = b.obs[i%card]
		if !beforeOrAt.Initialized {
			l = i + 1
			continue
		}
		atOrAfter = b.obs[(i+1)%card]

		targetAtOrAfter := lte(time, beforeOrAt.BlockTimestamp, target)
		if targetAtOrAfter && lte(time, target, atOrAfter.BlockTimestamp) {
			return beforeOrAt, atOrAfter
		}
		if !targetAtOrAfter {
			r = i - 1
		} else {
			l = i + 1
		}
	}
}

func (b *Buffer) surrounding(
	time, target uint32,
	tick int32,
	index uint16,
	liquidity uint128.Uint128,
	cardinality uint16,
) (beforeOrAt, atOrAfter Observation, err error) {
	beforeOrAt = b.obs[index]

	if lte(time, beforeOrAt.BlockTimestamp, target) {
		if beforeOrAt.BlockTimestamp == target {
			return beforeOrAt, atOrAfter, nil
		}
		return beforeOrAt, transform(beforeOrAt, target, tick, liquidity), nil
	}

	// oldest observation
	beforeOrAt = b.obs[(uint32(index)+1)%uint32(cardinality)]
	if !beforeOrAt.Initialized {
		beforeOrAt = b.obs[0]
	}
	if !lte(time, beforeOrAt.BlockTimestamp, target) {
		return Observation{}, Observation{}, ErrInsufficientHistory
	}

	beforeOrAt, atOrAfter = b.binarySearch(time, target, index, cardinality)
	return beforeOrAt, atOrAfter, nil
}

// ObserveSingle returns the cumulatives as of secondsAgo before time,
// interpolating between the surrounding observations.
func (b *Buffer) ObserveSingle(
	time, secondsAgo uint32,
	tick int32,
	index uint16,
	liquidity uint128.Uint128,
	cardinality uint16,
) (tickCumulative int64, secondsPerLiquidityCumulativeX128 *uint256.Int, err error) {
	if cardinality == 0 || int(index) >= len(b.obs) {
		return 0, nil, ErrUninitialized
	}

	if secondsAgo == 0 {
		last := b.obs[index]
		if last.BlockTimestamp != time {
			last = transform(last, time, tick, liquidity)
		}
		return last.TickCumulative, new(uint256.Int).Set(last.SecondsPerLiquidityCumulativeX128), nil
	}

	target := time - secondsAgo
	beforeOrAt, atOrAfter, err := b.surrounding(time, target, tick, index, liquidity, cardinality)
	if err != nil {
		return 0, nil, err
	}

	switch target {
	case beforeOrAt.BlockTimestamp:
		return beforeOrAt.TickCumulative, new(uint256.Int).Set(beforeOrAt.SecondsPerLiquidityCumulativeX128), nil
	case atOrAfter.BlockTimestamp:
		return atOrAfter.TickCumulative, new(uint256.Int).Set(atOrAfter.SecondsPerLiquidityCumulativeX128), nil
	}

	observationTimeDelta := atOrAfter.BlockTimestamp - beforeOrAt.BlockTimestamp
	targetDelta := target - beforeOrAt.BlockTimestamp

	tickCumulative = beforeOrAt.TickCumulative +
		(atOrAfter.TickCumulative-beforeOrAt.TickCumulative)/int64(observationTimeDelta)*int64(targetDelta)

	splDelta := new(uint256.Int).Sub(atOrAfter.SecondsPerLiquidityCumulativeX128, beforeOrAt.SecondsPerLiquidityCumulativeX128)
	splDelta.And(splDelta, mask160)
	splDelta.Mul(splDelta, uint256.NewInt(uint64(targetDelta)))
	splDelta.Div(splDelta, uint256.NewInt(uint64(observationTimeDelta)))

	spl := new(uint256.Int).Add(beforeOrAt.SecondsPerLiquidityCumulativeX128, splDelta)
	spl.And(spl, mask160)
	return tickCumulative, spl, nil
}

// Observe returns cumulatives for each offset in secondsAgos.
func (b *Buffer) Observe(
	time uint32,
	secondsAgos []uint32,
	tick int32,
	index uint16,
	liquidity uint128.Uint128,
	cardinality uint16,
) (tickCumulatives []int64, secondsPerLiquidityCumulativeX128s []*uint256.Int, err error) {
	if cardinality == 0 {
		return nil, nil, ErrUninitialized
	}

	tickCumulatives = make([]int64, len(secondsAgos))
	secondsPerLiquidityCumulativeX128s = make([]*uint256.Int, len(secondsAgos))
	for i, ago := range secondsAgos {
		tickCumulatives[i], secondsPerLiquidityCumulativeX128s[i], err = b.ObserveSingle(time, ago, tick, index, liquidity, cardinality)
		if err != nil {
			return nil, nil, err
		}
	}
	return tickCumulatives, secondsPerLiquidityCumulativeX128s, nil
}

func emptyObservation() Observation {
	return Observation{SecondsPerLiquidityCumulativeX128: new(uint256.Int)}
}
