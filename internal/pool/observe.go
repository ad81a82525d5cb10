package pool

import (
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var mask160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)

// IncreaseObservationCardinalityNext allocates oracle slots so that up to
// next observations are retained once enough writes have happened.
func (p *Pool) IncreaseObservationCardinalityNext(next uint16) (err error) {
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock(&err)

	old := p.slot0.ObservationCardinalityNext
	grown, err := p.growObservations(old, next)
	if err != nil {
		return err
	}
	p.slot0.ObservationCardinalityNext = grown

	if grown != old {
		p.record(IncreaseObservationCardinalityNextEvent{Old: old, New: grown})
		p.logger.Debug("grow observations", zap.Uint16("old", old), zap.Uint16("new", grown))
	}
	return nil
}

// Observe returns the tick and seconds-per-liquidity cumulatives as of each
// secondsAgo before now. The time-weighted average tick between two offsets
// a > b is (tickCumulatives[b] - tickCumulatives[a]) / (a - b).
func (p *Pool) Observe(secondsAgos []uint32) (tickCumulatives []int64, secondsPerLiquidityCumulativeX128s []*uint256.Int, err error) {
	if !p.isInitialized() {
		return nil, nil, ErrUninitializedPool
	}
	return p.observations.Observe(
		p.cfg.Clock.Now(),
		secondsAgos,
		p.slot0.Tick,
		p.slot0.ObservationIndex,
		p.liquidity,
		p.slot0.ObservationCardinality,
	)
}

// SnapshotCumulativesInside returns the tick cumulative, seconds per liquidity
// and seconds spent inside [tickLower, tickUpper). Values are only meaningful
// as differences between two snapshots taken while a position was open.
func (p *Pool) SnapshotCumulativesInside(tickLower, tickUpper int32) (
	tickCumulativeInside int64,
	secondsPerLiquidityInsideX128 *uint256.Int,
	secondsInside uint32,
	err error,
) {
	if !p.isInitialized() {
		return 0, nil, 0, ErrUninitializedPool
	}
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return 0, nil, 0, err
	}

	lower, okLower := p.ticks.Get(tickLower)
	upper, okUpper := p.ticks.Get(tickUpper)
	if !okLower || !lower.Initialized || !okUpper || !upper.Initialized {
		return 0, nil, 0, fmt.Errorf("%w: [%d, %d] bounds are not initialized", ErrInvalidTickRange, tickLower, tickUpper)
	}

	sub160 := func(a, b *uint256.Int) *uint256.Int {
		d := new(uint256.Int).Sub(a, b)
		return d.And(d, mask160)
	}

	switch current := p.slot0.Tick; {
	case current < tickLower:
		return lower.TickCumulativeOutside - upper.TickCumulativeOutside,
			sub160(lower.SecondsPerLiquidityOutsideX128, upper.SecondsPerLiquidityOutsideX128),
			lower.SecondsOutside - upper.SecondsOutside,
			nil
	case current < tickUpper:
		now := p.cfg.Clock.Now()
		tickCumulative, secondsPerLiquidity, err := p.observations.ObserveSingle(
			now, 0,
			p.slot0.Tick,
			p.slot0.ObservationIndex,
			p.liquidity,
			p.slot0.ObservationCardinality,
		)
		if err != nil {
			return 0, nil, 0, err
		}
		spl := sub160(secondsPerLiquidity, lower.SecondsPerLiquidityOutsideX128)
		return tickCumulative - lower.TickCumulativeOutside - upper.TickCumulativeOutside,
			sub160(spl, upper.SecondsPerLiquidityOutsideX128),
			now - lower.SecondsOutside - upper.SecondsOutside,
			nil
	default:
		return upper.TickCumulativeOutside - lower.TickCumulativeOutside,
			sub160(upper.SecondsPerLiquidityOutsideX128, lower.SecondsPerLiquidityOutsideX128),
			upper.SecondsOutside - lower.SecondsOutside,
			nil
	}
}

func (p *Pool) isInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}
