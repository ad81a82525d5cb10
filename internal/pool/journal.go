package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"
)

// The helpers below snapshot a piece of state into the undo log before it is
// mutated. Rollback replays the log in reverse.

func (p *Pool) touchTick(t int32) {
	info, exists := p.ticks.Get(t)
	p.tx.undo = append(p.tx.undo, func() { p.ticks.Restore(t, info, exists) })
}

func (p *Pool) touchPosition(key common.Hash) {
	info, exists := p.positions.Get(key)
	p.tx.undo = append(p.tx.undo, func() { p.positions.Restore(key, info, exists) })
}

func (p *Pool) flipTick(t int32) error {
	if err := p.bitmap.FlipTick(t, p.cfg.TickSpacing); err != nil {
		return err
	}
	p.tx.undo = append(p.tx.undo, func() { _ = p.bitmap.FlipTick(t, p.cfg.TickSpacing) })
	return nil
}

func (p *Pool) touchObservation(i uint16) {
	n := p.observations.Len()
	if int(i) >= n {
		p.tx.undo = append(p.tx.undo, func() { p.observations.Truncate(n) })
		return
	}
	prev := p.observations.At(i)
	p.tx.undo = append(p.tx.undo, func() { p.observations.Set(i, prev) })
}

// writeObservation journals the slot an oracle write may land in, then writes.
func (p *Pool) writeObservation(
	index uint16,
	time uint32,
	t int32,
	liquidity uint128.Uint128,
	cardinality, cardinalityNext uint16,
) (uint16, uint16) {
	// the write lands after index, modulo either the current or the next cardinality
	p.touchObservation(uint16((uint32(index) + 1) % uint32(cardinality)))
	p.touchObservation(uint16((uint32(index) + 1) % uint32(cardinalityNext)))
	return p.observations.Write(index, time, t, liquidity, cardinality, cardinalityNext)
}

func (p *Pool) growObservations(current, next uint16) (uint16, error) {
	n := p.observations.Len()
	grown, err := p.observations.Grow(current, next)
	if err != nil {
		return 0, err
	}
	p.tx.undo = append(p.tx.undo, func() { p.observations.Truncate(n) })
	return grown, nil
}

func cloneU256(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}
