package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/oracle"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/position"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
)

// State is a deep copy of everything a pool stores, keyed the same way the
// pool keys it: ticks by index, bitmap words by word position, positions by
// keccak256(owner, tickLower, tickUpper) and observations by slot.
type State struct {
	Slot0                Slot0
	FeeGrowthGlobal0X128 *uint256.Int
	FeeGrowthGlobal1X128 *uint256.Int
	Liquidity            uint128.Uint128
	Ticks                map[int32]tick.Info
	BitmapWords          map[int16]*uint256.Int
	Positions            map[common.Hash]position.Info
	Observations         []oracle.Observation
}

// State exports the pool's committed state. It must not be called while a
// mutating call is in flight.
func (p *Pool) State() State {
	st := State{
		Slot0:                p.slot0.clone(),
		FeeGrowthGlobal0X128: new(uint256.Int).Set(p.feeGrowthGlobal0X128),
		FeeGrowthGlobal1X128: new(uint256.Int).Set(p.feeGrowthGlobal1X128),
		Liquidity:            p.liquidity,
		Ticks:                make(map[int32]tick.Info, p.ticks.Len()),
		BitmapWords:          p.bitmap.Words(),
		Positions:            make(map[common.Hash]position.Info),
		Observations:         make([]oracle.Observation, p.observations.Len()),
	}
	for _, t := range p.ticks.Ticks() {
		info, _ := p.ticks.Get(t)
		st.Ticks[t] = info
	}
	for _, key := range p.positions.Keys() {
		info, _ := p.positions.Get(key)
		st.Positions[key] = info
	}
	for i := range st.Observations {
		st.Observations[i] = p.observations.At(uint16(i))
	}
	return st
}

// Restore rebuilds a pool from exported state.
func Restore(cfg Config, st State) (*Pool, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if st.Slot0.SqrtPriceX96 == nil || st.Slot0.SqrtPriceX96.IsZero() {
		return p, nil
	}

	if int(st.Slot0.ObservationCardinalityNext) > len(st.Observations) ||
		st.Slot0.ObservationCardinality > st.Slot0.ObservationCardinalityNext ||
		st.Slot0.ObservationIndex >= st.Slot0.ObservationCardinality {
		return nil, fmt.Errorf("restore: observation index %d, cardinality %d/%d with %d slots",
			st.Slot0.ObservationIndex, st.Slot0.ObservationCardinality, st.Slot0.ObservationCardinalityNext, len(st.Observations))
	}

	p.slot0 = st.Slot0.clone()
	p.slot0.Unlocked = true
	p.feeGrowthGlobal0X128 = cloneU256(st.FeeGrowthGlobal0X128)
	p.feeGrowthGlobal1X128 = cloneU256(st.FeeGrowthGlobal1X128)
	p.liquidity = st.Liquidity

	for t, info := range st.Ticks {
		if t%cfg.TickSpacing != 0 {
			return nil, fmt.Errorf("restore: tick %d: %w", t, ErrInvalidTickRange)
		}
		p.ticks.Restore(t, info, true)
	}
	for pos, word := range st.BitmapWords {
		p.bitmap.SetWord(pos, word)
	}
	for key, info := range st.Positions {
		if position.Key(info.Owner, info.TickLower, info.TickUpper) != key {
			return nil, fmt.Errorf("restore: position %s does not match its owner and ticks", key.Hex())
		}
		p.positions.Restore(key, info, true)
	}
	for i, o := range st.Observations {
		p.observations.Set(uint16(i), o)
	}

	p.initialized = true
	return p, nil
}
