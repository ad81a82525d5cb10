package replay

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/factory"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/oracle"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/position"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
)

// ToSnapshot converts exported pool state into its persisted form. Entries
// are ordered by key so equal states produce equal snapshots.
func ToSnapshot(meta model.PoolMeta, st pool.State, balance0, balance1 *uint256.Int) model.PoolSnapshot {
	snap := model.PoolSnapshot{
		Pool: meta,
		Slot0: model.Slot0Snapshot{
			SqrtPriceX96:               dec(st.Slot0.SqrtPriceX96),
			Tick:                       st.Slot0.Tick,
			ObservationIndex:           st.Slot0.ObservationIndex,
			ObservationCardinality:     st.Slot0.ObservationCardinality,
			ObservationCardinalityNext: st.Slot0.ObservationCardinalityNext,
		},
		FeeGrowthGlobal0X128: dec(st.FeeGrowthGlobal0X128),
		FeeGrowthGlobal1X128: dec(st.FeeGrowthGlobal1X128),
		Liquidity:            st.Liquidity.String(),
		Balance0:             dec(balance0),
		Balance1:             dec(balance1),
		Ticks:                make([]model.TickSnapshot, 0, len(st.Ticks)),
		BitmapWords:          make([]model.BitmapWordSnapshot, 0, len(st.BitmapWords)),
		Positions:            make([]model.PositionSnapshot, 0, len(st.Positions)),
		Observations:         make([]model.ObservationSnapshot, 0, len(st.Observations)),
	}

	for t, info := range st.Ticks {
		snap.Ticks = append(snap.Ticks, model.TickSnapshot{
			Tick:                           t,
			LiquidityGross:                 info.LiquidityGross.String(),
			LiquidityNet:                   bigDec(info.LiquidityNet),
			FeeGrowthOutside0X128:          dec(info.FeeGrowthOutside0X128),
			FeeGrowthOutside1X128:          dec(info.FeeGrowthOutside1X128),
			TickCumulativeOutside:          info.TickCumulativeOutside,
			SecondsPerLiquidityOutsideX128: dec(info.SecondsPerLiquidityOutsideX128),
			SecondsOutside:                 info.SecondsOutside,
			Initialized:                    info.Initialized,
		})
	}
	sort.Slice(snap.Ticks, func(i, j int) bool { return snap.Ticks[i].Tick < snap.Ticks[j].Tick })

	for pos, word := range st.BitmapWords {
		snap.BitmapWords = append(snap.BitmapWords, model.BitmapWordSnapshot{WordPos: pos, Word: dec(word)})
	}
	sort.Slice(snap.BitmapWords, func(i, j int) bool { return snap.BitmapWords[i].WordPos < snap.BitmapWords[j].WordPos })

	for key, info := range st.Positions {
		snap.Positions = append(snap.Positions, model.PositionSnapshot{
			Key:                      key.Hex(),
			Owner:                    info.Owner.Hex(),
			TickLower:                info.TickLower,
			TickUpper:                info.TickUpper,
			Liquidity:                info.Liquidity.String(),
			FeeGrowthInside0LastX128: dec(info.FeeGrowthInside0LastX128),
			FeeGrowthInside1LastX128: dec(info.FeeGrowthInside1LastX128),
			TokensOwed0:              info.TokensOwed0.String(),
			TokensOwed1:              info.TokensOwed1.String(),
		})
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Key < snap.Positions[j].Key })

	for i, o := range st.Observations {
		snap.Observations = append(snap.Observations, model.ObservationSnapshot{
			Index:                             uint16(i),
			BlockTimestamp:                    o.BlockTimestamp,
			TickCumulative:                    o.TickCumulative,
			SecondsPerLiquidityCumulativeX128: dec(o.SecondsPerLiquidityCumulativeX128),
			Initialized:                       o.Initialized,
		})
	}
	return snap
}

// FromSnapshot parses a persisted snapshot back into pool state.
func FromSnapshot(snap model.PoolSnapshot) (pool.State, error) {
	var (
		st  pool.State
		err error
	)
	st.Slot0 = pool.Slot0{
		Tick:                       snap.Slot0.Tick,
		ObservationIndex:           snap.Slot0.ObservationIndex,
		ObservationCardinality:     snap.Slot0.ObservationCardinality,
		ObservationCardinalityNext: snap.Slot0.ObservationCardinalityNext,
	}
	if st.Slot0.SqrtPriceX96, err = parseU256(snap.Slot0.SqrtPriceX96); err != nil {
		return pool.State{}, fmt.Errorf("slot0 price: %w", err)
	}
	if st.FeeGrowthGlobal0X128, err = parseU256(snap.FeeGrowthGlobal0X128); err != nil {
		return pool.State{}, fmt.Errorf("fee growth global0: %w", err)
	}
	if st.FeeGrowthGlobal1X128, err = parseU256(snap.FeeGrowthGlobal1X128); err != nil {
		return pool.State{}, fmt.Errorf("fee growth global1: %w", err)
	}
	if st.Liquidity, err = parseU128(snap.Liquidity); err != nil {
		return pool.State{}, fmt.Errorf("liquidity: %w", err)
	}

	st.Ticks = make(map[int32]tick.Info, len(snap.Ticks))
	for _, t := range snap.Ticks {
		info, err := parseTick(t)
		if err != nil {
			return pool.State{}, fmt.Errorf("tick %d: %w", t.Tick, err)
		}
		st.Ticks[t.Tick] = info
	}

	st.BitmapWords = make(map[int16]*uint256.Int, len(snap.BitmapWords))
	for _, w := range snap.BitmapWords {
		word, err := parseU256(w.Word)
		if err != nil {
			return pool.State{}, fmt.Errorf("bitmap word %d: %w", w.WordPos, err)
		}
		st.BitmapWords[w.WordPos] = word
	}

	st.Positions = make(map[common.Hash]position.Info, len(snap.Positions))
	for _, p := range snap.Positions {
		info, err := parsePosition(p)
		if err != nil {
			return pool.State{}, fmt.Errorf("position %s: %w", p.Key, err)
		}
		st.Positions[common.HexToHash(p.Key)] = info
	}

	st.Observations = make([]oracle.Observation, len(snap.Observations))
	for _, o := range snap.Observations {
		if int(o.Index) >= len(st.Observations) {
			return pool.State{}, fmt.Errorf("observation index %d beyond %d slots", o.Index, len(st.Observations))
		}
		spl, err := parseU256(o.SecondsPerLiquidityCumulativeX128)
		if err != nil {
			return pool.State{}, fmt.Errorf("observation %d: %w", o.Index, err)
		}
		st.Observations[o.Index] = oracle.Observation{
			BlockTimestamp:                    o.BlockTimestamp,
			TickCumulative:                    o.TickCumulative,
			SecondsPerLiquidityCumulativeX128: spl,
			Initialized:                       o.Initialized,
		}
	}
	for i, o := range st.Observations {
		if o.SecondsPerLiquidityCumulativeX128 == nil {
			return pool.State{}, fmt.Errorf("observation slot %d missing", i)
		}
	}
	return st, nil
}

func parseTick(t model.TickSnapshot) (tick.Info, error) {
	gross, err := parseU128(t.LiquidityGross)
	if err != nil {
		return tick.Info{}, fmt.Errorf("liquidity gross: %w", err)
	}
	net, err := parseBig(t.LiquidityNet)
	if err != nil {
		return tick.Info{}, fmt.Errorf("liquidity net: %w", err)
	}
	outside0, err := parseU256(t.FeeGrowthOutside0X128)
	if err != nil {
		return tick.Info{}, fmt.Errorf("fee growth outside0: %w", err)
	}
	outside1, err := parseU256(t.FeeGrowthOutside1X128)
	if err != nil {
		return tick.Info{}, fmt.Errorf("fee growth outside1: %w", err)
	}
	spl, err := parseU256(t.SecondsPerLiquidityOutsideX128)
	if err != nil {
		return tick.Info{}, fmt.Errorf("seconds per liquidity outside: %w", err)
	}
	return tick.Info{
		LiquidityGross:                 gross,
		LiquidityNet:                   net,
		FeeGrowthOutside0X128:          outside0,
		FeeGrowthOutside1X128:          outside1,
		TickCumulativeOutside:          t.TickCumulativeOutside,
		SecondsPerLiquidityOutsideX128: spl,
		SecondsOutside:                 t.SecondsOutside,
		Initialized:                    t.Initialized,
	}, nil
}

func parsePosition(p model.PositionSnapshot) (position.Info, error) {
	if !common.IsHexAddress(p.Owner) {
		return position.Info{}, fmt.Errorf("invalid owner %q", p.Owner)
	}
	liquidity, err := parseU128(p.Liquidity)
	if err != nil {
		return position.Info{}, fmt.Errorf("liquidity: %w", err)
	}
	inside0, err := parseU256(p.FeeGrowthInside0LastX128)
	if err != nil {
		return position.Info{}, fmt.Errorf("fee growth inside0: %w", err)
	}
	inside1, err := parseU256(p.FeeGrowthInside1LastX128)
	if err != nil {
		return position.Info{}, fmt.Errorf("fee growth inside1: %w", err)
	}
	owed0, err := parseU128(p.TokensOwed0)
	if err != nil {
		return position.Info{}, fmt.Errorf("tokens owed0: %w", err)
	}
	owed1, err := parseU128(p.TokensOwed1)
	if err != nil {
		return position.Info{}, fmt.Errorf("tokens owed1: %w", err)
	}
	return position.Info{
		Owner:                    common.HexToAddress(p.Owner),
		TickLower:                p.TickLower,
		TickUpper:                p.TickUpper,
		Liquidity:                liquidity,
		FeeGrowthInside0LastX128: inside0,
		FeeGrowthInside1LastX128: inside1,
		TokensOwed0:              owed0,
		TokensOwed1:              owed1,
	}, nil
}

// PoolConfig builds engine configuration from persisted immutables.
func PoolConfig(meta model.PoolMeta) (pool.Config, error) {
	for field, addr := range map[string]string{"pool": meta.Address, "token0": meta.Token0, "token1": meta.Token1} {
		if !common.IsHexAddress(addr) {
			return pool.Config{}, fmt.Errorf("invalid %s address %q", field, addr)
		}
	}
	token0 := common.HexToAddress(meta.Token0)
	token1 := common.HexToAddress(meta.Token1)
	if bytes.Compare(token0.Bytes(), token1.Bytes()) >= 0 {
		return pool.Config{}, fmt.Errorf("token0 %s must sort before token1 %s", meta.Token0, meta.Token1)
	}
	cfg := pool.Config{
		Address:     common.HexToAddress(meta.Address),
		Token0:      token0,
		Token1:      token1,
		Fee:         meta.Fee,
		TickSpacing: meta.TickSpacing,
	}
	if meta.Factory != "" {
		if !common.IsHexAddress(meta.Factory) {
			return pool.Config{}, fmt.Errorf("invalid factory address %q", meta.Factory)
		}
		cfg.Factory = common.HexToAddress(meta.Factory)
	}
	return cfg, nil
}

// VerifyPoolAddress reports whether the pool address is the CREATE2 address
// its factory derives for the pool's tokens and fee. Pools without a known
// factory pass.
func VerifyPoolAddress(cfg pool.Config) (common.Address, bool, error) {
	if cfg.Factory == (common.Address{}) {
		return cfg.Address, true, nil
	}
	derived, err := factory.ComputeAddress(cfg.Factory, cfg.Token0, cfg.Token1, cfg.Fee, factory.PoolInitCodeHash)
	if err != nil {
		return common.Address{}, false, err
	}
	return derived, derived == cfg.Address, nil
}

func bigDec(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
