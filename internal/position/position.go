// Package position tracks liquidity and owed fees per (owner, tickLower, tickUpper).
package position

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
)

// ErrInsufficientLiquidity is returned when a burn exceeds the position's liquidity
// or an empty position is poked.
var ErrInsufficientLiquidity = errors.New("insufficient position liquidity")

// Info is the state of one position.
type Info struct {
	Owner     common.Address
	TickLower int32
	TickUpper int32

	Liquidity uint128.Uint128
	// fee growth inside the range as of the last update
	FeeGrowthInside0LastX128 *uint256.Int
	FeeGrowthInside1LastX128 *uint256.Int
	// fees accrued but not yet collected
	TokensOwed0 uint128.Uint128
	TokensOwed1 uint128.Uint128
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	c := i
	c.FeeGrowthInside0LastX128 = cloneU256(i.FeeGrowthInside0LastX128)
	c.FeeGrowthInside1LastX128 = cloneU256(i.FeeGrowthInside1LastX128)
	return c
}

// Key hashes the packed owner address and the two ticks as 24-bit big-endian
// two's-complement integers.
func Key(owner common.Address, tickLower, tickUpper int32) common.Hash {
	var packed [26]byte
	copy(packed[:20], owner.Bytes())
	putInt24(packed[20:23], tickLower)
	putInt24(packed[23:26], tickUpper)
	return crypto.Keccak256Hash(packed[:])
}

func putInt24(dst []byte, v int32) {
	u := uint32(v)
	dst[0] = byte(u >> 16)
	dst[1] = byte(u >> 8)
	dst[2] = byte(u)
}

// Registry stores positions by key. Positions are never removed.
type Registry struct {
	positions map[common.Hash]*Info
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[common.Hash]*Info)}
}

// Get returns a copy of the position and whether it exists.
func (r *Registry) Get(key common.Hash) (Info, bool) {
	p, ok := r.positions[key]
	if !ok {
		return Info{
			FeeGrowthInside0LastX128: new(uint256.Int),
			FeeGrowthInside1LastX128: new(uint256.Int),
		}, false
	}
	return p.Clone(), true
}

// Restore overwrites the position at key, or removes it when exists is false.
func (r *Registry) Restore(key common.Hash, info Info, exists bool) {
	if !exists {
		delete(r.positions, key)
		return
	}
	c := info.Clone()
	r.positions[key] = &c
}

// Update accrues fees owed since the last update, applies liquidityDelta and
// records the new fee growth inside snapshots.
func (r *Registry) Update(
	owner common.Address,
	tickLower, tickUpper int32,
	liquidityDelta *big.Int,
	feeGrowthInside0X128, feeGrowthInside1X128 *uint256.Int,
) error {
	key := Key(owner, tickLower, tickUpper)
	current, _ := r.Get(key)

	var liquidityNext uint128.Uint128
	if liquidityDelta.Sign() == 0 {
		if current.Liquidity.IsZero() {
			return fmt.Errorf("%w: no liquidity to poke", ErrInsufficientLiquidity)
		}
		liquidityNext = current.Liquidity
	} else {
		next, err := liquiditymath.AddDelta(current.Liquidity, liquidityDelta)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
		}
		liquidityNext = next
	}

	owed0, err := accrued(feeGrowthInside0X128, current.FeeGrowthInside0LastX128, current.Liquidity)
	if err != nil {
		return err
	}
	owed1, err := accrued(feeGrowthInside1X128, current.FeeGrowthInside1LastX128, current.Liquidity)
	if err != nil {
		return err
	}

	current.Owner = owner
	current.TickLower = tickLower
	current.TickUpper = tickUpper
	current.Liquidity = liquidityNext
	current.FeeGrowthInside0LastX128 = cloneU256(feeGrowthInside0X128)
	current.FeeGrowthInside1LastX128 = cloneU256(feeGrowthInside1X128)
	// overflow is acceptable, owed fees must be collected before 2^128 accrues
	current.TokensOwed0 = current.TokensOwed0.AddWrap(owed0)
	current.TokensOwed1 = current.TokensOwed1.AddWrap(owed1)

	r.positions[key] = &current
	return nil
}

// AddOwed credits tokens to the position's owed balances, wrapping on overflow.
func (r *Registry) AddOwed(key common.Hash, amount0, amount1 uint128.Uint128) {
	p, ok := r.positions[key]
	if !ok {
		return
	}
	p.TokensOwed0 = p.TokensOwed0.AddWrap(amount0)
	p.TokensOwed1 = p.TokensOwed1.AddWrap(amount1)
}

// Collect withdraws up to the requested amounts from the position's owed
// tokens and returns what was withdrawn.
func (r *Registry) Collect(key common.Hash, amount0Requested, amount1Requested uint128.Uint128) (amount0, amount1 uint128.Uint128) {
	p, ok := r.positions[key]
	if !ok {
		return uint128.Zero, uint128.Zero
	}
	amount0 = minU128(amount0Requested, p.TokensOwed0)
	amount1 = minU128(amount1Requested, p.TokensOwed1)
	p.TokensOwed0 = p.TokensOwed0.Sub(amount0)
	p.TokensOwed1 = p.TokensOwed1.Sub(amount1)
	return amount0, amount1
}

// Keys returns every position key in byte order.
func (r *Registry) Keys() []common.Hash {
	out := make([]common.Hash, 0, len(r.positions))
	for k := range r.positions {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// accrued returns liquidity * (inside - last) / 2^128 truncated to 128 bits.
func accrued(inside, last *uint256.Int, liquidity uint128.Uint128) (uint128.Uint128, error) {
	delta := new(uint256.Int).Sub(inside, last)
	owed, err := fullmath.MulDiv(delta, liquiditymath.ToUint256(liquidity), fullmath.Q128)
	if err != nil {
		return uint128.Zero, err
	}
	return liquiditymath.Truncate(owed), nil
}

func minU128(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

func cloneU256(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}
