// Package pool is the concentrated-liquidity pool state machine. A Pool is
// driven one call at a time by its host; each mutating call either commits
// all of its effects or none of them.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/oracle"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/position"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickbitmap"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

// Config holds a pool's immutables and collaborators.
type Config struct {
	// Address is the pool's account in the vault.
	Address     common.Address
	Factory     common.Address
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickSpacing int32

	Vault  Vault
	Clock  Clock
	Events EventSink
	Logger *zap.Logger
}

// Slot0 is the pool's most frequently read state.
type Slot0 struct {
	SqrtPriceX96               *uint256.Int
	Tick                       int32
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	// Unlocked is false before initialization and while a call is in flight.
	Unlocked bool
}

func (s Slot0) clone() Slot0 {
	c := s
	if s.SqrtPriceX96 != nil {
		c.SqrtPriceX96 = new(uint256.Int).Set(s.SqrtPriceX96)
	}
	return c
}

// Pool is a single token pair at a single fee tier.
type Pool struct {
	cfg                 Config
	maxLiquidityPerTick uint128.Uint128
	logger              *zap.Logger

	// mu guards initialized and locked; it is never held while a call runs so
	// settlement callbacks can reach the pool and be rejected.
	mu          sync.Mutex
	initialized bool
	locked      bool

	slot0                Slot0
	feeGrowthGlobal0X128 *uint256.Int
	feeGrowthGlobal1X128 *uint256.Int
	liquidity            uint128.Uint128

	ticks        *tick.Table
	bitmap       *tickbitmap.Bitmap
	positions    *position.Registry
	observations *oracle.Buffer

	tx txn
}

// New returns an uninitialized pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault is nil")
	}
	if cfg.TickSpacing <= 0 || cfg.TickSpacing >= 16384 {
		return nil, fmt.Errorf("tick spacing %d out of range", cfg.TickSpacing)
	}
	if cfg.Fee >= 1_000_000 {
		return nil, fmt.Errorf("fee %d out of range", cfg.Fee)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Pool{
		cfg:                  cfg,
		maxLiquidityPerTick:  tick.SpacingToMaxLiquidityPerTick(cfg.TickSpacing),
		logger:               cfg.Logger.With(zap.String("pool", cfg.Address.Hex())),
		slot0:                Slot0{SqrtPriceX96: new(uint256.Int)},
		feeGrowthGlobal0X128: new(uint256.Int),
		feeGrowthGlobal1X128: new(uint256.Int),
		ticks:                tick.NewTable(),
		bitmap:               tickbitmap.New(),
		positions:            position.NewRegistry(),
		observations:         oracle.New(),
	}, nil
}

// Initialize sets the starting price. It may be called once.
func (p *Pool) Initialize(sqrtPriceX96 *uint256.Int) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}

	t, err := tickmath.GetTickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("initialize: %w", err)
	}

	cardinality, cardinalityNext := p.observations.Initialize(p.cfg.Clock.Now())
	p.slot0 = Slot0{
		SqrtPriceX96:               new(uint256.Int).Set(sqrtPriceX96),
		Tick:                       t,
		ObservationCardinality:     cardinality,
		ObservationCardinalityNext: cardinalityNext,
		Unlocked:                   true,
	}
	p.initialized = true
	p.mu.Unlock()

	p.logger.Debug("initialize", zap.Stringer("sqrt_price_x96", sqrtPriceX96.ToBig()), zap.Int32("tick", t))
	p.emit([]Event{InitializeEvent{SqrtPriceX96: new(uint256.Int).Set(sqrtPriceX96), Tick: t}})
	return nil
}

// txn is the undo scope of the call in flight.
type txn struct {
	undo    []func()
	events  []Event
	slot0   Slot0
	fg0     *uint256.Int
	fg1     *uint256.Int
	liq     uint128.Uint128
	vaultCP int
	hasCP   bool
}

// lock takes the reentrancy guard and opens an undo scope. Every successful
// lock must be paired with a deferred unlock.
func (p *Pool) lock() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return ErrUninitializedPool
	}
	if p.locked {
		return ErrReentrancy
	}
	p.locked = true
	p.slot0.Unlocked = false

	p.tx = txn{
		slot0: p.slot0.clone(),
		fg0:   new(uint256.Int).Set(p.feeGrowthGlobal0X128),
		fg1:   new(uint256.Int).Set(p.feeGrowthGlobal1X128),
		liq:   p.liquidity,
	}
	if cp, ok := p.cfg.Vault.(Checkpointer); ok {
		p.tx.vaultCP = cp.Checkpoint()
		p.tx.hasCP = true
	}
	return nil
}

// unlock commits the call when *errp is nil and rolls it back otherwise, then
// releases the guard. Events are delivered after the guard is released.
func (p *Pool) unlock(errp *error) {
	if r := recover(); r != nil {
		p.rollback()
		p.release()
		panic(r)
	}

	if *errp != nil {
		if rbErr := p.rollback(); rbErr != nil {
			*errp = errors.Join(*errp, rbErr)
		}
		p.release()
		return
	}

	events := p.tx.events
	p.tx = txn{}
	p.release()
	p.emit(events)
}

func (p *Pool) rollback() error {
	for i := len(p.tx.undo) - 1; i >= 0; i-- {
		p.tx.undo[i]()
	}
	p.slot0 = p.tx.slot0
	p.feeGrowthGlobal0X128 = p.tx.fg0
	p.feeGrowthGlobal1X128 = p.tx.fg1
	p.liquidity = p.tx.liq

	var err error
	if p.tx.hasCP {
		if rbErr := p.cfg.Vault.(Checkpointer).RevertTo(p.tx.vaultCP); rbErr != nil {
			err = fmt.Errorf("revert vault: %w", rbErr)
		}
	}
	p.tx = txn{}
	return err
}

func (p *Pool) release() {
	p.mu.Lock()
	p.locked = false
	p.slot0.Unlocked = true
	p.mu.Unlock()
}

func (p *Pool) record(ev Event) {
	p.tx.events = append(p.tx.events, ev)
}

func (p *Pool) emit(events []Event) {
	if p.cfg.Events == nil {
		return
	}
	for _, ev := range events {
		p.cfg.Events.HandleEvent(p.cfg.Address, ev)
	}
}

func (p *Pool) balance0() *uint256.Int {
	return p.cfg.Vault.BalanceOf(p.cfg.Token0, p.cfg.Address)
}

func (p *Pool) balance1() *uint256.Int {
	return p.cfg.Vault.BalanceOf(p.cfg.Token1, p.cfg.Address)
}

func (p *Pool) checkTicks(tickLower, tickUpper int32) error {
	if tickLower >= tickUpper {
		return fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidTickRange, tickLower, tickUpper)
	}
	if tickLower < tickmath.MinTick || tickUpper > tickmath.MaxTick {
		return fmt.Errorf("%w: [%d, %d] outside tick domain", ErrInvalidTickRange, tickLower, tickUpper)
	}
	if tickLower%p.cfg.TickSpacing != 0 || tickUpper%p.cfg.TickSpacing != 0 {
		return fmt.Errorf("%w: [%d, %d] not multiples of spacing %d", ErrInvalidTickRange, tickLower, tickUpper, p.cfg.TickSpacing)
	}
	return nil
}

// Address returns the pool's vault account.
func (p *Pool) Address() common.Address { return p.cfg.Address }

// Factory returns the factory that deployed the pool, zero when unknown.
func (p *Pool) Factory() common.Address { return p.cfg.Factory }

// Token0 returns the lower-sorted token of the pair.
func (p *Pool) Token0() common.Address { return p.cfg.Token0 }

// Token1 returns the higher-sorted token of the pair.
func (p *Pool) Token1() common.Address { return p.cfg.Token1 }

// Fee returns the swap fee in hundredths of a bip.
func (p *Pool) Fee() uint32 { return p.cfg.Fee }

// TickSpacing returns the spacing usable ticks are multiples of.
func (p *Pool) TickSpacing() int32 { return p.cfg.TickSpacing }

// MaxLiquidityPerTick returns the cap on liquidityGross for any single tick.
func (p *Pool) MaxLiquidityPerTick() uint128.Uint128 { return p.maxLiquidityPerTick }

// Slot0 returns a copy of slot0.
func (p *Pool) Slot0() Slot0 { return p.slot0.clone() }

// Liquidity returns the active liquidity.
func (p *Pool) Liquidity() uint128.Uint128 { return p.liquidity }

// FeeGrowthGlobal returns both global fee growth accumulators.
func (p *Pool) FeeGrowthGlobal() (fg0X128, fg1X128 *uint256.Int) {
	return new(uint256.Int).Set(p.feeGrowthGlobal0X128), new(uint256.Int).Set(p.feeGrowthGlobal1X128)
}

// Tick returns a copy of the tick's state.
func (p *Pool) Tick(t int32) tick.Info {
	info, _ := p.ticks.Get(t)
	return info
}

// IsTickInitialized reports whether the tick's bit is set in the bitmap.
func (p *Pool) IsTickInitialized(t int32) bool {
	return p.bitmap.IsInitialized(t, p.cfg.TickSpacing)
}

// Position returns a copy of the position's state.
func (p *Pool) Position(owner common.Address, tickLower, tickUpper int32) position.Info {
	info, _ := p.positions.Get(position.Key(owner, tickLower, tickUpper))
	return info
}

// Observation returns a copy of observation slot i.
func (p *Pool) Observation(i uint16) (oracle.Observation, bool) {
	if int(i) >= p.observations.Len() {
		return oracle.Observation{}, false
	}
	return p.observations.At(i), true
}
