// Package factory deploys pools and keeps the registry of pools by token pair
// and fee tier.
package factory

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
)

// PoolInitCodeHash is the init code hash used to derive pool addresses.
var PoolInitCodeHash = common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")

var (
	ErrNotOwner          = errors.New("caller is not the owner")
	ErrIdenticalTokens   = errors.New("identical tokens")
	ErrZeroAddress       = errors.New("zero token address")
	ErrFeeNotEnabled     = errors.New("fee amount not enabled")
	ErrFeeAlreadyEnabled = errors.New("fee amount already enabled")
	ErrPoolExists        = errors.New("pool already exists")
	ErrInvalidFee        = errors.New("fee out of range")
	ErrInvalidSpacing    = errors.New("tick spacing out of range")
)

const (
	EventOwnerChanged     = "OwnerChanged"
	EventFeeAmountEnabled = "FeeAmountEnabled"
	EventPoolCreated      = "PoolCreated"
)

type OwnerChangedEvent struct {
	OldOwner common.Address
	NewOwner common.Address
}

type FeeAmountEnabledEvent struct {
	Fee         uint32
	TickSpacing int32
}

type PoolCreatedEvent struct {
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickSpacing int32
	Pool        common.Address
}

func (OwnerChangedEvent) EventName() string     { return EventOwnerChanged }
func (FeeAmountEnabledEvent) EventName() string { return EventFeeAmountEnabled }
func (PoolCreatedEvent) EventName() string      { return EventPoolCreated }

// Config wires the collaborators every created pool shares.
type Config struct {
	Address common.Address
	Owner   common.Address
	// InitCodeHash defaults to PoolInitCodeHash.
	InitCodeHash common.Hash

	Vault  pool.Vault
	Clock  pool.Clock
	Events pool.EventSink
	Logger *zap.Logger
}

type pairKey struct {
	token0, token1 common.Address
	fee            uint32
}

// Factory owns the fee tier whitelist and the pools it created.
type Factory struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	owner       common.Address
	feeSpacings map[uint32]int32
	pools       map[pairKey]*pool.Pool
	byAddress   map[common.Address]*pool.Pool
}

// New returns a factory with the default fee tiers enabled.
func New(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InitCodeHash == (common.Hash{}) {
		cfg.InitCodeHash = PoolInitCodeHash
	}
	f := &Factory{
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("factory", cfg.Address.Hex())),
		owner:       cfg.Owner,
		feeSpacings: map[uint32]int32{500: 10, 3000: 60, 10000: 200},
		pools:       make(map[pairKey]*pool.Pool),
		byAddress:   make(map[common.Address]*pool.Pool),
	}
	f.emit(OwnerChangedEvent{NewOwner: cfg.Owner})
	for _, fee := range []uint32{500, 3000, 10000} {
		f.emit(FeeAmountEnabledEvent{Fee: fee, TickSpacing: f.feeSpacings[fee]})
	}
	return f
}

func (f *Factory) Address() common.Address { return f.cfg.Address }

func (f *Factory) Owner() common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.owner
}

// SetOwner transfers ownership. Only the current owner may call it.
func (f *Factory) SetOwner(caller, newOwner common.Address) error {
	f.mu.Lock()
	if caller != f.owner {
		f.mu.Unlock()
		return ErrNotOwner
	}
	old := f.owner
	f.owner = newOwner
	f.mu.Unlock()

	f.emit(OwnerChangedEvent{OldOwner: old, NewOwner: newOwner})
	return nil
}

// FeeAmountTickSpacing returns the spacing for an enabled fee, or 0.
func (f *Factory) FeeAmountTickSpacing(fee uint32) int32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.feeSpacings[fee]
}

// EnableFeeAmount whitelists a fee tier. A fee can be enabled only once.
func (f *Factory) EnableFeeAmount(caller common.Address, fee uint32, tickSpacing int32) error {
	f.mu.Lock()
	switch {
	case caller != f.owner:
		f.mu.Unlock()
		return ErrNotOwner
	case fee >= 1_000_000:
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidFee, fee)
	case tickSpacing <= 0 || tickSpacing >= 16384:
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidSpacing, tickSpacing)
	case f.feeSpacings[fee] != 0:
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrFeeAlreadyEnabled, fee)
	}
	f.feeSpacings[fee] = tickSpacing
	f.mu.Unlock()

	f.logger.Info("fee amount enabled", zap.Uint32("fee", fee), zap.Int32("tick_spacing", tickSpacing))
	f.emit(FeeAmountEnabledEvent{Fee: fee, TickSpacing: tickSpacing})
	return nil
}

// CreatePool deploys an uninitialized pool for the pair at fee. The tokens may
// be given in either order.
func (f *Factory) CreatePool(tokenA, tokenB common.Address, fee uint32) (*pool.Pool, error) {
	if tokenA == tokenB {
		return nil, ErrIdenticalTokens
	}
	token0, token1 := SortTokens(tokenA, tokenB)
	if token0 == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	f.mu.Lock()
	spacing := f.feeSpacings[fee]
	if spacing == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrFeeNotEnabled, fee)
	}
	key := pairKey{token0, token1, fee}
	if _, ok := f.pools[key]; ok {
		f.mu.Unlock()
		return nil, ErrPoolExists
	}

	addr, err := ComputeAddress(f.cfg.Address, token0, token1, fee, f.cfg.InitCodeHash)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	p, err := pool.New(pool.Config{
		Address:     addr,
		Factory:     f.cfg.Address,
		Token0:      token0,
		Token1:      token1,
		Fee:         fee,
		TickSpacing: spacing,
		Vault:       f.cfg.Vault,
		Clock:       f.cfg.Clock,
		Events:      f.cfg.Events,
		Logger:      f.cfg.Logger,
	})
	if err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("create pool: %w", err)
	}
	f.pools[key] = p
	f.byAddress[addr] = p
	f.mu.Unlock()

	f.logger.Info("pool created",
		zap.String("pool", addr.Hex()),
		zap.String("token0", token0.Hex()),
		zap.String("token1", token1.Hex()),
		zap.Uint32("fee", fee),
	)
	f.emit(PoolCreatedEvent{Token0: token0, Token1: token1, Fee: fee, TickSpacing: spacing, Pool: addr})
	return p, nil
}

// GetPool looks a pool up by pair and fee, in either token order.
func (f *Factory) GetPool(tokenA, tokenB common.Address, fee uint32) (*pool.Pool, bool) {
	token0, token1 := SortTokens(tokenA, tokenB)
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pools[pairKey{token0, token1, fee}]
	return p, ok
}

// PoolAt looks a pool up by address.
func (f *Factory) PoolAt(addr common.Address) (*pool.Pool, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.byAddress[addr]
	return p, ok
}

func (f *Factory) emit(ev pool.Event) {
	if f.cfg.Events != nil {
		f.cfg.Events.HandleEvent(f.cfg.Address, ev)
	}
}

// SortTokens orders a pair by address.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) < 0 {
		return a, b
	}
	return b, a
}

var saltArgs = func() abi.Arguments {
	address, _ := abi.NewType("address", "", nil)
	uint24, _ := abi.NewType("uint24", "", nil)
	return abi.Arguments{{Type: address}, {Type: address}, {Type: uint24}}
}()

// ComputeAddress derives the CREATE2 address of the pool for a sorted pair.
func ComputeAddress(factory, token0, token1 common.Address, fee uint32, initCodeHash common.Hash) (common.Address, error) {
	encoded, err := saltArgs.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("encode salt: %w", err)
	}
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(encoded))
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}
