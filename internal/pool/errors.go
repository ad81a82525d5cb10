package pool

import (
	"errors"
	"fmt"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/oracle"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/position"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tick"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

// Errors returned by pool operations. Every failing call leaves the pool
// exactly as it was before the call.
var (
	ErrOutOfBounds           = tickmath.ErrOutOfBounds
	ErrInvalidTickRange      = errors.New("invalid tick range")
	ErrAlreadyInitialized    = errors.New("pool already initialized")
	ErrReentrancy            = errors.New("reentrant call")
	ErrUninitializedPool     = errors.New("pool not initialized")
	ErrInvalidLiquidity      = tick.ErrInvalidLiquidity
	ErrInsufficientLiquidity = position.ErrInsufficientLiquidity
	ErrInsufficientPayment   = errors.New("insufficient payment")
	ErrInsufficientHistory   = oracle.ErrInsufficientHistory

	ErrZeroLiquidity = errors.New("zero liquidity")
	ErrZeroAmount    = errors.New("zero amount specified")

	ErrInvalidPriceLimit = fmt.Errorf("%w: sqrt price limit", ErrOutOfBounds)
)
