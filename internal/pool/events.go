package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"
)

// Event names, matching the pool contract's event names.
const (
	EventInitialize                         = "Initialize"
	EventMint                               = "Mint"
	EventBurn                               = "Burn"
	EventSwap                               = "Swap"
	EventCollect                            = "Collect"
	EventFlash                              = "Flash"
	EventIncreaseObservationCardinalityNext = "IncreaseObservationCardinalityNext"
)

// Event is emitted after an operation commits.
type Event interface {
	EventName() string
}

// EventSink receives committed events in order.
type EventSink interface {
	HandleEvent(pool common.Address, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(pool common.Address, ev Event)

func (f EventSinkFunc) HandleEvent(pool common.Address, ev Event) {
	f(pool, ev)
}

type InitializeEvent struct {
	SqrtPriceX96 *uint256.Int
	Tick         int32
}

type MintEvent struct {
	Sender    common.Address
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    uint128.Uint128
	Amount0   *uint256.Int
	Amount1   *uint256.Int
}

type BurnEvent struct {
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    uint128.Uint128
	Amount0   *uint256.Int
	Amount1   *uint256.Int
}

// SwapEvent carries signed deltas from the pool's perspective: positive
// amounts were received, negative amounts were paid out.
type SwapEvent struct {
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *uint256.Int
	Liquidity    uint128.Uint128
	Tick         int32
}

type CollectEvent struct {
	Owner     common.Address
	Recipient common.Address
	TickLower int32
	TickUpper int32
	Amount0   uint128.Uint128
	Amount1   uint128.Uint128
}

type FlashEvent struct {
	Sender    common.Address
	Recipient common.Address
	Amount0   *uint256.Int
	Amount1   *uint256.Int
	Paid0     *uint256.Int
	Paid1     *uint256.Int
}

type IncreaseObservationCardinalityNextEvent struct {
	Old uint16
	New uint16
}

func (InitializeEvent) EventName() string { return EventInitialize }
func (MintEvent) EventName() string       { return EventMint }
func (BurnEvent) EventName() string       { return EventBurn }
func (SwapEvent) EventName() string       { return EventSwap }
func (CollectEvent) EventName() string    { return EventCollect }
func (FlashEvent) EventName() string      { return EventFlash }
func (IncreaseObservationCardinalityNextEvent) EventName() string {
	return EventIncreaseObservationCardinalityNext
}
