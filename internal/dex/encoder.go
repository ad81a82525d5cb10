package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
)

// LogPosition places an encoded event in the chain.
type LogPosition struct {
	ChainID     uint64
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Timestamp   uint64
}

// EncodeEvent ABI-encodes a committed pool event into the log a pool contract
// would have emitted for it.
func EncodeEvent(poolAddr common.Address, ev pool.Event, at LogPosition) (model.LogRecord, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return model.LogRecord{}, err
	}
	event, ok := poolABI.Events[ev.EventName()]
	if !ok {
		return model.LogRecord{}, fmt.Errorf("no abi for event %s", ev.EventName())
	}

	var (
		topics []common.Hash
		args   []interface{}
	)
	switch e := ev.(type) {
	case pool.InitializeEvent:
		args = []interface{}{e.SqrtPriceX96.ToBig(), big.NewInt(int64(e.Tick))}
	case pool.SwapEvent:
		topics = []common.Hash{addressTopic(e.Sender), addressTopic(e.Recipient)}
		args = []interface{}{
			e.Amount0, e.Amount1, e.SqrtPriceX96.ToBig(), e.Liquidity.Big(), big.NewInt(int64(e.Tick)),
		}
	case pool.MintEvent:
		topics = []common.Hash{addressTopic(e.Owner), int24Topic(e.TickLower), int24Topic(e.TickUpper)}
		args = []interface{}{e.Sender, e.Amount.Big(), e.Amount0.ToBig(), e.Amount1.ToBig()}
	case pool.BurnEvent:
		topics = []common.Hash{addressTopic(e.Owner), int24Topic(e.TickLower), int24Topic(e.TickUpper)}
		args = []interface{}{e.Amount.Big(), e.Amount0.ToBig(), e.Amount1.ToBig()}
	case pool.CollectEvent:
		topics = []common.Hash{addressTopic(e.Owner), int24Topic(e.TickLower), int24Topic(e.TickUpper)}
		args = []interface{}{e.Recipient, e.Amount0.Big(), e.Amount1.Big()}
	case pool.FlashEvent:
		topics = []common.Hash{addressTopic(e.Sender), addressTopic(e.Recipient)}
		args = []interface{}{e.Amount0.ToBig(), e.Amount1.ToBig(), e.Paid0.ToBig(), e.Paid1.ToBig()}
	case pool.IncreaseObservationCardinalityNextEvent:
		args = []interface{}{e.Old, e.New}
	default:
		return model.LogRecord{}, fmt.Errorf("unsupported event type %T", ev)
	}

	data, err := event.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("pack %s: %w", event.Name, err)
	}

	topicStrings := make([]string, 0, len(topics)+1)
	topicStrings = append(topicStrings, event.ID.Hex())
	for _, topic := range topics {
		topicStrings = append(topicStrings, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     at.ChainID,
		BlockNumber: at.BlockNumber,
		TxHash:      at.TxHash,
		LogIndex:    at.LogIndex,
		Address:     poolAddr.Hex(),
		Topics:      topicStrings,
		Data:        hexutil.Encode(data),
		Timestamp:   at.Timestamp,
	}, nil
}
