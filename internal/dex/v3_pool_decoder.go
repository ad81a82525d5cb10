package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
)

// DecoderConfig configures decoder behavior.
type DecoderConfig struct {
	// Topic0Map adds topic0 aliases for forks that rename or extend events,
	// mapped to one of the pool event names.
	Topic0Map map[string]string
}

// V3PoolDecoder decodes concentrated-liquidity pool logs into typed events.
type V3PoolDecoder struct {
	poolABI     abi.ABI
	topicToName map[string]string
}

// NewV3PoolDecoder builds a pool log decoder.
func NewV3PoolDecoder(cfg DecoderConfig) (*V3PoolDecoder, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, err
	}

	topicToName := make(map[string]string, len(poolEvents)+len(cfg.Topic0Map))
	for _, name := range poolEvents {
		topicToName[strings.ToLower(poolABI.Events[name].ID.Hex())] = name
	}

	for topic0, name := range cfg.Topic0Map {
		original := name
		name = normalizeEventName(name)
		if name == "" {
			return nil, fmt.Errorf("unsupported event name in topic0 map: %s", original)
		}
		if topic0 == "" {
			continue
		}
		topicToName[strings.ToLower(topic0)] = name
	}

	return &V3PoolDecoder{
		poolABI:     poolABI,
		topicToName: topicToName,
	}, nil
}

// Topics returns every topic0 the decoder accepts, for log filters.
func (d *V3PoolDecoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicToName))
	for topic := range d.topicToName {
		out = append(out, common.HexToHash(topic))
	}
	return out
}

// CanDecode checks if the topic0 is supported.
func (d *V3PoolDecoder) CanDecode(topic0 string) bool {
	if topic0 == "" {
		return false
	}
	_, ok := d.topicToName[strings.ToLower(topic0)]
	return ok
}

// Decode converts a LogRecord into a TypedEvent.
func (d *V3PoolDecoder) Decode(log model.LogRecord) (*model.TypedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	name, ok := d.topicToName[strings.ToLower(log.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("unsupported topic0: %s", log.Topics[0])
	}
	if !common.IsHexAddress(log.Address) {
		return nil, fmt.Errorf("invalid pool address: %s", log.Address)
	}

	event := d.poolABI.Events[name]
	indexed, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	switch name {
	case model.EventInitialize:
		decoded, err = decodeInitialize(values)
	case model.EventSwap:
		decoded, err = decodeSwap(indexed, values)
	case model.EventMint:
		decoded, err = decodeMint(indexed, values)
	case model.EventBurn:
		decoded, err = decodeBurn(indexed, values)
	case model.EventCollect:
		decoded, err = decodeCollect(indexed, values)
	case model.EventFlash:
		decoded, err = decodeFlash(indexed, values)
	case model.EventIncreaseObservationCardinalityNext:
		decoded, err = decodeIncreaseObservationCardinalityNext(values)
	default:
		err = fmt.Errorf("unsupported event name: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &model.TypedEvent{
		ChainID:     log.ChainID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		EventName:   name,
		Timestamp:   log.Timestamp,
		Decoded:     decoded,
	}, nil
}

func normalizeEventName(name string) string {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, event := range poolEvents {
		if strings.ToLower(event) == want {
			return event
		}
	}
	return ""
}

func decodeInitialize(values []interface{}) (model.InitializeEventData, error) {
	if len(values) != 2 {
		return model.InitializeEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return model.InitializeEventData{}, err
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return model.InitializeEventData{}, err
	}
	return model.InitializeEventData{SqrtPriceX96: sqrtPrice.String(), Tick: tick}, nil
}

func decodeSwap(topics []common.Hash, values []interface{}) (model.SwapEventData, error) {
	if len(topics) != 2 {
		return model.SwapEventData{}, fmt.Errorf("unexpected topics: %d", len(topics))
	}
	// forks append protocol fee fields after tick
	if len(values) < 5 {
		return model.SwapEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	ints, err := asBigInts(values[:4])
	if err != nil {
		return model.SwapEventData{}, err
	}
	tick, err := asInt24(values[4])
	if err != nil {
		return model.SwapEventData{}, err
	}
	return model.SwapEventData{
		Sender:       topicAddress(topics[0]).Hex(),
		Recipient:    topicAddress(topics[1]).Hex(),
		Amount0:      ints[0].String(),
		Amount1:      ints[1].String(),
		SqrtPriceX96: ints[2].String(),
		Liquidity:    ints[3].String(),
		Tick:         tick,
	}, nil
}

func decodeMint(topics []common.Hash, values []interface{}) (model.MintEventData, error) {
	owner, lower, upper, err := positionTopics(topics)
	if err != nil {
		return model.MintEventData{}, err
	}
	if len(values) != 4 {
		return model.MintEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	sender, err := asAddress(values[0])
	if err != nil {
		return model.MintEventData{}, err
	}
	ints, err := asBigInts(values[1:])
	if err != nil {
		return model.MintEventData{}, err
	}
	return model.MintEventData{
		Sender:    sender.Hex(),
		Owner:     owner.Hex(),
		TickLower: lower,
		TickUpper: upper,
		Amount:    ints[0].String(),
		Amount0:   ints[1].String(),
		Amount1:   ints[2].String(),
	}, nil
}

func decodeBurn(topics []common.Hash, values []interface{}) (model.BurnEventData, error) {
	owner, lower, upper, err := positionTopics(topics)
	if err != nil {
		return model.BurnEventData{}, err
	}
	if len(values) != 3 {
		return model.BurnEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	ints, err := asBigInts(values)
	if err != nil {
		return model.BurnEventData{}, err
	}
	return model.BurnEventData{
		Owner:     owner.Hex(),
		TickLower: lower,
		TickUpper: upper,
		Amount:    ints[0].String(),
		Amount0:   ints[1].String(),
		Amount1:   ints[2].String(),
	}, nil
}

func decodeCollect(topics []common.Hash, values []interface{}) (model.CollectEventData, error) {
	owner, lower, upper, err := positionTopics(topics)
	if err != nil {
		return model.CollectEventData{}, err
	}
	if len(values) != 3 {
		return model.CollectEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	recipient, err := asAddress(values[0])
	if err != nil {
		return model.CollectEventData{}, err
	}
	ints, err := asBigInts(values[1:])
	if err != nil {
		return model.CollectEventData{}, err
	}
	return model.CollectEventData{
		Owner:     owner.Hex(),
		Recipient: recipient.Hex(),
		TickLower: lower,
		TickUpper: upper,
		Amount0:   ints[0].String(),
		Amount1:   ints[1].String(),
	}, nil
}

func decodeFlash(topics []common.Hash, values []interface{}) (model.FlashEventData, error) {
	if len(topics) != 2 {
		return model.FlashEventData{}, fmt.Errorf("unexpected topics: %d", len(topics))
	}
	if len(values) != 4 {
		return model.FlashEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	ints, err := asBigInts(values)
	if err != nil {
		return model.FlashEventData{}, err
	}
	return model.FlashEventData{
		Sender:    topicAddress(topics[0]).Hex(),
		Recipient: topicAddress(topics[1]).Hex(),
		Amount0:   ints[0].String(),
		Amount1:   ints[1].String(),
		Paid0:     ints[2].String(),
		Paid1:     ints[3].String(),
	}, nil
}

func decodeIncreaseObservationCardinalityNext(values []interface{}) (model.IncreaseObservationCardinalityNextEventData, error) {
	if len(values) != 2 {
		return model.IncreaseObservationCardinalityNextEventData{}, fmt.Errorf("unexpected values: %d", len(values))
	}
	old, ok1 := values[0].(uint16)
	next, ok2 := values[1].(uint16)
	if !ok1 || !ok2 {
		return model.IncreaseObservationCardinalityNextEventData{}, fmt.Errorf("unsupported cardinality types %T, %T", values[0], values[1])
	}
	return model.IncreaseObservationCardinalityNextEventData{Old: old, New: next}, nil
}

// positionTopics reads the (owner, tickLower, tickUpper) topics shared by
// Mint, Burn and Collect.
func positionTopics(topics []common.Hash) (common.Address, int32, int32, error) {
	if len(topics) != 3 {
		return common.Address{}, 0, 0, fmt.Errorf("unexpected topics: %d", len(topics))
	}
	lower, err := int24FromBig(topicInt(topics[1]))
	if err != nil {
		return common.Address{}, 0, 0, fmt.Errorf("tick lower: %w", err)
	}
	upper, err := int24FromBig(topicInt(topics[2]))
	if err != nil {
		return common.Address{}, 0, 0, fmt.Errorf("tick upper: %w", err)
	}
	return topicAddress(topics[0]), lower, upper, nil
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

// topicInt reads a sign-extended 256-bit topic.
func topicInt(h common.Hash) *big.Int {
	v := new(big.Int).SetBytes(h.Bytes())
	if h[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := 0
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedCount++
		}
	}
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	out := make([]common.Hash, 0, indexedCount)
	for _, topic := range topics[1:] {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}
