package dex

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
)

func TestV3PoolDecoderSwap(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	poolAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	recipient := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-1000),
		big.NewInt(2000),
		big.NewInt(123456789),
		big.NewInt(987654321),
		big.NewInt(-15),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	logRecord := buildLogRecord(poolAddr, poolABI.Events["Swap"].ID, data, []common.Hash{
		addressTopic(sender),
		addressTopic(recipient),
	})

	event, err := decoder.Decode(logRecord)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}

	swap, ok := event.Decoded.(model.SwapEventData)
	if !ok {
		t.Fatalf("decoded type mismatch")
	}
	if swap.Amount0 != "-1000" || swap.Amount1 != "2000" {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.Tick != -15 {
		t.Fatalf("tick mismatch: %d", swap.Tick)
	}
	if swap.Sender != sender.Hex() || swap.Recipient != recipient.Hex() {
		t.Fatalf("address mismatch")
	}
	if event.BlockNumber != 12345 || event.LogIndex != 1 || event.EventName != model.EventSwap {
		t.Fatalf("position mismatch: %+v", event)
	}
}

func TestV3PoolDecoderMintBurnCollect(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	poolAddr := common.HexToAddress("0x9999999999999999999999999999999999999999")
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	owner := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	recipient := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	mintData, err := poolABI.Events["Mint"].Inputs.NonIndexed().Pack(
		sender,
		big.NewInt(5000),
		big.NewInt(100),
		big.NewInt(200),
	)
	if err != nil {
		t.Fatalf("pack mint: %v", err)
	}
	mintEvent, err := decoder.Decode(buildLogRecord(poolAddr, poolABI.Events["Mint"].ID, mintData, []common.Hash{
		addressTopic(owner),
		int24Topic(-120),
		int24Topic(120),
	}))
	if err != nil {
		t.Fatalf("decode mint: %v", err)
	}
	mint, ok := mintEvent.Decoded.(model.MintEventData)
	if !ok {
		t.Fatalf("mint type mismatch")
	}
	if mint.TickLower != -120 || mint.TickUpper != 120 || mint.Owner != owner.Hex() || mint.Sender != sender.Hex() {
		t.Fatalf("mint mismatch: %+v", mint)
	}

	burnData, err := poolABI.Events["Burn"].Inputs.NonIndexed().Pack(
		big.NewInt(7000),
		big.NewInt(300),
		big.NewInt(400),
	)
	if err != nil {
		t.Fatalf("pack burn: %v", err)
	}
	burnEvent, err := decoder.Decode(buildLogRecord(poolAddr, poolABI.Events["Burn"].ID, burnData, []common.Hash{
		addressTopic(owner),
		int24Topic(-887220),
		int24Topic(60),
	}))
	if err != nil {
		t.Fatalf("decode burn: %v", err)
	}
	burn, ok := burnEvent.Decoded.(model.BurnEventData)
	if !ok {
		t.Fatalf("burn type mismatch")
	}
	if burn.Amount != "7000" || burn.TickLower != -887220 {
		t.Fatalf("burn mismatch: %+v", burn)
	}

	collectData, err := poolABI.Events["Collect"].Inputs.NonIndexed().Pack(
		recipient,
		big.NewInt(900),
		big.NewInt(1000),
	)
	if err != nil {
		t.Fatalf("pack collect: %v", err)
	}
	collectEvent, err := decoder.Decode(buildLogRecord(poolAddr, poolABI.Events["Collect"].ID, collectData, []common.Hash{
		addressTopic(owner),
		int24Topic(-10),
		int24Topic(10),
	}))
	if err != nil {
		t.Fatalf("decode collect: %v", err)
	}
	collect, ok := collectEvent.Decoded.(model.CollectEventData)
	if !ok {
		t.Fatalf("collect type mismatch")
	}
	if collect.Amount0 != "900" || collect.Amount1 != "1000" {
		t.Fatalf("collect amount mismatch: %+v", collect)
	}
	if collect.Recipient != recipient.Hex() {
		t.Fatalf("collect recipient mismatch")
	}
}

func TestV3PoolDecoderRejectsMalformedLogs(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	poolAddr := common.HexToAddress("0x9999999999999999999999999999999999999999")

	cases := map[string]model.LogRecord{
		"no topics":     {Address: poolAddr.Hex()},
		"unknown topic": buildLogRecord(poolAddr, common.HexToHash("0x01"), nil, nil),
		"missing topic": buildLogRecord(poolAddr, poolABI.Events["Burn"].ID, nil, []common.Hash{addressTopic(poolAddr)}),
		"short data":    buildLogRecord(poolAddr, poolABI.Events["Initialize"].ID, []byte{1, 2, 3}, nil),
	}
	for name, record := range cases {
		if _, err := decoder.Decode(record); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestV3PoolDecoderTopicAlias(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	alias := "0x19b47279256b2a23a1665c810c8d55a1758940ee09377d4f8d26497a3577dc83"
	decoder, err := NewV3PoolDecoder(DecoderConfig{Topic0Map: map[string]string{alias: "swap"}})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	if !decoder.CanDecode(alias) || !decoder.CanDecode(poolABI.Events["Swap"].ID.Hex()) {
		t.Fatalf("alias not registered")
	}
	if len(decoder.Topics()) != len(poolEvents)+1 {
		t.Fatalf("topics: %d", len(decoder.Topics()))
	}
	if _, err := NewV3PoolDecoder(DecoderConfig{Topic0Map: map[string]string{alias: "Sync"}}); err == nil {
		t.Fatalf("expected error for unknown event name")
	}
}

func TestEncodeEventDecodesBack(t *testing.T) {
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	poolAddr := common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")
	owner := common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	at := LogPosition{ChainID: 1, BlockNumber: 12376729, TxHash: "0xabc", LogIndex: 4, Timestamp: 1620157956}

	mint := pool.MintEvent{
		Sender:    owner,
		Owner:     owner,
		TickLower: -887220,
		TickUpper: 887220,
		Amount:    uint128.From64(1_000_000),
		Amount0:   uint256.NewInt(999),
		Amount1:   uint256.NewInt(1001),
	}
	record, err := EncodeEvent(poolAddr, mint, at)
	if err != nil {
		t.Fatalf("encode mint: %v", err)
	}
	ev, err := decoder.Decode(record)
	if err != nil {
		t.Fatalf("decode mint: %v", err)
	}
	got := ev.Decoded.(model.MintEventData)
	want := model.MintEventData{
		Sender: owner.Hex(), Owner: owner.Hex(), TickLower: -887220, TickUpper: 887220,
		Amount: "1000000", Amount0: "999", Amount1: "1001",
	}
	if got != want {
		t.Fatalf("mint: got %+v want %+v", got, want)
	}
	if ev.BlockNumber != at.BlockNumber || ev.LogIndex != at.LogIndex || ev.Timestamp != at.Timestamp {
		t.Fatalf("position lost: %+v", ev)
	}

	swap := pool.SwapEvent{
		Sender:       owner,
		Recipient:    owner,
		Amount0:      big.NewInt(-2),
		Amount1:      big.NewInt(5),
		SqrtPriceX96: uint256.NewInt(79228162514264337),
		Liquidity:    uint128.Zero,
		Tick:         -60,
	}
	record, err = EncodeEvent(poolAddr, swap, at)
	if err != nil {
		t.Fatalf("encode swap: %v", err)
	}
	ev, err = decoder.Decode(record)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}
	s := ev.Decoded.(model.SwapEventData)
	if s.Amount0 != "-2" || s.Amount1 != "5" || s.Tick != -60 || s.Liquidity != "0" {
		t.Fatalf("swap: %+v", s)
	}

	record, err = EncodeEvent(poolAddr, pool.IncreaseObservationCardinalityNextEvent{Old: 1, New: 10}, at)
	if err != nil {
		t.Fatalf("encode oracle growth: %v", err)
	}
	ev, err = decoder.Decode(record)
	if err != nil {
		t.Fatalf("decode oracle growth: %v", err)
	}
	if g := ev.Decoded.(model.IncreaseObservationCardinalityNextEventData); g.Old != 1 || g.New != 10 {
		t.Fatalf("oracle growth: %+v", g)
	}

	record, err = EncodeEvent(poolAddr, pool.FlashEvent{
		Sender: owner, Recipient: poolAddr,
		Amount0: uint256.NewInt(10), Amount1: uint256.NewInt(0),
		Paid0: uint256.NewInt(1), Paid1: uint256.NewInt(0),
	}, at)
	if err != nil {
		t.Fatalf("encode flash: %v", err)
	}
	ev, err = decoder.Decode(record)
	if err != nil {
		t.Fatalf("decode flash: %v", err)
	}
	if f := ev.Decoded.(model.FlashEventData); f.Paid0 != "1" || f.Recipient != poolAddr.Hex() {
		t.Fatalf("flash: %+v", f)
	}
}

// fakeCaller answers view calls from canned return values.
type fakeCaller map[string][]interface{}

func (f fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, err
	}
	method, err := poolABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	out, ok := f[method.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return method.Outputs.Pack(out...)
}

func TestFetchPoolMetaAndSlot0(t *testing.T) {
	token0 := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	token1 := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	factory := common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	caller := fakeCaller{
		"factory":     {factory},
		"token0":      {token0},
		"token1":      {token1},
		"fee":         {big.NewInt(3000)},
		"tickSpacing": {big.NewInt(60)},
		"liquidity":   {big.NewInt(42)},
		"slot0": {
			big.NewInt(1 << 40), big.NewInt(-201000), uint16(3), uint16(10), uint16(10), uint8(0), true,
		},
	}
	poolAddr := common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")

	meta, err := FetchPoolMeta(context.Background(), caller, poolAddr)
	if err != nil {
		t.Fatalf("fetch meta: %v", err)
	}
	if meta.Factory != factory.Hex() || meta.Token0 != token0.Hex() || meta.Token1 != token1.Hex() || meta.Fee != 3000 || meta.TickSpacing != 60 {
		t.Fatalf("meta mismatch: %+v", meta)
	}

	slot0, err := FetchPoolSlot0(context.Background(), caller, poolAddr, 100)
	if err != nil {
		t.Fatalf("fetch slot0: %v", err)
	}
	if slot0.Tick != -201000 || slot0.Liquidity != "42" || slot0.SqrtPriceX96 != "1099511627776" {
		t.Fatalf("slot0 mismatch: %+v", slot0)
	}

	delete(caller, "fee")
	if _, err := FetchPoolMeta(context.Background(), caller, poolAddr); err == nil {
		t.Fatalf("expected error when fee call reverts")
	}
}

func buildLogRecord(poolAddr common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) model.LogRecord {
	topics := make([]string, 0, len(indexed)+1)
	topics = append(topics, topic0.Hex())
	for _, topic := range indexed {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     1,
		BlockNumber: 12345,
		BlockHash:   "0xabc",
		TxHash:      "0xdef",
		LogIndex:    1,
		Address:     poolAddr.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
		Timestamp:   1700000000,
	}
}
