package replay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/dex"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/ledger"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

var (
	testPool   = common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")
	testToken0 = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testToken1 = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	lp         = common.HexToAddress("0x1111111111111111111111111111111111111111")
	trader     = common.HexToAddress("0x2222222222222222222222222222222222222222")

	q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
)

func testMeta() model.PoolMeta {
	return model.PoolMeta{
		Address:     testPool.Hex(),
		Token0:      testToken0.Hex(),
		Token1:      testToken1.Hex(),
		Fee:         3000,
		TickSpacing: 60,
	}
}

func e15(n uint64) uint64 { return n * 1_000_000_000_000_000 }

// chainPool plays the part of the pool contract: it runs operations on an
// engine pool and records the logs they emit.
type chainPool struct {
	t       *testing.T
	pool    *pool.Pool
	ledger  *ledger.Ledger
	clock   *pool.ManualClock
	payer   *payer
	emitted []pool.Event
	records []model.LogRecord
	block   uint64
}

func newChainPool(t *testing.T) *chainPool {
	t.Helper()
	c := &chainPool{
		t:      t,
		ledger: ledger.New(),
		clock:  pool.NewManualClock(1_620_158_000),
		block:  12_376_728,
	}
	cfg, err := PoolConfig(testMeta())
	if err != nil {
		t.Fatalf("pool config: %v", err)
	}
	cfg.Vault = c.ledger
	cfg.Clock = c.clock
	cfg.Events = pool.EventSinkFunc(func(_ common.Address, ev pool.Event) {
		c.emitted = append(c.emitted, ev)
	})
	c.pool, err = pool.New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	c.payer = &payer{ledger: c.ledger, pool: testPool, token0: testToken0, token1: testToken1, account: trader}
	return c
}

// do runs op in the next block, advanced by seconds, and records its logs.
func (c *chainPool) do(seconds uint32, op func() error) {
	c.t.Helper()
	c.clock.Advance(seconds)
	c.emitted = nil
	if err := op(); err != nil {
		c.t.Fatalf("block %d: %v", c.block+1, err)
	}
	c.ledger.Commit()
	c.block++
	for i, ev := range c.emitted {
		record, err := dex.EncodeEvent(testPool, ev, dex.LogPosition{
			ChainID:     1,
			BlockNumber: c.block,
			TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprint(c.block))).Hex(),
			LogIndex:    uint64(i),
			Timestamp:   uint64(c.clock.Now()),
		})
		if err != nil {
			c.t.Fatalf("encode: %v", err)
		}
		c.records = append(c.records, record)
	}
}

func (c *chainPool) snapshot() model.PoolSnapshot {
	return ToSnapshot(testMeta(), c.pool.State(),
		c.ledger.BalanceOf(testToken0, testPool), c.ledger.BalanceOf(testToken1, testPool))
}

// history runs a realistic pool lifetime: liquidity in two ranges, swaps
// both ways across range boundaries, a flash loan, a partial burn and fee
// collection.
func history(t *testing.T) *chainPool {
	c := newChainPool(t)
	c.do(0, func() error { return c.pool.Initialize(q96) })
	c.do(1, func() error { return c.pool.IncreaseObservationCardinalityNext(8) })
	c.do(12, func() error {
		_, _, err := c.pool.Mint(lp, lp, -600, 600, uint128.From64(e15(1000)), c.payer, nil)
		return err
	})
	c.do(12, func() error {
		_, _, err := c.pool.Mint(lp, trader, -120, 120, uint128.From64(e15(500)), c.payer, nil)
		return err
	})
	c.do(13, func() error {
		_, _, err := c.pool.Swap(trader, trader, true, new(big.Int).SetUint64(e15(10)), minSwapLimit, c.payer, nil)
		return err
	})
	c.do(15, func() error {
		_, _, err := c.pool.Swap(trader, lp, false, new(big.Int).SetUint64(e15(30)), maxSwapLimit, c.payer, nil)
		return err
	})
	c.do(9, func() error {
		c.payer.repay0 = uint256.NewInt(e15(1) + 3_000_000_000_000)
		c.payer.repay1 = uint256.NewInt(e15(2) + 6_000_000_000_000)
		defer func() { c.payer.repay0, c.payer.repay1 = nil, nil }()
		return c.pool.Flash(trader, trader, uint256.NewInt(e15(1)), uint256.NewInt(e15(2)), c.payer, nil)
	})
	c.do(30, func() error {
		_, _, err := c.pool.Burn(trader, -120, 120, uint128.From64(e15(200)))
		return err
	})
	c.do(4, func() error {
		_, _, err := c.pool.Collect(trader, -120, 120, uint128.Max, uint128.Max)
		return err
	})
	c.do(20, func() error {
		_, _, err := c.pool.Swap(trader, trader, true, new(big.Int).SetUint64(e15(5)), minSwapLimit, c.payer, nil)
		return err
	})
	c.do(8, func() error {
		_, _, err := c.pool.Burn(lp, -600, 600, uint128.Zero)
		return err
	})
	return c
}

func writeRecords(t *testing.T, path string, records []model.LogRecord) {
	t.Helper()
	if err := storage.NewJsonlStorage(path).PutLogBatch(records); err != nil {
		t.Fatalf("write records: %v", err)
	}
}

func newTestRunner(t *testing.T, cfg RunConfig, source Source, snapshots storage.SnapshotStore, events storage.Storage, rejects RejectWriter) *Runner {
	t.Helper()
	decoder, err := dex.NewV3PoolDecoder(dex.DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return NewRunner(cfg, Deps{
		Source:    source,
		Decoder:   decoder,
		Snapshots: snapshots,
		Events:    events,
		Rejects:   rejects,
	})
}

func TestRunnerReproducesPool(t *testing.T) {
	chain := history(t)
	dir := t.TempDir()

	input := append([]model.LogRecord{}, chain.records...)
	// another contract's log in the same block
	foreign := chain.records[2]
	foreign.Address = testToken0.Hex()
	foreign.LogIndex = 5
	// a pool log the decoder does not handle
	unknown := chain.records[2]
	unknown.Topics = []string{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()}
	unknown.LogIndex = 6
	// a truncated swap
	broken := chain.records[4]
	broken.Data = "0x1234"
	broken.LogIndex = 7
	input = append(input[:5], append([]model.LogRecord{foreign, unknown, broken}, input[5:]...)...)

	inPath := filepath.Join(dir, "logs.jsonl")
	writeRecords(t, inPath, input)

	events, err := storage.NewJSONLWriter(filepath.Join(dir, "events.jsonl"), false)
	if err != nil {
		t.Fatalf("events writer: %v", err)
	}
	rejects, err := storage.NewJSONLWriter(filepath.Join(dir, "rejects.jsonl"), false)
	if err != nil {
		t.Fatalf("rejects writer: %v", err)
	}

	runner := newTestRunner(t, RunConfig{Meta: testMeta(), RunID: "run-1"},
		FileSource{Path: inPath}, storage.NewFileSnapshotStore(filepath.Join(dir, "snap.json")), events, rejects)
	summary, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := events.Close(); err != nil {
		t.Fatalf("close events: %v", err)
	}
	if err := rejects.Close(); err != nil {
		t.Fatalf("close rejects: %v", err)
	}

	if summary.Applied != len(chain.records) || summary.Mismatches != 0 || summary.ApplyFailed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Skipped != 2 || summary.DecodeFailed != 1 || summary.Total != len(input) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	last := chain.records[len(chain.records)-1]
	if summary.Last != (Cursor{Block: last.BlockNumber, LogIndex: last.LogIndex, Set: true}) {
		t.Fatalf("cursor mismatch: %+v", summary.Last)
	}

	got := ToSnapshot(testMeta(), runner.Pool().State(),
		runner.ledger.BalanceOf(testToken0, testPool), runner.ledger.BalanceOf(testToken1, testPool))
	if want := chain.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("state mismatch:\n got %+v\nwant %+v", got, want)
	}

	var reencoded []model.LogRecord
	if err := storage.ReadLogRecords(filepath.Join(dir, "events.jsonl"), func(r model.LogRecord) error {
		reencoded = append(reencoded, r)
		return nil
	}); err != nil {
		t.Fatalf("read events: %v", err)
	}
	if !reflect.DeepEqual(reencoded, chain.records) {
		t.Fatalf("engine events differ from input logs")
	}

	data, err := os.ReadFile(filepath.Join(dir, "rejects.jsonl"))
	if err != nil {
		t.Fatalf("read rejects: %v", err)
	}
	if n := len(splitLines(data)); n != 1 {
		t.Fatalf("rejects: %d lines", n)
	}

	snap, ok, err := storage.NewFileSnapshotStore(filepath.Join(dir, "snap.json")).LoadLatestSnapshot(context.Background(), testPool.Hex())
	if err != nil || !ok {
		t.Fatalf("final snapshot: ok=%v err=%v", ok, err)
	}
	if snap.RunID != "run-1" || snap.ChainID != 1 || snap.BlockNumber != last.BlockNumber {
		t.Fatalf("snapshot header: %+v", snap)
	}
}

func TestRunnerResumesFromSnapshot(t *testing.T) {
	chain := history(t)
	dir := t.TempDir()
	store := storage.NewFileSnapshotStore(filepath.Join(dir, "snap.json"))

	half := len(chain.records) / 2
	firstPath := filepath.Join(dir, "first.jsonl")
	fullPath := filepath.Join(dir, "full.jsonl")
	writeRecords(t, firstPath, chain.records[:half])
	writeRecords(t, fullPath, chain.records)

	first := newTestRunner(t, RunConfig{Meta: testMeta(), SnapshotEvery: 2, Resume: true}, FileSource{Path: firstPath}, store, nil, nil)
	summary, err := first.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if summary.Applied != half || summary.Snapshots < 1 {
		t.Fatalf("first summary: %+v", summary)
	}

	second := newTestRunner(t, RunConfig{Meta: testMeta(), Resume: true}, FileSource{Path: fullPath}, store, nil, nil)
	summary, err = second.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Applied != len(chain.records)-half || summary.Mismatches != 0 || summary.ApplyFailed != 0 {
		t.Fatalf("second summary: %+v", summary)
	}

	got := second.Snapshot()
	want := chain.snapshot()
	got.RunID, got.ChainID, got.BlockNumber, got.LogIndex = "", 0, 0, 0
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("state mismatch after resume:\n got %+v\nwant %+v", got, want)
	}
}

func TestRunnerWithoutSnapshotStartsFresh(t *testing.T) {
	chain := history(t)
	path := filepath.Join(t.TempDir(), "logs.jsonl")
	writeRecords(t, path, chain.records[:3])

	runner := newTestRunner(t, RunConfig{Meta: testMeta(), Resume: true}, FileSource{Path: path}, nil, nil, nil)
	summary, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Applied != 3 || summary.Snapshots != 0 {
		t.Fatalf("summary: %+v", summary)
	}
	if price := runner.Pool().Slot0().SqrtPriceX96; price == nil || !price.Eq(q96) {
		t.Fatalf("pool should be initialized at 2^96")
	}
}

func TestSwapStoppedAtPriceLimitReplays(t *testing.T) {
	chain := newChainPool(t)
	limit, err := tickmath.GetSqrtRatioAtTick(-100)
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	chain.do(0, func() error { return chain.pool.Initialize(q96) })
	chain.do(1, func() error {
		_, _, err := chain.pool.Mint(lp, lp, -6000, 6000, uint128.From64(e15(1000)), chain.payer, nil)
		return err
	})
	chain.do(5, func() error {
		_, _, err := chain.pool.Swap(trader, trader, true, new(big.Int).SetUint64(e15(1000)), limit, chain.payer, nil)
		return err
	})
	if !chain.pool.Slot0().SqrtPriceX96.Eq(limit) {
		t.Fatalf("swap should stop at the limit")
	}

	path := filepath.Join(t.TempDir(), "logs.jsonl")
	writeRecords(t, path, chain.records)
	runner := newTestRunner(t, RunConfig{Meta: testMeta()}, FileSource{Path: path}, nil, nil, nil)
	summary, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Applied != 3 || summary.Mismatches != 0 {
		t.Fatalf("summary: %+v", summary)
	}
	if !runner.Pool().Slot0().SqrtPriceX96.Eq(limit) {
		t.Fatalf("replayed price %s, want %s", runner.Pool().Slot0().SqrtPriceX96.ToBig(), limit.ToBig())
	}
}

func TestExactOutputSwapsReplay(t *testing.T) {
	chain := newChainPool(t)
	chain.do(0, func() error { return chain.pool.Initialize(q96) })
	chain.do(1, func() error {
		_, _, err := chain.pool.Mint(lp, lp, -6000, 6000, uint128.From64(e15(1000)), chain.payer, nil)
		return err
	})
	for i, amount := range []int64{7_000_000_000_123_457, 11_000_000_000_000_987, 3_333_333_333_333_333} {
		zeroForOne := i%2 == 0
		limit := maxSwapLimit
		if zeroForOne {
			limit = minSwapLimit
		}
		chain.do(3, func() error {
			_, _, err := chain.pool.Swap(trader, trader, zeroForOne, big.NewInt(-amount), limit, chain.payer, nil)
			return err
		})
	}

	path := filepath.Join(t.TempDir(), "logs.jsonl")
	writeRecords(t, path, chain.records)
	runner := newTestRunner(t, RunConfig{Meta: testMeta()}, FileSource{Path: path}, nil, nil, nil)
	summary, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Applied != 5 || summary.Mismatches != 0 {
		t.Fatalf("summary: %+v", summary)
	}
	if !runner.Pool().Slot0().SqrtPriceX96.Eq(chain.pool.Slot0().SqrtPriceX96) {
		t.Fatalf("replayed price %s, want %s", runner.Pool().Slot0().SqrtPriceX96.ToBig(), chain.pool.Slot0().SqrtPriceX96.ToBig())
	}
	for _, token := range []common.Address{testToken0, testToken1} {
		got, want := runner.ledger.BalanceOf(token, testPool), chain.ledger.BalanceOf(token, testPool)
		if !got.Eq(want) {
			t.Fatalf("pool balance of %s = %s, want %s", token.Hex(), got.ToBig(), want.ToBig())
		}
	}
}

func TestApplierReportsMismatchesAndErrors(t *testing.T) {
	cfg, err := PoolConfig(testMeta())
	if err != nil {
		t.Fatalf("pool config: %v", err)
	}
	l := ledger.New()
	clock := pool.NewManualClock(0)
	cfg.Vault = l
	cfg.Clock = clock
	p, err := pool.New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	a := NewApplier(p, l, clock, trader)

	ms, err := a.Apply(&model.TypedEvent{Timestamp: 100, Decoded: model.InitializeEventData{SqrtPriceX96: q96.ToBig().String(), Tick: 7}})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(ms) != 1 || ms[0] != (Mismatch{Field: "tick", Want: "7", Got: "0"}) {
		t.Fatalf("initialize mismatches: %+v", ms)
	}

	ms, err = a.Apply(&model.TypedEvent{Timestamp: 110, Decoded: model.MintEventData{
		Sender: lp.Hex(), Owner: lp.Hex(), TickLower: -60, TickUpper: 60,
		Amount: "1000000", Amount0: "1", Amount1: "0",
	}})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(ms) != 2 || ms[0].Field != "amount0" || ms[1].Field != "amount1" {
		t.Fatalf("mint mismatches: %+v", ms)
	}

	before := p.State()
	_, err = a.Apply(&model.TypedEvent{Timestamp: 120, Decoded: model.BurnEventData{
		Owner: lp.Hex(), TickLower: -60, TickUpper: 60, Amount: "1000001", Amount0: "0", Amount1: "0",
	}})
	if !errors.Is(err, pool.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if !reflect.DeepEqual(ToSnapshot(testMeta(), p.State(), nil, nil), ToSnapshot(testMeta(), before, nil, nil)) {
		t.Fatalf("failed burn changed the pool")
	}

	if _, err := a.Apply(&model.TypedEvent{Decoded: model.SwapEventData{Amount0: "-5", Amount1: "0", SqrtPriceX96: "1", Liquidity: "0"}}); !errors.Is(err, pool.ErrZeroAmount) {
		t.Fatalf("expected zero amount error, got %v", err)
	}
	if _, err := a.Apply(&model.TypedEvent{Decoded: struct{}{}}); err == nil {
		t.Fatalf("expected error for unknown payload")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	chain := history(t)
	want := chain.snapshot()

	st, err := FromSnapshot(want)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	cfg, err := PoolConfig(want.Pool)
	if err != nil {
		t.Fatalf("pool config: %v", err)
	}
	cfg.Vault = ledger.New()
	restored, err := pool.Restore(cfg, st)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := ToSnapshot(want.Pool, restored.State(),
		chain.ledger.BalanceOf(testToken0, testPool), chain.ledger.BalanceOf(testToken1, testPool))
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	bad := want
	bad.Ticks = append([]model.TickSnapshot{}, want.Ticks...)
	bad.Ticks[0].LiquidityNet = "not-a-number"
	if _, err := FromSnapshot(bad); err == nil {
		t.Fatalf("expected error for bad tick")
	}

	bad = want
	bad.Liquidity = new(big.Int).Lsh(big.NewInt(1), 128).String()
	if _, err := FromSnapshot(bad); err == nil {
		t.Fatalf("expected error for liquidity overflow")
	}

	bad = want
	bad.Observations = append([]model.ObservationSnapshot{}, want.Observations...)
	bad.Observations[0].Index = uint16(len(bad.Observations))
	if _, err := FromSnapshot(bad); err == nil {
		t.Fatalf("expected error for observation index")
	}
}

func TestQuoteMatchesEngineSwap(t *testing.T) {
	chain := history(t)
	snap := chain.snapshot()

	amount := new(big.Int).SetUint64(e15(5))
	quote, err := Quote(snap, QuoteRequest{ZeroForOne: false, Amount: amount})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Amount1.Cmp(amount) != 0 || quote.Amount0.Sign() >= 0 {
		t.Fatalf("quote amounts: %s %s", quote.Amount0, quote.Amount1)
	}

	// the same swap on the live pool lands on the same price
	before := chain.snapshot()
	amount0, amount1, err := chain.pool.Swap(trader, trader, false, amount, maxSwapLimit, chain.payer, nil)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if amount0.Cmp(quote.Amount0) != 0 || amount1.Cmp(quote.Amount1) != 0 {
		t.Fatalf("quote %s/%s, swap %s/%s", quote.Amount0, quote.Amount1, amount0, amount1)
	}
	if !chain.pool.Slot0().SqrtPriceX96.Eq(quote.SqrtPriceX96) || chain.pool.Slot0().Tick != quote.Tick {
		t.Fatalf("price mismatch")
	}
	if !reflect.DeepEqual(snap, before) {
		t.Fatalf("quote modified the snapshot")
	}

	if _, err := Quote(snap, QuoteRequest{ZeroForOne: true, Amount: big.NewInt(0)}); !errors.Is(err, pool.ErrZeroAmount) {
		t.Fatalf("expected zero amount error, got %v", err)
	}
}

func TestPriceAndAmountFormatting(t *testing.T) {
	if got := Price(q96, 18, 18).String(); got != "1" {
		t.Fatalf("price at q96: %s", got)
	}
	// one raw unit per raw unit between an 18 and a 6 decimal token
	if got := Price(q96, 18, 6).String(); got != "1000000000000" {
		t.Fatalf("scaled price: %s", got)
	}
	if got := TokenAmount(big.NewInt(-1_500_000), 6).String(); got != "-1.5" {
		t.Fatalf("token amount: %s", got)
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}
