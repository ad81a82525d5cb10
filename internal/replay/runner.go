// Package replay drives an engine pool from a pool contract's logs and checks
// every result against what the chain recorded.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/dex"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/ledger"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/metrics"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage"
)

// payerAccount funds replayed settlements. It is not a real chain account.
var payerAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// RunConfig holds runtime settings for a replay.
type RunConfig struct {
	// Meta describes the pool when no snapshot is resumed.
	Meta  model.PoolMeta
	RunID string
	// SnapshotEvery saves a snapshot after that many consumed events; zero
	// only saves at the end.
	SnapshotEvery int
	Resume        bool
}

// Deps are the collaborators of a Runner. Snapshots, Events and Rejects are
// optional.
type Deps struct {
	Source    Source
	Decoder   *dex.V3PoolDecoder
	Snapshots storage.SnapshotStore
	Events    storage.Storage
	Rejects   RejectWriter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// RejectWriter records logs the replay could not use.
type RejectWriter interface {
	Write(value interface{}) error
}

// Summary reports what a run did.
type Summary struct {
	Total        int
	Applied      int
	Skipped      int
	DecodeFailed int
	ApplyFailed  int
	Mismatches   int
	Snapshots    int
	Last         Cursor
}

// Runner replays one pool.
type Runner struct {
	cfg  RunConfig
	deps Deps

	meta    model.PoolMeta
	chainID uint64
	pool    *pool.Pool
	ledger  *ledger.Ledger
	clock   *pool.ManualClock
	applier *Applier
	pending []pool.Event

	cursor        Cursor
	sinceSnapshot int
	summary       Summary
}

// NewRunner builds a Runner with its dependencies.
func NewRunner(cfg RunConfig, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(nil, "")
	}
	return &Runner{cfg: cfg, deps: deps}
}

// Pool returns the engine pool once Run has set it up.
func (r *Runner) Pool() *pool.Pool { return r.pool }

// Run replays every log the source yields after the resume point. Engine
// rejections and mismatches are recorded and the run continues; source,
// sink and snapshot failures stop it.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if r.deps.Source == nil {
		return Summary{}, fmt.Errorf("source is nil")
	}
	if r.deps.Decoder == nil {
		return Summary{}, fmt.Errorf("decoder is nil")
	}
	if err := r.setup(ctx); err != nil {
		return Summary{}, err
	}

	r.deps.Logger.Info("replay start",
		zap.String("pool", r.meta.Address),
		zap.String("run_id", r.cfg.RunID),
		zap.Bool("resumed", r.cursor.Set),
		zap.Uint64("after_block", r.cursor.Block),
		zap.Uint64("after_log_index", r.cursor.LogIndex),
	)

	streamErr := r.deps.Source.Stream(ctx, r.cursor, func(record model.LogRecord) error {
		return r.handle(ctx, record)
	})

	// keep what was applied even when the stream was cut short
	if r.sinceSnapshot > 0 {
		if err := r.saveSnapshot(ctx); err != nil {
			if streamErr != nil {
				return r.summary, fmt.Errorf("%w (final snapshot: %v)", streamErr, err)
			}
			return r.summary, err
		}
	}
	r.summary.Last = r.cursor

	r.deps.Logger.Info("replay complete",
		zap.Int("total", r.summary.Total),
		zap.Int("applied", r.summary.Applied),
		zap.Int("skipped", r.summary.Skipped),
		zap.Int("decode_failed", r.summary.DecodeFailed),
		zap.Int("apply_failed", r.summary.ApplyFailed),
		zap.Int("mismatches", r.summary.Mismatches),
		zap.Uint64("last_block", r.cursor.Block),
	)
	if streamErr != nil {
		return r.summary, fmt.Errorf("stream logs: %w", streamErr)
	}
	return r.summary, nil
}

func (r *Runner) setup(ctx context.Context) error {
	r.ledger = ledger.New()
	r.clock = pool.NewManualClock(0)

	var (
		state    *pool.State
		snapshot model.PoolSnapshot
	)
	r.meta = r.cfg.Meta
	if r.cfg.Resume && r.deps.Snapshots != nil {
		snap, ok, err := r.deps.Snapshots.LoadLatestSnapshot(ctx, r.cfg.Meta.Address)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			st, err := FromSnapshot(snap)
			if err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}
			state, snapshot = &st, snap
			r.meta = snap.Pool
			r.chainID = snap.ChainID
			r.cursor = Cursor{Block: snap.BlockNumber, LogIndex: snap.LogIndex, Set: true}
		}
	}

	poolCfg, err := PoolConfig(r.meta)
	if err != nil {
		return err
	}
	derived, ok, err := VerifyPoolAddress(poolCfg)
	if err != nil {
		return fmt.Errorf("derive pool address: %w", err)
	}
	if !ok {
		r.deps.Logger.Warn("pool address does not match factory derivation",
			zap.String("pool", r.meta.Address),
			zap.String("factory", r.meta.Factory),
			zap.String("derived", derived.Hex()),
		)
		r.deps.Metrics.AddressMismatches.WithLabelValues(r.meta.Address).Inc()
	}
	poolCfg.Vault = r.ledger
	poolCfg.Clock = r.clock
	poolCfg.Logger = r.deps.Logger
	poolCfg.Events = pool.EventSinkFunc(func(_ common.Address, ev pool.Event) {
		r.pending = append(r.pending, ev)
	})

	if state == nil {
		r.pool, err = pool.New(poolCfg)
	} else {
		r.pool, err = pool.Restore(poolCfg, *state)
		if err == nil {
			err = r.fundPool(snapshot)
		}
	}
	if err != nil {
		return fmt.Errorf("build pool: %w", err)
	}

	r.applier = NewApplier(r.pool, r.ledger, r.clock, payerAccount)
	return nil
}

// fundPool restores the pool's token custody from a snapshot.
func (r *Runner) fundPool(snap model.PoolSnapshot) error {
	for _, leg := range []struct {
		token common.Address
		value string
	}{{r.pool.Token0(), snap.Balance0}, {r.pool.Token1(), snap.Balance1}} {
		if leg.value == "" {
			continue
		}
		amount, err := parseU256(leg.value)
		if err != nil {
			return fmt.Errorf("pool balance: %w", err)
		}
		if err := r.ledger.Mint(leg.token, r.pool.Address(), amount); err != nil {
			return err
		}
	}
	r.ledger.Commit()
	return nil
}

func (r *Runner) handle(ctx context.Context, record model.LogRecord) error {
	poolLabel := r.meta.Address
	r.summary.Total++

	if record.Removed || !strings.EqualFold(record.Address, r.meta.Address) || !r.deps.Decoder.CanDecode(record.Topic0()) {
		r.summary.Skipped++
		r.deps.Metrics.EventsSkipped.WithLabelValues(poolLabel).Inc()
		return nil
	}

	ev, err := r.deps.Decoder.Decode(record)
	if err != nil {
		r.summary.DecodeFailed++
		r.deps.Metrics.DecodeErrors.WithLabelValues(poolLabel).Inc()
		r.deps.Logger.Warn("decode failed", zap.String("log", record.ID()), zap.Error(err))
		r.advance(record)
		return r.reject(record, "", model.StageDecode, err)
	}

	r.pending = r.pending[:0]
	timer := prometheus.NewTimer(r.deps.Metrics.ApplyDuration.WithLabelValues(poolLabel, ev.EventName))
	mismatches, err := r.applier.Apply(ev)
	timer.ObserveDuration()
	r.ledger.Commit()
	r.advance(record)

	if err != nil {
		r.summary.ApplyFailed++
		r.deps.Metrics.EngineErrors.WithLabelValues(poolLabel, ev.EventName).Inc()
		r.deps.Logger.Warn("engine rejected event",
			zap.String("event", ev.EventName),
			zap.String("log", record.ID()),
			zap.Error(err),
		)
		if err := r.reject(record, ev.EventName, model.StageApply, err); err != nil {
			return err
		}
		return r.maybeSnapshot(ctx)
	}

	r.summary.Applied++
	r.deps.Metrics.EventsApplied.WithLabelValues(poolLabel, ev.EventName).Inc()
	r.deps.Metrics.LastBlock.WithLabelValues(poolLabel).Set(float64(record.BlockNumber))
	for _, m := range mismatches {
		r.summary.Mismatches++
		r.deps.Metrics.Mismatches.WithLabelValues(poolLabel, m.Field).Inc()
		r.deps.Logger.Warn("engine result differs from log",
			zap.String("event", ev.EventName),
			zap.String("log", record.ID()),
			zap.String("field", m.Field),
			zap.String("want", m.Want),
			zap.String("got", m.Got),
		)
	}

	if err := r.writeEvents(record); err != nil {
		return err
	}
	return r.maybeSnapshot(ctx)
}

func (r *Runner) advance(record model.LogRecord) {
	r.cursor = Cursor{Block: record.BlockNumber, LogIndex: record.LogIndex, Set: true}
	if r.chainID == 0 {
		r.chainID = record.ChainID
	}
	r.sinceSnapshot++
}

// writeEvents re-encodes the events the engine emitted at the position of the
// log that caused them.
func (r *Runner) writeEvents(record model.LogRecord) error {
	if r.deps.Events == nil || len(r.pending) == 0 {
		return nil
	}
	at := dex.LogPosition{
		ChainID:     record.ChainID,
		BlockNumber: record.BlockNumber,
		TxHash:      record.TxHash,
		LogIndex:    record.LogIndex,
		Timestamp:   record.Timestamp,
	}
	out := make([]model.LogRecord, 0, len(r.pending))
	for _, ev := range r.pending {
		encoded, err := dex.EncodeEvent(r.pool.Address(), ev, at)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.EventName(), err)
		}
		encoded.BlockHash = record.BlockHash
		encoded.TxIndex = record.TxIndex
		out = append(out, encoded)
	}
	if err := r.deps.Events.PutLogBatch(out); err != nil {
		return fmt.Errorf("store engine events: %w", err)
	}
	return nil
}

func (r *Runner) reject(record model.LogRecord, eventName, stage string, cause error) error {
	if r.deps.Rejects == nil {
		return nil
	}
	if err := r.deps.Rejects.Write(model.ReplayError{
		ChainID:     record.ChainID,
		BlockNumber: record.BlockNumber,
		TxHash:      record.TxHash,
		LogIndex:    record.LogIndex,
		Address:     record.Address,
		EventName:   eventName,
		Topic0:      record.Topic0(),
		Stage:       stage,
		Error:       cause.Error(),
	}); err != nil {
		return fmt.Errorf("write reject: %w", err)
	}
	return nil
}

func (r *Runner) maybeSnapshot(ctx context.Context) error {
	if r.cfg.SnapshotEvery <= 0 || r.sinceSnapshot < r.cfg.SnapshotEvery {
		return nil
	}
	return r.saveSnapshot(ctx)
}

func (r *Runner) saveSnapshot(ctx context.Context) error {
	if r.deps.Snapshots == nil {
		r.sinceSnapshot = 0
		return nil
	}
	snap := r.Snapshot()
	snap.TakenAt = time.Now().UTC().Format(time.RFC3339Nano)

	timer := prometheus.NewTimer(r.deps.Metrics.SnapshotLatency.WithLabelValues(r.meta.Address))
	err := r.deps.Snapshots.SaveSnapshot(ctx, snap)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	r.deps.Metrics.SnapshotsSaved.WithLabelValues(r.meta.Address).Inc()
	r.summary.Snapshots++
	r.sinceSnapshot = 0
	r.deps.Logger.Info("snapshot saved",
		zap.Uint64("block", snap.BlockNumber),
		zap.Uint64("log_index", snap.LogIndex),
		zap.Int("ticks", len(snap.Ticks)),
		zap.Int("positions", len(snap.Positions)),
	)
	return nil
}

// Snapshot captures the pool at the current cursor.
func (r *Runner) Snapshot() model.PoolSnapshot {
	snap := ToSnapshot(
		r.meta,
		r.pool.State(),
		r.ledger.BalanceOf(r.pool.Token0(), r.pool.Address()),
		r.ledger.BalanceOf(r.pool.Token1(), r.pool.Address()),
	)
	snap.RunID = r.cfg.RunID
	snap.ChainID = r.chainID
	snap.BlockNumber = r.cursor.Block
	snap.LogIndex = r.cursor.LogIndex
	return snap
}
