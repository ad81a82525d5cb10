package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
)

// Big integers are stored as decimal text so Q128.128 values round-trip
// without going through floating point.
const schema = `
CREATE TABLE IF NOT EXISTS pools (
	chain_id BIGINT NOT NULL,
	pool_address TEXT NOT NULL,
	factory TEXT NOT NULL DEFAULT '',
	token0 TEXT NOT NULL,
	token1 TEXT NOT NULL,
	fee INTEGER NOT NULL,
	tick_spacing INTEGER NOT NULL,
	first_seen_block BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, pool_address)
);
ALTER TABLE pools ADD COLUMN IF NOT EXISTS factory TEXT NOT NULL DEFAULT '';
CREATE TABLE IF NOT EXISTS pool_snapshots (
	snapshot_id UUID PRIMARY KEY,
	run_id TEXT NOT NULL,
	chain_id BIGINT NOT NULL,
	pool_address TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	log_index BIGINT NOT NULL,
	taken_at TIMESTAMPTZ NOT NULL,
	sqrt_price_x96 TEXT NOT NULL,
	tick INTEGER NOT NULL,
	observation_index INTEGER NOT NULL,
	observation_cardinality INTEGER NOT NULL,
	observation_cardinality_next INTEGER NOT NULL,
	fee_growth_global0_x128 TEXT NOT NULL,
	fee_growth_global1_x128 TEXT NOT NULL,
	liquidity TEXT NOT NULL,
	balance0 TEXT NOT NULL,
	balance1 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pool_snapshots_position
	ON pool_snapshots (pool_address, block_number DESC, log_index DESC);
CREATE TABLE IF NOT EXISTS pool_snapshot_ticks (
	snapshot_id UUID NOT NULL REFERENCES pool_snapshots ON DELETE CASCADE,
	tick INTEGER NOT NULL,
	liquidity_gross TEXT NOT NULL,
	liquidity_net TEXT NOT NULL,
	fee_growth_outside0_x128 TEXT NOT NULL,
	fee_growth_outside1_x128 TEXT NOT NULL,
	tick_cumulative_outside BIGINT NOT NULL,
	seconds_per_liquidity_outside_x128 TEXT NOT NULL,
	seconds_outside BIGINT NOT NULL,
	initialized BOOLEAN NOT NULL,
	PRIMARY KEY (snapshot_id, tick)
);
CREATE TABLE IF NOT EXISTS pool_snapshot_bitmap_words (
	snapshot_id UUID NOT NULL REFERENCES pool_snapshots ON DELETE CASCADE,
	word_pos INTEGER NOT NULL,
	word TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, word_pos)
);
CREATE TABLE IF NOT EXISTS pool_snapshot_positions (
	snapshot_id UUID NOT NULL REFERENCES pool_snapshots ON DELETE CASCADE,
	position_key TEXT NOT NULL,
	owner TEXT NOT NULL,
	tick_lower INTEGER NOT NULL,
	tick_upper INTEGER NOT NULL,
	liquidity TEXT NOT NULL,
	fee_growth_inside0_last_x128 TEXT NOT NULL,
	fee_growth_inside1_last_x128 TEXT NOT NULL,
	tokens_owed0 TEXT NOT NULL,
	tokens_owed1 TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, position_key)
);
CREATE TABLE IF NOT EXISTS pool_snapshot_observations (
	snapshot_id UUID NOT NULL REFERENCES pool_snapshots ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	block_timestamp BIGINT NOT NULL,
	tick_cumulative BIGINT NOT NULL,
	seconds_per_liquidity_cumulative_x128 TEXT NOT NULL,
	initialized BOOLEAN NOT NULL,
	PRIMARY KEY (snapshot_id, idx)
);
`

// Store provides Postgres persistence for pool snapshots.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the snapshot tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveSnapshot writes the snapshot and all of its rows in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap model.PoolSnapshot) error {
	takenAt := time.Now().UTC()
	if snap.TakenAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, snap.TakenAt)
		if err != nil {
			return fmt.Errorf("taken at: %w", err)
		}
		takenAt = parsed
	}
	id := uuid.New()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO pools (
			chain_id, pool_address, factory, token0, token1, fee, tick_spacing, first_seen_block, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (chain_id, pool_address)
		DO UPDATE SET
			factory = EXCLUDED.factory,
			token0 = EXCLUDED.token0,
			token1 = EXCLUDED.token1,
			fee = EXCLUDED.fee,
			tick_spacing = EXCLUDED.tick_spacing,
			first_seen_block = LEAST(pools.first_seen_block, EXCLUDED.first_seen_block),
			updated_at = now()
	`,
		int64(snap.ChainID),
		snap.Pool.Address,
		snap.Pool.Factory,
		snap.Pool.Token0,
		snap.Pool.Token1,
		int32(snap.Pool.Fee),
		snap.Pool.TickSpacing,
		int64(snap.BlockNumber),
	)
	batch.Queue(`
		INSERT INTO pool_snapshots (
			snapshot_id, run_id, chain_id, pool_address, block_number, log_index, taken_at,
			sqrt_price_x96, tick, observation_index, observation_cardinality, observation_cardinality_next,
			fee_growth_global0_x128, fee_growth_global1_x128, liquidity, balance0, balance1
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		id,
		snap.RunID,
		int64(snap.ChainID),
		snap.Pool.Address,
		int64(snap.BlockNumber),
		int64(snap.LogIndex),
		takenAt,
		snap.Slot0.SqrtPriceX96,
		snap.Slot0.Tick,
		int32(snap.Slot0.ObservationIndex),
		int32(snap.Slot0.ObservationCardinality),
		int32(snap.Slot0.ObservationCardinalityNext),
		snap.FeeGrowthGlobal0X128,
		snap.FeeGrowthGlobal1X128,
		snap.Liquidity,
		snap.Balance0,
		snap.Balance1,
	)
	for _, t := range snap.Ticks {
		batch.Queue(`
			INSERT INTO pool_snapshot_ticks (
				snapshot_id, tick, liquidity_gross, liquidity_net, fee_growth_outside0_x128, fee_growth_outside1_x128,
				tick_cumulative_outside, seconds_per_liquidity_outside_x128, seconds_outside, initialized
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			id, t.Tick, t.LiquidityGross, t.LiquidityNet, t.FeeGrowthOutside0X128, t.FeeGrowthOutside1X128,
			t.TickCumulativeOutside, t.SecondsPerLiquidityOutsideX128, int64(t.SecondsOutside), t.Initialized,
		)
	}
	for _, w := range snap.BitmapWords {
		batch.Queue(`INSERT INTO pool_snapshot_bitmap_words (snapshot_id, word_pos, word) VALUES ($1,$2,$3)`,
			id, int32(w.WordPos), w.Word)
	}
	for _, p := range snap.Positions {
		batch.Queue(`
			INSERT INTO pool_snapshot_positions (
				snapshot_id, position_key, owner, tick_lower, tick_upper, liquidity,
				fee_growth_inside0_last_x128, fee_growth_inside1_last_x128, tokens_owed0, tokens_owed1
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			id, p.Key, p.Owner, p.TickLower, p.TickUpper, p.Liquidity,
			p.FeeGrowthInside0LastX128, p.FeeGrowthInside1LastX128, p.TokensOwed0, p.TokensOwed1,
		)
	}
	for _, o := range snap.Observations {
		batch.Queue(`
			INSERT INTO pool_snapshot_observations (
				snapshot_id, idx, block_timestamp, tick_cumulative, seconds_per_liquidity_cumulative_x128, initialized
			) VALUES ($1,$2,$3,$4,$5,$6)
		`,
			id, int32(o.Index), int64(o.BlockTimestamp), o.TickCumulative, o.SecondsPerLiquidityCumulativeX128, o.Initialized,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("snapshot statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadLatestSnapshot returns the snapshot taken furthest into the pool's log
// history.
func (s *Store) LoadLatestSnapshot(ctx context.Context, poolAddress string) (model.PoolSnapshot, bool, error) {
	var (
		snap    model.PoolSnapshot
		id      uuid.UUID
		chainID int64
		block   int64
		logIdx  int64
		takenAt time.Time
		obsIdx  int32
		obsCard int32
		obsNext int32
		fee     int32
	)
	row := s.pool.QueryRow(ctx, `
		SELECT s.snapshot_id, s.run_id, s.chain_id, s.pool_address, p.factory, p.token0, p.token1, p.fee, p.tick_spacing,
			s.block_number, s.log_index, s.taken_at,
			s.sqrt_price_x96, s.tick, s.observation_index, s.observation_cardinality, s.observation_cardinality_next,
			s.fee_growth_global0_x128, s.fee_growth_global1_x128, s.liquidity, s.balance0, s.balance1
		FROM pool_snapshots s
		JOIN pools p ON p.chain_id = s.chain_id AND p.pool_address = s.pool_address
		WHERE lower(s.pool_address) = lower($1)
		ORDER BY s.block_number DESC, s.log_index DESC, s.taken_at DESC
		LIMIT 1
	`, poolAddress)
	err := row.Scan(
		&id, &snap.RunID, &chainID, &snap.Pool.Address, &snap.Pool.Factory, &snap.Pool.Token0, &snap.Pool.Token1, &fee, &snap.Pool.TickSpacing,
		&block, &logIdx, &takenAt,
		&snap.Slot0.SqrtPriceX96, &snap.Slot0.Tick, &obsIdx, &obsCard, &obsNext,
		&snap.FeeGrowthGlobal0X128, &snap.FeeGrowthGlobal1X128, &snap.Liquidity, &snap.Balance0, &snap.Balance1,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PoolSnapshot{}, false, nil
		}
		return model.PoolSnapshot{}, false, err
	}
	snap.ChainID = uint64(chainID)
	snap.Pool.Fee = uint32(fee)
	snap.BlockNumber = uint64(block)
	snap.LogIndex = uint64(logIdx)
	snap.TakenAt = takenAt.UTC().Format(time.RFC3339Nano)
	snap.Slot0.ObservationIndex = uint16(obsIdx)
	snap.Slot0.ObservationCardinality = uint16(obsCard)
	snap.Slot0.ObservationCardinalityNext = uint16(obsNext)

	if snap.Ticks, err = s.loadTicks(ctx, id); err != nil {
		return model.PoolSnapshot{}, false, err
	}
	if snap.BitmapWords, err = s.loadBitmapWords(ctx, id); err != nil {
		return model.PoolSnapshot{}, false, err
	}
	if snap.Positions, err = s.loadPositions(ctx, id); err != nil {
		return model.PoolSnapshot{}, false, err
	}
	if snap.Observations, err = s.loadObservations(ctx, id); err != nil {
		return model.PoolSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) loadTicks(ctx context.Context, id uuid.UUID) ([]model.TickSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tick, liquidity_gross, liquidity_net, fee_growth_outside0_x128, fee_growth_outside1_x128,
			tick_cumulative_outside, seconds_per_liquidity_outside_x128, seconds_outside, initialized
		FROM pool_snapshot_ticks WHERE snapshot_id = $1 ORDER BY tick
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load ticks: %w", err)
	}
	defer rows.Close()

	var out []model.TickSnapshot
	for rows.Next() {
		var (
			t       model.TickSnapshot
			seconds int64
		)
		if err := rows.Scan(&t.Tick, &t.LiquidityGross, &t.LiquidityNet, &t.FeeGrowthOutside0X128, &t.FeeGrowthOutside1X128,
			&t.TickCumulativeOutside, &t.SecondsPerLiquidityOutsideX128, &seconds, &t.Initialized); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.SecondsOutside = uint32(seconds)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) loadBitmapWords(ctx context.Context, id uuid.UUID) ([]model.BitmapWordSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT word_pos, word FROM pool_snapshot_bitmap_words WHERE snapshot_id = $1 ORDER BY word_pos
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load bitmap: %w", err)
	}
	defer rows.Close()

	var out []model.BitmapWordSnapshot
	for rows.Next() {
		var (
			w   model.BitmapWordSnapshot
			pos int32
		)
		if err := rows.Scan(&pos, &w.Word); err != nil {
			return nil, fmt.Errorf("scan bitmap word: %w", err)
		}
		w.WordPos = int16(pos)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) loadPositions(ctx context.Context, id uuid.UUID) ([]model.PositionSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position_key, owner, tick_lower, tick_upper, liquidity,
			fee_growth_inside0_last_x128, fee_growth_inside1_last_x128, tokens_owed0, tokens_owed1
		FROM pool_snapshot_positions WHERE snapshot_id = $1 ORDER BY position_key
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []model.PositionSnapshot
	for rows.Next() {
		var p model.PositionSnapshot
		if err := rows.Scan(&p.Key, &p.Owner, &p.TickLower, &p.TickUpper, &p.Liquidity,
			&p.FeeGrowthInside0LastX128, &p.FeeGrowthInside1LastX128, &p.TokensOwed0, &p.TokensOwed1); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadObservations(ctx context.Context, id uuid.UUID) ([]model.ObservationSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, block_timestamp, tick_cumulative, seconds_per_liquidity_cumulative_x128, initialized
		FROM pool_snapshot_observations WHERE snapshot_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	defer rows.Close()

	var out []model.ObservationSnapshot
	for rows.Next() {
		var (
			o   model.ObservationSnapshot
			idx int32
			ts  int64
		)
		if err := rows.Scan(&idx, &ts, &o.TickCumulative, &o.SecondsPerLiquidityCumulativeX128, &o.Initialized); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Index = uint16(idx)
		o.BlockTimestamp = uint32(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}
