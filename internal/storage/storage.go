package storage

import (
	"context"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
)

// Storage defines a sink for log records.
type Storage interface {
	PutLogBatch(logs []model.LogRecord) error
}

// SnapshotStore persists pool snapshots. LoadLatestSnapshot reports false when
// no snapshot exists for the pool.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap model.PoolSnapshot) error
	LoadLatestSnapshot(ctx context.Context, pool string) (model.PoolSnapshot, bool, error)
}
