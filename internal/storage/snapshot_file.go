package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
)

// FileSnapshotStore keeps the latest snapshot of one pool in a JSON file.
type FileSnapshotStore struct {
	path string
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// SaveSnapshot replaces the file atomically.
func (s *FileSnapshotStore) SaveSnapshot(_ context.Context, snap model.PoolSnapshot) error {
	if err := ensureDir(s.path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot reads the file. A snapshot of a different pool is an
// error rather than a miss so a run never silently starts over.
func (s *FileSnapshotStore) LoadLatestSnapshot(_ context.Context, pool string) (model.PoolSnapshot, bool, error) {
	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.PoolSnapshot{}, false, nil
		}
		return model.PoolSnapshot{}, false, fmt.Errorf("stat snapshot: %w", err)
	}
	if stat.IsDir() {
		return model.PoolSnapshot{}, false, fmt.Errorf("snapshot path is a directory")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return model.PoolSnapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap model.PoolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.PoolSnapshot{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	if pool != "" && !strings.EqualFold(snap.Pool.Address, pool) {
		return model.PoolSnapshot{}, false, fmt.Errorf("snapshot %s holds pool %s, not %s", s.path, snap.Pool.Address, pool)
	}
	return snap, true, nil
}
