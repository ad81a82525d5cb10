package replay

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage"
)

// Cursor is the chain position of the last applied log.
type Cursor struct {
	Block    uint64
	LogIndex uint64
	Set      bool
}

// Admits reports whether a log at (block, logIndex) comes after the cursor.
func (c Cursor) Admits(block, logIndex uint64) bool {
	if !c.Set {
		return true
	}
	ev := model.TypedEvent{BlockNumber: c.Block, LogIndex: c.LogIndex}
	return ev.Before(block, logIndex)
}

// Source yields pool logs in chain order, starting after the cursor.
type Source interface {
	Stream(ctx context.Context, after Cursor, fn func(model.LogRecord) error) error
}

// FileSource reads logs from a JSONL file of LogRecords.
type FileSource struct {
	Path string
}

func (s FileSource) Stream(ctx context.Context, after Cursor, fn func(model.LogRecord) error) error {
	return storage.ReadLogRecords(s.Path, func(record model.LogRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !after.Admits(record.BlockNumber, record.LogIndex) {
			return nil
		}
		return fn(record)
	})
}

// LogFetcher is the subset of the chain client an RPC source needs.
type LogFetcher interface {
	GetChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// RPCSource fetches a pool's logs from a node in block batches.
type RPCSource struct {
	Chain     LogFetcher
	Pool      common.Address
	Topics    []common.Hash
	FromBlock uint64
	// ToBlock of zero means the latest block at start.
	ToBlock   uint64
	BatchSize uint64
	Retry     RetryPolicy
	Logger    *zap.Logger
}

func (s RPCSource) Stream(ctx context.Context, after Cursor, fn func(model.LogRecord) error) error {
	if s.Chain == nil {
		return fmt.Errorf("chain client is nil")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var chainID *big.Int
	if err := s.Retry.do(ctx, logger, "chain_id", func(ctx context.Context) error {
		var err error
		chainID, err = s.Chain.GetChainID(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}

	from, to := s.FromBlock, s.ToBlock
	if to == 0 {
		if err := s.Retry.do(ctx, logger, "latest_block", func(ctx context.Context) error {
			var err error
			to, err = s.Chain.LatestBlockNumber(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
	}
	if after.Set && after.Block > from {
		from = after.Block
	}
	if from > to {
		logger.Info("nothing to fetch", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := SplitRange(from, to, s.BatchSize)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		var logs []types.Log
		if err := s.Retry.do(ctx, logger, "filter_logs", func(ctx context.Context) error {
			var err error
			logs, err = s.Chain.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{s.Pool}, s.Topics)
			return err
		}); err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}
		logger.Debug("fetched logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To), zap.Int("logs", len(logs)))

		ingestedAt := time.Now().UTC()
		for _, log := range logs {
			if log.Removed || !after.Admits(log.BlockNumber, uint64(log.Index)) {
				continue
			}
			id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			var ts uint64
			if err := s.Retry.do(ctx, logger, "block_timestamp", func(ctx context.Context) error {
				var err error
				ts, err = s.Chain.BlockTimestamp(ctx, log.BlockNumber)
				return err
			}); err != nil {
				return fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}

			if err := fn(buildLogRecord(chainID.Uint64(), log, ts, ingestedAt)); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildLogRecord(chainID uint64, log types.Log, timestamp uint64, ingestedAt time.Time) model.LogRecord {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     chainID,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		TxIndex:     uint64(log.TxIndex),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		Removed:     log.Removed,
		Timestamp:   timestamp,
		IngestedAt:  ingestedAt.UTC().Format(time.RFC3339Nano),
	}
}
