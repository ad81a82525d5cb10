package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "ammsim",
		Short:        "Concentrated liquidity pool engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a pool's logs through the engine and check every result",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("rpc", "", "RPC URL (pool metadata, log source, end-state check)")
	replayCmd.Flags().String("in", "", "input raw logs JSONL; fetched from RPC when empty")
	replayCmd.Flags().String("pool", "", "pool address")
	replayCmd.Flags().String("factory", "", "factory address when RPC is not used, checked against the pool address")
	replayCmd.Flags().String("token0", "", "token0 address when RPC is not used")
	replayCmd.Flags().String("token1", "", "token1 address when RPC is not used")
	replayCmd.Flags().Uint32("fee", 0, "fee in hundredths of a bip when RPC is not used")
	replayCmd.Flags().Int32("tick-spacing", 0, "tick spacing when RPC is not used")
	replayCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	replayCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	replayCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	replayCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	replayCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	replayCmd.Flags().Float64("rps", 10, "RPC requests per second, 0 disables the limit")
	replayCmd.Flags().String("topic0-map", "", "extra topic0->event mappings (comma-separated key=value)")
	replayCmd.Flags().String("out", "./data/engine_events.jsonl", "engine events JSONL")
	replayCmd.Flags().String("errors", "./data/replay_errors.jsonl", "rejected logs JSONL")
	replayCmd.Flags().String("snapshot", "./data/snapshot.json", "snapshot file path")
	replayCmd.Flags().String("pg-dsn", "", "Postgres DSN; snapshots go to Postgres when set")
	replayCmd.Flags().Int("snapshot-every", 1000, "events between snapshots, 0 saves only at the end")
	replayCmd.Flags().Bool("resume", true, "resume from the latest snapshot")
	replayCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a swap against a pool snapshot",
		RunE:  runQuote,
	}

	quoteCmd.Flags().String("snapshot", "./data/snapshot.json", "snapshot file path")
	quoteCmd.Flags().String("pg-dsn", "", "Postgres DSN; the snapshot is read from Postgres when set")
	quoteCmd.Flags().String("pool", "", "pool address")
	quoteCmd.Flags().Bool("zero-for-one", true, "swap token0 for token1")
	quoteCmd.Flags().String("amount", "", "amount in whole tokens")
	quoteCmd.Flags().Bool("exact-output", false, "amount is the output instead of the input")
	quoteCmd.Flags().String("limit", "", "sqrt price limit (Q64.96)")
	quoteCmd.Flags().Int32("decimals0", 18, "token0 decimals when RPC is not used")
	quoteCmd.Flags().Int32("decimals1", 18, "token1 decimals when RPC is not used")
	quoteCmd.Flags().String("rpc", "", "RPC URL for token decimals")
	quoteCmd.Flags().Float64("rps", 10, "RPC requests per second, 0 disables the limit")
	quoteCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(quoteCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// openSnapshots picks Postgres when a DSN is configured and the snapshot file
// otherwise.
func openSnapshots(ctx context.Context, dsn, path string) (storage.SnapshotStore, func(), error) {
	if dsn == "" {
		if path == "" {
			return nil, func() {}, fmt.Errorf("snapshot path or pg dsn is required")
		}
		return storage.NewFileSnapshotStore(path), func() {}, nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, func() {}, fmt.Errorf("ensure schema: %w", err)
	}
	return store, store.Close, nil
}
