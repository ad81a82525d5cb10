package config

import (
	"time"

	"github.com/spf13/pflag"
)

// ReplayConfig holds configuration for the replay command.
type ReplayConfig struct {
	RPCURL string
	// In is a JSONL file of raw pool logs. When empty, logs are fetched from RPC.
	In   string
	Pool string

	// Pool immutables, used when neither RPC nor a snapshot supplies them.
	Factory     string
	Token0      string
	Token1      string
	Fee         uint32
	TickSpacing int32

	FromBlock    uint64
	ToBlock      uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
	RPS          float64
	Topic0Map    map[string]string

	Out           string
	Errors        string
	Snapshot      string
	PGDSN         string
	SnapshotEvery int
	Resume        bool
	MetricsAddr   string
	LogLevel      string
}

// LoadReplay merges config file, environment variables, and flags into ReplayConfig.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"batch-size":     uint64(2000),
		"max-retries":    5,
		"retry-backoff":  500 * time.Millisecond,
		"rps":            10.0,
		"out":            "./data/engine_events.jsonl",
		"errors":         "./data/replay_errors.jsonl",
		"snapshot":       "./data/snapshot.json",
		"snapshot-every": 1000,
		"resume":         true,
		"log-level":      "info",
	})
	if err != nil {
		return ReplayConfig{}, err
	}

	return ReplayConfig{
		RPCURL:        v.GetString("rpc"),
		In:            v.GetString("in"),
		Pool:          v.GetString("pool"),
		Factory:       v.GetString("factory"),
		Token0:        v.GetString("token0"),
		Token1:        v.GetString("token1"),
		Fee:           v.GetUint32("fee"),
		TickSpacing:   v.GetInt32("tick-spacing"),
		FromBlock:     v.GetUint64("from"),
		ToBlock:       v.GetUint64("to"),
		BatchSize:     v.GetUint64("batch-size"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		RPS:           v.GetFloat64("rps"),
		Topic0Map:     getStringMap(v, "topic0-map"),
		Out:           v.GetString("out"),
		Errors:        v.GetString("errors"),
		Snapshot:      v.GetString("snapshot"),
		PGDSN:         v.GetString("pg-dsn"),
		SnapshotEvery: v.GetInt("snapshot-every"),
		Resume:        v.GetBool("resume"),
		MetricsAddr:   v.GetString("metrics-addr"),
		LogLevel:      v.GetString("log-level"),
	}, nil
}
