package config

import (
	"github.com/spf13/pflag"
)

// QuoteConfig holds configuration for the quote command.
type QuoteConfig struct {
	Snapshot string
	PGDSN    string
	Pool     string

	ZeroForOne bool
	// Amount is in whole tokens of the specified side and may carry decimals.
	Amount      string
	ExactOutput bool
	// Limit is an optional Q64.96 square-root price limit.
	Limit string

	Decimals0 int32
	Decimals1 int32
	RPCURL    string
	RPS       float64
	LogLevel  string
}

// LoadQuote merges config file, environment variables, and flags into QuoteConfig.
func LoadQuote(cfgFile string, flags *pflag.FlagSet) (QuoteConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"snapshot":     "./data/snapshot.json",
		"zero-for-one": true,
		"decimals0":    18,
		"decimals1":    18,
		"rps":          10.0,
		"log-level":    "info",
	})
	if err != nil {
		return QuoteConfig{}, err
	}

	return QuoteConfig{
		Snapshot:    v.GetString("snapshot"),
		PGDSN:       v.GetString("pg-dsn"),
		Pool:        v.GetString("pool"),
		ZeroForOne:  v.GetBool("zero-for-one"),
		Amount:      v.GetString("amount"),
		ExactOutput: v.GetBool("exact-output"),
		Limit:       v.GetString("limit"),
		Decimals0:   v.GetInt32("decimals0"),
		Decimals1:   v.GetInt32("decimals1"),
		RPCURL:      v.GetString("rpc"),
		RPS:         v.GetFloat64("rps"),
		LogLevel:    v.GetString("log-level"),
	}, nil
}
