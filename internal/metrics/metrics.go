// Package metrics exposes replay progress as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors updated by a replay run. Every collector is a
// vector labelled by pool so several replays can share one registry.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	EngineErrors    *prometheus.CounterVec
	Mismatches      *prometheus.CounterVec
	SnapshotsSaved  *prometheus.CounterVec
	LastBlock       *prometheus.GaugeVec
	ApplyDuration   *prometheus.HistogramVec
	SnapshotLatency *prometheus.HistogramVec

	// AddressMismatches counts pools whose address does not derive from
	// their factory and immutables.
	AddressMismatches *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Pool events applied to the engine.",
		}, []string{"pool", "event"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Logs skipped because they belong to another contract or event.",
		}, []string{"pool"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Logs that failed ABI decoding.",
		}, []string{"pool"}),
		EngineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Events the engine rejected.",
		}, []string{"pool", "event"}),
		Mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatches_total",
			Help:      "Engine results that differ from the logged values.",
		}, []string{"pool", "field"}),
		SnapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Pool snapshots persisted.",
		}, []string{"pool"}),
		AddressMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_address_mismatches_total",
			Help:      "Pools whose address differs from the one derived from their factory.",
		}, []string{"pool"}),
		LastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_applied_block",
			Help:      "Block number of the last applied event.",
		}, []string{"pool"}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one event to the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"pool", "event"}),
		SnapshotLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time spent persisting a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsApplied,
			m.EventsSkipped,
			m.DecodeErrors,
			m.EngineErrors,
			m.Mismatches,
			m.SnapshotsSaved,
			m.AddressMismatches,
			m.LastBlock,
			m.ApplyDuration,
			m.SnapshotLatency,
		)
	}
	return m
}

// Serve exposes reg on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
