// Package metrics exposes prometheus counters for migration runs. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	rows    *prometheus.CounterVec
	lookups *prometheus.CounterVec
	stubs   *prometheus.CounterVec
	runs    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upm",
			Name:      "rows_total",
			Help:      "Rows processed by outcome.",
		}, []string{"migration", "outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upm",
			Name:      "lookups_total",
			Help:      "Cross-migration lookups by result.",
		}, []string{"migration", "result"}),
		stubs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upm",
			Name:      "stubs_total",
			Help:      "Stub creation attempts by owner migration and result.",
		}, []string{"migration", "result"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "upm",
			Name:      "run_duration_seconds",
			Help:      "Duration of migration runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"migration", "operation"}),
	}
	m.registry.MustRegister(m.rows, m.lookups, m.stubs, m.runs)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Row counts one processed row.
func (m *Metrics) Row(migration, outcome string) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(migration, outcome).Inc()
}

// Lookup counts one lookup result: hit, miss, stub or ambiguous.
func (m *Metrics) Lookup(migration, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(migration, result).Inc()
}

// Stub counts one stub attempt: created, skipped or failed.
func (m *Metrics) Stub(owner, result string) {
	if m == nil {
		return
	}
	m.stubs.WithLabelValues(owner, result).Inc()
}

// ObserveRun records the duration of a run.
func (m *Metrics) ObserveRun(migration, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(migration, operation).Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

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
