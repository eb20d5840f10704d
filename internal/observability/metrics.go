// Package observability — metrics.go
//
// Prometheus metrics for the Stem runtime.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Bind: whatever address is configured; the default is loopback.
//
// Metric naming convention: stem_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for Stem.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingress ──────────────────────────────────────────────────────

	// SensesReceivedTotal counts senses admitted through the gate, by kind.
	SensesReceivedTotal *prometheus.CounterVec

	// SensesRejectedTotal counts sends rejected after the gate closed.
	SensesRejectedTotal prometheus.Counter

	// IngressQueueDepth is the current sense queue depth.
	IngressQueueDepth prometheus.Gauge

	// ─── Stem loop ────────────────────────────────────────────────────

	// CycleDurationSeconds records wall time for one full loop iteration.
	CycleDurationSeconds prometheus.Histogram

	// CortexErrorsTotal counts cycles where the Cortex call returned an error.
	CortexErrorsTotal prometheus.Counter

	// CurrentCycleID is the most recently completed cycle id.
	CurrentCycleID prometheus.Gauge

	// ─── Dispatch ─────────────────────────────────────────────────────

	// ActsDispatchedTotal counts per-act outcomes, by outcome kind
	// (applied, rejected, ledger_break, continuity_break).
	ActsDispatchedTotal *prometheus.CounterVec

	// ─── Ledger ───────────────────────────────────────────────────────

	// LedgerBalanceMicro is the current survival balance.
	LedgerBalanceMicro prometheus.Gauge

	// ReservationsByState counts reservations by terminal kind
	// (settled, refunded, expired), as a running total since start.
	ReservationsByState *prometheus.CounterVec

	// ExternalDebitsAppliedTotal counts external debit observations that
	// passed admission and were applied.
	ExternalDebitsAppliedTotal prometheus.Counter

	// ExternalDebitsSkippedTotal counts external debit observations
	// rejected as duplicate or unmatched.
	ExternalDebitsSkippedTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// RuntimeUptimeSeconds is the number of seconds since Stem started.
	RuntimeUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all Stem Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SensesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "ingress",
			Name:      "senses_received_total",
			Help:      "Total senses admitted through the gate, by kind.",
		}, []string{"kind"}),

		SensesRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "ingress",
			Name:      "senses_rejected_total",
			Help:      "Total sends rejected after the gate closed.",
		}),

		IngressQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stem",
			Subsystem: "ingress",
			Name:      "queue_depth",
			Help:      "Current depth of the sense queue.",
		}),

		CycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stem",
			Subsystem: "loop",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time for one full Stem loop iteration.",
			Buckets:   prometheus.DefBuckets,
		}),

		CortexErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "loop",
			Name:      "cortex_errors_total",
			Help:      "Total cycles where the Cortex call returned an error.",
		}),

		CurrentCycleID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stem",
			Subsystem: "loop",
			Name:      "current_cycle_id",
			Help:      "The most recently completed cycle id.",
		}),

		ActsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "dispatch",
			Name:      "acts_total",
			Help:      "Total per-act dispatch outcomes, by outcome kind.",
		}, []string{"outcome"}),

		LedgerBalanceMicro: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stem",
			Subsystem: "ledger",
			Name:      "balance_micro",
			Help:      "Current survival balance in micro-units.",
		}),

		ReservationsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "ledger",
			Name:      "reservations_total",
			Help:      "Total reservations reaching each terminal state.",
		}, []string{"state"}),

		ExternalDebitsAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "ledger",
			Name:      "external_debits_applied_total",
			Help:      "Total external debit observations applied.",
		}),

		ExternalDebitsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stem",
			Subsystem: "ledger",
			Name:      "external_debits_skipped_total",
			Help:      "Total external debit observations skipped (duplicate or unmatched).",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stem",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		RuntimeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stem",
			Subsystem: "runtime",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since Stem started.",
		}),
	}

	reg.MustRegister(
		m.SensesReceivedTotal,
		m.SensesRejectedTotal,
		m.IngressQueueDepth,
		m.CycleDurationSeconds,
		m.CortexErrorsTotal,
		m.CurrentCycleID,
		m.ActsDispatchedTotal,
		m.LedgerBalanceMicro,
		m.ReservationsByState,
		m.ExternalDebitsAppliedTotal,
		m.ExternalDebitsSkippedTotal,
		m.StorageWriteLatency,
		m.RuntimeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RuntimeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
