// Package metrics wires live Prometheus gauges/counters for the call
// pipeline and persists the daily roll-up spec.md's GET /metrics and the
// DailyMetrics table need. The teacher's own internal/observability/metrics.go
// is a no-op stub with Prometheus types stripped out, but its routes.go
// still serves /metrics off prometheus.DefaultGatherer — that inconsistency
// is resolved here in favor of the real client, registered against the
// default registry exactly like routes.go expects.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"campaign-dialer/internal/store"
)

// Recorder exposes Prometheus instruments plus a thin wrapper over
// store.Store's daily aggregate table.
type Recorder struct {
	store store.Store

	CallsInitiated   prometheus.Counter
	CallsPicked      prometheus.Counter
	CallsDisconnected prometheus.Counter
	CallsRNR         prometheus.Counter
	CallsFailed      prometheus.Counter
	RetriesTotal     prometheus.Counter
	ConcurrentCalls  prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	DeadLetterTotal  prometheus.Counter
}

func NewRecorder(st store.Store, registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		store: st,
		CallsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_initiated_total", Help: "Total calls initiated.",
		}),
		CallsPicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_picked_total", Help: "Total calls answered (PICKED).",
		}),
		CallsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_disconnected_total", Help: "Total calls disconnected.",
		}),
		CallsRNR: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_rnr_total", Help: "Total calls ringing-no-reply.",
		}),
		CallsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_calls_failed_total", Help: "Total calls permanently failed.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_retries_total", Help: "Total retry attempts dispatched.",
		}),
		ConcurrentCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dialer_concurrent_calls", Help: "Current in-flight call count.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialer_queue_depth", Help: "Pending queue depth per campaign.",
		}, []string{"campaign_id"}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialer_dead_letters_total", Help: "Total dead letters written.",
		}),
	}

	registerer.MustRegister(r.CallsInitiated, r.CallsPicked, r.CallsDisconnected,
		r.CallsRNR, r.CallsFailed, r.RetriesTotal, r.ConcurrentCalls, r.QueueDepth, r.DeadLetterTotal)

	return r
}

// BumpDaily persists delta into today's DailyMetrics row and mirrors the
// same deltas onto the live Prometheus counters.
func (r *Recorder) BumpDaily(ctx context.Context, delta store.DailyMetricsDelta) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if err := r.store.BumpDailyMetrics(ctx, today, delta); err != nil {
		return err
	}

	addN := func(c prometheus.Counter, n int64) {
		if n > 0 {
			c.Add(float64(n))
		}
	}
	addN(r.CallsInitiated, delta.Initiated)
	addN(r.CallsPicked, delta.Picked)
	addN(r.CallsDisconnected, delta.Disconnected)
	addN(r.CallsRNR, delta.RNR)
	addN(r.CallsFailed, delta.Failed)
	addN(r.RetriesTotal, delta.Retries)
	if delta.PeakConcurrentCalls > 0 {
		r.ConcurrentCalls.Set(float64(delta.PeakConcurrentCalls))
	}
	return nil
}

// Snapshot is the payload for GET /metrics.
type Snapshot struct {
	CurrentConcurrentCalls int64                `json:"current_concurrent_calls"`
	MaxConcurrentCalls     int64                `json:"max_concurrent_calls"`
	RecentMetrics          []*store.DailyMetrics `json:"recent_metrics"`
	SystemStatus           string               `json:"system_status"`
}

func (r *Recorder) Snapshot(ctx context.Context, currentConcurrent, maxConcurrent int64) (*Snapshot, error) {
	recent, err := r.store.RecentDailyMetrics(ctx, 7)
	if err != nil {
		return nil, err
	}
	status := "healthy"
	if currentConcurrent >= maxConcurrent {
		status = "at_capacity"
	}
	return &Snapshot{
		CurrentConcurrentCalls: currentConcurrent,
		MaxConcurrentCalls:     maxConcurrent,
		RecentMetrics:          recent,
		SystemStatus:           status,
	}, nil
}
