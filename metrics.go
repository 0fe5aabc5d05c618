package txfinalizer

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	NonceLockWait    *prometheus.HistogramVec
	FeeTiers         *prometheus.CounterVec
	SimulationFails  *prometheus.CounterVec
	SwapAttempts     prometheus.Histogram
	FinalizeDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		NonceLockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "txfinalizer",
				Name:      "nonce_lock_wait_seconds",
				Help:      "Time spent waiting for the wallet nonce lock.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"chain_id"},
		),
		FeeTiers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txfinalizer",
				Name:      "fee_estimate_tiers_total",
				Help:      "Fee estimate tier lookups by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
		SimulationFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "txfinalizer",
				Name:      "simulation_failures_total",
				Help:      "Gas estimations that failed and fell back to the simulation cap.",
			},
			[]string{"chain_id"},
		),
		SwapAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "txfinalizer",
				Name:      "swap_reconcile_attempts",
				Help:      "Balance queries needed to reconcile a swap.",
				Buckets:   []float64{1, 2, 3, 4, 5, 6},
			},
		),
		FinalizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "txfinalizer",
				Name:      "finalize_duration_seconds",
				Help:      "Finalize latency by outcome.",
				Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.NonceLockWait, m.FeeTiers, m.SimulationFails, m.SwapAttempts, m.FinalizeDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

func (m *Metrics) nonceLockWait(chainID uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.NonceLockWait.WithLabelValues(chainLabel(chainID)).Observe(d.Seconds())
}

func (m *Metrics) feeTier(tier string, ok bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if ok {
		outcome = "hit"
	}
	m.FeeTiers.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) simulationFailed(chainID uint64) {
	if m == nil {
		return
	}
	m.SimulationFails.WithLabelValues(chainLabel(chainID)).Inc()
}

func (m *Metrics) swapAttempts(n int) {
	if m == nil {
		return
	}
	m.SwapAttempts.Observe(float64(n))
}

func (m *Metrics) finalizeDone(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FinalizeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
