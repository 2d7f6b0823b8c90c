// Package metrics exposes Prometheus instrumentation for decision sweeps.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for forecastrun. Metrics register
// against a private registry so repeated construction never panics on
// duplicate registration.
type Registry struct {
	// Cycle performance
	CycleDuration *prometheus.HistogramVec
	Cycles        *prometheus.CounterVec

	// Decision outcomes
	DecisionDirection    *prometheus.GaugeVec
	DecisionConfidence   *prometheus.GaugeVec
	RegimeState          *prometheus.GaugeVec
	RegimeFallbacks      *prometheus.CounterVec
	InsufficientMatches  *prometheus.CounterVec

	// Reliability gate
	Freezes        *prometheus.CounterVec
	BlockedSignals *prometheus.CounterVec

	// Calibration health
	CalibrationECE        *prometheus.GaugeVec
	CalibrationEffectiveN *prometheus.GaugeVec

	// Governance
	PolicyApplications *prometheus.CounterVec

	// Snapshot cache
	SnapshotHits     prometheus.Counter
	SnapshotMisses   prometheus.Counter
	SnapshotHitRatio prometheus.Gauge

	// Sweep activity
	ActiveSweeps  prometheus.Gauge
	TotalSweeps   prometheus.Counter
	OpenPositions prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a metrics registry with all forecastrun metrics.
func NewRegistry() *Registry {
	m := &Registry{
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecastrun_cycle_duration_seconds",
				Help:    "Duration of one full decision cycle in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"result"},
		),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_cycles_total",
				Help: "Total number of decision cycles executed",
			},
			[]string{"symbol", "result"},
		),

		DecisionDirection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecastrun_decision_direction",
				Help: "Latest decision direction per symbol (1=long, -1=short, 0=neutral)",
			},
			[]string{"symbol"},
		),

		DecisionConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecastrun_decision_confidence",
				Help: "Latest adjusted confidence per symbol (0.0 to 1.0)",
			},
			[]string{"symbol"},
		),

		RegimeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecastrun_regime_state",
				Help: "Latest regime per symbol (0=side, 1=bull, 2=bear, 3=crash, 4=bubble)",
			},
			[]string{"symbol"},
		),

		RegimeFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_regime_fallbacks_total",
				Help: "Total cycles that widened the match pool to compatible regimes",
			},
			[]string{"symbol"},
		),

		InsufficientMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_insufficient_matches_total",
				Help: "Total cycles degraded to neutral for lack of analogue support",
			},
			[]string{"symbol"},
		),

		Freezes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_freezes_total",
				Help: "Total reliability freezes by scope",
			},
			[]string{"scope"},
		),

		BlockedSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_blocked_signals_total",
				Help: "Total signals blocked by the reliability gate, by reason",
			},
			[]string{"reason"},
		),

		CalibrationECE: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecastrun_calibration_ece",
				Help: "Expected calibration error per symbol and horizon",
			},
			[]string{"symbol", "horizon"},
		),

		CalibrationEffectiveN: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecastrun_calibration_effective_n",
				Help: "Effective sample size per symbol and horizon",
			},
			[]string{"symbol", "horizon"},
		),

		PolicyApplications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecastrun_policy_applications_total",
				Help: "Total policy document applications by kind",
			},
			[]string{"kind"},
		),

		SnapshotHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastrun_snapshot_cache_hits_total",
				Help: "Total snapshot cache hits",
			},
		),

		SnapshotMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastrun_snapshot_cache_misses_total",
				Help: "Total snapshot cache misses",
			},
		),

		SnapshotHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_snapshot_cache_hit_ratio",
				Help: "Current snapshot cache hit ratio (0.0 to 1.0)",
			},
		),

		ActiveSweeps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_active_sweeps",
				Help: "Number of currently running sweeps",
			},
		),

		TotalSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forecastrun_sweeps_total",
				Help: "Total number of sweeps initiated",
			},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forecastrun_open_positions",
				Help: "Number of symbols currently holding a non-flat position",
			},
		),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.CycleDuration,
		m.Cycles,
		m.DecisionDirection,
		m.DecisionConfidence,
		m.RegimeState,
		m.RegimeFallbacks,
		m.InsufficientMatches,
		m.Freezes,
		m.BlockedSignals,
		m.CalibrationECE,
		m.CalibrationEffectiveN,
		m.PolicyApplications,
		m.SnapshotHits,
		m.SnapshotMisses,
		m.SnapshotHitRatio,
		m.ActiveSweeps,
		m.TotalSweeps,
		m.OpenPositions,
	)

	return m
}

// CycleTimer tracks execution time for one decision cycle.
type CycleTimer struct {
	metrics *Registry
	symbol  string
	start   time.Time
}

// StartCycleTimer begins timing a decision cycle for a symbol.
func (m *Registry) StartCycleTimer(symbol string) *CycleTimer {
	return &CycleTimer{
		metrics: m,
		symbol:  symbol,
		start:   time.Now(),
	}
}

// Stop completes the cycle timing and records the metric.
func (t *CycleTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.metrics.CycleDuration.WithLabelValues(result).Observe(duration.Seconds())
	t.metrics.Cycles.WithLabelValues(t.symbol, result).Inc()

	log.Debug().
		Str("symbol", t.symbol).
		Str("result", result).
		Dur("duration", duration).
		Msg("Decision cycle timed")
}

// RecordDecision records the outcome gauges for one decision.
func (m *Registry) RecordDecision(symbol, direction, regime string, confidence float64, fallbackUsed bool) {
	m.DecisionDirection.WithLabelValues(symbol).Set(directionToGaugeValue(direction))
	m.DecisionConfidence.WithLabelValues(symbol).Set(confidence)
	m.RegimeState.WithLabelValues(symbol).Set(regimeToGaugeValue(regime))
	if fallbackUsed {
		m.RegimeFallbacks.WithLabelValues(symbol).Inc()
	}
}

// RecordInsufficientMatches records a cycle degraded to neutral.
func (m *Registry) RecordInsufficientMatches(symbol string) {
	m.InsufficientMatches.WithLabelValues(symbol).Inc()
}

// RecordFreeze records a reliability freeze by scope ("entries" or "all").
func (m *Registry) RecordFreeze(scope string) {
	m.Freezes.WithLabelValues(scope).Inc()
}

// RecordBlockedSignal records a signal blocked by the reliability gate.
func (m *Registry) RecordBlockedSignal(reason string) {
	m.BlockedSignals.WithLabelValues(reason).Inc()
}

// RecordCalibration records calibration health for one symbol and horizon.
func (m *Registry) RecordCalibration(symbol, horizon string, ece, effectiveN float64) {
	m.CalibrationECE.WithLabelValues(symbol, horizon).Set(ece)
	m.CalibrationEffectiveN.WithLabelValues(symbol, horizon).Set(effectiveN)
}

// RecordPolicyApplication records a policy application ("apply" or "rollback").
func (m *Registry) RecordPolicyApplication(kind string) {
	m.PolicyApplications.WithLabelValues(kind).Inc()
}

// RecordSnapshotHit records a snapshot cache hit.
func (m *Registry) RecordSnapshotHit() {
	m.SnapshotHits.Inc()
	m.updateSnapshotHitRatio()
}

// RecordSnapshotMiss records a snapshot cache miss.
func (m *Registry) RecordSnapshotMiss() {
	m.SnapshotMisses.Inc()
	m.updateSnapshotHitRatio()
}

// SweepStarted marks a sweep as running.
func (m *Registry) SweepStarted() {
	m.ActiveSweeps.Inc()
	m.TotalSweeps.Inc()
}

// SweepFinished marks a sweep as complete.
func (m *Registry) SweepFinished() {
	m.ActiveSweeps.Dec()
}

// SetOpenPositions updates the open position count.
func (m *Registry) SetOpenPositions(count int) {
	m.OpenPositions.Set(float64(count))
}

// updateSnapshotHitRatio recomputes the derived hit ratio gauge from the
// hit and miss counters.
func (m *Registry) updateSnapshotHitRatio() {
	hits := counterValue(m.SnapshotHits)
	misses := counterValue(m.SnapshotMisses)

	total := hits + misses
	if total > 0 {
		m.SnapshotHitRatio.Set(hits / total)
	}
}

func counterValue(c prometheus.Counter) float64 {
	metric := &io_prometheus_client.Metric{}
	if err := c.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// Handler returns an HTTP handler serving this registry's metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// directionToGaugeValue converts a decision direction to a numeric value.
func directionToGaugeValue(direction string) float64 {
	switch strings.ToUpper(direction) {
	case "LONG":
		return 1.0
	case "SHORT":
		return -1.0
	default:
		return 0.0
	}
}

// regimeToGaugeValue converts a regime key to a numeric value for the gauge.
func regimeToGaugeValue(regime string) float64 {
	switch strings.ToUpper(regime) {
	case "SIDE":
		return 0.0
	case "BULL":
		return 1.0
	case "BEAR":
		return 2.0
	case "CRASH":
		return 3.0
	case "BUBBLE":
		return 4.0
	default:
		return -1.0
	}
}
