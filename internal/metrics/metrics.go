package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otad",
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Number of update checks by outcome (update_available, up_to_date, error).",
		}, []string{"outcome"},
	)
	updatesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otad",
			Subsystem: "update",
			Name:      "applied_total",
			Help:      "Number of updates that completed successfully.",
		},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otad",
			Subsystem: "update",
			Name:      "rollbacks_total",
			Help:      "Number of rollbacks by the stage that triggered them.",
		}, []string{"stage"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "otad",
			Subsystem: "update",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual update stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otad",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Number of application health probes by result (healthy, unhealthy).",
		}, []string{"result"},
	)
	appRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otad",
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of supervised application restarts outside of updates.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{updateChecks, updatesApplied, rollbacks, stageDuration, healthProbes, appRestarts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				_ = are // keep existing
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncUpdateCheck(outcome string) {
	if regOK.Load() {
		updateChecks.WithLabelValues(outcome).Inc()
	}
}
func IncUpdateApplied() {
	if regOK.Load() {
		updatesApplied.Inc()
	}
}
func IncRollback(stage string) {
	if regOK.Load() {
		rollbacks.WithLabelValues(stage).Inc()
	}
}
func ObserveStageDuration(stage string, seconds float64) {
	if regOK.Load() {
		stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}
func IncHealthProbe(healthy bool) {
	if regOK.Load() {
		result := "healthy"
		if !healthy {
			result = "unhealthy"
		}
		healthProbes.WithLabelValues(result).Inc()
	}
}
func IncAppRestart() {
	if regOK.Load() {
		appRestarts.Inc()
	}
}
