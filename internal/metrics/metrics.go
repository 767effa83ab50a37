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

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"id"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"id"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"id"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits.",
		}, []string{"id"},
	)
	workerKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "kill_escalations_total",
			Help:      "Number of stops that needed SIGKILL after the grace timeout.",
		}, []string{"id"},
	)
	workerStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "start_duration_seconds",
			Help:      "Time from Start call until the worker is considered running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"id"},
	)
	workersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Number of workers with a live child process.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between worker states.",
		}, []string{"id", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current state of workers (1 = active state, 0 = inactive).",
		}, []string{"id", "state"},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process group leader.",
		}, []string{"id"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the worker process group leader.",
		}, []string{"id"},
	)
)

var states = []string{"stopped", "starting", "running", "crashed", "error"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerRestarts, workerStops, workerCrashes, workerKills,
		workerStartDuration, workersRunning, stateTransitions, currentStates, workerCPU, workerRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(id string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(id).Inc()
	}
}
func IncRestart(id string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(id).Inc()
	}
}
func IncStop(id string) {
	if regOK.Load() {
		workerStops.WithLabelValues(id).Inc()
	}
}
func IncCrash(id string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(id).Inc()
	}
}
func IncKill(id string) {
	if regOK.Load() {
		workerKills.WithLabelValues(id).Inc()
	}
}
func ObserveStartDuration(id string, seconds float64) {
	if regOK.Load() {
		workerStartDuration.WithLabelValues(id).Observe(seconds)
	}
}
func SetRunning(n int) {
	if regOK.Load() {
		workersRunning.Set(float64(n))
	}
}

// RecordStateTransition counts from->to and flips the current_state gauges of id.
func RecordStateTransition(id, from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(id, from, to).Inc()
	for _, s := range states {
		SetCurrentState(id, s, s == to)
	}
}

func SetCurrentState(id, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(id, state).Set(value)
	}
}

// SetUsage publishes the latest resource sample of a worker.
func SetUsage(id string, u Usage) {
	if regOK.Load() {
		workerCPU.WithLabelValues(id).Set(u.CPUPercent)
		workerRSS.WithLabelValues(id).Set(float64(u.RSS))
	}
}

// Forget drops all per-worker series of id, used when a worker is decommissioned.
func Forget(id string) {
	if !regOK.Load() {
		return
	}
	for _, v := range []*prometheus.CounterVec{workerStarts, workerRestarts, workerStops, workerCrashes, workerKills} {
		v.DeleteLabelValues(id)
	}
	workerStartDuration.DeleteLabelValues(id)
	workerCPU.DeleteLabelValues(id)
	workerRSS.DeleteLabelValues(id)
	stateTransitions.DeletePartialMatch(prometheus.Labels{"id": id})
	currentStates.DeletePartialMatch(prometheus.Labels{"id": id})
}
