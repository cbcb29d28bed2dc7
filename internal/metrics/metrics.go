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

	controllerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodex",
			Subsystem: "controller",
			Name:      "ticks_total",
			Help:      "Number of state machine ticks by lifecycle state.",
		}, []string{"state"},
	)
	agentLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodex",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Number of process launches by outcome.",
		}, []string{"result"},
	)
	prunedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodex",
			Subsystem: "supervisor",
			Name:      "pruned_records_total",
			Help:      "Number of dead process records removed from runtime info.",
		}, []string{"role"},
	)
	liveProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodex",
			Subsystem: "supervisor",
			Name:      "live_processes",
			Help:      "Live supervised processes per role at the last tick.",
		}, []string{"role"},
	)
	updateSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodex",
			Subsystem: "update",
			Name:      "steps_total",
			Help:      "Number of update steps by step name and result.",
		}, []string{"step", "result"},
	)
	updateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nodex",
			Subsystem: "update",
			Name:      "duration_seconds",
			Help:      "Duration of complete update runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodex",
			Subsystem: "controller",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodex",
			Subsystem: "controller",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{controllerTicks, agentLaunches, prunedRecords, liveProcesses, updateSteps, updateDuration, stateTransitions, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeds.

func IncTick(state string) {
	if regOK.Load() {
		controllerTicks.WithLabelValues(state).Inc()
	}
}

func IncLaunch(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		agentLaunches.WithLabelValues(result).Inc()
	}
}

func AddPruned(role string, n int) {
	if regOK.Load() && n > 0 {
		prunedRecords.WithLabelValues(role).Add(float64(n))
	}
}

func SetLive(role string, n int) {
	if regOK.Load() {
		liveProcesses.WithLabelValues(role).Set(float64(n))
	}
}

func IncUpdateStep(step, result string) {
	if regOK.Load() {
		updateSteps.WithLabelValues(step, result).Inc()
	}
}

func ObserveUpdateDuration(seconds float64) {
	if regOK.Load() {
		updateDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() && from != to {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state active and every other known state inactive.
func SetCurrentState(state string, known ...string) {
	if !regOK.Load() {
		return
	}
	for _, k := range known {
		currentState.WithLabelValues(k).Set(0)
	}
	currentState.WithLabelValues(state).Set(1)
}
