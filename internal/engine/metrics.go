package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "resolver",
		Name:      "transitions_total",
		Help:      "Number of transition events resolved, grouped by outcome.",
	}, []string{"transition", "outcome"})

	resolveErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "resolver",
		Name:      "errors_total",
		Help:      "Number of transition events left unresolved by a store failure.",
	})

	alertsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "dispatcher",
		Name:      "alerts_total",
		Help:      "Number of alert dispatch attempts, grouped by result.",
	}, []string{"result"})

	reconcileCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "registrar",
		Name:      "passes_total",
		Help:      "Number of reconciliation passes run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "anchornotes",
		Subsystem: "registrar",
		Name:      "pass_duration_seconds",
		Help:      "Duration of reconciliation passes.",
		Buckets:   prometheus.DefBuckets,
	})

	registrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "registrar",
		Name:      "calls_total",
		Help:      "Number of platform register/deregister calls, grouped by call and result.",
	}, []string{"call", "result"})

	registeredGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "anchornotes",
		Subsystem: "registrar",
		Name:      "registered_regions",
		Help:      "Regions held by the platform after the last pass.",
	})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "anchornotes",
		Subsystem: "registrar",
		Name:      "pending_records",
		Help:      "Active records waiting for capacity after the last pass.",
	})

	recoveryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchornotes",
		Subsystem: "recovery",
		Name:      "runs_total",
		Help:      "Number of recovery runs, grouped by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		transitionsCounter,
		resolveErrorCounter,
		alertsCounter,
		reconcileCounter,
		reconcileDuration,
		registrationCounter,
		registeredGauge,
		pendingGauge,
		recoveryCounter,
	)
}

func recordTransition(ev TransitionEvent, outcome Outcome) {
	transitionsCounter.WithLabelValues(string(ev.Transition), string(outcome)).Inc()
}

func recordResolveError() {
	resolveErrorCounter.Inc()
}

func recordAlert(result DispatchResult) {
	alertsCounter.WithLabelValues(string(result)).Inc()
}

func recordPass(res PassResult, elapsed time.Duration) {
	reconcileCounter.Inc()
	reconcileDuration.Observe(elapsed.Seconds())
	registeredGauge.Set(float64(res.Registered))
	pendingGauge.Set(float64(res.Pending))
}

func recordCall(call, result string) {
	registrationCounter.WithLabelValues(call, result).Inc()
}

func recordRecovery(reason string) {
	recoveryCounter.WithLabelValues(reason).Inc()
}
