package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed (dependency or validation issues).
	OutcomeError = "error"
	// OutcomeFallback labels operations that degraded to a deterministic path.
	OutcomeFallback = "fallback"
)

const namespace = "mirador_chaos"

var (
	injectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_total",
			Help:      "Chaos injections attempted, partitioned by recipe and outcome.",
		},
		[]string{"type", "outcome"},
	)

	revertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reverts_total",
			Help:      "Fault reverts, partitioned by trigger (manual, expired, bulk, remediation).",
		},
		[]string{"reason"},
	)

	activeFaults = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_faults",
			Help:      "Faults currently active in the registry.",
		},
	)

	schedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks partitioned by gate result.",
		},
		[]string{"result"},
	)

	detectorPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_polls_total",
			Help:      "Problem detector polls partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectorDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_dispatched_total",
			Help:      "Problems dispatched to the remediation pipeline.",
		},
	)

	fixRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_runs_total",
			Help:      "Completed remediation runs partitioned by verification result.",
		},
		[]string{"verified"},
	)

	fixRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fix_run_seconds",
			Help:      "Remediation run latency in seconds, diagnosis through verification.",
			Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 180, 300, 600},
		},
	)

	fixesExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fixes_executed_total",
			Help:      "Individual fixes executed, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM calls partitioned by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)
)

// Register attaches mirador-chaos collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		injectionsTotal,
		revertsTotal,
		activeFaults,
		schedulerTicksTotal,
		detectorPollsTotal,
		detectorDispatchedTotal,
		fixRunsTotal,
		fixRunDurationSeconds,
		fixesExecutedTotal,
		llmCallsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInjection counts an injection attempt.
func ObserveInjection(recipe, outcome string) {
	injectionsTotal.WithLabelValues(recipe, normaliseOutcome(outcome)).Inc()
}

// ObserveRevert counts a revert by trigger.
func ObserveRevert(reason string) {
	revertsTotal.WithLabelValues(reason).Inc()
}

// SetActiveFaults publishes the registry size.
func SetActiveFaults(n int) {
	activeFaults.Set(float64(n))
}

// ObserveSchedulerTick counts a tick by the gate that stopped it, or "injected".
func ObserveSchedulerTick(result string) {
	schedulerTicksTotal.WithLabelValues(result).Inc()
}

// ObserveDetectorPoll counts a poll; dispatched is the number of problems handed off.
func ObserveDetectorPoll(outcome string, dispatched int) {
	detectorPollsTotal.WithLabelValues(normaliseOutcome(outcome)).Inc()
	if dispatched > 0 {
		detectorDispatchedTotal.Add(float64(dispatched))
	}
}

// ObserveFixRun records a remediation run duration and verification label.
func ObserveFixRun(duration time.Duration, verified bool) {
	label := "false"
	if verified {
		label = "true"
	}
	fixRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	fixRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveFix counts one executed fix.
func ObserveFix(action string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	fixesExecutedTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveLLMCall counts an LLM call for purpose (selection, diagnosis, agent, learning, embedding).
func ObserveLLMCall(purpose, outcome string) {
	llmCallsTotal.WithLabelValues(purpose, normaliseOutcome(outcome)).Inc()
}

func normaliseOutcome(outcome string) string {
	switch outcome {
	case OutcomeError, OutcomeFallback:
		return outcome
	default:
		return OutcomeSuccess
	}
}
