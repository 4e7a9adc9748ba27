package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "job_transitions_total",
			Help:      "Total publish job state transitions.",
		},
		[]string{"state"},
	)
	jobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "jobs_terminal_total",
			Help:      "Publish jobs reaching a terminal state, grouped by outcome.",
		},
		[]string{"outcome", "error_kind"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "job_duration_seconds",
			Help:      "Wall clock duration of publish jobs from submit to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
	)

	validationRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "validation_rejects_total",
			Help:      "Archives rejected by the relay validator, grouped by reason class.",
		},
		[]string{"reason"},
	)

	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "provider_calls_total",
			Help:      "Calls to the hosting provider API grouped by operation and result.",
		},
		[]string{"op", "result"},
	)
	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of hosting provider API calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	providerRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "provider_rate_limited_total",
			Help:      "Provider calls rejected with a rate limit response.",
		},
	)

	consistencySweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "consistency_sweeps_total",
			Help:      "Consistency monitor verifications grouped by result.",
		},
		[]string{"result"},
	)

	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the publish queue.",
		},
	)
	jobStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "makapix",
			Subsystem: "publisher",
			Name:      "jobs_state",
			Help:      "Current number of publish jobs grouped by state.",
		},
		[]string{"state"},
	)
)

var defaultJobStates = []string{"QUEUED", "VALIDATING", "COMMITTING", "PUBLISHING", "COMMITTED", "FAILED"}

func init() {
	Register()
}

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			jobTransitionsTotal,
			jobsTerminalTotal,
			jobDuration,
			validationRejectsTotal,
			providerCallsTotal,
			providerCallDuration,
			providerRateLimitedTotal,
			consistencySweepsTotal,
			queueDepthGauge,
			jobStateGauge,
		)
		for _, s := range defaultJobStates {
			jobStateGauge.WithLabelValues(s).Set(0)
		}
	})
}

func ObserveTransition(state string) {
	jobTransitionsTotal.WithLabelValues(state).Inc()
}

func ObserveTerminal(outcome, errorKind string, duration time.Duration) {
	jobsTerminalTotal.WithLabelValues(outcome, errorKind).Inc()
	jobDuration.Observe(duration.Seconds())
}

func ObserveValidationReject(reason string) {
	validationRejectsTotal.WithLabelValues(reason).Inc()
}

func ObserveProviderCall(op string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerCallsTotal.WithLabelValues(op, result).Inc()
	providerCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func ObserveRateLimited() {
	providerRateLimitedTotal.Inc()
}

func ObserveConsistencySweep(result string) {
	consistencySweepsTotal.WithLabelValues(result).Inc()
}

func SetQueueDepth(n int) {
	queueDepthGauge.Set(float64(n))
}

func SetJobStateCounts(counts map[string]int) {
	for _, s := range defaultJobStates {
		jobStateGauge.WithLabelValues(s).Set(0)
	}
	for state, count := range counts {
		jobStateGauge.WithLabelValues(state).Set(float64(count))
	}
}
