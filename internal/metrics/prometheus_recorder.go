package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	taskDuration      *prom.HistogramVec
	dispatchResults   *prom.CounterVec
	taskOutcomes      *prom.CounterVec
	queueDepth        *prom.GaugeVec
	activeWorkers     prom.Gauge
	rateLimitUtil     *prom.GaugeVec
	fairnessIndex     prom.Gauge
	retries           *prom.CounterVec
	retriesExhausted  *prom.CounterVec
	healthChecks      *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics. Each call
// registers a fresh set with MustRegister, so a second call with the same
// registry panics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "poppod",
			Name:      "task_duration_seconds",
			Help:      "Duration of individual task executions",
			Buckets:   prom.DefBuckets,
		}, []string{"project"})
		pr.dispatchResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "poppod",
			Name:      "dispatch_results_total",
			Help:      "Scheduler dispatch attempts by policy and result",
		}, []string{"policy", "result"})
		pr.taskOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "poppod",
			Name:      "task_outcomes_total",
			Help:      "Task outcomes by final status",
		}, []string{"outcome"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "poppod",
			Name:      "queue_depth",
			Help:      "Current number of queued tasks per project",
		}, []string{"project"})
		pr.activeWorkers = prom.NewGauge(prom.GaugeOpts{
			Namespace: "poppod",
			Name:      "active_workers",
			Help:      "Current number of busy workers",
		})
		pr.rateLimitUtil = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "poppod",
			Name:      "rate_limit_utilization",
			Help:      "Fraction of the rate-limit window currently consumed",
		}, []string{"window"})
		pr.fairnessIndex = prom.NewGauge(prom.GaugeOpts{
			Namespace: "poppod",
			Name:      "scheduler_fairness_index",
			Help:      "Jain's fairness index across project dispatch shares",
		})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "poppod",
			Name:      "task_retries_total",
			Help:      "Total task retries (transient executor failures)",
		}, []string{"project"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "poppod",
			Name:      "task_retry_exhausted_total",
			Help:      "Count of tasks where retries were exhausted",
		}, []string{"project"})
		pr.healthChecks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "poppod",
			Name:      "health_checks_total",
			Help:      "Project health checks by outcome",
		}, []string{"project", "healthy"})
		reg.MustRegister(pr.taskDuration, pr.dispatchResults, pr.taskOutcomes, pr.queueDepth,
			pr.activeWorkers, pr.rateLimitUtil, pr.fairnessIndex, pr.retries, pr.retriesExhausted, pr.healthChecks)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveTaskDuration(projectID string, d time.Duration) {
	if p == nil || p.taskDuration == nil {
		return
	}
	p.taskDuration.WithLabelValues(projectID).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDispatchResult(policy string, result ResultLabel) {
	if p == nil || p.dispatchResults == nil {
		return
	}
	p.dispatchResults.WithLabelValues(policy, string(result)).Inc()
}

func (p *PrometheusRecorder) IncTaskOutcome(outcome TaskOutcomeLabel) {
	if p == nil || p.taskOutcomes == nil {
		return
	}
	p.taskOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(projectID string, n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(projectID).Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveWorkers(n int) {
	if p == nil || p.activeWorkers == nil {
		return
	}
	p.activeWorkers.Set(float64(n))
}

func (p *PrometheusRecorder) SetRateLimitUtilization(window string, fraction float64) {
	if p == nil || p.rateLimitUtil == nil {
		return
	}
	p.rateLimitUtil.WithLabelValues(window).Set(fraction)
}

func (p *PrometheusRecorder) SetFairnessIndex(v float64) {
	if p == nil || p.fairnessIndex == nil {
		return
	}
	p.fairnessIndex.Set(v)
}

func (p *PrometheusRecorder) IncTaskRetry(projectID string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(projectID).Inc()
}

func (p *PrometheusRecorder) IncTaskRetryExhausted(projectID string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(projectID).Inc()
}

func (p *PrometheusRecorder) IncHealthCheck(projectID string, healthy bool) {
	if p == nil || p.healthChecks == nil {
		return
	}
	p.healthChecks.WithLabelValues(projectID, boolLabel(healthy)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
