package metrics

import "time"

// TaskOutcomeLabel is used for task outcome metrics dimensions.
type TaskOutcomeLabel string

const (
	TaskOutcomeSuccess   TaskOutcomeLabel = "success"
	TaskOutcomeFailed    TaskOutcomeLabel = "failed"
	TaskOutcomeRetrying  TaskOutcomeLabel = "retrying"
	TaskOutcomeDeadQueue TaskOutcomeLabel = "dead_letter"
	TaskOutcomeCanceled  TaskOutcomeLabel = "canceled"
)

// ResultLabel enumerates dispatch result categories for counters.
type ResultLabel string

const (
	ResultDispatched ResultLabel = "dispatched"
	ResultThrottled  ResultLabel = "throttled"
	ResultSkipped    ResultLabel = "skipped"
)

// Recorder defines observability hooks for queue, scheduler, worker and rate-limit
// metrics. Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe for nil receivers when using the NoopRecorder (allowing optional
// injection).
type Recorder interface {
	ObserveTaskDuration(projectID string, d time.Duration)
	IncDispatchResult(policy string, result ResultLabel)
	IncTaskOutcome(outcome TaskOutcomeLabel)
	SetQueueDepth(projectID string, n int)
	SetActiveWorkers(n int)
	SetRateLimitUtilization(window string, fraction float64)
	SetFairnessIndex(v float64)
	IncTaskRetry(projectID string)
	IncTaskRetryExhausted(projectID string)
	IncHealthCheck(projectID string, healthy bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTaskDuration(string, time.Duration)   {}
func (NoopRecorder) IncDispatchResult(string, ResultLabel)       {}
func (NoopRecorder) IncTaskOutcome(TaskOutcomeLabel)             {}
func (NoopRecorder) SetQueueDepth(string, int)                   {}
func (NoopRecorder) SetActiveWorkers(int)                        {}
func (NoopRecorder) SetRateLimitUtilization(string, float64)     {}
func (NoopRecorder) SetFairnessIndex(float64)                    {}
func (NoopRecorder) IncTaskRetry(string)                         {}
func (NoopRecorder) IncTaskRetryExhausted(string)                {}
func (NoopRecorder) IncHealthCheck(string, bool)                 {}
