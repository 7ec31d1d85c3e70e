// Package workerpool implements the Worker Pool: a bounded set of slots that run
// executor invocations on behalf of the scheduler, auto-scaling with load and
// recycling workers to bound resource drift.
package workerpool

import (
	"time"

	"github.com/poppobuilder/poppod/internal/taskqueue"
)

// State is a worker's lifecycle state.
type State string

const (
	StateSpawning   State = "spawning"
	StateIdle       State = "idle"
	StateBusy       State = "busy"
	StateRecycling  State = "recycling"
	StateDead       State = "dead"
)

// Metrics accumulates per-worker execution statistics.
type Metrics struct {
	TotalDurationMS float64
	Failures        int
}

// Worker is one executor-invocation slot.
type Worker struct {
	WorkerID    string
	State       State
	TasksRun    int
	CreatedAt   time.Time
	LastTaskAt  time.Time
	CurrentTask *taskqueue.Task
	Metrics     Metrics
}

// ExecResult is what an executor invocation reports back.
type ExecResult struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	DurationMS    float64
	Tokens        int
	RateLimitInfo *RateLimitSignal
}

// RateLimitSignal is parsed from recognized executor output patterns.
type RateLimitSignal struct {
	UnlockAt time.Time
}

// FailureClass classifies a failed execution for the retry/surface decision.
type FailureClass string

const (
	ClassRateLimit  FailureClass = "rate-limit"
	ClassSessionInv FailureClass = "session-invalid"
	ClassTimeout    FailureClass = "timeout"
	ClassTransient  FailureClass = "transient"
	ClassPermanent  FailureClass = "permanent"
	ClassSuccess    FailureClass = "success"
)

// Config tunes the pool's scaling and recycling behavior.
type Config struct {
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleInterval      time.Duration
	MaxTasksPerWorker  int
	DefaultTimeout     time.Duration
	RecycleGrace       time.Duration
}

// DefaultConfig returns the spec's default tuning (§4.5).
func DefaultConfig() Config {
	return Config{
		MinWorkers:         1,
		MaxWorkers:         4,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		ScaleInterval:      10 * time.Second,
		MaxTasksPerWorker:  100,
		DefaultTimeout:     600 * time.Second,
		RecycleGrace:       30 * time.Second,
	}
}
