package eventbus

import "time"

// ProjectRegistered is published when a project is added to the registry.
type ProjectRegistered struct {
	ProjectID   string
	Path        string
	RegisteredAt time.Time
}

// ProjectRemoved is published when a project is unregistered.
type ProjectRemoved struct {
	ProjectID string
	RemovedAt time.Time
}

// ProjectUpdated is published when a project record's fields change.
type ProjectUpdated struct {
	ProjectID string
	UpdatedAt time.Time
}

// TaskEnqueued is published when a new task lands in a project's queue.
type TaskEnqueued struct {
	TaskID    string
	ProjectID string
	Priority  int
	EnqueuedAt time.Time
}

// TaskDispatched is published when the scheduler hands a task to a worker.
type TaskDispatched struct {
	TaskID      string
	ProjectID   string
	WorkerID    string
	Policy      string
	DispatchedAt time.Time
}

// TaskCompleted is published when a worker finishes executing a task.
type TaskCompleted struct {
	TaskID      string
	ProjectID   string
	WorkerID    string
	Outcome     string // success|failed|requeued|dead_letter
	Duration    time.Duration
	CompletedAt time.Time
}

// RateLimitExhausted is published when the shared executor quota is depleted.
type RateLimitExhausted struct {
	Window      string // requests|tokens
	ResetAt     time.Time
	ExhaustedAt time.Time
}

// EmergencyStopTriggered is published when the coordinator halts all dispatch.
type EmergencyStopTriggered struct {
	Reason      string
	TriggeredAt time.Time
}

// EmergencyStopCleared is published when dispatch resumes after an emergency stop.
type EmergencyStopCleared struct {
	ClearedAt time.Time
}

// SessionInvalidated is published when the executor reports an invalid/expired session.
type SessionInvalidated struct {
	Reason        string
	InvalidatedAt time.Time
}

// ProjectHealthChanged is published when a project's health score crosses a threshold.
type ProjectHealthChanged struct {
	ProjectID string
	Score     float64
	Healthy   bool
	ChangedAt time.Time
}
