package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/statestore"
)

// Queue holds one effective-priority heap per project and tracks queued and
// running tasks by id for complete()/cancel() lookups; a completed task is
// dropped from tracking.
type Queue struct {
	mu  sync.Mutex
	bus *eventbus.Bus

	store *statestore.Store

	perProjectCap int
	globalCap     int
	cfg           agingConfig

	heaps    map[string]*projectHeap
	byID     map[string]*entry // queued tasks, keyed by taskId
	running  map[string]Task   // dispatched but not yet completed
	seq      uint64
	total    int

	paused       bool
	pauseReason  string

	stopAging context.CancelFunc

	metrics metrics.Recorder
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithCaps sets the per-project and global queue capacity.
func WithCaps(perProject, global int) Option {
	return func(q *Queue) {
		q.perProjectCap = perProject
		q.globalCap = global
	}
}

// WithAgingInterval overrides the default 30s aging recompute interval (tests
// use this to shrink the interval).
func WithAgingInterval(d time.Duration) Option {
	return func(q *Queue) { q.cfg.interval = d }
}

// New constructs a Queue, restoring any persisted snapshot from store.
func New(store *statestore.Store, bus *eventbus.Bus, opts ...Option) (*Queue, error) {
	q := &Queue{
		bus:           bus,
		store:         store,
		perProjectCap: 500,
		globalCap:     5000,
		cfg:           defaultAgingConfig(),
		heaps:         make(map[string]*projectHeap),
		byID:          make(map[string]*entry),
		running:       make(map[string]Task),
		metrics:       metrics.NoopRecorder{},
	}
	for _, o := range opts {
		o(q)
	}
	if err := q.restore(); err != nil {
		return nil, err
	}
	return q, nil
}

// WithMetrics attaches a metrics recorder; a project's queue depth is reported
// to it whenever that project's queue is mutated.
func (q *Queue) WithMetrics(rec metrics.Recorder) *Queue {
	if rec != nil {
		q.metrics = rec
	}
	return q
}

// reportDepthLocked publishes projectID's current queue depth; callers must
// hold q.mu.
func (q *Queue) reportDepthLocked(projectID string) {
	h, ok := q.heaps[projectID]
	if !ok {
		q.metrics.SetQueueDepth(projectID, 0)
		return
	}
	q.metrics.SetQueueDepth(projectID, h.Len())
}

func (q *Queue) restore() error {
	var snap Snapshot
	if err := q.store.LoadInto(statestore.KindQueueSnapshot, &snap); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, tasks := range snap.Projects {
		for _, t := range tasks {
			if t.Status == StatusRunning {
				// A process that died mid-run leaves its tasks Running; re-enqueue
				// with attempts preserved rather than losing them.
				t.Status = StatusQueued
			}
			if t.Status != StatusQueued {
				continue
			}
			q.insertLocked(t, now)
		}
	}
	return nil
}

// Start launches the background aging loop; it recomputes effectivePriority
// for every queued task every cfg.interval.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.stopAging = cancel
	go q.agingLoop(ctx)
}

func (q *Queue) agingLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.recomputeAll()
		}
	}
}

func (q *Queue) recomputeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	for _, h := range q.heaps {
		for _, e := range *h {
			e.task.EffectivePriority = effectivePriority(e.task, now, q.cfg, 0)
		}
		heap.Init(h)
	}
}

// Stop halts the aging loop.
func (q *Queue) Stop(ctx context.Context) error {
	if q.stopAging != nil {
		q.stopAging()
	}
	return nil
}

// IsActive reports whether the queue has ever been started (used by the
// ManagedService health adapter).
func (q *Queue) IsActive() bool { return q.stopAging != nil }

// QueueLength returns the total number of queued (not running) tasks.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

func (q *Queue) insertLocked(t Task, now time.Time) {
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	t.EffectivePriority = effectivePriority(t, now, q.cfg, 0)

	q.seq++
	e := &entry{task: t, seq: q.seq}

	h, ok := q.heaps[t.ProjectID]
	if !ok {
		h = &projectHeap{}
		q.heaps[t.ProjectID] = h
	}
	heap.Push(h, e)
	q.byID[t.TaskID] = e
	q.total++
}

// Enqueue adds a task to its project's queue, rejecting with QueueFull when the
// per-project or global cap would be exceeded.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	if h, ok := q.heaps[t.ProjectID]; ok && h.Len() >= q.perProjectCap {
		q.mu.Unlock()
		return ferrors.QueueError("project queue is full").
			WithContext("projectId", t.ProjectID).WithContext("cap", q.perProjectCap).Build()
	}
	if q.total >= q.globalCap {
		q.mu.Unlock()
		return ferrors.QueueError("global queue is full").WithContext("cap", q.globalCap).Build()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	q.insertLocked(t, time.Now().UTC())
	q.reportDepthLocked(t.ProjectID)
	q.mu.Unlock()

	_ = q.persist()
	if q.bus != nil {
		_ = q.bus.Publish(ctx, eventbus.TaskEnqueued{
			TaskID: t.TaskID, ProjectID: t.ProjectID, Priority: t.Priority, EnqueuedAt: t.EnqueuedAt,
		})
	}
	return nil
}

// Dequeue pops the head task (highest effectivePriority, FIFO among ties) of a
// project's queue, if any, and marks it Running.
func (q *Queue) Dequeue(projectID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return Task{}, false
	}

	h, ok := q.heaps[projectID]
	if !ok || h.Len() == 0 {
		return Task{}, false
	}
	e := heap.Pop(h).(*entry)
	delete(q.byID, e.task.TaskID)
	q.total--

	e.task.Status = StatusRunning
	e.task.Attempts++
	q.running[e.task.TaskID] = e.task
	q.reportDepthLocked(projectID)

	go func() { _ = q.persist() }()
	return e.task, true
}

// Complete records the terminal (or retry) outcome of a running task.
func (q *Queue) Complete(ctx context.Context, taskID string, outcome Outcome) error {
	q.mu.Lock()
	t, ok := q.running[taskID]
	if !ok {
		q.mu.Unlock()
		return ferrors.NotFoundError("no running task with that id").WithContext("taskId", taskID).Build()
	}
	delete(q.running, taskID)

	switch outcome {
	case OutcomeSuccess:
		t.Status = StatusCompleted
	case OutcomeRequeue:
		if t.Attempts >= t.MaxAttempts {
			t.Status = StatusFailed
		} else {
			t.Status = StatusQueued
			q.insertLocked(t, time.Now().UTC())
		}
	default:
		t.Status = StatusFailed
	}
	q.reportDepthLocked(t.ProjectID)
	q.mu.Unlock()

	return q.persist()
}

// Cancel removes a task whether it is queued or running.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byID[taskID]; ok {
		h := q.heaps[e.task.ProjectID]
		heap.Remove(h, e.idx)
		delete(q.byID, taskID)
		q.total--
		q.reportDepthLocked(e.task.ProjectID)
		return q.persistLocked()
	}
	if _, ok := q.running[taskID]; ok {
		delete(q.running, taskID)
		return q.persistLocked()
	}
	return ferrors.NotFoundError("task not found").WithContext("taskId", taskID).Build()
}

// Snapshot captures every queued and running task for durable persistence.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	out := make(map[string][]Task)
	for projectID, h := range q.heaps {
		tasks := make([]Task, 0, h.Len())
		for _, e := range *h {
			tasks = append(tasks, e.task)
		}
		if len(tasks) > 0 {
			out[projectID] = tasks
		}
	}
	for _, t := range q.running {
		out[t.ProjectID] = append(out[t.ProjectID], t)
	}
	return Snapshot{Projects: out, TakenAt: time.Now().UTC()}
}

// Restore replaces the in-memory queue contents with a prior snapshot. Used by
// tests verifying restore(snapshot(B)) == B.
func (q *Queue) Restore(snap Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heaps = make(map[string]*projectHeap)
	q.byID = make(map[string]*entry)
	q.running = make(map[string]Task)
	q.total = 0

	now := time.Now().UTC()
	for _, tasks := range snap.Projects {
		for _, t := range tasks {
			if t.Status == StatusRunning {
				q.running[t.TaskID] = t
				continue
			}
			q.insertLocked(t, now)
		}
	}
}

func (q *Queue) persist() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	return q.store.SaveFrom(statestore.KindQueueSnapshot, q.snapshotLocked())
}

// Peek returns the head task of a project's queue without removing it, used by
// the deadline-aware scheduler policy to inspect nearest deadlines.
func (q *Queue) Peek(projectID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.heaps[projectID]
	if !ok || h.Len() == 0 {
		return Task{}, false
	}
	return (*h)[0].task, true
}

// Pause halts Dequeue from yielding any task until Resume is called; queued
// tasks are preserved. Used by the IPC pause-queue command.
func (q *Queue) Pause(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.pauseReason = reason
}

// Resume lifts a prior Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.pauseReason = ""
}

// IsPaused reports whether Dequeue is currently suppressed.
func (q *Queue) IsPaused() (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, q.pauseReason
}

// ClearProject removes every queued task for a project (or every project when
// projectID is empty), optionally restricted to a minimum priority.
func (q *Queue) ClearProject(projectID string, minPriority *int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	targets := []string{projectID}
	if projectID == "" {
		targets = targets[:0]
		for pid := range q.heaps {
			targets = append(targets, pid)
		}
	}
	for _, pid := range targets {
		h, ok := q.heaps[pid]
		if !ok {
			continue
		}
		kept := (*h)[:0]
		for _, e := range *h {
			if minPriority != nil && e.task.Priority < *minPriority {
				kept = append(kept, e)
				continue
			}
			delete(q.byID, e.task.TaskID)
			q.total--
			cleared++
		}
		*h = kept
		heap.Init(h)
		q.reportDepthLocked(pid)
	}
	_ = q.persistLocked()
	return cleared
}

// Len returns the queued task count for a single project.
func (q *Queue) Len(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.heaps[projectID]
	if !ok {
		return 0
	}
	return h.Len()
}
