package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poppobuilder/poppod/internal/eventbus"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/poppobuilder/poppod/internal/taskqueue"
)

// ProjectDirResolver maps a projectID to its working directory; implemented by
// internal/registry.Registry.
type ProjectDirResolver interface {
	ProjectDir(projectID string) (string, bool)
}

// QueueCompleter reports task outcomes back to the queue; implemented by
// internal/taskqueue.Queue.
type QueueCompleter interface {
	Complete(ctx context.Context, taskID string, outcome taskqueue.Outcome) error
}

// StatsRecorder updates a project's lifetime stats after a task finishes;
// implemented by internal/registry.Registry.
type StatsRecorder interface {
	RecordOutcome(projectID string, durationMS float64, failed bool)
}

// RateLimitReporter forwards executor outcomes to the rate-limit coordinator.
type RateLimitReporter interface {
	ReportOutcome(ctx context.Context, projectID string, out ratelimit.Outcome) error
	NotifySessionInvalid(ctx context.Context, reason string)
}

// Pool is the bounded set of worker slots.
type Pool struct {
	cfg      Config
	executor Executor
	resolver ProjectDirResolver
	queue    QueueCompleter
	stats    StatsRecorder
	limiter  RateLimitReporter
	bus      *eventbus.Bus
	store    *statestore.Store

	mu                 sync.Mutex
	workers            map[string]*Worker
	runCancels         map[string]context.CancelFunc
	queuedGlobal       func() int
	consecutiveCrashes int
	paused             bool

	stopScaling context.CancelFunc
	wg          sync.WaitGroup

	metrics metrics.Recorder
	retry   RetryPolicy
}

// New constructs a Pool. queuedGlobalFn reports the current global queued-task
// count, used by the auto-scaler's load calculation.
func New(cfg Config, executor Executor, resolver ProjectDirResolver, queue QueueCompleter, stats StatsRecorder, limiter RateLimitReporter, bus *eventbus.Bus, store *statestore.Store, queuedGlobalFn func() int) *Pool {
	return &Pool{
		cfg:          cfg,
		executor:     executor,
		resolver:     resolver,
		queue:        queue,
		stats:        stats,
		limiter:      limiter,
		bus:          bus,
		store:        store,
		workers:      make(map[string]*Worker),
		runCancels:   make(map[string]context.CancelFunc),
		queuedGlobal: queuedGlobalFn,
		metrics:      metrics.NoopRecorder{},
		retry:        DefaultRetryPolicy(),
	}
}

// WithMetrics attaches a metrics recorder; the number of busy workers is
// reported to it whenever a task is submitted or finishes.
func (p *Pool) WithMetrics(rec metrics.Recorder) *Pool {
	if rec != nil {
		p.metrics = rec
	}
	return p
}

// WithRetryPolicy overrides the backoff applied before a transient/timeout
// failure is requeued.
func (p *Pool) WithRetryPolicy(policy RetryPolicy) *Pool {
	p.retry = policy
	return p
}

// reportActiveLocked publishes the current busy-worker count; callers must
// hold p.mu.
func (p *Pool) reportActiveLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.State == StateBusy {
			busy++
		}
	}
	p.metrics.SetActiveWorkers(busy)
}

// Start spins up minWorkers idle workers and launches the auto-scaler.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.stopScaling = cancel
	go p.scaleLoop(ctx)
}

func (p *Pool) spawnLocked() *Worker {
	w := &Worker{WorkerID: uuid.NewString(), State: StateIdle, CreatedAt: time.Now().UTC()}
	p.workers[w.WorkerID] = w
	return w
}

func (p *Pool) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.autoscale()
		}
	}
}

func (p *Pool) autoscale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, w := range p.workers {
		if w.State == StateBusy {
			busy++
		}
	}
	total := len(p.workers)
	if total == 0 {
		return
	}
	queued := 0
	if p.queuedGlobal != nil {
		queued = p.queuedGlobal()
	}
	load := float64(busy+queued) / float64(total)

	if load > p.cfg.ScaleUpThreshold && total < p.cfg.MaxWorkers {
		p.spawnLocked()
		return
	}
	if load < p.cfg.ScaleDownThreshold && total > p.cfg.MinWorkers {
		for id, w := range p.workers {
			if w.State == StateIdle {
				delete(p.workers, id)
				break
			}
		}
	}
}

// Submit hands a task to a free idle worker, returning false if none is available.
func (p *Pool) Submit(ctx context.Context, projectID string, t taskqueue.Task) bool {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return false
	}
	var chosen *Worker
	for _, w := range p.workers {
		if w.State == StateIdle {
			chosen = w
			break
		}
	}
	if chosen == nil {
		p.mu.Unlock()
		return false
	}
	chosen.State = StateBusy
	task := t
	chosen.CurrentTask = &task
	p.reportActiveLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runTask(ctx, chosen.WorkerID, projectID, t)
	return true
}

func (p *Pool) runTask(ctx context.Context, workerID, projectID string, t taskqueue.Task) {
	defer p.wg.Done()

	timeout := p.cfg.DefaultTimeout
	if t.Deadline != nil {
		if d := time.Until(*t.Deadline); d > 0 && d < timeout {
			timeout = d
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	p.mu.Lock()
	p.runCancels[workerID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.runCancels, workerID)
		p.mu.Unlock()
		cancel()
	}()

	dir, _ := p.resolver.ProjectDir(projectID)
	result, _ := p.executor.Run(runCtx, dir, t)
	timedOut := runCtx.Err() == context.DeadlineExceeded
	canceled := runCtx.Err() == context.Canceled

	class := classify(result, timedOut || canceled)
	p.finishTask(ctx, workerID, projectID, t, result, class)
}

func (p *Pool) finishTask(ctx context.Context, workerID, projectID string, t taskqueue.Task, result ExecResult, class FailureClass) {
	outcome := taskqueue.OutcomeSuccess
	failed := false

	switch class {
	case ClassSuccess:
		outcome = taskqueue.OutcomeSuccess
	case ClassRateLimit:
		unlockAt := time.Now().Add(time.Hour)
		if result.RateLimitInfo != nil {
			unlockAt = result.RateLimitInfo.UnlockAt
		}
		_ = p.limiter.ReportOutcome(ctx, projectID, ratelimit.Outcome{OK: false, RateLimited: true, UnlockAt: unlockAt})
		outcome = taskqueue.OutcomeRequeue
		failed = true
	case ClassSessionInv:
		p.limiter.NotifySessionInvalid(ctx, "executor reported invalid/expired credentials")
		outcome = taskqueue.OutcomeRequeue
		failed = true
	case ClassTimeout, ClassTransient:
		outcome = taskqueue.OutcomeRequeue
		failed = true
	default: // permanent
		outcome = taskqueue.OutcomeFailure
		failed = true
	}

	if class == ClassSuccess {
		_ = p.limiter.ReportOutcome(ctx, projectID, ratelimit.Outcome{OK: true, Tokens: result.Tokens})
	}

	if class == ClassTimeout || class == ClassTransient {
		time.Sleep(p.retry.Delay(t.Attempts + 1))
	}

	_ = p.queue.Complete(ctx, t.TaskID, outcome)
	p.stats.RecordOutcome(projectID, result.DurationMS, failed)

	p.metrics.ObserveTaskDuration(projectID, time.Duration(result.DurationMS)*time.Millisecond)
	switch outcome {
	case taskqueue.OutcomeSuccess:
		p.metrics.IncTaskOutcome(metrics.TaskOutcomeSuccess)
	case taskqueue.OutcomeRequeue:
		if t.Attempts >= t.MaxAttempts {
			p.metrics.IncTaskRetryExhausted(projectID)
			p.metrics.IncTaskOutcome(metrics.TaskOutcomeDeadQueue)
		} else {
			p.metrics.IncTaskRetry(projectID)
			p.metrics.IncTaskOutcome(metrics.TaskOutcomeRetrying)
		}
	default:
		p.metrics.IncTaskOutcome(metrics.TaskOutcomeFailed)
	}

	p.mu.Lock()
	w, ok := p.workers[workerID]
	crashed := false
	if ok {
		w.TasksRun++
		w.LastTaskAt = time.Now().UTC()
		w.CurrentTask = nil
		w.Metrics.TotalDurationMS += result.DurationMS
		if failed {
			w.Metrics.Failures++
		}
		if w.TasksRun >= p.cfg.MaxTasksPerWorker {
			w.State = StateRecycling
			delete(p.workers, workerID)
			p.spawnLocked()
		} else {
			w.State = StateIdle
		}
	} else {
		crashed = true
	}
	if crashed {
		p.consecutiveCrashes++
		if p.consecutiveCrashes >= 5 {
			p.paused = true
		}
	} else {
		p.consecutiveCrashes = 0
	}
	p.reportActiveLocked()
	p.mu.Unlock()

	if p.bus != nil {
		_ = p.bus.Publish(ctx, eventbus.TaskCompleted{
			TaskID: t.TaskID, ProjectID: projectID, WorkerID: workerID,
			Outcome: string(outcome), Duration: time.Duration(result.DurationMS) * time.Millisecond,
			CompletedAt: time.Now().UTC(),
		})
	}
}

// Stop drains the pool. graceful waits for Busy workers up to deadline, then
// escalates to cancelAllRunning; immediate cancels every running task's
// context right away, which kills its executor invocation (exec.CommandContext
// owns the process-kill) and drives it through the same timeout/requeue path
// runTask already uses for a deadline.
func (p *Pool) Stop(ctx context.Context, graceful bool, deadline time.Duration) error {
	if p.stopScaling != nil {
		p.stopScaling()
	}

	if !graceful {
		p.cancelAllRunning()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		p.cancelAllRunning()
		return fmt.Errorf("worker pool shutdown deadline exceeded")
	}
}

// cancelAllRunning aborts every in-flight task's run context. runTask
// classifies the resulting context.Canceled the same way it classifies a
// deadline timeout, so the task is requeued rather than marked failed.
func (p *Pool) cancelAllRunning() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.runCancels))
	for _, cancel := range p.runCancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Snapshot returns the current worker set, used for the workers.json post-mortem
// dump and for IPC status reporting.
func (p *Pool) Snapshot() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

// PersistSnapshot writes the current worker set to workers.json (post-mortem
// only; never restored on startup).
func (p *Pool) PersistSnapshot() error {
	return p.store.SaveFrom(statestore.KindWorkers, p.Snapshot())
}

// HasRunningTasks reports whether any worker currently holds a task for projectID.
func (p *Pool) HasRunningTasks(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.CurrentTask != nil && w.CurrentTask.ProjectID == projectID {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of workers currently Busy.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.State == StateBusy {
			n++
		}
	}
	return n
}

// IsRunning reports whether the pool has at least one worker and is not paused
// (ManagedService adapter).
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) > 0 && !p.paused
}
