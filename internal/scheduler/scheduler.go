// Package scheduler implements the daemon's dispatch loop: a single-threaded
// cooperative engine that repeatedly picks the next (project, task) pair to hand
// to the worker pool, honoring the configured policy, the rate-limit
// coordinator's verdict and each project's resource bounds.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/eventbus"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/taskqueue"
)

// Policy is the dispatch policy in effect; it mirrors config.SchedulingStrategy
// so the scheduler never needs its own parallel enum.
type Policy = config.SchedulingStrategy

// ProjectView is the subset of a project record the scheduler needs to judge
// eligibility and apply a policy, decoupling it from internal/registry's types.
type ProjectView struct {
	ID              string
	Enabled         bool
	Priority        int
	Weight          float64
	MaxConcurrent   int
	RunningCount    int
	ActiveHours     *ActiveHoursView
}

// ActiveHoursView mirrors registry.ActiveHours without importing that package.
type ActiveHoursView struct {
	Start, End, Timezone string
}

// ProjectSource supplies the scheduler with the current project set; implemented
// by the daemon's projectSource adapter over internal/registry.Registry.
type ProjectSource interface {
	EligibleProjects() []ProjectView
}

// QueueSource supplies per-project queue state; implemented by internal/taskqueue.Queue.
type QueueSource interface {
	Peek(projectID string) (taskqueue.Task, bool)
	Dequeue(projectID string) (taskqueue.Task, bool)
	Len(projectID string) int
}

// RateLimiter is consulted before every dispatch attempt; implemented by
// internal/ratelimit.Coordinator.
type RateLimiter interface {
	Reserve(ctx context.Context, projectID string, estimatedTokens int) ratelimit.Decision
	EstimateFor(projectID string) int
	SessionInvalid() bool
}

// Dispatcher hands a dequeued task to a free worker; implemented by
// internal/workerpool.Pool.
type Dispatcher interface {
	Submit(ctx context.Context, projectID string, t taskqueue.Task) bool
}

// Scheduler runs the cooperative dispatch loop.
type Scheduler struct {
	projects ProjectSource
	queues   QueueSource
	limiter  RateLimiter
	dispatch Dispatcher
	bus      *eventbus.Bus

	mu       sync.Mutex
	policy   Policy
	credits  map[string]float64 // weighted-round-robin DRR credits
	rrCursor int
	fairness *fairnessLedger

	tick     time.Duration
	stopFn   context.CancelFunc
	running  bool

	maxProcesses int // 0 means unbounded; spec.md §4.4 step 2's global daemon.maxProcesses cap

	metrics metrics.Recorder
}

// New constructs a Scheduler with the given policy and a fixed 50ms tick
// interval; tests drive Tick directly instead of waiting on the loop.
func New(policy Policy, projects ProjectSource, queues QueueSource, limiter RateLimiter, dispatch Dispatcher, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		projects: projects,
		queues:   queues,
		limiter:  limiter,
		dispatch: dispatch,
		bus:      bus,
		policy:   policy,
		credits:  make(map[string]float64),
		fairness: newFairnessLedger(1000),
		tick:     50 * time.Millisecond,
		metrics:  metrics.NoopRecorder{},
	}
}

// WithMetrics attaches a metrics recorder; every dispatch outcome and the
// fairness index are reported to it.
func (s *Scheduler) WithMetrics(rec metrics.Recorder) *Scheduler {
	if rec != nil {
		s.metrics = rec
	}
	return s
}

// SetPolicy changes the active dispatch policy at runtime (used by reload).
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// SetMaxProcesses changes the global running-task cap at runtime (used by
// reload and the "set-concurrency" IPC command). 0 means unbounded.
func (s *Scheduler) SetMaxProcesses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxProcesses = n
}

// Start runs the dispatch loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopFn = cancel
	s.running = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case <-ticker.C:
				s.tickOnce(ctx)
			}
		}
	}()
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopFn
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// IsRunning reports whether the dispatch loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tickOnce performs a single dispatch decision; exported as Tick for tests that
// want deterministic control over the loop instead of racing a ticker.
func (s *Scheduler) tickOnce(ctx context.Context) {
	s.Tick(ctx)
}

// Tick performs one pick-and-dispatch cycle and reports whether it dispatched.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if s.limiter.SessionInvalid() {
		return false
	}

	eligible := s.eligibleNow()
	if len(eligible) == 0 {
		return false
	}

	s.mu.Lock()
	policy := s.policy
	maxProcesses := s.maxProcesses
	s.mu.Unlock()

	if maxProcesses > 0 && s.totalRunning() >= maxProcesses {
		return false
	}
	defer s.metrics.SetFairnessIndex(s.fairness.Index())

	var chosen *ProjectView
	switch policy {
	case config.StrategyRoundRobin:
		chosen = s.pickRoundRobin(eligible)
	case config.StrategyPriority:
		chosen = s.pickPriority(eligible)
	case config.StrategyDeadlineAware:
		chosen = s.pickDeadlineAware(eligible)
	default: // weighted-round-robin and weighted both use DRR
		chosen = s.pickWeightedRoundRobin(eligible)
	}
	if chosen == nil {
		return false
	}

	decision := s.limiter.Reserve(ctx, chosen.ID, s.limiter.EstimateFor(chosen.ID))
	if decision.Kind != ratelimit.Allow {
		s.metrics.IncDispatchResult(string(policy), metrics.ResultThrottled)
		return false
	}

	task, ok := s.queues.Dequeue(chosen.ID)
	if !ok {
		return false
	}

	if !s.dispatch.Submit(ctx, chosen.ID, task) {
		return false
	}

	s.fairness.Record(chosen.ID)
	s.metrics.IncDispatchResult(string(policy), metrics.ResultDispatched)
	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.TaskDispatched{
			TaskID: task.TaskID, ProjectID: chosen.ID, Policy: string(policy), DispatchedAt: time.Now().UTC(),
		})
	}
	return true
}

// totalRunning sums RunningCount across every enabled project, the
// approximation of "globally running tasks" the scheduler has visibility
// into (a disabled project may still be draining, but it dispatches no new
// tasks, so it never contends for this budget again).
func (s *Scheduler) totalRunning() int {
	total := 0
	for _, p := range s.projects.EligibleProjects() {
		total += p.RunningCount
	}
	return total
}

func (s *Scheduler) eligibleNow() []ProjectView {
	now := time.Now()
	var out []ProjectView
	for _, p := range s.projects.EligibleProjects() {
		if !p.Enabled {
			continue
		}
		if p.RunningCount >= p.MaxConcurrent {
			continue
		}
		if s.queues.Len(p.ID) == 0 {
			continue
		}
		if !withinActiveHours(p.ActiveHours, now) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// withinActiveHours checks the inclusive-start/exclusive-end window; per the
// design decision, a window is assumed not to cross midnight.
func withinActiveHours(ah *ActiveHoursView, now time.Time) bool {
	if ah == nil {
		return true
	}
	loc := time.Local
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, err1 := time.ParseInLocation("15:04", ah.Start, loc)
	end, err2 := time.ParseInLocation("15:04", ah.End, loc)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := time.Date(0, 1, 1, local.Hour(), local.Minute(), 0, 0, time.UTC)
	s := time.Date(0, 1, 1, start.Hour(), start.Minute(), 0, 0, time.UTC)
	e := time.Date(0, 1, 1, end.Hour(), end.Minute(), 0, 0, time.UTC)
	return !cur.Before(s) && cur.Before(e)
}
