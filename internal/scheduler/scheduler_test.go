package scheduler

import (
	"context"
	"testing"

	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/taskqueue"
	"github.com/stretchr/testify/require"
)

type fakeProjects struct{ views []ProjectView }

func (f *fakeProjects) EligibleProjects() []ProjectView { return f.views }

type fakeQueues struct {
	tasks map[string][]taskqueue.Task
}

func (f *fakeQueues) Peek(projectID string) (taskqueue.Task, bool) {
	ts := f.tasks[projectID]
	if len(ts) == 0 {
		return taskqueue.Task{}, false
	}
	return ts[0], true
}

func (f *fakeQueues) Dequeue(projectID string) (taskqueue.Task, bool) {
	ts := f.tasks[projectID]
	if len(ts) == 0 {
		return taskqueue.Task{}, false
	}
	t := ts[0]
	f.tasks[projectID] = ts[1:]
	return t, true
}

func (f *fakeQueues) Len(projectID string) int { return len(f.tasks[projectID]) }

type fakeLimiter struct{}

func (fakeLimiter) Reserve(ctx context.Context, projectID string, est int) ratelimit.Decision {
	return ratelimit.Decision{Kind: ratelimit.Allow}
}
func (fakeLimiter) EstimateFor(projectID string) int { return 1 }
func (fakeLimiter) SessionInvalid() bool             { return false }

type fakeDispatcher struct{ dispatched []string }

func (f *fakeDispatcher) Submit(ctx context.Context, projectID string, t taskqueue.Task) bool {
	f.dispatched = append(f.dispatched, projectID)
	return true
}

func TestTick_WeightedRoundRobinConvergesToWeightRatio(t *testing.T) {
	projects := &fakeProjects{views: []ProjectView{
		{ID: "a", Enabled: true, Weight: 1, MaxConcurrent: 100},
		{ID: "b", Enabled: true, Weight: 3, MaxConcurrent: 100},
	}}
	queues := &fakeQueues{tasks: map[string][]taskqueue.Task{
		"a": make([]taskqueue.Task, 2000),
		"b": make([]taskqueue.Task, 2000),
	}}
	dispatcher := &fakeDispatcher{}
	sched := New(config.StrategyWeightedRoundRobin, projects, queues, fakeLimiter{}, dispatcher, nil)

	for i := 0; i < 1000; i++ {
		sched.Tick(context.Background())
	}

	counts := sched.Counts()
	total := counts["a"] + counts["b"]
	require.InDelta(t, 0.75, float64(counts["b"])/float64(total), 0.1)
}

func TestTick_PriorityPicksHighestPriority(t *testing.T) {
	projects := &fakeProjects{views: []ProjectView{
		{ID: "low", Enabled: true, Priority: 10, Weight: 1, MaxConcurrent: 1},
		{ID: "high", Enabled: true, Priority: 90, Weight: 1, MaxConcurrent: 1},
	}}
	queues := &fakeQueues{tasks: map[string][]taskqueue.Task{
		"low":  {{TaskID: "t1", ProjectID: "low"}},
		"high": {{TaskID: "t2", ProjectID: "high"}},
	}}
	dispatcher := &fakeDispatcher{}
	sched := New(config.StrategyPriority, projects, queues, fakeLimiter{}, dispatcher, nil)

	require.True(t, sched.Tick(context.Background()))
	require.Equal(t, []string{"high"}, dispatcher.dispatched)
}

func TestTick_NoEligibleProjectsDoesNotDispatch(t *testing.T) {
	projects := &fakeProjects{}
	queues := &fakeQueues{tasks: map[string][]taskqueue.Task{}}
	dispatcher := &fakeDispatcher{}
	sched := New(config.StrategyRoundRobin, projects, queues, fakeLimiter{}, dispatcher, nil)

	require.False(t, sched.Tick(context.Background()))
}

func TestFairnessIndex_PerfectlyFairWhenEqualCounts(t *testing.T) {
	ledger := newFairnessLedger(100)
	for i := 0; i < 50; i++ {
		ledger.Record("a")
		ledger.Record("b")
	}
	require.InDelta(t, 1.0, ledger.Index(), 0.01)
}
