package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/poppobuilder/poppod/internal/taskqueue"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	result ExecResult
}

func (f *fakeExecutor) Run(ctx context.Context, projectDir string, t taskqueue.Task) (ExecResult, error) {
	return f.result, nil
}

// blockingExecutor runs until its context is canceled, mimicking how
// exec.CommandContext kills the child process and returns when its ctx ends.
type blockingExecutor struct{}

func (blockingExecutor) Run(ctx context.Context, projectDir string, t taskqueue.Task) (ExecResult, error) {
	<-ctx.Done()
	return ExecResult{ExitCode: -1, Stderr: "signal: killed"}, nil
}

type fakeResolver struct{}

func (fakeResolver) ProjectDir(projectID string) (string, bool) { return "/tmp", true }

type fakeQueueCompleter struct {
	completed chan taskqueue.Outcome
}

func (f *fakeQueueCompleter) Complete(ctx context.Context, taskID string, outcome taskqueue.Outcome) error {
	f.completed <- outcome
	return nil
}

type fakeStats struct{}

func (fakeStats) RecordOutcome(projectID string, durationMS float64, failed bool) {}

type fakeRateLimitReporter struct{}

func (fakeRateLimitReporter) ReportOutcome(ctx context.Context, projectID string, out ratelimit.Outcome) error {
	return nil
}

func (fakeRateLimitReporter) NotifySessionInvalid(ctx context.Context, reason string) {}

func newTestPool(t *testing.T, result ExecResult) (*Pool, *fakeQueueCompleter) {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	completer := &fakeQueueCompleter{completed: make(chan taskqueue.Outcome, 1)}
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	p := New(cfg, &fakeExecutor{result: result}, fakeResolver{}, completer, fakeStats{}, fakeRateLimitReporter{}, nil, store, func() int { return 0 })
	p.Start(context.Background())
	return p, completer
}

func TestSubmit_SuccessfulRunCompletesTask(t *testing.T) {
	p, completer := newTestPool(t, ExecResult{ExitCode: 0})
	ok := p.Submit(context.Background(), "proj", taskqueue.Task{TaskID: "t1", ProjectID: "proj"})
	require.True(t, ok)

	select {
	case outcome := <-completer.completed:
		require.Equal(t, taskqueue.OutcomeSuccess, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubmit_PermanentFailureCompletesAsFailed(t *testing.T) {
	p, completer := newTestPool(t, ExecResult{ExitCode: 1, Stderr: "boom"})
	p.Submit(context.Background(), "proj", taskqueue.Task{TaskID: "t1", ProjectID: "proj"})

	select {
	case outcome := <-completer.completed:
		require.Equal(t, taskqueue.OutcomeFailure, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubmit_RateLimitSignalRequeues(t *testing.T) {
	p, completer := newTestPool(t, ExecResult{ExitCode: 1, Stdout: "usage limit reached|9999999999"})
	p.Submit(context.Background(), "proj", taskqueue.Task{TaskID: "t1", ProjectID: "proj"})

	select {
	case outcome := <-completer.completed:
		require.Equal(t, taskqueue.OutcomeRequeue, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubmit_NoIdleWorkerReturnsFalse(t *testing.T) {
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MinWorkers = 0
	cfg.MaxWorkers = 0
	p := New(cfg, &fakeExecutor{}, fakeResolver{}, &fakeQueueCompleter{completed: make(chan taskqueue.Outcome, 1)}, fakeStats{}, fakeRateLimitReporter{}, nil, store, func() int { return 0 })
	p.Start(context.Background())

	ok := p.Submit(context.Background(), "proj", taskqueue.Task{TaskID: "t1"})
	require.False(t, ok)
}

func TestStop_ImmediateCancelsRunningAndRequeues(t *testing.T) {
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	completer := &fakeQueueCompleter{completed: make(chan taskqueue.Outcome, 1)}
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	p := New(cfg, blockingExecutor{}, fakeResolver{}, completer, fakeStats{}, fakeRateLimitReporter{}, nil, store, func() int { return 0 })
	p.Start(context.Background())

	ok := p.Submit(context.Background(), "proj", taskqueue.Task{TaskID: "t1", ProjectID: "proj"})
	require.True(t, ok)

	require.Eventually(t, func() bool { return p.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(context.Background(), false, 5*time.Second))

	select {
	case outcome := <-completer.completed:
		require.Equal(t, taskqueue.OutcomeRequeue, outcome, "an immediate stop must requeue the canceled task, not fail it")
	case <-time.After(2 * time.Second):
		t.Fatal("canceled task never completed")
	}
}

func TestClassify_RecognizesInvalidAPIKey(t *testing.T) {
	class := classify(ExecResult{ExitCode: 1, Stderr: "Invalid API key"}, false)
	require.Equal(t, ClassSessionInv, class)
}

func TestClassify_TimeoutTakesPrecedence(t *testing.T) {
	class := classify(ExecResult{ExitCode: 0}, true)
	require.Equal(t, ClassTimeout, class)
}
