package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	q, err := New(store, nil)
	require.NoError(t, err)
	return q
}

func TestEnqueueDequeue_OrdersByPriorityDescending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t1", ProjectID: "p", Priority: 10}))
	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t2", ProjectID: "p", Priority: 50}))
	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t3", ProjectID: "p", Priority: 30}))

	first, ok := q.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, "t2", first.TaskID)

	second, ok := q.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, "t3", second.TaskID)

	third, ok := q.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, "t1", third.TaskID)
}

func TestDequeue_EmptyReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	_, ok := q.Dequeue("nope")
	require.False(t, ok)
}

func TestEnqueue_RejectsOverGlobalCap(t *testing.T) {
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	q, err := New(store, nil, WithCaps(10, 1))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), Task{TaskID: "a", ProjectID: "p"}))
	err = q.Enqueue(context.Background(), Task{TaskID: "b", ProjectID: "p"})
	require.Error(t, err)
}

func TestComplete_RequeueRespectsMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t1", ProjectID: "p", MaxAttempts: 1}))
	task, ok := q.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, 1, task.Attempts)

	require.NoError(t, q.Complete(ctx, task.TaskID, OutcomeRequeue))

	// MaxAttempts already reached, so it should not be queued again.
	_, ok = q.Dequeue("p")
	require.False(t, ok)
}

func TestCancel_RemovesQueuedTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t1", ProjectID: "p"}))
	require.NoError(t, q.Cancel("t1"))

	_, ok := q.Dequeue("p")
	require.False(t, ok)
}

func TestSnapshotRestore_RoundTrips(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t1", ProjectID: "p", Priority: 10}))
	require.NoError(t, q.Enqueue(ctx, Task{TaskID: "t2", ProjectID: "p", Priority: 90}))

	snap := q.Snapshot()

	q2 := newTestQueue(t)
	q2.Restore(snap)

	first, ok := q2.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, "t2", first.TaskID)
}

func TestRestoreFromStore_ReenqueuesRunningTasks(t *testing.T) {
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveFrom(statestore.KindQueueSnapshot, Snapshot{
		Projects: map[string][]Task{
			"p": {{TaskID: "t1", ProjectID: "p", Status: StatusRunning, Attempts: 2, EnqueuedAt: time.Now()}},
		},
	}))

	q, err := New(store, nil)
	require.NoError(t, err)

	task, ok := q.Dequeue("p")
	require.True(t, ok)
	require.Equal(t, "t1", task.TaskID)
	require.Equal(t, 3, task.Attempts) // preserved attempts, incremented on dequeue
}

func TestEffectivePriority_AgeBoostSaturates(t *testing.T) {
	cfg := defaultAgingConfig()
	now := time.Now()
	stale := Task{Priority: 10, EnqueuedAt: now.Add(-1 * time.Hour)}
	fresh := Task{Priority: 10, EnqueuedAt: now}

	require.Greater(t, effectivePriority(stale, now, cfg, 0), effectivePriority(fresh, now, cfg, 0))
	require.LessOrEqual(t, effectivePriority(stale, now, cfg, 0), 10+cfg.maxAgeBoost)
}
