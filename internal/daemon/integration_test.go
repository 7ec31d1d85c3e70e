package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppod/internal/ipcclient"
	"github.com/poppobuilder/poppod/internal/taskqueue"
	"github.com/poppobuilder/poppod/internal/workerpool"
)

// blockingExecutor never returns until released, letting a test observe how
// many tasks are concurrently Running before completing them.
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Run(ctx context.Context, projectDir string, t taskqueue.Task) (workerpool.ExecResult, error) {
	<-b.release
	return workerpool.ExecResult{ExitCode: 0}, nil
}

func dialClient(t *testing.T, root string) *ipcclient.Client {
	t.Helper()
	sock := filepath.Join(root, "poppod.sock")
	var c *ipcclient.Client
	require.Eventually(t, func() bool {
		var err error
		c, err = ipcclient.Dial("unix", sock, time.Second)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "ipc server never accepted a connection")
	return c
}

// TestRegistrationAndDispatch exercises spec.md §8 scenario 1: a project with
// maxConcurrent=2 and three tasks of priority 10, 50, 30 never runs more than
// two at once, and all three tasks drain from the queue. The dispatch order
// itself is not asserted here.
func TestRegistrationAndDispatch(t *testing.T) {
	root := t.TempDir()
	release := make(chan struct{})
	d, err := New(Options{
		Root:        root,
		MetricsAddr: "127.0.0.1:0",
		Executor:    &blockingExecutor{release: release},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(context.Background(), true) }()

	client := dialClient(t, root)
	defer client.Close()

	projectDir := t.TempDir()
	var regResult struct {
		ID string `json:"id"`
	}
	require.NoError(t, client.Call("register-project", map[string]any{
		"path":          projectDir,
		"priority":      50,
		"weight":        1.0,
		"maxConcurrent": 2,
	}, &regResult))
	require.NotEmpty(t, regResult.ID)

	tasks := []struct {
		id       string
		priority int
	}{
		{"t1", 10},
		{"t2", 50},
		{"t3", 30},
	}
	for _, tk := range tasks {
		require.NoError(t, client.Call("queue-task", map[string]any{
			"taskId":      tk.id,
			"projectId":   regResult.ID,
			"type":        "analyze",
			"priority":    tk.priority,
			"maxAttempts": 3,
		}, nil))
	}

	// With maxConcurrent=2, at most two of the three tasks ever run concurrently.
	require.Eventually(t, func() bool {
		return d.pool.ActiveCount() >= 1
	}, 3*time.Second, 20*time.Millisecond, "no worker ever went active")

	require.Never(t, func() bool {
		running := 0
		for _, w := range d.pool.Snapshot() {
			if w.State == workerpool.StateBusy {
				running++
			}
		}
		return running > 2
	}, 300*time.Millisecond, 10*time.Millisecond, "more than maxConcurrent tasks ran at once")

	close(release)

	require.Eventually(t, func() bool {
		var status map[string]any
		if err := client.Call("get-queue-status", nil, &status); err != nil {
			return false
		}
		projects, _ := status["projects"].(map[string]any)
		remaining, ok := projects[regResult.ID]
		if !ok {
			return true
		}
		items, _ := remaining.([]any)
		return len(items) == 0
	}, 5*time.Second, 50*time.Millisecond, "tasks never drained")
}

// TestEmergencyStopBlocksDispatch exercises spec.md §8 scenario 2's core
// invariant: while emergencyStop is active, reserve rejects every request and
// no task transitions Queued→Running.
func TestEmergencyStopBlocksDispatch(t *testing.T) {
	root := t.TempDir()
	release := make(chan struct{})
	close(release) // tasks would finish instantly if ever dispatched
	d, err := New(Options{
		Root:        root,
		MetricsAddr: "127.0.0.1:0",
		Executor:    &blockingExecutor{release: release},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(context.Background(), true) }()

	client := dialClient(t, root)
	defer client.Close()

	projectDir := t.TempDir()
	var regResult struct {
		ID string `json:"id"`
	}
	require.NoError(t, client.Call("register-project", map[string]any{
		"path": projectDir,
	}, &regResult))

	unlockAt := time.Now().Add(200 * time.Millisecond).UTC()
	require.NoError(t, client.Call("emergency-stop", map[string]any{"unlockAt": unlockAt}, nil))

	require.NoError(t, client.Call("queue-task", map[string]any{
		"taskId":      "blocked-1",
		"projectId":   regResult.ID,
		"type":        "analyze",
		"priority":    10,
		"maxAttempts": 3,
	}, nil))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, d.pool.ActiveCount(), "no worker should run while emergency stop is active")

	require.Eventually(t, func() bool {
		return d.pool.ActiveCount() >= 1
	}, 6*time.Second, 20*time.Millisecond, "dispatch never resumed after unlockAt")
}
