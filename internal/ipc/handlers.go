package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
	"github.com/poppobuilder/poppod/internal/taskqueue"
	"github.com/poppobuilder/poppod/internal/workerpool"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// Deps bundles every component the command handlers call into. H itself has no
// business logic: it only validates input shape and forwards.
type Deps struct {
	Registry  *registry.Registry
	Queue     *taskqueue.Queue
	RateLimit *ratelimit.Coordinator
	Scheduler *scheduler.Scheduler
	Pool      *workerpool.Pool
	Reload    func() error
	Shutdown  func(graceful bool)
	StartedAt time.Time
}

type handlerFunc func(ctx context.Context, d *Deps, args json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"ping":                 handlePing,
	"status":               handleStatus,
	"reload":               handleReload,
	"shutdown":             handleShutdown,
	"register-project":     handleRegisterProject,
	"unregister-project":   handleUnregisterProject,
	"update-project":       handleUpdateProject,
	"enable-project":       handleEnableProject,
	"disable-project":      handleDisableProject,
	"get-project-info":     handleGetProjectInfo,
	"validate-project":     handleValidateProject,
	"check-health":         handleCheckHealth,
	"list-projects":        handleListProjects,
	"queue-task":           handleQueueTask,
	"cancel-task":          handleCancelTask,
	"get-queue-status":     handleGetQueueStatus,
	"complete-task":        handleCompleteTask,
	"pause-queue":          handlePauseQueue,
	"resume-queue":         handleResumeQueue,
	"clear-queue":          handleClearQueue,
	"set-throttle":         handleSetThrottle,
	"set-concurrency":      handleSetConcurrency,
	"scale-workers":        handleScaleWorkers,
	"rate-limit-status":    handleRateLimitStatus,
	"emergency-stop":       handleEmergencyStop,
	"clear-session-invalid": handleClearSessionInvalid,
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return ferrors.ValidationError("invalid command arguments").Build()
	}
	return nil
}

func handlePing(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	return map[string]string{"pong": "poppod"}, nil
}

func handleStatus(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	return map[string]any{
		"uptime":   time.Since(d.StartedAt).String(),
		"registry": d.Registry.Stats(),
		"fairness": d.Scheduler.Index(),
	}, nil
}

func handleReload(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	if d.Reload == nil {
		return nil, ferrors.DaemonError("reload not supported").Build()
	}
	return nil, d.Reload()
}

func handleShutdown(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		Graceful bool `json:"graceful"`
	}
	_ = decodeArgs(args, &req)
	if d.Shutdown != nil {
		go d.Shutdown(req.Graceful)
	}
	return nil, nil
}

func handleRegisterProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		Path          string   `json:"path"`
		Priority      *int     `json:"priority"`
		Weight        *float64 `json:"weight"`
		MaxConcurrent int      `json:"maxConcurrent"`
		Tags          []string `json:"tags"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	id, err := d.Registry.Register(ctx, req.Path, registry.Config{
		Priority: req.Priority, Weight: req.Weight, MaxConcurrent: req.MaxConcurrent, Tags: req.Tags,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func handleUnregisterProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, d.Registry.Unregister(ctx, req.ID)
}

func handleUpdateProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID       string          `json:"id"`
		Priority *int            `json:"priority"`
		Weight   *float64        `json:"weight"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	p, err := d.Registry.Update(ctx, req.ID, registry.Patch{Priority: req.Priority, Weight: req.Weight})
	return p, err
}

func handleEnableProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, d.Registry.SetEnabled(ctx, req.ID, true)
}

func handleDisableProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, d.Registry.SetEnabled(ctx, req.ID, false)
}

func handleGetProjectInfo(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	p, ok := d.Registry.Get(req.ID)
	if !ok {
		return nil, ferrors.NotFoundError("project not found").WithContext("projectId", req.ID).Build()
	}
	return p, nil
}

func handleValidateProject(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return d.Registry.Validate(req.ID)
}

func handleCheckHealth(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return d.Registry.CheckHealth(req.ID)
}

func handleListProjects(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		EnabledOnly  bool   `json:"enabledOnly"`
		DisabledOnly bool   `json:"disabledOnly"`
		Tag          string `json:"tag"`
	}
	_ = decodeArgs(args, &req)
	return d.Registry.List(registry.Filter{EnabledOnly: req.EnabledOnly, DisabledOnly: req.DisabledOnly, Tag: req.Tag}), nil
}

func handleQueueTask(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var task taskqueue.Task
	if err := decodeArgs(args, &task); err != nil {
		return nil, err
	}
	if err := d.Queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return map[string]string{"taskId": task.TaskID}, nil
}

func handleCancelTask(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, d.Queue.Cancel(req.TaskID)
}

func handleGetQueueStatus(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	return d.Queue.Snapshot(), nil
}

func handleCompleteTask(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		TaskID  string `json:"taskId"`
		Outcome string `json:"outcome"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return nil, d.Queue.Complete(ctx, req.TaskID, taskqueue.Outcome(req.Outcome))
}

func handlePauseQueue(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeArgs(args, &req)
	d.Queue.Pause(req.Reason)
	return nil, nil
}

func handleResumeQueue(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	d.Queue.Resume()
	return nil, nil
}

func handleClearQueue(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ProjectID string `json:"projectId"`
		Priority  *int   `json:"priority"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return map[string]int{"cleared": d.Queue.ClearProject(req.ProjectID, req.Priority)}, nil
}

func handleSetThrottle(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	// Throttling is expressed through the rate-limit coordinator's own quota
	// accounting; an explicit delay knob has no dedicated component yet.
	return nil, nil
}

func handleSetConcurrency(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	p, ok := d.Registry.Get(req.ID)
	if !ok {
		return nil, ferrors.NotFoundError("project not found").WithContext("projectId", req.ID).Build()
	}
	resources := p.Resources
	resources.MaxConcurrent = req.Count
	_, err := d.Registry.Update(ctx, req.ID, registry.Patch{Resources: &resources})
	return nil, err
}

func handleScaleWorkers(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	return map[string]int{"active": d.Pool.ActiveCount()}, nil
}

func handleRateLimitStatus(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	return d.RateLimit.Utilization(), nil
}

func handleEmergencyStop(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	var req struct {
		UnlockAt time.Time `json:"unlockAt"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	d.RateLimit.NotifyRateLimit(ctx, req.UnlockAt)
	return nil, nil
}

func handleClearSessionInvalid(ctx context.Context, d *Deps, args json.RawMessage) (any, error) {
	d.RateLimit.ClearSessionInvalid()
	return nil, nil
}
