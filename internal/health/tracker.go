// Package health implements the Health Tracker: a recurring, off-hot-path probe
// of every enabled project that pushes results into the Project Registry and
// raises alerts when thresholds cross.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/metrics"
)

// ProjectLister supplies the set of enabled projects to probe; implemented by
// internal/registry.Registry.
type ProjectLister interface {
	EnabledProjectIDs() []string
}

// HealthChecker runs the actual probe and caches its result; implemented by
// internal/registry.Registry.
type HealthChecker interface {
	CheckHealth(id string) (Status, error)
}

// Status mirrors registry.HealthStatus to avoid a dependency cycle.
type Status struct {
	Status      string
	Score       float64
	Grade       string
	LastChecked time.Time
	Trend       string
}

// Alert thresholds (§4.6). runOnce publishes ProjectHealthChanged on a
// project's first probe and whenever its overall health score crosses
// securityAlertScore, and
// evaluateAlerts publishes it for every "unhealthy" probe. stalenessAlertDays
// is not consulted: no separate staleness or security-score alert is raised.
const (
	stalenessAlertDays  = 30
	securityAlertScore  = 50
)

// Tracker runs health probes on a fixed interval.
type Tracker struct {
	lister  ProjectLister
	checker HealthChecker
	bus     *eventbus.Bus

	interval time.Duration

	mu        sync.Mutex
	scheduler gocron.Scheduler
	lastScore map[string]float64

	metrics metrics.Recorder
}

// New constructs a Tracker with the spec's default 5-minute check interval.
func New(lister ProjectLister, checker HealthChecker, bus *eventbus.Bus, interval time.Duration) (*Tracker, error) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryHealth, "create health check scheduler").Build()
	}
	return &Tracker{
		lister:    lister,
		checker:   checker,
		bus:       bus,
		interval:  interval,
		scheduler: s,
		lastScore: make(map[string]float64),
		metrics:   metrics.NoopRecorder{},
	}, nil
}

// WithMetrics attaches a metrics recorder; every probe outcome is reported to
// it.
func (t *Tracker) WithMetrics(rec metrics.Recorder) *Tracker {
	if rec != nil {
		t.metrics = rec
	}
	return t
}

// Start registers the recurring job and begins the gocron scheduler.
func (t *Tracker) Start(ctx context.Context) error {
	_, err := t.scheduler.NewJob(
		gocron.DurationJob(t.interval),
		gocron.NewTask(func() { t.runOnce(ctx) }),
	)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryHealth, "schedule health check job").Build()
	}
	t.scheduler.Start()
	return nil
}

// Stop halts the scheduler.
func (t *Tracker) Stop(ctx context.Context) error {
	return t.scheduler.Shutdown()
}

// IsRunning reports whether the underlying gocron scheduler has jobs scheduled.
func (t *Tracker) IsRunning() bool {
	return len(t.scheduler.Jobs()) > 0
}

// runOnce probes every enabled project and raises alerts on threshold crossings.
func (t *Tracker) runOnce(ctx context.Context) {
	for _, id := range t.lister.EnabledProjectIDs() {
		status, err := t.checker.CheckHealth(id)
		if err != nil {
			t.metrics.IncHealthCheck(id, false)
			continue
		}
		t.evaluateAlerts(ctx, id, status)

		t.mu.Lock()
		prev, had := t.lastScore[id]
		t.lastScore[id] = status.Score
		t.mu.Unlock()

		healthy := status.Status == "healthy"
		t.metrics.IncHealthCheck(id, healthy)
		if !had || (prev >= securityAlertScore) != (status.Score >= securityAlertScore) {
			if t.bus != nil {
				_ = t.bus.Publish(ctx, eventbus.ProjectHealthChanged{
					ProjectID: id, Score: status.Score, Healthy: healthy, ChangedAt: time.Now().UTC(),
				})
			}
		}
	}
}

func (t *Tracker) evaluateAlerts(ctx context.Context, id string, status Status) {
	if t.bus == nil {
		return
	}
	if status.Status == "unhealthy" {
		_ = t.bus.Publish(ctx, eventbus.ProjectHealthChanged{
			ProjectID: id, Score: status.Score, Healthy: false, ChangedAt: time.Now().UTC(),
		})
	}
}

// RunNow triggers an immediate out-of-band probe of all enabled projects (used
// by the IPC check-health command and by tests).
func (t *Tracker) RunNow(ctx context.Context) {
	t.runOnce(ctx)
}
