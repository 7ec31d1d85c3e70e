package daemon

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/poppobuilder/poppod/internal/health"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
	"github.com/poppobuilder/poppod/internal/services"
	"github.com/poppobuilder/poppod/internal/workerpool"
)

// projectSource adapts *registry.Registry to scheduler.ProjectSource. The two
// packages deliberately don't import each other, so the conversion lives here,
// in the one package allowed to know about both.
type projectSource struct {
	reg *registry.Registry
}

func (p projectSource) EligibleProjects() []scheduler.ProjectView {
	projects := p.reg.List(registry.Filter{EnabledOnly: true})
	out := make([]scheduler.ProjectView, 0, len(projects))
	for _, pr := range projects {
		view := scheduler.ProjectView{
			ID:            pr.ID,
			Enabled:       pr.Enabled,
			Priority:      pr.Priority,
			Weight:        pr.Weight,
			MaxConcurrent: pr.Resources.MaxConcurrent,
			RunningCount:  p.reg.RunningCount(pr.ID),
		}
		if ah := pr.Schedule.ActiveHours; ah != nil {
			view.ActiveHours = &scheduler.ActiveHoursView{Start: ah.Start, End: ah.End, Timezone: ah.Timezone}
		}
		out = append(out, view)
	}
	return out
}

// healthChecker adapts *registry.Registry to health.HealthChecker.
type healthChecker struct {
	reg *registry.Registry
}

func (h healthChecker) CheckHealth(id string) (health.Status, error) {
	status, err := h.reg.CheckHealth(id)
	if err != nil {
		return health.Status{}, err
	}
	return health.Status{
		Status:      status.Status,
		Score:       status.Score,
		Grade:       string(status.Grade),
		LastChecked: status.LastChecked,
		Trend:       status.Trend,
	}, nil
}

// workerPoolService adapts *workerpool.Pool to services.ManagedService: the
// pool's Stop takes a grace window and a graceful/immediate mode the generic
// adapters don't model. SetGraceful lets Daemon.Stop pick the mode per call
// (a second SIGTERM or an IPC shutdown{graceful:false} requests immediate)
// since services.ManagedService.Stop itself carries no such argument.
type workerPoolService struct {
	pool         *workerpool.Pool
	stopDeadline time.Duration
	graceful     atomic.Bool
}

func newWorkerPoolService(pool *workerpool.Pool) *workerPoolService {
	s := &workerPoolService{pool: pool, stopDeadline: 30 * time.Second}
	s.graceful.Store(true)
	return s
}

func (w *workerPoolService) Name() string { return "worker-pool" }

func (w *workerPoolService) Start(ctx context.Context) error {
	w.pool.Start(ctx)
	return nil
}

// SetGraceful selects the shutdown mode applied by the next Stop call.
func (w *workerPoolService) SetGraceful(graceful bool) {
	w.graceful.Store(graceful)
}

func (w *workerPoolService) Stop(ctx context.Context) error {
	return w.pool.Stop(ctx, w.graceful.Load(), w.stopDeadline)
}

func (w *workerPoolService) Health() services.HealthStatus {
	if w.pool.IsRunning() {
		return services.HealthStatusHealthy
	}
	return services.HealthStatusUnhealthy("worker pool has no active workers")
}

func (w *workerPoolService) Dependencies() []string { return []string{} }

// rateLimitService is a no-op ManagedService: the coordinator has no background
// loop of its own (every call is synchronous, and its ledger restores in New),
// but the scheduler's dependency list names "rate-limit", so it needs a seat at
// the orchestrator's table to satisfy start ordering.
type rateLimitService struct{}

func (rateLimitService) Name() string                  { return "rate-limit" }
func (rateLimitService) Start(ctx context.Context) error { return nil }
func (rateLimitService) Stop(ctx context.Context) error  { return nil }
func (rateLimitService) Health() services.HealthStatus  { return services.HealthStatusHealthy }
func (rateLimitService) Dependencies() []string         { return []string{} }

// ipcServerService adapts *ipc.Server to services.ManagedService. Kept generic
// over an interface (rather than importing internal/ipc directly) so this file
// reads the same way the other adapters do; daemon.go supplies the concrete type.
type ipcServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

type ipcServerService struct {
	server ipcServer
}

func (s *ipcServerService) Name() string { return "ipc-server" }

func (s *ipcServerService) Start(ctx context.Context) error { return s.server.Start(ctx) }

func (s *ipcServerService) Stop(ctx context.Context) error { return s.server.Stop(ctx) }

func (s *ipcServerService) Health() services.HealthStatus {
	if s.server.IsRunning() {
		return services.HealthStatusHealthy
	}
	return services.HealthStatusUnhealthy("ipc server not accepting connections")
}

func (s *ipcServerService) Dependencies() []string {
	return []string{"task-queue", "rate-limit", "worker-pool", "scheduler", "health-tracker"}
}

// metricsServer is a loopback-only net/http server exposing the Prometheus
// metrics endpoint, wrapped as a services.ManagedService via
// services.NewHTTPServerService.
type metricsServer struct {
	addr    string
	handler http.Handler

	srv     *http.Server
	running atomic.Bool
}

func newMetricsServer(addr string, handler http.Handler) *metricsServer {
	return &metricsServer{addr: addr, handler: handler}
}

func (m *metricsServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.handler)
	m.srv = &http.Server{Addr: m.addr, Handler: mux}

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.running.Store(true)
	go func() {
		defer m.running.Store(false)
		_ = m.srv.Serve(ln)
	}()
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

func (m *metricsServer) IsRunning() bool { return m.running.Load() }
