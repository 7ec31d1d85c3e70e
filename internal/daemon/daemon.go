// Package daemon wires every component — registry, queue, rate limiter,
// scheduler, worker pool, health tracker, state store, and IPC server — into
// a single supervised process.
package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/health"
	"github.com/poppobuilder/poppod/internal/ipc"
	"github.com/poppobuilder/poppod/internal/logfields"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/ratelimit"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
	"github.com/poppobuilder/poppod/internal/services"
	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/poppobuilder/poppod/internal/taskqueue"
	"github.com/poppobuilder/poppod/internal/workerpool"
)

// Options configures how a Daemon is constructed. Everything other than Root
// has a sensible default.
type Options struct {
	Root          string
	Log           *slog.Logger
	MetricsAddr   string // loopback address the Prometheus endpoint listens on
	ExecutorCmd   string // command the worker pool shells out to for each task
	NATSURL       string // optional; relay disabled when empty
	NATSSubject   string

	// Executor overrides the worker pool's executor; tests inject a fake here
	// instead of shelling out to a real executor binary. Production callers
	// leave this nil and ExecutorCmd governs.
	Executor workerpool.Executor
}

// Daemon is the supervisor process: it owns construction of every component,
// registers the ones with a lifecycle on a services.ServiceOrchestrator, and
// exposes Start/Stop/Reload to the CLI entrypoint.
type Daemon struct {
	opts Options
	log  *slog.Logger

	cfg   *config.Config
	store *statestore.Store
	bus   *eventbus.Bus

	registry  *registry.Registry
	queue     *taskqueue.Queue
	limiter   *ratelimit.Coordinator
	pool      *workerpool.Pool
	scheduler *scheduler.Scheduler
	tracker   *health.Tracker
	relay     *ipc.NATSRelay
	recorder  *metrics.PrometheusRecorder
	promReg   *prom.Registry

	server  *ipc.Server
	watcher *ConfigWatcher
	lock    *pidLock

	orchestrator *services.ServiceOrchestrator
	workerSvc    *workerPoolService

	mu        sync.Mutex
	startedAt time.Time
}

// New constructs every component and wires them together. It does not start
// anything — call Start for that.
func New(opts Options) (*Daemon, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MetricsAddr == "" {
		opts.MetricsAddr = "127.0.0.1:9090"
	}
	if opts.ExecutorCmd == "" {
		opts.ExecutorCmd = "poppobuilder-process"
	}

	cfg, err := config.Load(opts.Root)
	if err != nil {
		return nil, err
	}

	store, err := statestore.New(opts.Root)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "open state store").Build()
	}

	lock, err := acquirePIDLock(opts.Root)
	if err != nil {
		return nil, err
	}

	bus := eventbus.NewBus()

	historyStore, err := health.NewHistoryStore(filepath.Join(opts.Root, "health-history.db"), 100)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "open health history store").Build()
	}

	reg, err := registry.New(opts.Root, store, bus, cfg.Registry.MaxProjects, registry.WithHistoryStore(historyStore))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "construct project registry").Build()
	}

	queue, err := taskqueue.New(store, bus)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "construct task queue").Build()
	}

	limiter, err := ratelimit.New(store, bus)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "construct rate-limit coordinator").Build()
	}

	promReg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(promReg)

	executor := opts.Executor
	if executor == nil {
		executor = workerpool.NewCommandExecutor(opts.ExecutorCmd)
	}
	pool := workerpool.New(workerpool.DefaultConfig(), executor, reg, queue, reg, limiter, bus, store, func() int {
		total := 0
		for _, id := range reg.EnabledProjectIDs() {
			total += queue.Len(id)
		}
		return total
	}).WithMetrics(recorder)

	sched := scheduler.New(cfg.Daemon.SchedulingStrategy, projectSource{reg: reg}, queue, limiter, pool, bus).WithMetrics(recorder)
	sched.SetMaxProcesses(cfg.Daemon.MaxProcesses)

	tracker, err := health.New(reg, healthChecker{reg: reg}, bus, 5*time.Minute)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "construct health tracker").Build()
	}
	tracker = tracker.WithMetrics(recorder)

	limiter = limiter.WithMetrics(recorder)
	queue = queue.WithMetrics(recorder)

	d := &Daemon{
		opts:      opts,
		log:       opts.Log,
		cfg:       cfg,
		store:     store,
		bus:       bus,
		registry:  reg,
		queue:     queue,
		limiter:   limiter,
		pool:      pool,
		scheduler: sched,
		tracker:   tracker,
		recorder:  recorder,
		promReg:   promReg,
		lock:      lock,
	}

	network, address := "unix", config.SocketPath(opts.Root, cfg)
	deps := &ipc.Deps{
		Registry:  reg,
		Queue:     queue,
		RateLimit: limiter,
		Scheduler: sched,
		Pool:      pool,
		Reload:    d.Reload,
		Shutdown:  d.requestShutdown,
	}
	d.server = ipc.New(opts.Log, deps, bus, network, address)

	watcher, err := NewConfigWatcher(opts.Root, d.applyConfig)
	if err != nil {
		return nil, err
	}
	d.watcher = watcher

	if opts.NATSURL != "" {
		d.relay = ipc.NewNATSRelay(opts.NATSURL, opts.NATSSubject, bus)
	}

	d.orchestrator = d.buildOrchestrator()
	return d, nil
}

// buildOrchestrator registers every component with a runtime lifecycle.
// internal/statestore itself is deliberately not registered here: registry,
// taskqueue, and ratelimit each restore their own persisted document
// synchronously inside their own constructors, so there is no separate
// "load state" step left to sequence.
func (d *Daemon) buildOrchestrator() *services.ServiceOrchestrator {
	o := services.NewServiceOrchestrator()
	d.workerSvc = newWorkerPoolService(d.pool)
	for _, svc := range []services.ManagedService{
		rateLimitService{},
		services.NewTaskQueueService("task-queue", d.queue),
		d.workerSvc,
		services.NewSchedulerService("scheduler", d.scheduler),
		services.NewHTTPServerService("health-tracker", d.tracker),
		&ipcServerService{server: d.server},
		services.NewConfigWatcherService("config-watcher", d.watcher),
		services.NewHTTPServerService("metrics-server", newMetricsServer(d.opts.MetricsAddr, metrics.HTTPHandler(d.promReg))),
	} {
		if res := o.RegisterService(svc); res.IsErr() {
			d.log.Error("failed to register managed service", "service", svc.Name(), logfields.Error(res.UnwrapErr()))
		}
	}
	return o
}

// Start brings every managed service up in dependency order and, if
// configured, connects the NATS event relay.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	if err := d.orchestrator.StartAll(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "start managed services").Build()
	}
	if d.relay != nil {
		d.relay.Start(ctx)
	}
	d.log.Info("daemon started", "root", d.opts.Root)
	return nil
}

// Stop drains every managed service in reverse dependency order. graceful
// selects the worker pool's shutdown mode: true waits out in-flight tasks up
// to their deadline, false cancels them immediately and requeues them.
func (d *Daemon) Stop(ctx context.Context, graceful bool) error {
	if d.relay != nil {
		d.relay.Stop()
	}
	d.pool.PersistSnapshot()
	if d.workerSvc != nil {
		d.workerSvc.SetGraceful(graceful)
	}
	if err := d.orchestrator.StopAll(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "stop managed services").Build()
	}
	if d.lock != nil {
		d.lock.release()
	}
	d.log.Info("daemon stopped")
	return nil
}

// Reload re-reads config.json and applies anything that can change at
// runtime without a restart (scheduling strategy, maxProcesses cap). Exposed
// to the IPC "reload" command and to SIGHUP.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.opts.Root)
	if err != nil {
		return err
	}
	return d.applyConfig(context.Background(), cfg)
}

func (d *Daemon) applyConfig(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.scheduler.SetPolicy(cfg.Daemon.SchedulingStrategy)
	d.scheduler.SetMaxProcesses(cfg.Daemon.MaxProcesses)
	d.log.Info("configuration reloaded", logfields.Policy(string(cfg.Daemon.SchedulingStrategy)))
	return nil
}

func (d *Daemon) requestShutdown(graceful bool) {
	go func() {
		ctx := context.Background()
		if !graceful {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
		}
		_ = d.Stop(ctx, graceful)
	}()
}
