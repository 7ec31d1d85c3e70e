// Command poppod is the PoppoBuilder daemon's own entrypoint: it boots the
// orchestration engine described in the specification (registry, queue,
// rate-limit coordinator, scheduler, worker pool, health tracker, IPC
// server) and supervises its lifecycle. It is deliberately not the full
// administrative CLI — that front-end is an external collaborator; this
// binary only knows how to initialize a config root and run the daemon in
// the foreground.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/daemon"
	"github.com/poppobuilder/poppod/internal/foundation/errors"
)

// Set at build time with: -ldflags "-X main.version=1.0.0"
var version = "dev"

// CLI is the root command set. It is intentionally small: poppod boots one
// daemon process per config root, it does not manage projects directly.
type CLI struct {
	Root    string           `short:"r" help:"Configuration root directory (overrides POPPO_CONFIG_DIR)."`
	Verbose bool             `short:"v" help:"Enable debug logging."`
	Version kong.VersionFlag `name:"version" help:"Show version and exit."`

	Init  InitCmd  `cmd:"" help:"Create the configuration root and a default config.json."`
	Start StartCmd `cmd:"" help:"Start the daemon in the foreground."`
}

// InitCmd creates <root>/config.json with defaults if it doesn't already exist.
type InitCmd struct {
	Force bool `help:"Overwrite an existing config.json."`
}

// StartCmd runs the daemon until a termination signal or fatal error.
type StartCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Loopback address for the Prometheus /metrics endpoint." default:"127.0.0.1:9090"`
	ExecutorCmd string `name:"executor" help:"Executable the worker pool invokes once per task." default:"poppobuilder-process"`
	NATSURL     string `name:"nats-url" help:"Optional NATS URL to mirror daemon events onto."`
	NATSSubject string `name:"nats-subject" help:"NATS subject for the event relay." default:"poppobuilder.events"`
}

func (c *CLI) resolveRoot() (string, error) {
	if c.Root != "" {
		return c.Root, nil
	}
	return config.Root()
}

func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func (i *InitCmd) Run(root *CLI) error {
	dir, err := root.resolveRoot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config root: %w", err)
	}
	path := config.Path(dir)
	if !i.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := config.Save(dir, config.Default()); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	for _, sub := range []string{"projects", "logs"} {
		if err := os.MkdirAll(dir+string(os.PathSeparator)+sub, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	fmt.Printf("Initialized PoppoBuilder config root at %s\n", dir)
	return nil
}

func (s *StartCmd) Run(root *CLI) error {
	dir, err := root.resolveRoot()
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		Root:        dir,
		Log:         slog.Default(),
		MetricsAddr: s.MetricsAddr,
		ExecutorCmd: s.ExecutorCmd,
		NATSURL:     s.NATSURL,
		NATSSubject: s.NATSSubject,
	})
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	return runSupervised(d)
}

// runSupervised owns the signal escalation the specification calls for: a
// first SIGTERM/SIGINT begins a graceful shutdown bounded by a 30s deadline;
// an identical second signal received within that window escalates to an
// immediate shutdown. SIGHUP reloads configuration without interrupting
// running tasks.
func runSupervised(d *daemon.Daemon) error {
	ctx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	slog.Info("poppod started, waiting for signals", "version", version)

	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigc)

	var shuttingDown bool
	var graceTimer *time.Timer

	for {
		sig := <-sigc
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading configuration")
			if err := d.Reload(); err != nil {
				slog.Error("reload failed", "error", err)
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if !shuttingDown {
				shuttingDown = true
				slog.Info("received shutdown signal, stopping gracefully", "signal", sig.String())
				graceTimer = time.AfterFunc(30*time.Second, func() {
					slog.Warn("graceful shutdown deadline exceeded, escalating to immediate stop")
					stopImmediate(d)
					os.Exit(1)
				})
				go func() {
					stopGraceful(d)
					if graceTimer != nil {
						graceTimer.Stop()
					}
					os.Exit(0)
				}()
				continue
			}
			slog.Warn("second shutdown signal received, escalating to immediate stop", "signal", sig.String())
			if graceTimer != nil {
				graceTimer.Stop()
			}
			stopImmediate(d)
			os.Exit(1)
		}
	}
}

func stopGraceful(d *daemon.Daemon) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Stop(ctx, true); err != nil {
		slog.Error("graceful stop failed", "error", err)
	}
}

func stopImmediate(d *daemon.Daemon) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx, false); err != nil {
		slog.Error("immediate stop failed", "error", err)
	}
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("poppod: the PoppoBuilder daemon."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	adapter := errors.NewCLIErrorAdapter(cli.Verbose, logger)

	if err := parser.Run(cli); err != nil {
		adapter.HandleError(err)
	}
}
