package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poppobuilder/poppod/internal/config"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/logfields"
)

// ConfigWatcher monitors config.json for changes and, after a debounce window,
// reloads and validates it before handing it to onReload.
type ConfigWatcher struct {
	root         string
	onReload     func(ctx context.Context, cfg *config.Config) error
	debounceTime time.Duration

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	stopChan chan struct{}

	watching atomic.Bool
}

// NewConfigWatcher constructs a watcher over <root>/config.json.
func NewConfigWatcher(root string, onReload func(ctx context.Context, cfg *config.Config) error) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create config file watcher").Build()
	}
	return &ConfigWatcher{
		root:         root,
		onReload:     onReload,
		debounceTime: 2 * time.Second,
		watcher:      watcher,
	}, nil
}

// Start begins monitoring the configuration directory.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	cw.stopChan = make(chan struct{})
	stopChan := cw.stopChan
	cw.mu.Unlock()

	if err := cw.watcher.Add(cw.root); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "watch config directory").
			WithContext("path", cw.root).Build()
	}
	cw.watching.Store(true)

	reloadCh := make(chan struct{}, 1)
	go cw.watchLoop(stopChan, reloadCh)
	go cw.reloadLoop(ctx, stopChan, reloadCh)
	return nil
}

// Stop halts the watcher.
func (cw *ConfigWatcher) Stop(ctx context.Context) error {
	cw.mu.Lock()
	stopChan := cw.stopChan
	cw.mu.Unlock()

	cw.watching.Store(false)
	if stopChan != nil {
		select {
		case <-stopChan:
		default:
			close(stopChan)
		}
	}
	return cw.watcher.Close()
}

// IsWatching reports whether the watcher is currently active (ManagedService adapter).
func (cw *ConfigWatcher) IsWatching() bool {
	return cw.watching.Load()
}

func (cw *ConfigWatcher) watchLoop(stopChan chan struct{}, reloadCh chan<- struct{}) {
	configFile := filepath.Base(config.Path(cw.root))
	for {
		select {
		case <-stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (cw *ConfigWatcher) reloadLoop(ctx context.Context, stopChan chan struct{}, reloadCh <-chan struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-reloadCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounceTime, func() {
				if err := cw.performReload(ctx); err != nil {
					slog.Error("failed to reload configuration", logfields.Error(err))
				}
			})
		}
	}
}

func (cw *ConfigWatcher) performReload(ctx context.Context) error {
	cfg, err := config.Load(cw.root)
	if err != nil {
		return err
	}
	slog.Info("configuration file changed, reloading", "root", cw.root)
	return cw.onReload(ctx, cfg)
}
