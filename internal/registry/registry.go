package registry

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/health"
	"github.com/poppobuilder/poppod/internal/statestore"
)

// Registry is the persistent set of project records. All mutations are
// linearized behind a single mutex; readers see a consistent snapshot.
type Registry struct {
	mu       sync.RWMutex
	root     string
	store    *statestore.Store
	bus      *eventbus.Bus
	maxProjects int

	doc        Document
	byPath     map[string]string // path -> id
	runningSet map[string]int    // projectID -> running task count, maintained by the worker pool via SetRunningCount

	// history is a durable per-project ring buffer of health scores. When no
	// HistoryStore is configured (e.g. in unit tests) it falls back to an
	// in-memory map capped at maxHealthHistory.
	historyStore *health.HistoryStore
	history      map[string][]healthSample
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithHistoryStore persists health-score history to a durable store instead of
// keeping it only in memory.
func WithHistoryStore(hs *health.HistoryStore) Option {
	return func(r *Registry) { r.historyStore = hs }
}

// New constructs a Registry rooted at root, restoring any persisted document
// from store.
func New(root string, store *statestore.Store, bus *eventbus.Bus, maxProjects int, opts ...Option) (*Registry, error) {
	r := &Registry{
		root:        root,
		store:       store,
		bus:         bus,
		maxProjects: maxProjects,
		byPath:      make(map[string]string),
		runningSet:  make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) restore() error {
	var doc Document
	if err := r.store.LoadInto(statestore.KindRegistry, &doc); err != nil {
		return err
	}
	if doc.Projects == nil {
		doc.Projects = make(map[string]Project)
	}
	r.doc = doc
	r.byPath = make(map[string]string, len(doc.Projects))
	for id, p := range doc.Projects {
		r.byPath[p.Path] = id
	}
	return nil
}

func (r *Registry) persistLocked() error {
	r.doc.Metadata.UpdatedAt = time.Now().UTC()
	r.doc.Metadata.TotalProjects = len(r.doc.Projects)
	return r.store.SaveFrom(statestore.KindRegistry, r.doc)
}

// deriveID builds a stable id from the directory's base name plus a short hash
// of its absolute path, so repeated registration of the same path is idempotent
// in naming.
func deriveID(absPath string) string {
	sum := sha1.Sum([]byte(absPath))
	base := filepath.Base(absPath)
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:])[:8])
}

// Register creates a new project record rooted at path and persists it.
func (r *Registry) Register(ctx context.Context, path string, cfg Config) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ferrors.ValidationError("invalid project path").WithContext("path", path).Build()
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", ferrors.ValidationError("project path must be an existing directory").
			WithContext("path", abs).Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byPath[abs]; exists {
		return id, nil
	}
	if len(r.doc.Projects) >= r.maxProjects {
		return "", ferrors.RegistryError("registry is full").
			WithContext("maxProjects", r.maxProjects).Build()
	}

	id := deriveID(abs)
	now := time.Now().UTC()

	priority := 50
	if cfg.Priority != nil {
		priority = *cfg.Priority
	}
	weight := 1.0
	if cfg.Weight != nil {
		weight = *cfg.Weight
	}
	pollInterval := cfg.PollingInterval
	if pollInterval < 60*time.Second {
		pollInterval = 5 * time.Minute
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	project := Project{
		ID:              id,
		Path:            abs,
		Enabled:         true,
		Priority:        clampInt(priority, 0, 100),
		Weight:          clampFloat(weight, 0.1, 10.0),
		PollingInterval: pollInterval,
		Resources:       Resources{MaxConcurrent: maxConcurrent, CPUWeight: 1.0},
		Tags:            cfg.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := validateRecord(project); err != nil {
		return "", err
	}

	if r.doc.Projects == nil {
		r.doc.Projects = make(map[string]Project)
	}
	r.doc.Projects[id] = project
	r.byPath[abs] = id
	if r.doc.Metadata.CreatedAt.IsZero() {
		r.doc.Metadata.CreatedAt = now
	}

	if err := r.persistLocked(); err != nil {
		delete(r.doc.Projects, id)
		delete(r.byPath, abs)
		return "", err
	}

	if err := config.MigrateCopy(r.root, id, nil); err != nil {
		// Registry state already committed; surface but do not roll back.
		_ = err
	}

	r.publish(ctx, eventbus.ProjectRegistered{ProjectID: id, Path: abs, RegisteredAt: now})
	return id, nil
}

// Unregister removes a project record. Running tasks are not checked here; callers
// (IPC handlers) are expected to drain or cancel via the task queue first.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.doc.Projects[id]
	if !ok {
		return ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}

	delete(r.doc.Projects, id)
	delete(r.byPath, p.Path)
	delete(r.runningSet, id)

	if err := r.persistLocked(); err != nil {
		r.doc.Projects[id] = p
		r.byPath[p.Path] = id
		return err
	}

	r.publish(ctx, eventbus.ProjectRemoved{ProjectID: id, RemovedAt: time.Now().UTC()})
	return nil
}

// Update applies a partial patch to a project record.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.doc.Projects[id]
	if !ok {
		return Project{}, ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}

	if patch.Priority != nil {
		p.Priority = clampInt(*patch.Priority, 0, 100)
	}
	if patch.Weight != nil {
		p.Weight = clampFloat(*patch.Weight, 0.1, 10.0)
	}
	if patch.PollingInterval != nil {
		p.PollingInterval = *patch.PollingInterval
	}
	if patch.Resources != nil {
		p.Resources = *patch.Resources
	}
	if patch.Schedule != nil {
		p.Schedule = *patch.Schedule
	}
	if patch.Tags != nil {
		p.Tags = *patch.Tags
	}
	p.UpdatedAt = time.Now().UTC()

	if err := validateRecord(p); err != nil {
		return Project{}, err
	}

	r.doc.Projects[id] = p
	if err := r.persistLocked(); err != nil {
		return Project{}, err
	}
	r.publish(ctx, eventbus.ProjectUpdated{ProjectID: id, UpdatedAt: p.UpdatedAt})
	return p, nil
}

// SetEnabled toggles scheduling participation for a project.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.doc.Projects[id]
	if !ok {
		return ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now().UTC()
	r.doc.Projects[id] = p
	return r.persistLocked()
}

// Get returns a project record by id.
func (r *Registry) Get(id string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.doc.Projects[id]
	return p, ok
}

// GetByPath returns a project record by its registered path.
func (r *Registry) GetByPath(path string) (Project, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[abs]
	if !ok {
		return Project{}, false
	}
	return r.doc.Projects[id], true
}

// List returns projects matching filter, sorted by id for determinism.
func (r *Registry) List(filter Filter) []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Project, 0, len(r.doc.Projects))
	for _, p := range r.doc.Projects {
		if filter.EnabledOnly && !p.Enabled {
			continue
		}
		if filter.DisabledOnly && p.Enabled {
			continue
		}
		if filter.Tag != "" && !hasTag(p.Tags, filter.Tag) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns aggregate registry statistics.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var enabled, disabled int
	var totalProcessed, totalErrors int64
	for _, p := range r.doc.Projects {
		if p.Enabled {
			enabled++
		} else {
			disabled++
		}
		totalProcessed += p.Stats.TotalProcessed
		totalErrors += p.Stats.TotalErrors
	}
	return map[string]any{
		"totalProjects":  len(r.doc.Projects),
		"enabled":        enabled,
		"disabled":       disabled,
		"totalProcessed": totalProcessed,
		"totalErrors":    totalErrors,
	}
}

// RecordOutcome updates a project's lifetime stats after a task completes.
func (r *Registry) RecordOutcome(id string, durationMS float64, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.doc.Projects[id]
	if !ok {
		return
	}
	p.Stats.TotalProcessed++
	if failed {
		p.Stats.TotalErrors++
	}
	n := float64(p.Stats.TotalProcessed)
	p.Stats.AvgTimeMS = p.Stats.AvgTimeMS + (durationMS-p.Stats.AvgTimeMS)/n
	p.Stats.LastActivityAt = time.Now().UTC()
	r.doc.Projects[id] = p
	_ = r.persistLocked()
}

// SetRunningCount records the worker pool's current running-task count for a
// project, used by the scheduler's eligibility check against maxConcurrent.
func (r *Registry) SetRunningCount(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runningSet[id] = n
}

// RunningCount returns the last reported running-task count for a project.
func (r *Registry) RunningCount(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runningSet[id]
}

// ProjectDir returns a project's working directory, used by the worker pool to
// resolve where to run the executor.
func (r *Registry) ProjectDir(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.doc.Projects[id]
	if !ok {
		return "", false
	}
	return p.Path, true
}

// EnabledProjectIDs returns the ids of every enabled project, for the health
// tracker's probe sweep.
func (r *Registry) EnabledProjectIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, p := range r.doc.Projects {
		if p.Enabled {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) publish(ctx context.Context, evt any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, evt)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
