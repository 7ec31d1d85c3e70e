// Package registry implements the Project Registry: the durable, validated set of
// project records that every other daemon component reads and is notified about.
package registry

import (
	"time"
)

// ActiveHours restricts scheduling to a local daily window. Per-day only: a window
// that crosses midnight (end <= start) is rejected at validation time.
type ActiveHours struct {
	Start    string `json:"start"`    // "HH:MM"
	End      string `json:"end"`      // "HH:MM"
	Timezone string `json:"timezone"` // IANA zone name
}

// Schedule holds per-project scheduling constraints.
type Schedule struct {
	ActiveHours *ActiveHours `json:"activeHours,omitempty"`
}

// Resources bounds a project's concurrent resource usage.
type Resources struct {
	MaxConcurrent int     `json:"maxConcurrent"`
	CPUWeight     float64 `json:"cpuWeight"`
	MemoryLimitMB int     `json:"memoryLimit"`
}

// Stats accumulates a project's lifetime processing counters.
type Stats struct {
	TotalProcessed int64     `json:"totalProcessed"`
	TotalErrors    int64     `json:"totalErrors"`
	AvgTimeMS      float64   `json:"avgTime"`
	LastActivityAt time.Time `json:"lastActivityAt,omitzero"`
}

// ValidationResult caches the outcome of the last validate() call.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Score           int      `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	CheckedAt       time.Time `json:"checkedAt,omitzero"`
}

// HealthGrade is a letter grade derived from a health score.
type HealthGrade string

const (
	GradeA HealthGrade = "A"
	GradeB HealthGrade = "B"
	GradeC HealthGrade = "C"
	GradeD HealthGrade = "D"
	GradeF HealthGrade = "F"
)

// HealthStatus is the cached outcome of the last health probe.
type HealthStatus struct {
	Status      string      `json:"status"` // healthy|degraded|unhealthy|unknown
	Score       float64     `json:"score"`
	Grade       HealthGrade `json:"grade"`
	LastChecked time.Time   `json:"lastChecked,omitzero"`
	Trend       string      `json:"trend,omitempty"` // improving|stable|declining
}

// Project is the persisted record owned by the registry.
type Project struct {
	ID              string                       `json:"id"`
	Path            string                       `json:"path"`
	Enabled         bool                         `json:"enabled"`
	Priority        int                          `json:"priority"`
	Weight          float64                      `json:"weight"`
	PollingInterval time.Duration                `json:"pollingInterval"`
	Resources       Resources                    `json:"resources"`
	Schedule        Schedule                     `json:"schedule"`
	Tags            []string                     `json:"tags,omitempty"`
	CreatedAt       time.Time                    `json:"createdAt"`
	UpdatedAt       time.Time                    `json:"updatedAt"`
	Stats           Stats                        `json:"stats"`
	Validation      *ValidationResult            `json:"validation,omitempty"`
	Health          *HealthStatus                `json:"health,omitempty"`
	NeedsRecovery   bool                         `json:"needsRecovery,omitempty"`
}

// Config is the subset of project fields a caller may supply at registration time;
// unset fields take registry/global defaults.
type Config struct {
	Name            string
	Priority        *int
	Weight          *float64
	PollingInterval time.Duration
	MaxConcurrent   int
	Tags            []string
}

// Patch describes a partial update to a project record; nil fields are left alone.
type Patch struct {
	Priority        *int
	Weight          *float64
	PollingInterval *time.Duration
	Resources       *Resources
	Schedule        *Schedule
	Tags            *[]string
}

// MoveOptions configures the move() transaction.
type MoveOptions struct {
	Symlink      bool
	MergeParents bool
	Force        bool
}

// Filter narrows list() results.
type Filter struct {
	EnabledOnly  bool
	DisabledOnly bool
	Tag          string
}

// Document is the on-disk shape persisted to registry.json.
type Document struct {
	Version  int                `json:"version"`
	Projects map[string]Project `json:"projects"`
	Metadata Metadata            `json:"metadata"`
}

// Metadata tracks document-level bookkeeping, kept byte-stable across mutations
// that don't otherwise change the document.
type Metadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	TotalProjects int      `json:"totalProjects"`
}
