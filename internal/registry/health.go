package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/health"
)

const maxHealthHistory = 100

// healthSample is one weighted measurement kept for trend computation.
type healthSample struct {
	Score float64
	At    time.Time
}

// dimension weights, summing to 1.0 (§4.1).
const (
	weightAvailability = 0.25
	weightSecurity     = 0.20
	weightPerformance  = 0.15
	weightMaintenance  = 0.15
	weightDependencies = 0.15
	weightRepository   = 0.10
)

// CheckHealth runs the pure health probe for a project, updates its cached
// HealthStatus and history, and returns the fresh status.
func (r *Registry) CheckHealth(id string) (HealthStatus, error) {
	r.mu.Lock()
	p, ok := r.doc.Projects[id]
	r.mu.Unlock()
	if !ok {
		return HealthStatus{}, ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}

	status := probeHealth(p)

	var trend string
	if r.historyStore != nil {
		_ = r.historyStore.Record(id, status.Score, status.LastChecked)
		samples, err := r.historyStore.Recent(id, maxHealthHistory)
		if err == nil {
			trend = trendOf(toHealthSamples(samples))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok = r.doc.Projects[id]
	if !ok {
		return status, nil
	}

	if r.historyStore == nil {
		hist := r.history[id]
		hist = append(hist, healthSample{Score: status.Score, At: status.LastChecked})
		if len(hist) > maxHealthHistory {
			hist = hist[len(hist)-maxHealthHistory:]
		}
		if r.history == nil {
			r.history = make(map[string][]healthSample)
		}
		r.history[id] = hist
		trend = trendOf(hist)
	}
	status.Trend = trend

	statusCopy := status
	p.Health = &statusCopy
	r.doc.Projects[id] = p
	_ = r.persistLocked()
	return status, nil
}

func toHealthSamples(samples []health.Sample) []healthSample {
	out := make([]healthSample, len(samples))
	for i, s := range samples {
		out[i] = healthSample{Score: s.Score, At: s.At}
	}
	return out
}

// probeHealth is a pure function over a project record and its directory;
// it never blocks on network I/O.
func probeHealth(p Project) HealthStatus {
	now := time.Now().UTC()

	availability := availabilityScore(p.Path)
	security := securityScore(p.Path)
	performance := performanceScore(p)
	maintenance := maintenanceScore(p.Path)
	dependencies := dependencyScore(p.Path)
	repository := repositoryScore(p.Path)

	score := availability*weightAvailability +
		security*weightSecurity +
		performance*weightPerformance +
		maintenance*weightMaintenance +
		dependencies*weightDependencies +
		repository*weightRepository

	grade := gradeOf(score)
	statusLabel := "healthy"
	switch {
	case score < 40:
		statusLabel = "unhealthy"
	case score < 75:
		statusLabel = "degraded"
	}

	return HealthStatus{
		Status:      statusLabel,
		Score:       score,
		Grade:       grade,
		LastChecked: now,
	}
}

func availabilityScore(path string) float64 {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return 100
	}
	return 0
}

func securityScore(path string) float64 {
	score := 60.0
	for _, name := range []string{"SECURITY.md", ".github/SECURITY.md"} {
		if _, err := os.Stat(filepath.Join(path, name)); err == nil {
			score += 40
			break
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func performanceScore(p Project) float64 {
	if p.Stats.TotalProcessed == 0 {
		return 80
	}
	errorRate := float64(p.Stats.TotalErrors) / float64(p.Stats.TotalProcessed)
	return clampFloat(100*(1-errorRate), 0, 100)
}

func maintenanceScore(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	days := time.Since(info.ModTime()).Hours() / 24
	switch {
	case days <= 7:
		return 100
	case days <= 30:
		return 75
	case days <= 90:
		return 50
	default:
		return 20
	}
}

func dependencyScore(path string) float64 {
	for _, name := range manifestNames {
		if _, err := os.Stat(filepath.Join(path, name)); err == nil {
			return 90
		}
	}
	return 60
}

// repositoryScore inspects local git cleanliness (no cloning, no network calls):
// an unclean worktree or detached state costs points.
func repositoryScore(path string) float64 {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return 70 // not a git repo: neutral, not penalized
	}
	wt, err := repo.Worktree()
	if err != nil {
		return 70
	}
	status, err := wt.Status()
	if err != nil {
		return 60
	}
	if status.IsClean() {
		return 100
	}
	// Partial credit proportional to how few files are dirty.
	dirty := len(status)
	score := 100 - float64(dirty)*5
	return clampFloat(score, 20, 95)
}

func gradeOf(score float64) HealthGrade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 75:
		return GradeB
	case score >= 60:
		return GradeC
	case score >= 40:
		return GradeD
	default:
		return GradeF
	}
}

func trendOf(hist []healthSample) string {
	if len(hist) < 2 {
		return "stable"
	}
	window := hist
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	first := window[0].Score
	last := window[len(window)-1].Score
	delta := last - first
	switch {
	case delta > 5:
		return "improving"
	case delta < -5:
		return "declining"
	default:
		return "stable"
	}
}
