package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// validateRecord enforces the structural invariants a project record must hold
// before it can be committed: ranges, and an activeHours window that does not
// cross midnight (see the daemon's design notes on that open question).
func validateRecord(p Project) error {
	if p.Priority < 0 || p.Priority > 100 {
		return ferrors.ValidationError("priority out of range [0,100]").Build()
	}
	if p.Weight < 0.1 || p.Weight > 10.0 {
		return ferrors.ValidationError("weight out of range [0.1,10.0]").Build()
	}
	if p.PollingInterval < 60*time.Second {
		return ferrors.ValidationError("pollingInterval must be >= 60s").Build()
	}
	if p.Resources.MaxConcurrent < 1 {
		return ferrors.ValidationError("resources.maxConcurrent must be >= 1").Build()
	}
	if ah := p.Schedule.ActiveHours; ah != nil {
		start, err1 := time.Parse("15:04", ah.Start)
		end, err2 := time.Parse("15:04", ah.End)
		if err1 != nil || err2 != nil {
			return ferrors.ValidationError("activeHours start/end must be HH:MM").Build()
		}
		if !end.After(start) {
			return ferrors.ValidationError("activeHours crossing midnight is not supported; end must be after start").Build()
		}
		if ah.Timezone != "" {
			if _, err := time.LoadLocation(ah.Timezone); err != nil {
				return ferrors.ValidationError("activeHours.timezone is not a recognized IANA zone").
					WithContext("timezone", ah.Timezone).Build()
			}
		}
	}
	return nil
}

// Validate runs the pure directory-inspection validator for a registered project
// and caches the result on the record.
func (r *Registry) Validate(id string) (ValidationResult, error) {
	r.mu.Lock()
	p, ok := r.doc.Projects[id]
	r.mu.Unlock()
	if !ok {
		return ValidationResult{}, ferrors.NotFoundError("project not found").WithContext("projectId", id).Build()
	}

	result := validateDirectory(p.Path)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok = r.doc.Projects[id]
	if !ok {
		return result, nil
	}
	resultCopy := result
	p.Validation = &resultCopy
	r.doc.Projects[id] = p
	_ = r.persistLocked()
	return result, nil
}

// validateDirectory inspects the filesystem only: no network, no daemon state.
// Its one write is the writability probe file, which it removes again; it is
// safe to call from tests.
func validateDirectory(path string) ValidationResult {
	result := ValidationResult{Valid: true, Score: 100, CheckedAt: time.Now().UTC()}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		result.Valid = false
		result.Score = 0
		result.Issues = append(result.Issues, "project path does not exist or is not a directory")
		return result
	}

	if !hasDescriptor(path) {
		result.Warnings = append(result.Warnings, "no package manifest (package.json, go.mod, Cargo.toml, ...) found")
		result.Score -= 15
	}

	if _, err := os.Stat(filepath.Join(path, ".poppo", "config.json")); err != nil {
		result.Recommendations = append(result.Recommendations, "add .poppo/config.json to pin per-project overrides")
		result.Score -= 5
	}

	switch sections, err := readmeSectionCount(path); {
	case err != nil:
		result.Recommendations = append(result.Recommendations, "add a README.md describing the project")
		result.Score -= 5
	case sections == 0:
		result.Warnings = append(result.Warnings, "README.md has no headed sections")
		result.Score -= 5
	}

	if err := checkWritable(path); err != nil {
		result.Issues = append(result.Issues, "project directory is not writable: "+err.Error())
		result.Score -= 30
		result.Valid = false
	}

	if result.Score < 0 {
		result.Score = 0
	}
	return result
}

var manifestNames = []string{
	"package.json", "go.mod", "Cargo.toml", "pyproject.toml", "pom.xml", "Gemfile",
}

func hasDescriptor(path string) bool {
	for _, name := range manifestNames {
		if _, err := os.Stat(filepath.Join(path, name)); err == nil {
			return true
		}
	}
	return false
}

// readmeSectionCount parses a project's README.md (if present) with goldmark
// and counts its headings (of any level), as a cheap proxy for documentation
// completeness. It never renders to HTML; only the parsed AST is inspected.
func readmeSectionCount(path string) (int, error) {
	var readmePath string
	for _, name := range []string{"README.md", "readme.md", "Readme.md"} {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			readmePath = candidate
			break
		}
	}
	if readmePath == "" {
		return 0, os.ErrNotExist
	}

	source, err := os.ReadFile(readmePath)
	if err != nil {
		return 0, err
	}

	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	sections := 0
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if _, ok := n.(*ast.Heading); ok {
				sections++
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return 0, err
	}
	return sections, nil
}

func checkWritable(path string) error {
	probe := filepath.Join(path, ".poppobuilder-writecheck")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = f.Close()
	return os.Remove(probe)
}
