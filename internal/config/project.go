package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// ProjectFile is the per-project config copy migrated into <root>/projects/<id>/config.json
// and, if present, read from <path>/.poppo/config.json at registration/validation time.
type ProjectFile struct {
	Name          string            `json:"name,omitempty"`
	PollingMS     int               `json:"pollingInterval,omitempty"`
	TimeoutMS     int               `json:"timeout,omitempty"`
	RetryAttempts int               `json:"retryAttempts,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// ProjectConfigPath returns the conventional per-project config path inside a
// project's working directory.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, ".poppo", "config.json")
}

// LoadProjectFile reads the per-project config copy, if present. A missing file
// returns (nil, nil): project configuration is optional, registry defaults apply.
func LoadProjectFile(projectDir string) (*ProjectFile, error) {
	data, err := os.ReadFile(ProjectConfigPath(projectDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read project config").Build()
	}
	var pf ProjectFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "parse project config").
			WithContext("path", ProjectConfigPath(projectDir)).Build()
	}
	return &pf, nil
}

// MigratedCopyPath returns the path of the registry's own copy of a project's config,
// kept under <root>/projects/<id>/ so registry state is self-contained.
func MigratedCopyPath(root, projectID string) string {
	return filepath.Join(root, "projects", projectID, "config.json")
}

// SaveProjectFile writes pf to <projectDir>/.poppo/config.json, creating the
// .poppo directory if needed. Used by a project move to persist a config
// whose path-valued entries were rewritten for the new location.
func SaveProjectFile(projectDir string, pf *ProjectFile) error {
	dir := filepath.Dir(ProjectConfigPath(projectDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create project config dir").Build()
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "marshal project config").Build()
	}
	return os.WriteFile(ProjectConfigPath(projectDir), data, 0o644)
}

// MigrateCopy writes pf (or an empty document) to the registry-owned copy location.
func MigrateCopy(root, projectID string, pf *ProjectFile) error {
	dir := filepath.Join(root, "projects", projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create project state dir").Build()
	}
	if pf == nil {
		pf = &ProjectFile{}
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "marshal project config copy").Build()
	}
	return os.WriteFile(MigratedCopyPath(root, projectID), data, 0o644)
}
