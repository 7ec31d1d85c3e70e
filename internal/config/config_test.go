package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 3003, cfg.Daemon.Port)
	require.Equal(t, StrategyWeightedRoundRobin, cfg.Daemon.SchedulingStrategy)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Daemon.Port = 4100
	cfg.Daemon.SchedulingStrategy = StrategyDeadlineAware
	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 4100, loaded.Daemon.Port)
	require.Equal(t, StrategyDeadlineAware, loaded.Daemon.SchedulingStrategy)
}

func TestValidate_RejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Daemon.SchedulingStrategy = "not-a-policy"
	require.Error(t, cfg.Validate())
}

func TestEnvOverride_Language(t *testing.T) {
	t.Setenv("POPPOBUILDER_LANG", "fr")
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "fr", cfg.Defaults.Language)
}

func TestSocketPath_DefaultsUnderRoot(t *testing.T) {
	cfg := Default()
	require.Equal(t, filepath.Join("/tmp/root", "poppod.sock"), SocketPath("/tmp/root", cfg))
}
