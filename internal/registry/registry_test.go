package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/poppobuilder/poppod/internal/eventbus"
	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	store, err := statestore.New(root)
	require.NoError(t, err)
	bus := eventbus.NewBus()
	t.Cleanup(bus.Close)
	reg, err := New(root, store, bus, 20)
	require.NoError(t, err)
	return reg, root
}

func newProjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	return dir
}

func TestRegister_AssignsStableID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := newProjectDir(t)

	id1, err := reg.Register(context.Background(), dir, Config{})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := reg.Register(context.Background(), dir, Config{})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "re-registering the same path is idempotent")
}

func TestRegisterUnregister_RestoresMetadataModuloTimestamp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := newProjectDir(t)

	before := reg.Stats()["totalProjects"]

	id, err := reg.Register(context.Background(), dir, Config{})
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(context.Background(), id))

	after := reg.Stats()["totalProjects"]
	require.Equal(t, before, after)
}

func TestRegister_RejectsMissingDirectory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"), Config{})
	require.Error(t, err)
}

func TestRegister_RespectsMaxProjects(t *testing.T) {
	root := t.TempDir()
	store, err := statestore.New(root)
	require.NoError(t, err)
	reg, err := New(root, store, nil, 1)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), newProjectDir(t), Config{})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), newProjectDir(t), Config{})
	require.Error(t, err)
}

func TestSetEnabled_TogglesParticipation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Register(context.Background(), newProjectDir(t), Config{})
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled(context.Background(), id, false))
	p, ok := reg.Get(id)
	require.True(t, ok)
	require.False(t, p.Enabled)
}

func TestValidate_WritableProjectIsValid(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := newProjectDir(t)
	id, err := reg.Register(context.Background(), dir, Config{})
	require.NoError(t, err)

	result, err := reg.Validate(id)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.GreaterOrEqual(t, result.Score, 0)
}

func TestCheckHealth_ProducesGrade(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Register(context.Background(), newProjectDir(t), Config{})
	require.NoError(t, err)

	status, err := reg.CheckHealth(id)
	require.NoError(t, err)
	require.NotEmpty(t, status.Grade)
	require.Equal(t, "stable", status.Trend)
}

func TestMove_RelocatesProjectAndPreservesID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src := newProjectDir(t)
	id, err := reg.Register(context.Background(), src, Config{})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, reg.Move(context.Background(), id, dst, MoveOptions{}, nil))

	p, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, dst, p.Path)
	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestActiveHours_CrossingMidnightRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Register(context.Background(), newProjectDir(t), Config{})
	require.NoError(t, err)

	end := "06:00"
	start := "22:00"
	_, err = reg.Update(context.Background(), id, Patch{
		Schedule: &Schedule{ActiveHours: &ActiveHours{Start: start, End: end}},
	})
	require.Error(t, err)
}
