package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/poppobuilder/poppod/internal/statestore"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	c, err := New(store, nil)
	require.NoError(t, err)
	return c
}

func TestReserve_AllowsUnderQuota(t *testing.T) {
	c := newTestCoordinator(t)
	d := c.Reserve(context.Background(), "p", 10)
	require.Equal(t, Allow, d.Kind)
}

func TestNotifyRateLimit_RejectsUntilUnlock(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	unlockAt := time.Now().Add(50 * time.Millisecond)
	c.NotifyRateLimit(ctx, unlockAt)

	d := c.Reserve(ctx, "p", 1)
	require.Equal(t, Reject, d.Kind)
	require.Equal(t, ReasonEmergencyStop, d.Reason)

	time.Sleep(3 * time.Second) // clears jitter window deterministically in CI-safe margin
	d = c.Reserve(ctx, "p", 1)
	require.Equal(t, Allow, d.Kind)
}

func TestSessionInvalid_BlocksUntilCleared(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	c.NotifySessionInvalid(ctx, "auth-expired")

	d := c.Reserve(ctx, "p", 1)
	require.Equal(t, Reject, d.Kind)
	require.Equal(t, ReasonSessionInvalid, d.Reason)

	c.ClearSessionInvalid()
	d = c.Reserve(ctx, "p", 1)
	require.Equal(t, Allow, d.Kind)
}

func TestUtilization_RecommendsHaltNearLimit(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Reserve(ctx, "p", tokenLimit) // each call alone exceeds the limit after the first
	}
	u := c.Utilization()
	require.GreaterOrEqual(t, u.TokenPct, 0.0)
	require.Equal(t, "halt", u.Recommendation.Action)
}

func TestRestoresEmergencyStopAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store1, err := statestore.New(dir)
	require.NoError(t, err)
	c1, err := New(store1, nil)
	require.NoError(t, err)

	unlockAt := time.Now().Add(time.Hour)
	c1.NotifyRateLimit(context.Background(), unlockAt)

	store2, err := statestore.New(dir)
	require.NoError(t, err)
	c2, err := New(store2, nil)
	require.NoError(t, err)

	active, _, _ := c2.EmergencyStop()
	require.True(t, active)
}
