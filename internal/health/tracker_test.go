package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLister struct{ ids []string }

func (f fakeLister) EnabledProjectIDs() []string { return f.ids }

type fakeChecker struct {
	statuses map[string]Status
}

func (f fakeChecker) CheckHealth(id string) (Status, error) {
	return f.statuses[id], nil
}

func TestRunNow_ProbesEveryEnabledProject(t *testing.T) {
	checker := fakeChecker{statuses: map[string]Status{
		"a": {Status: "healthy", Score: 95, Grade: "A"},
		"b": {Status: "unhealthy", Score: 10, Grade: "F"},
	}}
	tracker, err := New(fakeLister{ids: []string{"a", "b"}}, checker, nil, time.Minute)
	require.NoError(t, err)

	require.NotPanics(t, func() { tracker.RunNow(context.Background()) })
}

func TestStartStop_ManagesSchedulerLifecycle(t *testing.T) {
	tracker, err := New(fakeLister{}, fakeChecker{statuses: map[string]Status{}}, nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, tracker.Start(context.Background()))
	require.True(t, tracker.IsRunning())
	require.NoError(t, tracker.Stop(context.Background()))
}
