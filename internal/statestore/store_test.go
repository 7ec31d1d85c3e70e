package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type doc struct {
	Value int `json:"value"`
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveFrom(KindRegistry, doc{Value: 42}))

	var got doc
	require.NoError(t, s.LoadInto(KindRegistry, &got))
	require.Equal(t, 42, got.Value)
}

func TestLoad_MissingReturnsNil(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data, err := s.Load(KindRateLimit)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestSubscribe_NotifiedOnSave(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	notified := make(chan Kind, 1)
	unsub := s.Subscribe(KindQueueSnapshot, func(kind Kind, blob []byte) {
		notified <- kind
	})
	defer unsub()

	require.NoError(t, s.SaveFrom(KindQueueSnapshot, doc{Value: 1}))
	require.Equal(t, KindQueueSnapshot, <-notified)
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveFrom(KindWorkers, doc{Value: 7}))

	s2, err := New(dir)
	require.NoError(t, err)
	var got doc
	require.NoError(t, s2.LoadInto(KindWorkers, &got))
	require.Equal(t, 7, got.Value)
}
