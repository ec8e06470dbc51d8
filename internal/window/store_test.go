package window

import (
	"testing"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/stretchr/testify/require"
)

func key(id string) models.EntityKey { return models.EntityKey{Kind: models.KindADSB, ID: id} }

func TestIngestTracksNewKey(t *testing.T) {
	s := New(Config{})
	now := time.Now()
	isNew := s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now})
	require.True(t, isNew)
	isNew = s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now})
	require.False(t, isNew)
	require.Equal(t, 1, s.Stats().TrackedKeys)
}

func TestTrimDropsEventsOlderThanMaxAge(t *testing.T) {
	s := New(Config{MaxEventAgeMS: 1000})
	now := time.Now()
	s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now.Add(-5 * time.Second)})
	s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now})
	win := s.Snapshot(now, key("A1"))
	require.Len(t, win.Events, 1)
}

func TestMaxEventsPerKeyBoundsWindow(t *testing.T) {
	s := New(Config{MaxEventsPerKey: 3, MaxEventAgeMS: 1_000_000})
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now})
	}
	win := s.Snapshot(now, key("A1"))
	require.Len(t, win.Events, 3)
}

func TestMaxTrackedKeysEvictsLeastRecentlyUpdated(t *testing.T) {
	s := New(Config{MaxTrackedKeys: 2, Shards: 1})
	now := time.Now()
	s.Ingest(now, models.NormMsg{Key: key("A"), EventTime: now})
	s.Ingest(now, models.NormMsg{Key: key("B"), EventTime: now})
	s.Ingest(now, models.NormMsg{Key: key("C"), EventTime: now})
	require.Equal(t, 2, s.Stats().TrackedKeys)
	require.Nil(t, s.Snapshot(now, key("A")))
	require.Equal(t, int64(1), s.Stats().Evictions)
}

func TestSnapshotExcludesEventsBeforeWindowLowerBound(t *testing.T) {
	s := New(Config{WindowMS: 1000, AllowedLatenessMS: 500, MaxEventAgeMS: 1_000_000})
	now := time.Now()
	s.Ingest(now, models.NormMsg{Key: key("A1"), EventTime: now.Add(-2 * time.Second)})
	win := s.Snapshot(now, key("A1"))
	require.Empty(t, win.Events)
}
