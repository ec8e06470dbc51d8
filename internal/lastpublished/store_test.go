package lastpublished

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMarkPublishedUpdatesMirrorImmediately(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	now := time.Now()
	s.MarkPublished(key, now)
	require.WithinDuration(t, now, s.LastPublished(key), time.Millisecond)
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.log")
	key := models.EntityKey{Kind: models.KindAIS, ID: "123456789"}
	now := time.Now()

	s1, err := Open(Config{CheckpointPath: path, CheckpointInterval: time.Millisecond})
	require.NoError(t, err)
	s1.MarkPublished(key, now)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s1.Close())

	s2, err := Open(Config{CheckpointPath: path})
	require.NoError(t, err)
	defer s2.Close()
	require.WithinDuration(t, now, s2.LastPublished(key), time.Millisecond)
}

func TestLastPublishedUnknownKeyIsZero(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.LastPublished(models.EntityKey{Kind: models.KindADSB, ID: "nope"}).IsZero())
}
