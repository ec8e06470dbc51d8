package adsbqueue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, "adsb:ingest:queue", cfg.QueueKey)
	require.Equal(t, 5*time.Second, cfg.BlockTimeout)
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	cfg := Config{QueueKey: "custom", BlockTimeout: time.Second}.withDefaults()
	require.Equal(t, "custom", cfg.QueueKey)
	require.Equal(t, time.Second, cfg.BlockTimeout)
}

func TestChunkSplitsIntoGroupsOfTen(t *testing.T) {
	records := make([]json.RawMessage, 25)
	for i := range records {
		records[i] = json.RawMessage(`{}`)
	}
	chunks := chunk(records, ChunkSize)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 10)
	require.Len(t, chunks[1], 10)
	require.Len(t, chunks[2], 5)
}

type countingSink struct {
	mu         sync.Mutex
	inFlight   int32
	maxInFlight int32
	count       int32
}

func (s *countingSink) Submit(ctx context.Context, raw models.RawMsg) error {
	n := atomic.AddInt32(&s.inFlight, 1)
	s.mu.Lock()
	if n > s.maxInFlight {
		s.maxInFlight = n
	}
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&s.count, 1)
	atomic.AddInt32(&s.inFlight, -1)
	return nil
}

func TestProcessBatchBoundsConcurrencyAtFive(t *testing.T) {
	records := make([]map[string]int, 50)
	payload, err := json.Marshal(records)
	require.NoError(t, err)

	sink := &countingSink{}
	a := New(Config{}, nil, sink, nil)
	require.NoError(t, a.processBatch(context.Background(), payload))

	require.EqualValues(t, 50, sink.count)
	require.LessOrEqual(t, sink.maxInFlight, int32(MaxConcurrency))
}
