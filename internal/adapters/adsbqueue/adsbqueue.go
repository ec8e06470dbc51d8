// Package adsbqueue implements the ADSB queue worker adapter: a consumer
// that BRPOPs batches off a named Redis list, the third of the three
// mandatory source adapters required by spec.md §4.7. Each popped value is
// a JSON array of aircraft records; records are chunked into groups of 10
// and submitted to the Sink with at most 5 chunks in flight (§4.7). The
// adapter itself writes nothing to Redis or the historical store.
package adsbqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

const sourceName = "adsbqueue"

// ChunkSize and MaxConcurrency are spec §4.7's fixed batch-processing
// parameters for the queue worker's fan-out of records to the Sink.
const (
	ChunkSize      = 10
	MaxConcurrency = 5
)

type Sink interface {
	Submit(ctx context.Context, raw models.RawMsg) error
}

type Config struct {
	QueueKey     string
	BlockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueKey == "" {
		c.QueueKey = "adsb:ingest:queue"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	return c
}

type Adapter struct {
	cfg    Config
	client *redis.Client
	sink   Sink
	log    *slog.Logger
}

func New(cfg Config, client *redis.Client, sink Sink, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg.withDefaults(), client: client, sink: sink, log: log}
}

// Run blocks on BRPOP against the configured queue key until ctx is
// cancelled, decoding each popped value as a batch of aircraft records and
// fanning them out chunk by chunk.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := a.client.BRPop(ctx, a.cfg.BlockTimeout, a.cfg.QueueKey).Result()
		if err == redis.Nil {
			continue // timeout with no item; poll again
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("adsbqueue brpop error", "err", err)
			time.Sleep(time.Second)
			continue
		}
		// res is [key, value]; BRPop on a single key always returns 2 elements.
		if len(res) != 2 {
			continue
		}
		if err := a.processBatch(ctx, []byte(res[1])); err != nil {
			return err
		}
	}
}

// processBatch decodes payload as a JSON array of per-record payloads (or,
// tolerantly, a single record object) and submits them chunked by
// ChunkSize, with at most MaxConcurrency chunks in flight at once.
func (a *Adapter) processBatch(ctx context.Context, payload []byte) error {
	records, err := decodeBatch(payload)
	if err != nil {
		a.log.Warn("adsbqueue malformed batch", "err", err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	chunks := chunk(records, ChunkSize)

	sem := make(chan struct{}, MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, c := range chunks {
		c := c
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, rec := range c {
				if err := a.sink.Submit(ctx, models.RawMsg{
					Source: sourceName, Kind: models.KindADSB,
					Payload: rec, ReceivedAt: now,
				}); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func decodeBatch(payload []byte) ([]json.RawMessage, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(payload, &batch); err == nil {
		return batch, nil
	}
	var single json.RawMessage
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{single}, nil
}

func chunk(records []json.RawMessage, size int) [][]json.RawMessage {
	var chunks [][]json.RawMessage
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[i:end])
	}
	return chunks
}
