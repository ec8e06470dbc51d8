// Package publish implements the Publisher/Persister: it fans out an
// accepted FusedRecord to a realtime cache (for live subscribers) and a
// historical store (for durable position history), mirroring the teacher's
// OutputSink shape (engine/internal/output/sink.go's
// Write/Flush/Close/Name) generalized from "write one crawl result to one
// sink" to "write one fused record to two sinks with independent retry."
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// RealtimeCache is the abstract realtime-cache contract from spec.md §6:
// hash/geo/sorted-set writes for live queries plus pub/sub fan-out.
type RealtimeCache interface {
	SetCurrent(ctx context.Context, rec models.FusedRecord) error
	PublishUpdate(ctx context.Context, rec models.FusedRecord) error
}

// HistoricalStore is the abstract historical-store contract: composite-key
// upsert for current object state plus an append-only position row.
type HistoricalStore interface {
	UpsertPosition(ctx context.Context, rec models.FusedRecord) error
}

// Publisher fans a FusedRecord out to both sinks. A cache failure and a
// store failure are independent — one sink's outage doesn't block the
// other — and both are retried by the caller (internal/orchestrator) with
// its jittered exponential backoff.
type Publisher struct {
	Cache RealtimeCache
	Store HistoricalStore
	Log   *slog.Logger
}

func New(cache RealtimeCache, store HistoricalStore, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{Cache: cache, Store: store, Log: log}
}

// Publish writes rec to the cache, then the store, per spec's "publish
// realtime, then persist history" ordering; a cache failure still lets the
// store write go ahead. Errors from either sink are wrapped in
// models.ErrCacheWrite / models.ErrStoreWrite (joined when both fail) so a
// caller can tell them apart with errors.Is.
func (p *Publisher) Publish(ctx context.Context, rec models.FusedRecord) error {
	var cacheErr error
	if p.Cache != nil {
		if err := p.Cache.SetCurrent(ctx, rec); err != nil {
			cacheErr = fmt.Errorf("%w: %v", models.ErrCacheWrite, err)
		} else if err := p.Cache.PublishUpdate(ctx, rec); err != nil {
			p.Log.Warn("publish update notify failed", "key", rec.Key, "err", err)
		}
	}
	if p.Store != nil {
		if err := p.Store.UpsertPosition(ctx, rec); err != nil {
			return errors.Join(cacheErr, fmt.Errorf("%w: %v", models.ErrStoreWrite, err))
		}
	}
	return cacheErr
}

// Persist writes rec to the historical store only, with no realtime publish
// and no cache write. Used for the backfill_only decider outcome (spec
// §4.5 step 5 / §4.8): a late-but-not-superseded message still needs to be
// durable, but publishing it would violate the monotonic-publication
// invariant.
func (p *Publisher) Persist(ctx context.Context, rec models.FusedRecord) error {
	if p.Store == nil {
		return nil
	}
	if err := p.Store.UpsertPosition(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}
	return nil
}

// WithTimeout wraps ctx with a per-attempt deadline, matching the spec's
// requirement that a single publish attempt cannot hang indefinitely.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 2 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
