// Package orchestrator wires the ingest pipeline end to end: adapters feed
// RawMsg onto a bounded channel, ingest workers normalize/validate/window
// each message and mark its key dirty, and a tick loop runs the Fusion
// Decider + Smoother + Publisher over the dirty set. The worker-pool
// construction — one bounded ingest channel, a context cancellation tree, a
// single sync.WaitGroup covering the ingest workers and the tick loop, and a
// sync.Once-guarded Stop — follows the teacher's Pipeline idiom (engine/internal/pipeline/pipeline.go),
// retargeted from discovery/extraction/processing/output to
// ingest/dirty-mark/decide+publish.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/fusion"
	"github.com/Phambanam99/tracking-sub002/internal/lastpublished"
	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/Phambanam99/tracking-sub002/internal/normalize"
	"github.com/Phambanam99/tracking-sub002/internal/smoother"
	"github.com/Phambanam99/tracking-sub002/internal/validate"
	"github.com/Phambanam99/tracking-sub002/internal/window"
)

// Publisher fans a Decision out to the realtime cache and the historical
// store; internal/publish provides the concrete implementation. Persist
// writes history only, for the backfill_only outcome (spec §4.5 step 5 /
// §4.8): no realtime publish, no LastPublished advance.
type Publisher interface {
	Publish(ctx context.Context, rec models.FusedRecord) error
	Persist(ctx context.Context, rec models.FusedRecord) error
}

// Metrics receives the named counters/gauges the spec documents
// (parse_reject, validation_reject, publish_total{result}, dirty_set_size,
// window_store_keys, filter_states_active). A nil Metrics in Config is
// replaced with a no-op implementation.
type Metrics interface {
	IncNormalizeReject(source string)
	IncValidationReject(reason string)
	IncPublish(result string)
	SetDirtySetSize(n int)
	SetWindowStoreKeys(n int)
	SetFilterStatesActive(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncNormalizeReject(string)  {}
func (noopMetrics) IncValidationReject(string) {}
func (noopMetrics) IncPublish(string)          {}
func (noopMetrics) SetDirtySetSize(int)        {}
func (noopMetrics) SetWindowStoreKeys(int)     {}
func (noopMetrics) SetFilterStatesActive(int)  {}

type Config struct {
	IngestWorkers int
	TickInterval  time.Duration
	BufferSize    int

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	Window   window.Config
	Smoother smoother.Config
	Metrics  Metrics

	// SourceWeights overrides the normalizer's upstream-provider weight
	// table (spec §4.4), e.g. from config.Config.SourceWeights.
	SourceWeights map[string]float64
}

func (c Config) withDefaults() Config {
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 8
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// Status mirrors the spec's status interface shape.
type Status struct {
	DirtySetSize    int
	WindowStats     window.Stats
	FilterStats     smoother.Stats
	IngestProcessed int64
	IngestRejected  int64
	Published       int64
	PublishFailed   int64
}

type Orchestrator struct {
	cfg Config
	log *slog.Logger

	win       *window.Store
	filter    *smoother.Filter
	decider   *fusion.Decider
	lp        *lastpublished.Store
	publisher Publisher
	norm      *normalize.Normalizer
	validator *validate.Validator

	ingestCh chan models.RawMsg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dirtyMu sync.Mutex
	dirty   map[models.EntityKey]struct{}

	randMu sync.Mutex
	rand   *rand.Rand

	mu        sync.Mutex
	processed int64
	rejected  int64
	published int64
	pubFailed int64

	closeOnce sync.Once
}

func New(cfg Config, publisher Publisher, lp *lastpublished.Store, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	maxEventAgeMS := cfg.Window.MaxEventAgeMS
	if maxEventAgeMS <= 0 {
		maxEventAgeMS = window.DefaultMaxEventAgeMS
	}
	allowedLatenessMS := cfg.Window.AllowedLatenessMS
	if allowedLatenessMS <= 0 {
		allowedLatenessMS = window.DefaultAllowedLatenessMS
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		log:    logger,
		win:    window.New(cfg.Window),
		filter: smoother.New(cfg.Smoother),
		decider: fusion.NewDecider(
			time.Duration(maxEventAgeMS)*time.Millisecond,
			time.Duration(allowedLatenessMS)*time.Millisecond,
		),
		lp:        lp,
		publisher: publisher,
		norm:      normalize.NewWithWeights(cfg.SourceWeights),
		validator: validate.New(),
		ingestCh:  make(chan models.RawMsg, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		dirty:     make(map[models.EntityKey]struct{}),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	o.start()
	return o
}

// Submit enqueues a RawMsg from a source adapter. Blocks until accepted, the
// context is done, or the orchestrator is stopped.
func (o *Orchestrator) Submit(ctx context.Context, raw models.RawMsg) error {
	select {
	case o.ingestCh <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return o.ctx.Err()
	}
}

func (o *Orchestrator) start() {
	o.wg.Add(o.cfg.IngestWorkers)
	for i := 0; i < o.cfg.IngestWorkers; i++ {
		go o.ingestWorker()
	}
	o.wg.Add(1)
	go o.tickLoop()
}

func (o *Orchestrator) ingestWorker() {
	defer o.wg.Done()
	for {
		select {
		case raw, ok := <-o.ingestCh:
			if !ok {
				return
			}
			o.handleRaw(raw)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleRaw(raw models.RawMsg) {
	now := time.Now()
	msg, err := o.norm.Normalize(raw)
	if err != nil {
		o.incRejected()
		o.cfg.Metrics.IncNormalizeReject(raw.Source)
		o.log.Warn("normalize reject", "source", raw.Source, "err", err)
		return
	}
	flags, err := o.validator.Validate(now, &msg)
	if err != nil {
		o.incRejected()
		o.cfg.Metrics.IncValidationReject(validate.ReasonOf(err))
		o.log.Debug("validation reject", "source", raw.Source, "err", err)
		return
	}
	if len(flags) > 0 {
		o.log.Debug("validation anomaly", "key", msg.Key, "flags", flags)
	}
	o.win.Ingest(now, msg)
	o.markDirty(msg.Key)
	o.incProcessed()
}

func (o *Orchestrator) markDirty(key models.EntityKey) {
	o.dirtyMu.Lock()
	o.dirty[key] = struct{}{}
	o.dirtyMu.Unlock()
}

func (o *Orchestrator) drainDirty() []models.EntityKey {
	o.dirtyMu.Lock()
	defer o.dirtyMu.Unlock()
	keys := make([]models.EntityKey, 0, len(o.dirty))
	for k := range o.dirty {
		keys = append(keys, k)
	}
	o.dirty = make(map[models.EntityKey]struct{})
	return keys
}

func (o *Orchestrator) tickLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.tick()
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) tick() {
	now := time.Now()
	keys := o.drainDirty()
	o.cfg.Metrics.SetDirtySetSize(len(keys))
	for _, key := range keys {
		win := o.win.Snapshot(now, key)
		lastPub := o.lp.LastPublished(key)
		dec := o.decider.Decide(now, win, lastPub)
		if !dec.Accepted {
			continue
		}
		if dec.BackfillOnly {
			o.persistWithRetry(*dec.Merged)
			continue
		}
		o.filter.Update(now, *dec.Merged)
		o.publishWithRetry(*dec.Merged)
	}
	winStats := o.win.Stats()
	o.cfg.Metrics.SetWindowStoreKeys(winStats.TrackedKeys)
	o.cfg.Metrics.SetFilterStatesActive(o.filter.Stats().Active)
}

func (o *Orchestrator) publishWithRetry(rec models.FusedRecord) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.backoffDelay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-o.ctx.Done():
				timer.Stop()
				return
			}
		}
		if err := o.publisher.Publish(o.ctx, rec); err != nil {
			lastErr = err
			continue
		}
		o.lp.MarkPublished(rec.Key, rec.EventTime)
		o.incPublished()
		o.cfg.Metrics.IncPublish("ok")
		return
	}
	o.incPubFailed()
	o.cfg.Metrics.IncPublish("fail")
	o.log.Error("publish failed after retries", "key", rec.Key, "err", lastErr)
}

// persistWithRetry writes a backfill_only decision to history only: no
// realtime publish, no LastPublished advance (spec §4.5 step 5 / §4.8).
func (o *Orchestrator) persistWithRetry(rec models.FusedRecord) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.backoffDelay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-o.ctx.Done():
				timer.Stop()
				return
			}
		}
		if err := o.publisher.Persist(o.ctx, rec); err != nil {
			lastErr = err
			continue
		}
		o.cfg.Metrics.IncPublish("backfill_ok")
		return
	}
	o.cfg.Metrics.IncPublish("backfill_fail")
	o.log.Error("persist failed after retries", "key", rec.Key, "err", lastErr)
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base, max := o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max {
		delay = max
	}
	o.randMu.Lock()
	jitter := o.rand.Float64()
	o.randMu.Unlock()
	return time.Duration(float64(delay) * (0.5 + 0.5*jitter))
}

func (o *Orchestrator) incProcessed() { o.mu.Lock(); o.processed++; o.mu.Unlock() }
func (o *Orchestrator) incRejected()  { o.mu.Lock(); o.rejected++; o.mu.Unlock() }
func (o *Orchestrator) incPublished() { o.mu.Lock(); o.published++; o.mu.Unlock() }
func (o *Orchestrator) incPubFailed() { o.mu.Lock(); o.pubFailed++; o.mu.Unlock() }

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirtyMu.Lock()
	dirtyN := len(o.dirty)
	o.dirtyMu.Unlock()
	return Status{
		DirtySetSize:    dirtyN,
		WindowStats:     o.win.Stats(),
		FilterStats:     o.filter.Stats(),
		IngestProcessed: o.processed,
		IngestRejected:  o.rejected,
		Published:       o.published,
		PublishFailed:   o.pubFailed,
	}
}

// Stop cancels the ingest/tick loops and waits for them to drain.
func (o *Orchestrator) Stop() {
	o.closeOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		_ = o.filter.Close()
	})
}
