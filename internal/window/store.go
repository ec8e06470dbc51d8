// Package window implements the Window Store: a sharded, per-key sliding
// buffer of recent NormMsg events used by the Fusion Decider. Sharding is the
// same fnv32a(key)&mask idiom as internal/ratelimit; key-cardinality bounding
// reuses the teacher's resource-manager LRU eviction
// (container/list + map), repurposed here to evict the least-recently-updated
// tracked key instead of the least-recently-used cached page.
package window

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

const (
	DefaultWindowMS           = 10_000
	DefaultAllowedLatenessMS  = 2_000
	DefaultMaxEventAgeMS      = 30_000
	DefaultMaxEventsPerKey    = 64
	DefaultMaxTrackedKeys     = 200_000
	DefaultShards             = 32
)

type Config struct {
	WindowMS          int64
	AllowedLatenessMS int64
	MaxEventAgeMS     int64
	MaxEventsPerKey   int
	MaxTrackedKeys    int
	Shards            int
}

func (c Config) withDefaults() Config {
	if c.WindowMS <= 0 {
		c.WindowMS = DefaultWindowMS
	}
	if c.AllowedLatenessMS <= 0 {
		c.AllowedLatenessMS = DefaultAllowedLatenessMS
	}
	if c.MaxEventAgeMS <= 0 {
		c.MaxEventAgeMS = DefaultMaxEventAgeMS
	}
	if c.MaxEventsPerKey <= 0 {
		c.MaxEventsPerKey = DefaultMaxEventsPerKey
	}
	if c.MaxTrackedKeys <= 0 {
		c.MaxTrackedKeys = DefaultMaxTrackedKeys
	}
	if c.Shards <= 0 || (c.Shards&(c.Shards-1)) != 0 {
		c.Shards = DefaultShards
	}
	return c
}

// Window is the ordered set of recent events for one key, newest last.
type Window struct {
	Key    models.EntityKey
	Events []models.NormMsg
}

type trackedEntry struct {
	key models.EntityKey
	win *Window
}

// Store is the sharded Window Store.
type Store struct {
	cfg    Config
	shards []*shard

	// global LRU across all shards tracks key recency for MAX_TRACKED_KEYS
	// eviction; guarded by its own mutex, separate from per-shard locks so a
	// hot key's ingest path never blocks on a cold key's eviction scan.
	lruMu sync.Mutex
	lru   *list.List
	index map[models.EntityKey]*list.Element

	evictions int64
	trims     int64
}

func (s *Store) addTrims(n int64)     { atomic.AddInt64(&s.trims, n) }
func (s *Store) addEvictions(n int64) { atomic.AddInt64(&s.evictions, n) }

type shard struct {
	mu   sync.RWMutex
	data map[models.EntityKey]*Window
}

func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{data: make(map[models.EntityKey]*Window)}
	}
	return &Store{cfg: cfg, shards: shards, lru: list.New(), index: make(map[models.EntityKey]*list.Element)}
}

func (s *Store) shardFor(key models.EntityKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(key.Kind)))
	_, _ = h.Write([]byte(key.ID))
	idx := h.Sum32() & uint32(len(s.shards)-1)
	return s.shards[idx]
}

// Ingest adds msg to its key's window, trimming events older than
// MaxEventAgeMS relative to now and bounding the window at MaxEventsPerKey
// (oldest dropped first). Returns true if the key was newly tracked.
func (s *Store) Ingest(now time.Time, msg models.NormMsg) (newKey bool) {
	sh := s.shardFor(msg.Key)
	sh.mu.Lock()
	win, ok := sh.data[msg.Key]
	if !ok {
		win = &Window{Key: msg.Key}
		sh.data[msg.Key] = win
		newKey = true
	}
	win.Events = append(win.Events, msg)
	s.trimLocked(win, now)
	sh.mu.Unlock()

	s.touch(msg.Key, win)
	if newKey {
		s.enforceCapacity()
	}
	return newKey
}

func (s *Store) trimLocked(win *Window, now time.Time) {
	maxAge := time.Duration(s.cfg.MaxEventAgeMS) * time.Millisecond
	cutoff := now.Add(-maxAge)
	i := 0
	for i < len(win.Events) && win.Events[i].EventTime.Before(cutoff) {
		i++
	}
	if i > 0 {
		win.Events = append(win.Events[:0], win.Events[i:]...)
		s.addTrims(1)
	}
	if over := len(win.Events) - s.cfg.MaxEventsPerKey; over > 0 {
		win.Events = append(win.Events[:0], win.Events[over:]...)
	}
}

// Snapshot returns a copy of the window for key within the active sliding
// window (now-WindowMS-AllowedLatenessMS .. now), or nil if untracked.
func (s *Store) Snapshot(now time.Time, key models.EntityKey) *Window {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	win, ok := sh.data[key]
	if !ok {
		return nil
	}
	lowerBound := now.Add(-time.Duration(s.cfg.WindowMS+s.cfg.AllowedLatenessMS) * time.Millisecond)
	out := &Window{Key: key}
	for _, ev := range win.Events {
		if !ev.EventTime.Before(lowerBound) {
			out.Events = append(out.Events, ev)
		}
	}
	return out
}

func (s *Store) touch(key models.EntityKey, win *Window) {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	if el, ok := s.index[key]; ok {
		el.Value.(*trackedEntry).win = win
		s.lru.MoveToFront(el)
		return
	}
	el := s.lru.PushFront(&trackedEntry{key: key, win: win})
	s.index[key] = el
}

func (s *Store) enforceCapacity() {
	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	for len(s.index) > s.cfg.MaxTrackedKeys {
		back := s.lru.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*trackedEntry)
		s.lru.Remove(back)
		delete(s.index, entry.key)
		sh := s.shardFor(entry.key)
		sh.mu.Lock()
		delete(sh.data, entry.key)
		sh.mu.Unlock()
		s.addEvictions(1)
	}
}

// Stats reports the store's current size and eviction/trim counters for the
// status endpoint and metrics gauges.
type Stats struct {
	TrackedKeys int
	Evictions   int64
	Trims       int64
}

func (s *Store) Stats() Stats {
	s.lruMu.Lock()
	n := len(s.index)
	s.lruMu.Unlock()
	return Stats{TrackedKeys: n, Evictions: atomic.LoadInt64(&s.evictions), Trims: atomic.LoadInt64(&s.trims)}
}
