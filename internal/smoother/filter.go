// Package smoother implements the α–β filter/predictor: a sharded map of
// per-key FilterState, updated on every accepted fusion decision and capable
// of dead-reckoning a position forward between updates. The map sharding and
// idle-entry cleanup loop are the same idiom as internal/ratelimit's
// domain-shard eviction loop, retargeted from idle upstream domains to idle
// tracked keys.
package smoother

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

const (
	Alpha          = 0.25
	Beta           = 0.08
	KnotToMPS      = 0.514444
	DegLatMeters   = 111_320.0
	MinDT          = 0.5   // seconds; smaller update intervals are clamped up to this value
	ConfidenceTau  = 300.0 // seconds; confidence decay time constant
	VelocityBlend  = 0.3   // weight given to raw SOG/COG vs filter-estimated velocity on update
	MaxPredictionS = 600.0 // seconds; Predict refuses to dead-reckon beyond this horizon
	DefaultShards  = 32
	DefaultIdleTTL = 10 * time.Minute
)

type Config struct {
	Shards         int
	IdleTTL        time.Duration
	MaxPredictionS float64
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 || (c.Shards&(c.Shards-1)) != 0 {
		c.Shards = DefaultShards
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.MaxPredictionS <= 0 {
		c.MaxPredictionS = MaxPredictionS
	}
	return c
}

type Filter struct {
	cfg      Config
	shards   []*shard
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type shard struct {
	mu    sync.Mutex
	state map[models.EntityKey]*models.FilterState
}

func New(cfg Config) *Filter {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{state: make(map[models.EntityKey]*models.FilterState)}
	}
	f := &Filter{cfg: cfg, shards: shards, stopCh: make(chan struct{})}
	f.wg.Add(1)
	go f.cleanupLoop()
	return f
}

func (f *Filter) shardFor(key models.EntityKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(key.Kind)))
	_, _ = h.Write([]byte(key.ID))
	return f.shards[h.Sum32()&uint32(len(f.shards)-1)]
}

// degLonMeters approximates meters-per-degree-longitude at latitude lat.
func degLonMeters(lat float64) float64 {
	return DegLatMeters * math.Cos(lat*math.Pi/180)
}

// Update folds a new fused position into the key's filter state, applying
// the α–β correction against the state's dead-reckoned prediction for `now`.
// Returns the updated state (a copy).
func (f *Filter) Update(now time.Time, rec models.FusedRecord) models.FilterState {
	sh := f.shardFor(rec.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.state[rec.Key]
	if !ok {
		st = &models.FilterState{
			Key: rec.Key, Lat: rec.Lat, Lon: rec.Lon,
			LastUpdate: now, Confidence: 1,
		}
		if rec.HasSOG && rec.HasCOG {
			st.VLat, st.VLon = sogCogToVelocity(rec.SOG, rec.COG)
		}
		sh.state[rec.Key] = st
		return *st
	}

	dt := now.Sub(st.LastUpdate).Seconds()
	if dt < MinDT {
		dt = MinDT
	}

	predLat := st.Lat + st.VLat*dt/DegLatMeters
	predLon := st.Lon + st.VLon*dt/degLonMeters(st.Lat)

	residualLat := rec.Lat - predLat
	residualLon := rec.Lon - predLon

	st.Lat = predLat + Alpha*residualLat
	st.Lon = predLon + Alpha*residualLon

	corrVLat := Beta * residualLat * DegLatMeters / dt
	corrVLon := Beta * residualLon * degLonMeters(st.Lat) / dt

	if rec.HasSOG && rec.HasCOG {
		rawVLat, rawVLon := sogCogToVelocity(rec.SOG, rec.COG)
		st.VLat = (1-VelocityBlend)*(st.VLat+corrVLat) + VelocityBlend*rawVLat
		st.VLon = (1-VelocityBlend)*(st.VLon+corrVLon) + VelocityBlend*rawVLon
	} else {
		st.VLat += corrVLat
		st.VLon += corrVLon
	}

	st.Confidence = math.Min(1, st.Confidence+0.1)
	st.LastUpdate = now
	return *st
}

// Predict dead-reckons the key's position forward to `now` without mutating
// stored state, and decays confidence by elapsed time / ConfidenceTau.
// Returns false ("none") if dt is negative or exceeds the filter's
// MaxPredictionS horizon.
func (f *Filter) Predict(now time.Time, key models.EntityKey) (models.FilterState, bool) {
	sh := f.shardFor(key)
	sh.mu.Lock()
	st, ok := sh.state[key]
	if !ok {
		sh.mu.Unlock()
		return models.FilterState{}, false
	}
	cpy := *st
	sh.mu.Unlock()

	dt := now.Sub(cpy.LastUpdate).Seconds()
	if dt < 0 || dt > f.cfg.MaxPredictionS {
		return models.FilterState{}, false
	}
	if dt == 0 {
		return cpy, true
	}
	cpy.Lat += cpy.VLat * dt / DegLatMeters
	cpy.Lon += cpy.VLon * dt / degLonMeters(cpy.Lat)
	cpy.Confidence *= math.Exp(-dt / ConfidenceTau)
	return cpy, true
}

// sogCogToVelocity decomposes a knots speed/course pair into lat/lon
// velocity components in m/s.
func sogCogToVelocity(sogKN, cogDeg float64) (vLat, vLon float64) {
	sogMPS := sogKN * KnotToMPS
	rad := cogDeg * math.Pi / 180
	vNorth := sogMPS * math.Cos(rad)
	vEast := sogMPS * math.Sin(rad)
	return vNorth, vEast
}

// Stats reports active FilterState count across all shards.
type Stats struct{ Active int }

func (f *Filter) Stats() Stats {
	n := 0
	for _, sh := range f.shards {
		sh.mu.Lock()
		n += len(sh.state)
		sh.mu.Unlock()
	}
	return Stats{Active: n}
}

func (f *Filter) cleanupLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.cleanup(time.Now())
		case <-f.stopCh:
			return
		}
	}
}

// cleanup removes FilterStates idle (no Update) for longer than IdleTTL.
func (f *Filter) cleanup(now time.Time) int {
	removed := 0
	for _, sh := range f.shards {
		sh.mu.Lock()
		for k, st := range sh.state {
			if now.Sub(st.LastUpdate) >= f.cfg.IdleTTL {
				delete(sh.state, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (f *Filter) Close() error {
	f.stopOnce.Do(func() { close(f.stopCh); f.wg.Wait() })
	return nil
}
