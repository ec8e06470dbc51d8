// Package models holds the shared value types that flow through the ingest
// pipeline: raw upstream messages, normalized messages, fused records and the
// small set of config structs reused by more than one package.
package models

import (
	"errors"
	"time"
)

// Kind distinguishes the two supported telemetry domains.
type Kind string

const (
	KindAIS  Kind = "ais"
	KindADSB Kind = "adsb"
)

// EntityKey identifies a tracked object across sources.
type EntityKey struct {
	Kind Kind
	ID   string // MMSI for AIS, ICAO hex for ADSB; else the normalizer's next fallback identifier
}

// RawMsg is the as-received payload from a source adapter, before
// normalization. Source is the adapter name that produced it (e.g.
// "signalr" for the push hub adapter, "adsbhttp", "adsbqueue").
type RawMsg struct {
	Source    string
	Kind      Kind
	Payload   []byte
	ReceivedAt time.Time
}

// NormMsg is a RawMsg after field aliasing and range validation. Speed is
// carried in knots (the Validator's unit-reconciliation target per spec
// §4.2); altitude is meters. Source is the upstream provider tag parsed out
// of the payload (e.g. "marine_traffic", "opensky"), not the adapter name.
type NormMsg struct {
	Key        EntityKey
	Source     string
	EventTime  time.Time // upstream-reported timestamp
	ReceivedAt time.Time // local receipt time

	Lat, Lon float64
	SOG      float64 // speed over ground, knots
	SOGUnit  string  // declared unit before Validator conversion: "kn", "mps", "kmh"
	HasSOG   bool
	COG      float64 // course over ground, degrees
	HasCOG   bool
	Heading  float64
	Altitude float64 // meters, ADSB only

	// Fields carries every field subject to the Scorer/Field Merger's
	// static/dynamic selection (§4.4): static identifiers (mmsi, imo,
	// callsign, name, registration, icao24) and dynamic fields mirrored
	// alongside their typed counterparts (speed, course, heading, altitude,
	// vertical_rate, status). A field absent from the map means the source
	// did not report it.
	Fields map[string]any

	SourceWeight float64
}

// FilterState is the per-key α–β smoother/predictor state.
type FilterState struct {
	Key EntityKey

	Lat, Lon   float64
	VLat, VLon float64 // m/s in lat/lon-equivalent units

	LastUpdate time.Time
	Confidence float64
}

// Conflict is an observational signal emitted when a numeric field's
// contributing candidates disagree by more than the merger's relative-spread
// threshold (§4.4). It never changes the merge outcome.
type Conflict struct {
	Field      string
	Candidates []string // contributing source names
	Timestamps []time.Time
	Spread     float64
}

// Decision is the output of the Fusion Decider for one key at one tick.
// Accepted is true whenever a merge was produced at all (i.e. the window
// wasn't empty); Publish and BackfillOnly are mutually exclusive outcomes
// within an accepted decision, per spec §4.5 step 5.
type Decision struct {
	Key          EntityKey
	Accepted     bool
	Publish      bool
	BackfillOnly bool
	Reason       string
	Merged       *FusedRecord
	Conflicts    []Conflict
}

// FusedRecord is the canonical, merged position record ready for publish.
type FusedRecord struct {
	Key       EntityKey
	EventTime time.Time
	Lat, Lon  float64
	SOG, COG  float64
	HasSOG    bool
	HasCOG    bool
	Heading   float64
	Altitude  float64
	Fields    map[string]any
	Sources   []string
	// Source is "fused" when >=2 distinct sources contributed a selected
	// field, otherwise the sole contributing source (§4.4).
	Source string
	Score  float64
}

// LastPublished records the last publication instant for a (kind,key) pair,
// used to enforce monotonic publication.
type LastPublished struct {
	Key EntityKey
	At  time.Time
}

// RateLimitConfig configures AdaptiveRateLimiter. Reused unchanged for
// adapter reconnect/backoff behavior, not HTTP domain throttling. The limiter
// reads only Enabled, Shards and DomainStateTTL; its token-bucket rates and
// breaker thresholds are fixed in internal/ratelimit, and the other fields
// are not read.
type RateLimitConfig struct {
	Enabled             bool
	InitialRPS          float64
	MinRPS              float64
	MaxRPS              float64
	TokenBucketCapacity float64

	AIMDIncrease         float64
	AIMDDecrease         float64
	LatencyTarget        time.Duration
	LatencyDegradeFactor float64

	ErrorRateThreshold       float64
	MinSamplesToTrip         int
	ConsecutiveFailThreshold int
	OpenStateDuration        time.Duration
	HalfOpenProbes           int

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	StatsWindow    time.Duration
	StatsBucket    time.Duration
	DomainStateTTL time.Duration
	Shards         int
}

// Ingest-pipeline domain errors.
var (
	ErrUnknownSource      = errors.New("unknown source for kind")
	ErrMalformedPayload   = errors.New("malformed source payload")
	ErrValidationRejected = errors.New("message rejected by validator")
	ErrTimestampInvalid   = errors.New("event timestamp invalid or in the future")
	ErrCacheWrite         = errors.New("realtime cache write failed")
	ErrStoreWrite         = errors.New("historical store write failed")
	ErrCapacityExceeded   = errors.New("capacity bound exceeded")
)

// IngestError wraps a domain error with the stage and key it occurred at.
type IngestError struct {
	Key   EntityKey
	Stage string
	Err   error
}

func (e *IngestError) Error() string { return e.Err.Error() }
func (e *IngestError) Unwrap() error { return e.Err }

func NewIngestError(key EntityKey, stage string, err error) *IngestError {
	return &IngestError{Key: key, Stage: stage, Err: err}
}
