// Package config loads the ingest core's environment-driven configuration,
// the way the teacher's engine.Defaults()/Config pair does, plus an optional
// YAML overlay for a reduced-scope, hot-reloadable subset of tunables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// Config is the process-wide configuration surface, loaded once at startup.
type Config struct {
	// Window / validity
	WindowMS          int64
	AllowedLatenessMS int64
	MaxEventAgeMS     int64
	SpeedLimitKN       float64

	// Smoother
	Alpha            float64
	Beta             float64
	MaxPredictionS   float64
	MaxFilterAgeMS   int64

	// Resources
	IngestChanCap    int
	WorkerPoolSize   int
	MaxEventsPerKey  int
	MaxTrackedKeys   int

	// Per-source weight overrides, e.g. SOURCE_WEIGHT_MARINE_TRAFFIC=0.95.
	SourceWeights map[string]float64

	// ADSB collector adapter
	ADSBCollectorEnabled    bool
	ADSBCollectorIntervalS  int
	ADSBLimitQuery          int
	ADSBRedisHashKey        string
	ADSBRedisTTL            time.Duration
	ADSBExternalAPIURL      string

	// AIS push hub adapter
	AISHost                     string
	AISDevice                   string
	AISUserID                   string
	AISQuery                    string
	AISAutoTrigger              bool
	AISAutoTriggerIntervalMS    int
	AISQueryMinutes             int
	AISQueryIncremental         bool
	AISUsingLastUpdateTime      bool

	// Retry policy, reused by the publisher's backoff.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	RateLimit models.RateLimitConfig

	// Drain deadline on shutdown.
	ShutdownDrain time.Duration

	// Metrics backend: "prometheus" (default), "otel", "noop".
	MetricsBackend string

	// Overlay enables the YAML + fsnotify hot-reload path (§2.1) for a
	// narrow subset of tunables: SourceWeights, WindowMS, AllowedLatenessMS.
	OverlayPath string
}

// Defaults returns a Config populated with the spec's documented defaults,
// mirroring the teacher's Defaults().
func Defaults() Config {
	return Config{
		WindowMS:          5 * 60 * 1000,
		AllowedLatenessMS: 10 * 60 * 1000,
		MaxEventAgeMS:     24 * 60 * 60 * 1000,
		SpeedLimitKN:       windowSpeedLimitDefaultKN,

		Alpha:          0.25,
		Beta:           0.08,
		MaxPredictionS: 600,
		MaxFilterAgeMS: 30 * 60 * 1000,

		IngestChanCap:   8192,
		WorkerPoolSize:  8,
		MaxEventsPerKey: 256,
		MaxTrackedKeys:  200_000,

		// Keyed by upstream provider name (spec §4.4's weight table), not
		// adapter name — overridable per-provider via SOURCE_WEIGHT_<name>.
		SourceWeights: map[string]float64{
			"marine_traffic": 0.90,
			"adsb_exchange":  0.90,
			"opensky":        0.85,
			"vessel_finder":  0.85,
			"aisstream":      0.88,
			"signalr":        0.82,
			"china_port":     0.80,
			"ais":            0.75,
			"custom":         0.70,
			"unknown":        0.50,
		},

		ADSBCollectorEnabled:   false,
		ADSBCollectorIntervalS: 30,
		ADSBLimitQuery:         1000,
		ADSBRedisHashKey:       "adsb:current_flights",
		ADSBRedisTTL:           5 * time.Minute,

		AISAutoTrigger:           false,
		AISAutoTriggerIntervalMS: 60_000,
		AISQueryMinutes:          10,
		AISQueryIncremental:      true,
		AISUsingLastUpdateTime:   true,

		RetryBaseDelay:   200 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
		RetryMaxAttempts: 3,

		RateLimit: models.RateLimitConfig{
			Enabled:                  true,
			InitialRPS:               2.0,
			MinRPS:                   0.25,
			MaxRPS:                   8.0,
			TokenBucketCapacity:      4.0,
			AIMDIncrease:             0.25,
			AIMDDecrease:             0.5,
			LatencyTarget:            1 * time.Second,
			LatencyDegradeFactor:     2.0,
			ErrorRateThreshold:       0.4,
			MinSamplesToTrip:         10,
			ConsecutiveFailThreshold: 5,
			OpenStateDuration:        15 * time.Second,
			HalfOpenProbes:           3,
			RetryBaseDelay:           200 * time.Millisecond,
			RetryMaxDelay:            5 * time.Second,
			RetryMaxAttempts:         3,
			StatsWindow:              30 * time.Second,
			StatsBucket:              2 * time.Second,
			DomainStateTTL:           2 * time.Minute,
			Shards:                   16,
		},

		ShutdownDrain:  5 * time.Second,
		MetricsBackend: "prometheus",
	}
}

const windowSpeedLimitDefaultKN = 60.0

// FromEnv starts from Defaults() and overrides any field whose environment
// variable is set, per the documented env table.
func FromEnv() Config {
	c := Defaults()

	envInt64(&c.WindowMS, "WINDOW_MS")
	envInt64(&c.AllowedLatenessMS, "ALLOWED_LATENESS_MS")
	envInt64(&c.MaxEventAgeMS, "MAX_EVENT_AGE_MS")
	envFloat(&c.SpeedLimitKN, "SPEED_LIMIT_KN")

	envFloat(&c.Alpha, "ALPHA")
	envFloat(&c.Beta, "BETA")
	envFloat(&c.MaxPredictionS, "MAX_PREDICTION_S")
	envInt64(&c.MaxFilterAgeMS, "MAX_FILTER_AGE_MS")

	envInt(&c.IngestChanCap, "INGEST_CHAN_CAP")
	envInt(&c.WorkerPoolSize, "WORKER_POOL_SIZE")
	envInt(&c.MaxEventsPerKey, "MAX_EVENTS_PER_KEY")
	envInt(&c.MaxTrackedKeys, "MAX_TRACKED_KEYS")

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "SOURCE_WEIGHT_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, "SOURCE_WEIGHT_"))
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SourceWeights[name] = f
		}
	}

	envBool(&c.ADSBCollectorEnabled, "ADSB_COLLECTOR_ENABLED")
	envInt(&c.ADSBCollectorIntervalS, "ADSB_COLLECTOR_INTERVAL_S")
	envInt(&c.ADSBLimitQuery, "ADSB_LIMIT_QUERY")
	envString(&c.ADSBRedisHashKey, "ADSB_REDIS_HASH_KEY")
	envDuration(&c.ADSBRedisTTL, "ADSB_REDIS_TTL")
	envString(&c.ADSBExternalAPIURL, "ADSB_EXTERNAL_API_URL")

	envString(&c.AISHost, "AIS_HOST")
	envString(&c.AISDevice, "AIS_DEVICE")
	envString(&c.AISUserID, "AIS_USER_ID")
	envString(&c.AISQuery, "AIS_QUERY")
	envBool(&c.AISAutoTrigger, "AIS_AUTO_TRIGGER")
	envInt(&c.AISAutoTriggerIntervalMS, "AIS_AUTO_TRIGGER_INTERVAL_MS")
	envInt(&c.AISQueryMinutes, "AIS_QUERY_MINUTES")
	envBool(&c.AISQueryIncremental, "AIS_QUERY_INCREMENTAL")
	envBool(&c.AISUsingLastUpdateTime, "AIS_USING_LAST_UPDATE_TIME")

	envString(&c.OverlayPath, "CONFIG_OVERLAY_PATH")
	envString(&c.MetricsBackend, "METRICS_BACKEND")

	return c
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
