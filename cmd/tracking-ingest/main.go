// Command tracking-ingest runs the AIS/ADSB ingest-and-fusion core: it wires
// configuration, the three source adapters, the orchestrator, and the
// realtime/historical publish fan-out, then blocks until an interrupt signal
// asks for a cooperative shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Phambanam99/tracking-sub002/internal/adapters/adsbhttp"
	"github.com/Phambanam99/tracking-sub002/internal/adapters/adsbqueue"
	"github.com/Phambanam99/tracking-sub002/internal/adapters/pushhub"
	appconfig "github.com/Phambanam99/tracking-sub002/internal/config"
	"github.com/Phambanam99/tracking-sub002/internal/lastpublished"
	"github.com/Phambanam99/tracking-sub002/internal/orchestrator"
	"github.com/Phambanam99/tracking-sub002/internal/publish"
	"github.com/Phambanam99/tracking-sub002/internal/ratelimit"
	"github.com/Phambanam99/tracking-sub002/internal/smoother"
	"github.com/Phambanam99/tracking-sub002/internal/telemetry/logging"
	"github.com/Phambanam99/tracking-sub002/internal/telemetry/metrics"
	"github.com/Phambanam99/tracking-sub002/internal/window"
)

func main() {
	baseLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	log := logging.New(baseLogger)

	cfg := appconfig.FromEnv()
	watcher, err := appconfig.NewWatcher(cfg, cfg.OverlayPath)
	if err != nil {
		baseLogger.Error("config overlay load failed", "err", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		baseLogger.Error("config overlay watch failed", "err", err)
		os.Exit(1)
	}
	defer watcher.Close()
	// The overlay as loaded at startup applies to everything built below;
	// later reloads only update the watcher's snapshot, which these
	// components do not re-read.
	cfg = watcher.Current()

	reg := prometheus.NewRegistry()
	metricsProvider := metrics.New(metrics.Backend(cfg.MetricsBackend), reg, nil)
	ingestMetrics := metrics.NewIngestMetrics(metricsProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: envOr("REDIS_ADDR", "localhost:6379")})
	defer redisClient.Close()

	var pgPool *pgxpool.Pool
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pgPool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			baseLogger.Error("postgres connect failed", "err", err)
			os.Exit(1)
		}
		defer pgPool.Close()
	}

	cache := publish.NewRedisCache(redisClient)
	var store publish.HistoricalStore
	if pgPool != nil {
		store = publish.NewPostgresStore(pgPool)
	}
	pub := publish.New(cache, store, baseLogger)

	lp, err := lastpublished.Open(lastpublished.Config{CheckpointPath: envOr("LASTPUBLISHED_CHECKPOINT_PATH", "")})
	if err != nil {
		baseLogger.Error("last-published store open failed", "err", err)
		os.Exit(1)
	}
	defer lp.Close()

	orch := orchestrator.New(orchestrator.Config{
		IngestWorkers:    cfg.WorkerPoolSize,
		BufferSize:       cfg.IngestChanCap,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		Window: window.Config{
			WindowMS:          cfg.WindowMS,
			AllowedLatenessMS: cfg.AllowedLatenessMS,
			MaxEventAgeMS:     cfg.MaxEventAgeMS,
			MaxEventsPerKey:   cfg.MaxEventsPerKey,
			MaxTrackedKeys:    cfg.MaxTrackedKeys,
		},
		Smoother: smoother.Config{
			IdleTTL:        time.Duration(cfg.MaxFilterAgeMS) * time.Millisecond,
			MaxPredictionS: cfg.MaxPredictionS,
		},
		Metrics:       ingestMetrics,
		SourceWeights: cfg.SourceWeights,
	}, pub, lp, baseLogger)
	defer orch.Stop()

	limiter := ratelimit.NewAdaptiveRateLimiter(cfg.RateLimit)
	defer limiter.Close()

	if url := os.Getenv("AIS_PUSHHUB_WS_URL"); url != "" {
		hub := pushhub.New(pushhub.Config{
			WSURL:       url,
			SSEURL:      os.Getenv("AIS_PUSHHUB_SSE_URL"),
			LongPollURL: os.Getenv("AIS_PUSHHUB_LONGPOLL_URL"),

			Host:                cfg.AISHost,
			UserID:              cfg.AISUserID,
			Query:               cfg.AISQuery,
			AutoTrigger:         cfg.AISAutoTrigger,
			AutoTriggerInterval: time.Duration(cfg.AISAutoTriggerIntervalMS) * time.Millisecond,
			QueryMinutes:        cfg.AISQueryMinutes,
			QueryIncremental:    cfg.AISQueryIncremental,
			UsingLastUpdateTime: cfg.AISUsingLastUpdateTime,
		}, orch, limiter, baseLogger)
		go runAdapter(ctx, "pushhub", hub.Run, log)
	}
	if cfg.ADSBExternalAPIURL != "" {
		httpAdapter := adsbhttp.New(adsbhttp.Config{URL: cfg.ADSBExternalAPIURL}, orch, limiter, baseLogger)
		go runAdapter(ctx, "adsbhttp", httpAdapter.Run, log)
	}
	if cfg.ADSBCollectorEnabled {
		queueAdapter := adsbqueue.New(adsbqueue.Config{QueueKey: envOr("ADSB_QUEUE_KEY", "")}, redisClient, orch, baseLogger)
		go runAdapter(ctx, "adsbqueue", queueAdapter.Run, log)
	}

	statusSrv := newStatusServer(envOr("STATUS_ADDR", ":8081"), orch, reg)
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			baseLogger.Error("status server failed", "err", err)
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	_ = statusSrv.Shutdown(shutdownCtx)
}

func runAdapter(ctx context.Context, name string, run func(context.Context) error, log logging.Logger) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.ErrorCtx(ctx, "adapter exited with error", "adapter", name, "err", err)
	}
}

func newStatusServer(addr string, orch *orchestrator.Orchestrator, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, orch.Status())
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeStatus(w http.ResponseWriter, status orchestrator.Status) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
