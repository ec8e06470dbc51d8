// Package adsbhttp implements the ADSB HTTP streaming puller: it issues a
// POST against the upstream ADSB stream endpoint with a field/position
// filter body and streams newline-delimited JSON batches as they arrive,
// reconnecting through the same ratelimit-gated backoff as the push hub
// adapter. Each NDJSON line is itself a JSON array of aircraft records
// (spec §4.7), not a single record.
package adsbhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/Phambanam99/tracking-sub002/internal/ratelimit"
)

const sourceName = "adsbhttp"

// streamPath is appended to Config.URL to form the stream endpoint, per
// spec §6 (`POST <base>/adsb/stream`).
const streamPath = "/adsb/stream"

// OverallTimeout bounds one streaming connection's total lifetime;
// BatchSilenceTimeout bounds the gap between two consecutive batch lines
// before the connection is considered stalled. MaxBatches/MaxAircraft cap a
// single connection's throughput so a runaway upstream can't grow the
// ingest buffer without bound (spec §4.7).
const (
	OverallTimeout      = 60 * time.Second
	BatchSilenceTimeout = 5 * time.Second
	MaxBatches          = 2000
	MaxAircraft         = 50_000
)

type Sink interface {
	Submit(ctx context.Context, raw models.RawMsg) error
}

// streamRequest is the documented POST body for the stream endpoint.
type streamRequest struct {
	FieldFilter    []string `json:"FieldFilter,omitempty"`
	PositionFilter string   `json:"PositionFilter,omitempty"`
}

type Config struct {
	URL            string
	FieldFilter    []string
	PositionFilter string
	HTTPClient     *http.Client
}

type Adapter struct {
	cfg     Config
	sink    Sink
	limiter ratelimit.Limiter
	log     *slog.Logger
}

func New(cfg Config, sink Sink, limiter ratelimit.Limiter, log *slog.Logger) *Adapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 0}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, sink: sink, limiter: limiter, log: log}
}

func (a *Adapter) Run(ctx context.Context) error {
	a.log.Info("adsbhttp adapter starting", "url", a.cfg.URL, "field_filter", a.cfg.FieldFilter, "position_filter", a.cfg.PositionFilter)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		permit, err := a.limiter.Acquire(ctx, sourceName)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		start := time.Now()
		runErr := a.runOnce(ctx)
		latency := time.Since(start)
		permit.Release()
		a.limiter.Feedback(sourceName, ratelimit.Feedback{Err: runErr, Latency: latency})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if runErr != nil {
			a.log.Warn("adsbhttp stream dropped, reconnecting", "err", runErr)
		}
	}
}

func (a *Adapter) runOnce(ctx context.Context) error {
	reqURL, err := a.buildURL()
	if err != nil {
		return err
	}
	body, err := json.Marshal(streamRequest{FieldFilter: a.cfg.FieldFilter, PositionFilter: a.cfg.PositionFilter})
	if err != nil {
		return err
	}

	overallCtx, cancel := context.WithTimeout(ctx, OverallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(overallCtx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adsbhttp: unexpected status %d", resp.StatusCode)
	}

	return a.streamBatches(overallCtx, resp.Body)
}

// streamBatches reads NDJSON lines from r, each expected to decode as a
// JSON array of aircraft records, and submits each record individually. A
// line that fails to decode as an array is logged and dropped rather than
// submitted malformed. Reading stops once MaxBatches or MaxAircraft is
// reached, or the gap since the last line exceeds BatchSilenceTimeout.
func (a *Adapter) streamBatches(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lineCh <- line:
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
		close(lineCh)
	}()

	batches, aircraft := 0, 0
	silence := time.NewTimer(BatchSilenceTimeout)
	defer silence.Stop()

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(BatchSilenceTimeout)

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var batch []json.RawMessage
			if err := json.Unmarshal(line, &batch); err != nil {
				a.log.Warn("adsbhttp malformed batch line, dropping", "err", err)
				continue
			}
			batches++
			now := time.Now()
			for _, rec := range batch {
				if err := a.sink.Submit(ctx, models.RawMsg{
					Source: sourceName, Kind: models.KindADSB,
					Payload: rec, ReceivedAt: now,
				}); err != nil {
					return err
				}
				aircraft++
				if aircraft >= MaxAircraft {
					a.log.Warn("adsbhttp MAX_AIRCRAFT reached, closing connection", "aircraft", aircraft)
					return nil
				}
			}
			if batches >= MaxBatches {
				a.log.Warn("adsbhttp MAX_BATCHES reached, closing connection", "batches", batches)
				return nil
			}
		case <-silence.C:
			return fmt.Errorf("adsbhttp: no batch received within %s", BatchSilenceTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Adapter) buildURL() (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(u.Path, streamPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	}
	return u.String(), nil
}
