// Package pushhub implements the AIS streaming push hub adapter: a client
// that connects to an upstream push hub over websocket, falling back to SSE
// and then long-polling if the preferred transport is unavailable (spec
// §4.7/§6's transport negotiation order), and separately drives the hub's
// query-trigger protocol — QueryCount/QueryData/QueryEnd event dispatch, an
// incrementally-advancing T0 watermark, cold-start lookback escalation, and
// periodic diagnostic probes when the upstream goes quiet. Reconnects are
// paced by internal/ratelimit's AdaptiveRateLimiter, exactly as the
// teacher's pipeline paces extraction retries against
// AdaptiveRateLimiter-gated domains.
package pushhub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/Phambanam99/tracking-sub002/internal/ratelimit"
)

const sourceName = "signalr"

type Transport string

const (
	TransportWS       Transport = "ws"
	TransportSSE      Transport = "sse"
	TransportLongPoll Transport = "longpoll"
)

// connState names the adapter's connection lifecycle (spec §4.7):
// Disconnected -> Connecting -> Connected -> (Triggering <-> Idle) ->
// Reconnecting -> Connecting, and Disconnected once the context is cancelled.
type connState string

const (
	StateDisconnected connState = "disconnected"
	StateConnecting   connState = "connecting"
	StateConnected    connState = "connected"
	StateTriggering   connState = "triggering"
	StateIdle         connState = "idle"
	StateReconnecting connState = "reconnecting"
)

// lookbackStages is the cold-start escalation ladder: while no data has
// arrived yet, each empty trigger cycle widens the query window.
var lookbackStages = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute}

// diagnosticLookbacks and diagnosticSampleLimit bound the probe queries
// issued after emptyCyclesForDiagnostic consecutive empty trigger cycles —
// a capped, logged-only sanity check that the upstream itself is alive.
var diagnosticLookbacks = []time.Duration{1 * time.Hour, 24 * time.Hour}

const (
	diagnosticSampleLimit        = 50
	emptyCyclesForDiagnostic     = 2
	incrementalTrailingOverlap   = 60 * time.Second // T0 advance overlap, spec §4.7
)

// Sink receives RawMsg values as they arrive; internal/orchestrator.Submit
// satisfies this.
type Sink interface {
	Submit(ctx context.Context, raw models.RawMsg) error
}

type Config struct {
	WSURL       string
	SSEURL      string
	LongPollURL string
	HTTPClient  *http.Client

	// Host is the base URL the trigger query (`POST {Host}/api/query`) is
	// issued against; UserID/Query identify the subscription. AutoTrigger
	// enables the periodic trigger loop; AutoTriggerInterval paces it.
	Host                string
	UserID              string
	Query               string
	AutoTrigger         bool
	AutoTriggerInterval time.Duration

	// Until the first data arrives, triggers use the cold-start lookback
	// ladder. After that, QueryIncremental starts each window at the advancing
	// T0 watermark; otherwise the window is the last QueryMinutes minutes.
	// UsingLastUpdateTime is passed through verbatim on every trigger request.
	QueryMinutes         int
	QueryIncremental     bool
	UsingLastUpdateTime  bool
}

func (c Config) withDefaults() Config {
	if c.AutoTriggerInterval <= 0 {
		c.AutoTriggerInterval = 60 * time.Second
	}
	if c.QueryMinutes <= 0 {
		c.QueryMinutes = 10
	}
	return c
}

type Adapter struct {
	cfg     Config
	sink    Sink
	limiter ratelimit.Limiter
	log     *slog.Logger

	connID string

	mu         sync.Mutex
	state      connState
	t0         time.Time // incremental watermark; zero means cold start
	lookback   int       // index into lookbackStages while cold
	emptyCount int
}

func New(cfg Config, sink Sink, limiter ratelimit.Limiter, log *slog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, sink: sink, limiter: limiter, log: log, connID: uuid.NewString(), state: StateDisconnected}
}

func (a *Adapter) setState(s connState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.log.Debug("pushhub state transition", "from", prev, "to", s, "conn_id", a.connID)
	}
}

// Run connects using the first available transport in ws, sse, longpoll
// order, drives the trigger loop alongside it if AutoTrigger is set, and
// reconnects with rate-limiter-gated backoff until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	if a.cfg.AutoTrigger {
		go a.triggerLoop(ctx)
	}
	for {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return ctx.Err()
		}
		permit, err := a.limiter.Acquire(ctx, sourceName)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		a.setState(StateConnecting)
		start := time.Now()
		runErr := a.runOnce(ctx)
		latency := time.Since(start)
		permit.Release()
		a.limiter.Feedback(sourceName, ratelimit.Feedback{Err: runErr, Latency: latency})
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return ctx.Err()
		}
		a.setState(StateReconnecting)
		if runErr != nil {
			a.log.Warn("pushhub connection dropped, reconnecting", "err", runErr, "conn_id", a.connID)
		}
	}
}

func (a *Adapter) runOnce(ctx context.Context) error {
	switch {
	case a.cfg.WSURL != "":
		if err := a.runWebsocket(ctx); err == nil || ctx.Err() != nil {
			return err
		}
		fallthrough
	case a.cfg.SSEURL != "":
		if err := a.runSSE(ctx); err == nil || ctx.Err() != nil {
			return err
		}
		fallthrough
	case a.cfg.LongPollURL != "":
		return a.runLongPoll(ctx)
	default:
		return fmt.Errorf("pushhub: no transport configured")
	}
}

func (a *Adapter) runWebsocket(ctx context.Context) error {
	u, err := url.Parse(a.cfg.WSURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("connection_id", a.connID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()
	a.setState(StateConnected)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := a.dispatch(ctx, payload); err != nil {
			return err
		}
	}
}

func (a *Adapter) runSSE(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.SSEURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse: unexpected status %d", resp.StatusCode)
	}
	a.setState(StateConnected)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := a.dispatch(ctx, []byte(data)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *Adapter) runLongPoll(ctx context.Context) error {
	a.setState(StateConnected)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.cfg.LongPollURL, nil)
		if err != nil {
			cancel()
			return err
		}
		resp, err := a.cfg.HTTPClient.Do(req)
		cancel()
		if err != nil {
			return err
		}
		var batch []json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return err
		}
		for _, item := range batch {
			if err := a.dispatch(ctx, item); err != nil {
				return err
			}
		}
	}
}

// hubEvent is the SignalR-style envelope the push hub wraps every frame in:
// Target names the event (QueryCount/QueryData/QueryEnd); a frame with no
// Target is treated as a bare AIS record for backward compatibility with
// transports that don't wrap frames (e.g. a raw SSE data: line).
type hubEvent struct {
	Target    string            `json:"Target"`
	Arguments []json.RawMessage `json:"Arguments"`
}

// dispatch routes one transport frame by its hub event Target:
// QueryCount logs the expected result count, QueryData forwards each
// contained AIS record, advances the incremental T0 watermark and resets the
// empty-cycle count, and QueryEnd returns the adapter to the Idle state.
// Empty cycles are counted by fireTrigger.
func (a *Adapter) dispatch(ctx context.Context, payload []byte) error {
	var ev hubEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Target == "" {
		return a.forward(ctx, payload)
	}
	switch ev.Target {
	case "QueryCount":
		a.log.Debug("pushhub QueryCount", "conn_id", a.connID, "raw", string(firstArg(ev.Arguments)))
		return nil
	case "QueryData":
		return a.handleQueryData(ctx, ev.Arguments)
	case "QueryEnd":
		a.handleQueryEnd()
		return nil
	default:
		return nil
	}
}

func firstArg(args []json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("null")
	}
	return args[0]
}

func (a *Adapter) handleQueryData(ctx context.Context, args []json.RawMessage) error {
	a.setState(StateTriggering)
	var records []json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &records); err != nil {
			// Tolerate a single record where an array was expected.
			records = []json.RawMessage{args[0]}
		}
	}
	if len(records) == 0 {
		return nil
	}

	a.mu.Lock()
	a.emptyCount = 0
	a.mu.Unlock()

	maxTS := time.Time{}
	for _, rec := range records {
		if err := a.forward(ctx, rec); err != nil {
			return err
		}
		if ts, ok := extractEventTime(rec); ok && ts.After(maxTS) {
			maxTS = ts
		}
	}
	if !maxTS.IsZero() {
		a.mu.Lock()
		a.t0 = maxTS.Add(incrementalTrailingOverlap)
		a.lookback = 0
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) handleQueryEnd() {
	a.setState(StateIdle)
}

// extractEventTime pulls a `ts`/`timestamp`/`updatetime` field out of a raw
// AIS record for T0 tracking, without going through the full normalizer.
func extractEventTime(raw json.RawMessage) (time.Time, bool) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return time.Time{}, false
	}
	for _, key := range []string{"ts", "timestamp", "updatetime", "event_ts"} {
		v, ok := generic[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return time.Unix(int64(t), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func (a *Adapter) forward(ctx context.Context, payload []byte) error {
	return a.sink.Submit(ctx, models.RawMsg{
		Source:     sourceName,
		Kind:       models.KindAIS,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

// triggerQuery is the documented POST /api/query body (spec §6).
type triggerQuery struct {
	ConnectionId        string `json:"ConnectionId"`
	UserId              string `json:"UserId"`
	Query               string `json:"Query"`
	UsingLastUpdateTime bool   `json:"UsingLastUpdateTime"`
}

// triggerLoop periodically POSTs a trigger query to wake the hub into
// pushing QueryData/QueryEnd frames over the active transport. It tracks
// its own cold-start lookback escalation and emits diagnostic probes after
// repeated empty cycles — independent of which transport is currently
// connected.
func (a *Adapter) triggerLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AutoTriggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.fireTrigger(ctx)
		}
	}
}

func (a *Adapter) fireTrigger(ctx context.Context) {
	a.mu.Lock()
	cold := a.t0.IsZero()
	var since time.Time
	if cold {
		idx := a.lookback
		if idx >= len(lookbackStages) {
			idx = len(lookbackStages) - 1
		}
		since = time.Now().Add(-lookbackStages[idx])
		if a.lookback < len(lookbackStages)-1 {
			a.lookback++
		}
	} else if a.cfg.QueryIncremental {
		since = a.t0
	}
	a.mu.Unlock()

	query := a.cfg.Query
	if since.IsZero() {
		since = time.Now().Add(-time.Duration(a.cfg.QueryMinutes) * time.Minute)
	}

	if err := a.postTrigger(ctx, query, since); err != nil {
		a.log.Warn("pushhub trigger query failed", "err", err, "conn_id", a.connID)
	}

	a.mu.Lock()
	a.emptyCount++
	reachedDiagnostic := a.emptyCount >= emptyCyclesForDiagnostic
	a.mu.Unlock()

	if reachedDiagnostic {
		a.runDiagnosticProbes(ctx)
	}
}

// postTrigger issues the trigger query itself. The actual hub response
// arrives asynchronously over the connected transport as QueryCount /
// QueryData / QueryEnd frames, not in this HTTP response body.
func (a *Adapter) postTrigger(ctx context.Context, query string, since time.Time) error {
	if a.cfg.Host == "" {
		return nil
	}
	body, err := json.Marshal(triggerQuery{
		ConnectionId:        a.connID,
		UserId:              a.cfg.UserID,
		Query:               queryWithSince(query, since),
		UsingLastUpdateTime: a.cfg.UsingLastUpdateTime,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(a.cfg.Host, "/")+"/api/query", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushhub: trigger query status %d", resp.StatusCode)
	}
	return nil
}

// runDiagnosticProbes issues capped, logged-only wide-lookback queries to
// check whether the upstream is alive at all when the normal incremental
// trigger has come up empty repeatedly.
func (a *Adapter) runDiagnosticProbes(ctx context.Context) {
	for _, lookback := range diagnosticLookbacks {
		since := time.Now().Add(-lookback)
		q := fmt.Sprintf("%s LIMIT %d", queryWithSince(a.cfg.Query, since), diagnosticSampleLimit)
		if err := a.postTrigger(ctx, q, since); err != nil {
			a.log.Warn("pushhub diagnostic probe failed", "lookback", lookback, "err", err)
			continue
		}
		a.log.Info("pushhub diagnostic probe sent", "lookback", lookback, "conn_id", a.connID)
	}
}

func queryWithSince(query string, since time.Time) string {
	if query == "" {
		return since.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s?since=%s", query, since.UTC().Format(time.RFC3339))
}
