package fusion

import (
	"testing"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/Phambanam99/tracking-sub002/internal/window"
	"github.com/stretchr/testify/require"
)

func TestScoreDecaysOverFixedFifteenMinuteWindow(t *testing.T) {
	now := time.Now()
	fresh := models.NormMsg{EventTime: now, SourceWeight: 0.8}
	stale := models.NormMsg{EventTime: now.Add(-10 * time.Minute), SourceWeight: 0.8}
	sFresh := Score(now, fresh, 1)
	sStale := Score(now, stale, 1)
	require.Greater(t, sFresh, sStale)

	veryStale := models.NormMsg{EventTime: now.Add(-20 * time.Minute), SourceWeight: 0.8}
	require.InDelta(t, WeightSource*0.8+WeightValidity, Score(now, veryStale, 1), 1e-9)
}

func TestMergeSelectsAnchorByGreatestEventTime(t *testing.T) {
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, Lat: 1, Source: "adsb_exchange", SourceWeight: 0.9, EventTime: now.Add(-5 * time.Second)}, score: 0.9},
		{msg: models.NormMsg{Key: key, Lat: 2, Source: "opensky", SourceWeight: 0.1, EventTime: now}, score: 0.2},
	}
	rec, _ := Merge(key, candidates)
	// Lower-scored candidate wins position because it's the newer event, not
	// the higher composite score.
	require.Equal(t, 2.0, rec.Lat)
}

func TestMergeFlagsConflictAcrossAllContributors(t *testing.T) {
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "a", SourceWeight: 0.9, Fields: map[string]any{"speed": 100.0}}},
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "b", SourceWeight: 0.9, Fields: map[string]any{"speed": 10.0}}},
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "c", SourceWeight: 0.9, Fields: map[string]any{"speed": 95.0}}},
	}
	_, conflicts := Merge(key, candidates)
	require.Len(t, conflicts, 1)
	require.Equal(t, "speed", conflicts[0].Field)
	require.Len(t, conflicts[0].Candidates, 3)
	require.Greater(t, conflicts[0].Spread, ConflictThreshold)
}

func TestMergeNoConflictBelowThreshold(t *testing.T) {
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "a", SourceWeight: 0.9, Fields: map[string]any{"speed": 100.0}}},
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "b", SourceWeight: 0.9, Fields: map[string]any{"speed": 95.0}}},
	}
	_, conflicts := Merge(key, candidates)
	require.Empty(t, conflicts)
}

func TestMergeStaticFieldPrefersHigherWeightInWindow(t *testing.T) {
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "custom", SourceWeight: 0.70, Fields: map[string]any{"callsign": "LOWCONF"}}},
		{msg: models.NormMsg{Key: key, EventTime: now.Add(-10 * time.Second), Source: "marine_traffic", SourceWeight: 0.90, Fields: map[string]any{"callsign": "HICONF"}}},
	}
	rec, _ := Merge(key, candidates)
	require.Equal(t, "HICONF", rec.Fields["callsign"])
}

func TestMergeSourceIsFusedWhenMultipleContribute(t *testing.T) {
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, EventTime: now.Add(-time.Second), Source: "marine_traffic", SourceWeight: 0.9, Fields: map[string]any{"callsign": "X"}}},
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "aisstream", SourceWeight: 0.88, Fields: map[string]any{"status": "underway"}}},
	}
	rec, _ := Merge(key, candidates)
	require.Equal(t, "fused", rec.Source)
}

func TestDeciderRejectsEmptyWindow(t *testing.T) {
	d := NewDecider(30*time.Second, 2*time.Second)
	dec := d.Decide(time.Now(), &window.Window{}, time.Time{})
	require.False(t, dec.Accepted)
	require.Equal(t, "empty_window", dec.Reason)
}

// TestScenarioS1NewestWins: two AIS messages at now-3min and now-1min, no
// last-published instant. Both are "newer" (no last_published to compare
// against); the merge anchors on the later message.
func TestScenarioS1NewestWins(t *testing.T) {
	d := NewDecider(30*time.Minute, 10*time.Minute)
	now := time.Now()
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	win := &window.Window{Key: key, Events: []models.NormMsg{
		{Key: key, EventTime: now.Add(-3 * time.Minute), Source: "marine_traffic", SourceWeight: 0.9, Lat: 1},
		{Key: key, EventTime: now.Add(-1 * time.Minute), Source: "marine_traffic", SourceWeight: 0.9, Lat: 2},
	}}
	dec := d.Decide(now, win, time.Time{})
	require.True(t, dec.Accepted)
	require.True(t, dec.Publish)
	require.False(t, dec.BackfillOnly)
	require.Equal(t, 2.0, dec.Merged.Lat)
}

// TestScenarioS2BackfillOnly: last_published = now-1min, incoming event ts =
// now-2min (older than last_published and outside "newer"). The decider
// must persist it without publishing.
func TestScenarioS2BackfillOnly(t *testing.T) {
	d := NewDecider(30*time.Minute, 10*time.Minute)
	now := time.Now()
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	lastPublished := now.Add(-1 * time.Minute)
	win := &window.Window{Key: key, Events: []models.NormMsg{
		{Key: key, EventTime: now.Add(-2 * time.Minute), Source: "marine_traffic", SourceWeight: 0.9, Lat: 5},
	}}
	dec := d.Decide(now, win, lastPublished)
	require.True(t, dec.Accepted)
	require.False(t, dec.Publish)
	require.True(t, dec.BackfillOnly)
	require.NotNil(t, dec.Merged)
}

// TestScenarioS3LatenessCutoff: event is older than AllowedLateness (so it
// never enters the "newer" set) and is also at-or-before last_published, so
// the fallback merge over the full window is backfill_only too.
func TestScenarioS3LatenessCutoff(t *testing.T) {
	d := NewDecider(30*time.Minute, 5*time.Second)
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	lastPublished := now.Add(-20 * time.Second)
	win := &window.Window{Key: key, Events: []models.NormMsg{
		{Key: key, EventTime: now.Add(-30 * time.Second), Source: "opensky", SourceWeight: 0.85},
	}}
	dec := d.Decide(now, win, lastPublished)
	require.True(t, dec.Accepted)
	require.True(t, dec.BackfillOnly)
	require.False(t, dec.Publish)
}

// TestScenarioS4FieldFusion: anchor (newest) lacks callsign/altitude; an
// older, in-window candidate supplies them.
func TestScenarioS4FieldFusion(t *testing.T) {
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{
			Key: key, EventTime: now.Add(-30 * time.Second), Source: "adsb_exchange", SourceWeight: 0.9,
			Fields: map[string]any{"callsign": "UAL123", "altitude": 11000.0},
		}},
		{msg: models.NormMsg{
			Key: key, EventTime: now, Source: "opensky", SourceWeight: 0.85, Lat: 10, Lon: 20,
			Fields: map[string]any{},
		}},
	}
	rec, _ := Merge(key, candidates)
	require.Equal(t, 10.0, rec.Lat) // position always from anchor
	require.Equal(t, "UAL123", rec.Fields["callsign"])
	require.Equal(t, 11000.0, rec.Fields["altitude"])
}

// TestScenarioS5UnitMismatchConflict: signalr and aisstream disagree on
// speed by more than the 50% relative-spread threshold after unit
// reconciliation has already run (values here are already in knots).
func TestScenarioS5UnitMismatchConflict(t *testing.T) {
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	now := time.Now()
	candidates := []scored{
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "signalr", SourceWeight: 0.82, Fields: map[string]any{"speed": 30.0}}},
		{msg: models.NormMsg{Key: key, EventTime: now, Source: "aisstream", SourceWeight: 0.88, Fields: map[string]any{"speed": 8.0}}},
	}
	_, conflicts := Merge(key, candidates)
	require.Len(t, conflicts, 1)
	require.Equal(t, "speed", conflicts[0].Field)
	require.Greater(t, conflicts[0].Spread, 0.5)
}

func TestDeciderAcceptsFreshEventAfterLastPublished(t *testing.T) {
	d := NewDecider(30*time.Second, 10*time.Second)
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	win := &window.Window{Key: key, Events: []models.NormMsg{{Key: key, EventTime: now, Source: "opensky", SourceWeight: 0.85}}}
	dec := d.Decide(now, win, now.Add(-time.Second))
	require.True(t, dec.Accepted)
	require.True(t, dec.Publish)
	require.NotNil(t, dec.Merged)
}
