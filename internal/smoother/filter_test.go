package smoother

import (
	"testing"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/stretchr/testify/require"
)

func TestUpdateSeedsStateOnFirstSighting(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	now := time.Now()
	st := f.Update(now, models.FusedRecord{Key: models.EntityKey{Kind: models.KindADSB, ID: "A1"}, Lat: 10, Lon: 20, SOG: 100, COG: 90, HasSOG: true, HasCOG: true})
	require.Equal(t, 10.0, st.Lat)
	require.Equal(t, 20.0, st.Lon)
	require.InDelta(t, 1.0, st.Confidence, 0.0001)
}

func TestUpdateCorrectsTowardNewObservation(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	f.Update(now, models.FusedRecord{Key: key, Lat: 10, Lon: 20, SOG: 0, COG: 0, HasSOG: true, HasCOG: true})
	later := now.Add(2 * time.Second)
	st := f.Update(later, models.FusedRecord{Key: key, Lat: 10.001, Lon: 20, SOG: 0, COG: 0, HasSOG: true, HasCOG: true})
	require.Greater(t, st.Lat, 10.0)
	require.Less(t, st.Lat, 10.001)
}

func TestUpdateWithoutSOGOrCOGDoesNotBlendRawVelocity(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	// seed with a velocity, then feed an update that carries no SOG/COG —
	// the raw-velocity blend must be skipped (presence-gated).
	f.Update(now, models.FusedRecord{Key: key, Lat: 10, Lon: 20, SOG: 50, COG: 0, HasSOG: true, HasCOG: true})
	later := now.Add(2 * time.Second)
	st := f.Update(later, models.FusedRecord{Key: key, Lat: 10.001, Lon: 20})
	require.Greater(t, st.VLat, 0.0) // velocity persists via correction term alone
}

func TestPredictDeadReckonsForward(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	f.Update(now, models.FusedRecord{Key: key, Lat: 10, Lon: 20, SOG: 50, COG: 0, HasSOG: true, HasCOG: true})
	st, ok := f.Predict(now.Add(10*time.Second), key)
	require.True(t, ok)
	require.Greater(t, st.Lat, 10.0)
	require.Less(t, st.Confidence, 1.0)
}

func TestPredictUnknownKeyReturnsFalse(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	_, ok := f.Predict(time.Now(), models.EntityKey{Kind: models.KindAIS, ID: "999"})
	require.False(t, ok)
}

func TestPredictRejectsNegativeDT(t *testing.T) {
	f := New(Config{})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	f.Update(now, models.FusedRecord{Key: key, Lat: 10, Lon: 20, SOG: 50, COG: 0, HasSOG: true, HasCOG: true})
	_, ok := f.Predict(now.Add(-time.Second), key)
	require.False(t, ok)
}

func TestPredictRejectsBeyondMaxPredictionHorizon(t *testing.T) {
	f := New(Config{MaxPredictionS: 60})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindADSB, ID: "A1"}
	f.Update(now, models.FusedRecord{Key: key, Lat: 10, Lon: 20, SOG: 50, COG: 0, HasSOG: true, HasCOG: true})
	_, ok := f.Predict(now.Add(120*time.Second), key)
	require.False(t, ok)
}

func TestCleanupRemovesIdleEntries(t *testing.T) {
	f := New(Config{IdleTTL: time.Millisecond})
	defer f.Close()
	now := time.Now()
	key := models.EntityKey{Kind: models.KindAIS, ID: "X"}
	f.Update(now, models.FusedRecord{Key: key, Lat: 1, Lon: 1})
	removed := f.cleanup(now.Add(time.Hour))
	require.Equal(t, 1, removed)
	require.Equal(t, 0, f.Stats().Active)
}
