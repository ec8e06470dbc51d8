package validate

import (
	"testing"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/stretchr/testify/require"
)

func baseMsg(now time.Time) models.NormMsg {
	return models.NormMsg{
		Key:       models.EntityKey{Kind: models.KindAIS, ID: "123"},
		Source:    "marine_traffic",
		Lat:       10, Lon: 20,
		SOG: 10, SOGUnit: "kn", HasSOG: true,
		COG: 90, HasCOG: true,
		EventTime: now,
	}
}

func TestValidateAcceptsWellFormedMessage(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	_, err := v.Validate(now, &msg)
	require.NoError(t, err)
}

func TestValidateRejectsOutOfRangeCoordinates(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.Lat = 200
	_, err := v.Validate(now, &msg)
	require.Error(t, err)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ReasonCoordinateDomain, re.Reason)
}

func TestValidateConvertsUnitAndRejectsOverKindSpecificCap(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.SOGUnit = "mps"
	msg.SOG = 100 // ~194kn, over the 90kn vessel cap
	_, err := v.Validate(now, &msg)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ReasonSpeedDomain, re.Reason)
}

func TestValidateConvertsKnownUnitsToKnots(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.SOGUnit = "kmh"
	msg.SOG = 20 // 20 km/h -> ~10.8kn
	_, err := v.Validate(now, &msg)
	require.NoError(t, err)
	require.InDelta(t, 20*0.539957, msg.SOG, 1e-9)
	require.Equal(t, "kn", msg.SOGUnit)
}

func TestValidateRejectsUnknownSpeedUnit(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.SOGUnit = "furlongs_per_fortnight"
	_, err := v.Validate(now, &msg)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ReasonUnknownUnit, re.Reason)
}

func TestValidateUsesAircraftSpeedCapForADSB(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.Key.Kind = models.KindADSB
	msg.SOG = 500 // over vessel cap but under the 750kn aircraft cap
	_, err := v.Validate(now, &msg)
	require.NoError(t, err)
}

func TestValidateNormalizesCourseAndHeadingModulo360(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.COG = 370
	msg.Heading = -10
	_, err := v.Validate(now, &msg)
	require.NoError(t, err)
	require.InDelta(t, 10, msg.COG, 1e-9)
	require.InDelta(t, 350, msg.Heading, 1e-9)
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.EventTime = now.Add(time.Hour)
	_, err := v.Validate(now, &msg)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ReasonEventFuture, re.Reason)
}

func TestValidateRejectsStaleBackfill(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.EventTime = now.Add(-48 * time.Hour)
	_, err := v.Validate(now, &msg)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ReasonEventTooOld, re.Reason)
}

func TestValidateFlagsRepeatedExactValue(t *testing.T) {
	now := time.Now()
	v := New()
	key := models.EntityKey{Kind: models.KindAIS, ID: "1"}
	var flags []string
	var err error
	for i := 0; i < 3; i++ {
		msg := baseMsg(now.Add(time.Duration(i) * time.Second))
		msg.Key = key
		msg.SOG = 12.0
		flags, err = v.Validate(now.Add(time.Duration(i)*time.Second), &msg)
		require.NoError(t, err)
	}
	require.Contains(t, flags, FlagRepeatedExactValue)
}

func TestValidateFlagsSingleSourceConsistency(t *testing.T) {
	now := time.Now()
	v := New()
	key := models.EntityKey{Kind: models.KindAIS, ID: "2"}
	var flags []string
	var err error
	for i := 0; i < 5; i++ {
		msg := baseMsg(now.Add(time.Duration(i) * time.Second))
		msg.Key = key
		msg.Source = "marine_traffic"
		msg.SOG = 7.5
		flags, err = v.Validate(now.Add(time.Duration(i)*time.Second), &msg)
		require.NoError(t, err)
	}
	require.Contains(t, flags, FlagSingleSourceConsistency)
}

func TestReasonOfExtractsRejectReason(t *testing.T) {
	now := time.Now()
	v := New()
	msg := baseMsg(now)
	msg.Lat = 500
	_, err := v.Validate(now, &msg)
	require.Equal(t, ReasonCoordinateDomain, ReasonOf(err))
	require.Equal(t, "unknown", ReasonOf(models.ErrMalformedPayload))
}
