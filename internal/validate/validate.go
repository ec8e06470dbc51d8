// Package validate applies unit reconciliation, range/domain checks and
// anomaly flagging to a NormMsg before it enters the Window Store. A
// validator rejects a message rather than repairing it, except for unit
// conversion and course/heading normalization which it performs in place;
// callers count rejects by reason for the validation_reject{reason} metric.
package validate

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// MaxSpeedKN is the kind-specific upper speed bound, in knots, spec §4.2.
var MaxSpeedKN = map[models.Kind]float64{
	models.KindAIS:  90.0,  // vessel
	models.KindADSB: 750.0, // aircraft
}

// UnitToKnots converts a declared speed unit to the knots NormMsg.SOG is
// carried in. "kn" is the identity conversion.
var UnitToKnots = map[string]float64{
	"kn":  1.0,
	"mps": 1.94384,
	"kmh": 0.539957,
}

const (
	MaxEventFuture = 5 * time.Second // tolerance for clock skew
	MaxEventAge    = 24 * time.Hour  // reject grossly stale backfill

	anomalyWindow    = 5 * time.Minute
	anomalyBufferLen = 10
)

// Reason values reported alongside ErrValidationRejected / ErrTimestampInvalid.
const (
	ReasonCoordinateDomain = "coordinate_domain"
	ReasonSpeedDomain      = "speed_domain"
	ReasonUnknownUnit      = "unknown_speed_unit"
	ReasonEventFuture      = "event_future"
	ReasonEventTooOld      = "event_too_old"
)

// AnomalyFlags, emitted alongside an accepted message (advisory only — they
// never cause a reject), spec §4.2.
const (
	FlagRepeatedExactValue     = "repeated_exact_value"
	FlagSingleSourceConsistency = "single_source_consistency"
)

type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string { return e.Err.Error() }
func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason string, base error) *RejectError { return &RejectError{Reason: reason, Err: base} }

// ReasonOf extracts the reject reason from an error returned by Validate,
// for callers that only want the reason label (e.g. for a metrics counter).
func ReasonOf(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return "unknown"
}

type reading struct {
	at     time.Time
	speed  float64
	source string
}

// Validator holds the per-key rolling speed-reading buffer anomaly flagging
// needs. Zero value is usable; New just makes the map non-nil up front.
type Validator struct {
	mu      sync.Mutex
	buffers map[models.EntityKey][]reading
}

func New() *Validator { return &Validator{buffers: make(map[models.EntityKey][]reading)} }

// Validate converts msg's declared speed unit to knots, normalizes
// course/heading into [0,360), and range-checks coordinates/speed/event-age
// in place. now is the evaluation instant (injectable for tests). Returns
// the set of advisory anomaly flags for an accepted message.
func (v *Validator) Validate(now time.Time, msg *models.NormMsg) ([]string, error) {
	if math.Abs(msg.Lat) > 90 || math.Abs(msg.Lon) > 180 {
		return nil, reject(ReasonCoordinateDomain, models.ErrValidationRejected)
	}

	if msg.HasSOG {
		factor, ok := UnitToKnots[msg.SOGUnit]
		if !ok {
			return nil, reject(ReasonUnknownUnit, models.ErrValidationRejected)
		}
		msg.SOG = msg.SOG * factor
		msg.SOGUnit = "kn"

		cap, ok := MaxSpeedKN[msg.Key.Kind]
		if !ok {
			cap = MaxSpeedKN[models.KindADSB]
		}
		if msg.SOG < 0 || msg.SOG > cap {
			return nil, reject(ReasonSpeedDomain, models.ErrValidationRejected)
		}
	}

	if msg.HasCOG {
		msg.COG = normalizeDegrees(msg.COG)
	}
	msg.Heading = normalizeDegrees(msg.Heading)

	if msg.EventTime.After(now.Add(MaxEventFuture)) {
		return nil, reject(ReasonEventFuture, models.ErrTimestampInvalid)
	}
	if now.Sub(msg.EventTime) > MaxEventAge {
		return nil, reject(ReasonEventTooOld, models.ErrTimestampInvalid)
	}

	flags := v.anomalyFlags(now, *msg)
	return flags, nil
}

// normalizeDegrees folds a course/heading value into [0,360).
func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// anomalyFlags updates the per-key rolling buffer and returns the advisory
// flags this reading triggers: repeated_exact_value (>=3 identical speeds
// among the last 10 readings within the last 5 minutes) and
// single_source_consistency (>=5 readings, all from one source, no speed
// variance, same window).
func (v *Validator) anomalyFlags(now time.Time, msg models.NormMsg) []string {
	if !msg.HasSOG {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := v.buffers[msg.Key]
	buf = append(buf, reading{at: now, speed: msg.SOG, source: msg.Source})

	cutoff := now.Add(-anomalyWindow)
	filtered := buf[:0]
	for _, r := range buf {
		if r.at.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) > anomalyBufferLen {
		filtered = filtered[len(filtered)-anomalyBufferLen:]
	}
	v.buffers[msg.Key] = filtered

	var flags []string
	exactCount := 0
	sameSource := true
	firstSource := ""
	if len(filtered) > 0 {
		firstSource = filtered[0].source
	}
	for _, r := range filtered {
		if r.speed == msg.SOG {
			exactCount++
		}
		if r.source != firstSource {
			sameSource = false
		}
	}
	if exactCount >= 3 {
		flags = append(flags, FlagRepeatedExactValue)
	}
	if len(filtered) >= 5 && sameSource {
		allEqual := true
		for _, r := range filtered {
			if r.speed != filtered[0].speed {
				allEqual = false
				break
			}
		}
		if allEqual {
			flags = append(flags, FlagSingleSourceConsistency)
		}
	}
	return flags
}
