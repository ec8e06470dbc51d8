// Package fusion implements the Scorer/Field Merger and the Fusion Decider:
// given a Window Store snapshot for a key, it scores each candidate message,
// selects an anchor by event time, merges fields across sources, flags
// conflicts, and produces a Decision.
package fusion

import (
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

const (
	WeightRecency  = 0.5
	WeightSource   = 0.3
	WeightValidity = 0.2

	// RecencyWindow is the fixed 15-minute denominator spec §4.4 uses for
	// recency scoring, independent of the window/allowed-lateness/max-event-age
	// config the Window Store and Decider use for retention.
	RecencyWindow = 15 * time.Minute
)

// Score computes the composite score for msg as of now: recency decays
// linearly to 0 over the fixed 15-minute RecencyWindow, source weight comes
// from the provider table (carried on the message), and physical validity is
// 1 unless the caller has already flagged the message invalid (msg having
// reached this stage implies it passed Validate, so this is 1 in the common
// case — the hook exists for a decider that re-checks against filter
// prediction).
func Score(now time.Time, msg models.NormMsg, physicalValidity float64) float64 {
	age := now.Sub(msg.EventTime)
	recency := 1 - float64(age)/float64(RecencyWindow)
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		recency = 1
	}
	if physicalValidity < 0 {
		physicalValidity = 0
	}
	if physicalValidity > 1 {
		physicalValidity = 1
	}
	return WeightRecency*recency + WeightSource*msg.SourceWeight + WeightValidity*physicalValidity
}

// scored pairs a candidate message with its composite score for selection.
type scored struct {
	msg   models.NormMsg
	score float64
}
