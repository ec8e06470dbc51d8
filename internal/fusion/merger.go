package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
)

// ConflictThreshold is the relative spread above which contributing
// candidates disagreeing on a numeric field is flagged as a conflict. A
// conflict is observational only — it never changes the merge outcome.
const ConflictThreshold = 0.5

// FieldWindow bounds how far from the anchor's event time a candidate may be
// and still be treated as "in window" for static/dynamic field selection
// (spec §4.4's 60-second tie-break rule).
const FieldWindow = 60 * time.Second

// staticFields are carried from whichever candidate the selection algorithm
// names, independent of the anchor (spec §4.4).
var staticFields = []string{"mmsi", "imo", "callsign", "name", "registration", "icao24"}

// dynamicFields fall back to the anchor's own value first, before running
// the selection algorithm over the remaining candidates.
var dynamicFields = []string{"speed", "course", "heading", "altitude", "vertical_rate", "status"}

// minSourceWeight excludes a candidate from field selection or conflict
// detection entirely if its source weight is this low — an unrecognized
// or actively distrusted source shouldn't out-vote a known one on a tie.
const minSourceWeight = 0.1

// Merge selects the anchor (the candidate with the greatest event time),
// takes position fields from it unconditionally, resolves every static and
// dynamic field by spec §4.4's candidate-selection algorithm, and flags
// conflicts across all contributing candidates for every numeric field.
func Merge(key models.EntityKey, candidates []scored) (models.FusedRecord, []models.Conflict) {
	anchorIdx := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].msg.EventTime.After(candidates[anchorIdx].msg.EventTime) {
			anchorIdx = i
		}
	}
	anchor := candidates[anchorIdx].msg

	rec := models.FusedRecord{
		Key:       key,
		EventTime: anchor.EventTime,
		Lat:       anchor.Lat,
		Lon:       anchor.Lon,
		Fields:    map[string]any{},
	}

	sourceSet := map[string]struct{}{}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.msg.SourceWeight >= minSourceWeight {
			pool = append(pool, c)
		}
	}

	for _, field := range staticFields {
		if v, src, ok := selectField(field, pool, anchor.EventTime); ok {
			rec.Fields[field] = v
			sourceSet[src] = struct{}{}
		}
	}

	for _, field := range dynamicFields {
		if v, ok := anchor.Fields[field]; ok {
			rec.Fields[field] = v
			sourceSet[anchor.Source] = struct{}{}
			continue
		}
		if v, src, ok := selectField(field, pool, anchor.EventTime); ok {
			rec.Fields[field] = v
			sourceSet[src] = struct{}{}
		}
	}

	if v, ok := rec.Fields["speed"]; ok {
		if f, ok := toFloat(v); ok {
			rec.SOG, rec.HasSOG = f, true
		}
	}
	if v, ok := rec.Fields["course"]; ok {
		if f, ok := toFloat(v); ok {
			rec.COG, rec.HasCOG = f, true
		}
	}
	if v, ok := rec.Fields["heading"]; ok {
		if f, ok := toFloat(v); ok {
			rec.Heading = f
		}
	}
	if v, ok := rec.Fields["altitude"]; ok {
		if f, ok := toFloat(v); ok {
			rec.Altitude = f
		}
	}

	sources := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	rec.Sources = sources
	if len(sourceSet) >= 2 {
		rec.Source = "fused"
	} else if len(sources) == 1 {
		rec.Source = sources[0]
	} else {
		rec.Source = anchor.Source
	}
	rec.Score = candidates[anchorIdx].score

	conflicts := detectConflicts(pool)
	return rec, conflicts
}

// selectField picks field's value from pool using spec §4.4's tie-break:
// among candidates within FieldWindow of anchorTime, prefer higher source
// weight then longer string representation; if none are in-window, fall
// back to the full pool and take the most recent.
func selectField(field string, pool []scored, anchorTime time.Time) (any, string, bool) {
	var inWindow, outWindow []scored
	for _, c := range pool {
		v, ok := c.msg.Fields[field]
		if !ok || v == nil {
			continue
		}
		if absDuration(c.msg.EventTime.Sub(anchorTime)) <= FieldWindow {
			inWindow = append(inWindow, c)
		} else {
			outWindow = append(outWindow, c)
		}
	}
	if len(inWindow) > 0 {
		sort.SliceStable(inWindow, func(i, j int) bool {
			wi, wj := inWindow[i].msg.SourceWeight, inWindow[j].msg.SourceWeight
			if wi != wj {
				return wi > wj
			}
			return len(fmt.Sprint(inWindow[i].msg.Fields[field])) > len(fmt.Sprint(inWindow[j].msg.Fields[field]))
		})
		best := inWindow[0]
		return best.msg.Fields[field], best.msg.Source, true
	}
	if len(outWindow) > 0 {
		sort.SliceStable(outWindow, func(i, j int) bool {
			return outWindow[i].msg.EventTime.After(outWindow[j].msg.EventTime)
		})
		best := outWindow[0]
		return best.msg.Fields[field], best.msg.Source, true
	}
	return nil, "", false
}

// detectConflicts flags, for every numeric field present in more than one
// contributing candidate, a conflict when the relative spread among ALL
// contributors (not just a pair) exceeds ConflictThreshold.
func detectConflicts(pool []scored) []models.Conflict {
	byField := map[string][]scored{}
	for _, field := range dynamicFields {
		for _, c := range pool {
			if v, ok := c.msg.Fields[field]; ok {
				if _, ok := toFloat(v); ok {
					byField[field] = append(byField[field], c)
				}
			}
		}
	}

	var conflicts []models.Conflict
	for field, contributors := range byField {
		if len(contributors) < 2 {
			continue
		}
		min, max := math.Inf(1), math.Inf(-1)
		for _, c := range contributors {
			f, _ := toFloat(c.msg.Fields[field])
			if f < min {
				min = f
			}
			if f > max {
				max = f
			}
		}
		denom := math.Max(math.Abs(max), math.Abs(min))
		if denom == 0 {
			continue
		}
		spread := math.Abs(max-min) / denom
		if spread <= ConflictThreshold {
			continue
		}
		names := make([]string, 0, len(contributors))
		timestamps := make([]time.Time, 0, len(contributors))
		for _, c := range contributors {
			names = append(names, c.msg.Source)
			timestamps = append(timestamps, c.msg.EventTime)
		}
		conflicts = append(conflicts, models.Conflict{
			Field:      field,
			Candidates: names,
			Timestamps: timestamps,
			Spread:     spread,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	return conflicts
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
