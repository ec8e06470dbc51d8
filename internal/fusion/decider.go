package fusion

import (
	"time"

	"github.com/Phambanam99/tracking-sub002/internal/models"
	"github.com/Phambanam99/tracking-sub002/internal/window"
)

// Decider runs the six-step fusion decision for a single key (spec §4.5):
//  1. snapshot the key's active window
//  2. bail out (not accepted) if the window is empty
//  3. compute the "newer" set: events within AllowedLateness of now, and
//     either no last-published instant or strictly newer than it
//  4. if "newer" is non-empty, merge over it and publish
//  5. otherwise merge over the full window; if a last-published instant
//     exists and the merged result is not after it, the merge is
//     backfill_only (persist, don't publish) — otherwise publish
//  6. the monotonic-publication invariant (never advance LastPublished to an
//     instant <= the previous one) is enforced here: Publish is only true
//     when the merged EventTime is strictly after lastPublished, or there is
//     no lastPublished yet
type Decider struct {
	MaxAge          time.Duration
	AllowedLateness time.Duration
}

func NewDecider(maxAge, allowedLateness time.Duration) *Decider {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if allowedLateness <= 0 {
		allowedLateness = 2 * time.Second
	}
	return &Decider{MaxAge: maxAge, AllowedLateness: allowedLateness}
}

// Decide evaluates key against win (a Window Store snapshot) as of now.
// lastPublished is the last publication instant for key (zero value means
// none yet).
func (d *Decider) Decide(now time.Time, win *window.Window, lastPublished time.Time) models.Decision {
	key := models.EntityKey{}
	if win != nil {
		key = win.Key
	}
	if win == nil || len(win.Events) == 0 {
		return models.Decision{Key: key, Accepted: false, Reason: "empty_window"}
	}

	var newer []models.NormMsg
	for _, ev := range win.Events {
		if ev.EventTime.IsZero() {
			continue
		}
		if now.Sub(ev.EventTime) > d.AllowedLateness {
			continue
		}
		if !lastPublished.IsZero() && !ev.EventTime.After(lastPublished) {
			continue
		}
		newer = append(newer, ev)
	}

	if len(newer) > 0 {
		rec, conflicts := d.merge(now, key, newer)
		return models.Decision{
			Key: key, Accepted: true, Publish: true, BackfillOnly: false,
			Reason: "ok", Merged: &rec, Conflicts: conflicts,
		}
	}

	rec, conflicts := d.merge(now, key, win.Events)
	if !lastPublished.IsZero() && !rec.EventTime.After(lastPublished) {
		return models.Decision{
			Key: key, Accepted: true, Publish: false, BackfillOnly: true,
			Reason: "backfill_only", Merged: &rec, Conflicts: conflicts,
		}
	}
	return models.Decision{
		Key: key, Accepted: true, Publish: true, BackfillOnly: false,
		Reason: "ok", Merged: &rec, Conflicts: conflicts,
	}
}

func (d *Decider) merge(now time.Time, key models.EntityKey, events []models.NormMsg) (models.FusedRecord, []models.Conflict) {
	candidates := make([]scored, 0, len(events))
	for _, ev := range events {
		candidates = append(candidates, scored{msg: ev, score: Score(now, ev, 1)})
	}
	return Merge(key, candidates)
}
