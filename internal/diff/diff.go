// Package diff computes attach/detach transitions between two device snapshots.
package diff

import (
	"time"

	"github.com/g960059/devhook/internal/model"
)

// Diff returns one Attach per identity only in current and one Detach per
// identity only in previous. Attach events come first, each group in
// lexicographic identity order. Inputs are not modified and the returned
// events carry no ID or timestamp; see Stamp.
func Diff(previous, current model.Snapshot) []model.TransitionEvent {
	events := make([]model.TransitionEvent, 0)
	for _, id := range current.Sorted() {
		if !previous.Has(id) {
			events = append(events, model.TransitionEvent{Device: id, Kind: model.TransitionAttach})
		}
	}
	for _, id := range previous.Sorted() {
		if !current.Has(id) {
			events = append(events, model.TransitionEvent{Device: id, Kind: model.TransitionDetach})
		}
	}
	return events
}

// Stamp assigns a fresh event ID and the observation time to each event.
func Stamp(events []model.TransitionEvent, at time.Time) []model.TransitionEvent {
	out := make([]model.TransitionEvent, len(events))
	for i, ev := range events {
		ev.EventID = model.NewEventID()
		ev.ObservedAt = at.UTC()
		out[i] = ev
	}
	return out
}
