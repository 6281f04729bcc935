package grip

import "time"

// transition moves ds.current to next, recording a history entry for the
// state being LEFT (spec.md §3.2 HistoryEntry: "the state being LEFT") and
// trimming the ring to historySize. Every transition yields a new
// RequestState value; ds.current is reassigned, never mutated in place
// (spec.md §3.1 immutability invariant).
//
// Adapted conceptually from the teacher's buffer_period.go ring handling
// and store.go's single-writer-lock discipline; there is no direct
// teacher equivalent of a bounded append-with-eviction history, so this is
// written fresh in the same terse, lock-held-briefly style.
func (ds *destState) transition(next RequestState, reason string, now time.Time, historySize int) {
	if historySize > 0 {
		entry := HistoryEntry{
			State:            ds.current,
			Timestamp:        now,
			RequestKey:       ds.requestKey,
			TransitionReason: reason,
		}
		ds.history = append(ds.history, entry)
		if len(ds.history) > historySize {
			ds.history = ds.history[len(ds.history)-historySize:]
		}
	}
	ds.current = next
}

// recordHistoryOnly appends a history entry without changing ds.current's
// variant, for events that the spec requires to be recorded but that are
// not themselves a state transition — e.g. aborting an in-flight request
// (spec.md §7: "Cancellation... produces no transition and no history
// entry beyond the reason recorded at abort time").
func (ds *destState) recordHistoryOnly(now time.Time, reason string, historySize int) {
	if historySize <= 0 {
		return
	}
	entry := HistoryEntry{
		State:            ds.current,
		Timestamp:        now,
		RequestKey:       ds.requestKey,
		TransitionReason: reason,
	}
	ds.history = append(ds.history, entry)
	if len(ds.history) > historySize {
		ds.history = ds.history[len(ds.history)-historySize:]
	}
}

// snapshot builds the immutable AsyncRequestState published on stateGrip.
// The returned History slice is a fresh copy (shallow-frozen on publish,
// per spec.md §3.2) so later appends to ds.history never retroactively
// change a snapshot a consumer already holds.
func (ds *destState) snapshot() AsyncRequestState {
	hist := make([]HistoryEntry, len(ds.history))
	copy(hist, ds.history)
	return AsyncRequestState{
		State:        ds.current,
		RequestKey:   ds.requestKey,
		HasListeners: ds.listenerCount > 0,
		History:      hist,
	}
}
