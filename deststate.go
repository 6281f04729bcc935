package grip

import (
	"context"
	"sync"
)

// destState is the per-destination record described in spec.md §3.3. One
// is lazily created on first subscription to any grip the tap provides and
// lives until the tap is detached (spec.md §3.4 "Lifecycle").
//
// Its fields and the map that holds them are adapted from the teacher's
// Watcher.depViewMap (watcher.go): a mutex-guarded map from identity to a
// per-item record, added lazily, torn down on Stop. Here the map key is
// the destination's pointer identity rather than a dependency string, and
// each record additionally tracks the retry/refresh timers, controller,
// and history ring the teacher's view had no equivalent of.
type destState struct {
	mu sync.Mutex

	dest *Dest

	current       RequestState
	requestKey    *string
	listenerCount int
	retryAttempt  int

	history []HistoryEntry

	controller       AsyncTapController
	controllerIsLive bool

	abortCancel context.CancelFunc
	inflightSeq uint64
}

func newDestState(d *Dest) *destState {
	return &destState{
		dest:       d,
		current:    IdleState(),
		history:    nil,
		controller: noopController,
	}
}

// retryTimerID and refreshTimerID namespace this destination's two timers
// within the tap's shared timerset.Set (one set per tap, per spec.md §5
// "Timers... tracked in a per-tap set").
func (ds *destState) retryTimerID() string   { return "retry:" + ds.dest.id }
func (ds *destState) refreshTimerID() string { return "refresh:" + ds.dest.id }

// destRegistry is the tap-level store of destState records, keyed by the
// destination's pointer identity. A weak association (per spec.md §9,
// "Per-destination state without shared mutation") is preferred in
// principle so destination teardown without explicit disconnect doesn't
// leak; this package instead relies on callers invoking onDetach, mirroring
// the teacher's own explicit Watcher.Stop() lifecycle rather than reaching
// for weak references, which Go's standard library does not expose.
type destRegistry struct {
	mu    sync.Mutex
	byPtr map[*Dest]*destState
}

func newDestRegistry() *destRegistry {
	return &destRegistry{byPtr: make(map[*Dest]*destState)}
}

// getOrCreate returns the destState for d, creating it on first use.
func (r *destRegistry) getOrCreate(d *Dest) *destState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byPtr[d]
	if !ok {
		ds = newDestState(d)
		r.byPtr[d] = ds
	}
	return ds
}

// all returns a snapshot of every tracked destState, for teardown.
func (r *destRegistry) all() []*destState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*destState, 0, len(r.byPtr))
	for _, ds := range r.byPtr {
		out = append(out, ds)
	}
	return out
}

func (r *destRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPtr = make(map[*Dest]*destState)
}
