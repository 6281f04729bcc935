package grip

import "sync"

// Home is the context node a tap is attached to. The full context DAG
// (resolution order, parent/child scoping, the resolver/DAG cache) lives in
// the graph layer this package treats as an external collaborator; Home is
// only the identity a tap needs to know which scope it was attached under.
type Home struct {
	ID string
}

// Dest is a destination context: the consumer-side scope that resolves
// parameter grips and receives published values. It stands in for the full
// context-graph node described in spec.md §6.1 ("Context carrying resolved
// parameter values addressable by grip"); this package implements just
// enough of it — a flat, grip-name-keyed value store with locking — for
// AsyncTap to be exercised and tested without the rest of the graph.
type Dest struct {
	id string

	mu     sync.RWMutex
	params map[string]any
	values map[string]any
}

// NewDest constructs a destination context with the given debug identity.
func NewDest(id string) *Dest {
	return &Dest{
		id:     id,
		params: make(map[string]any),
		values: make(map[string]any),
	}
}

// ID returns the destination's debug identity. DestState identity is the
// *Dest pointer itself; the id does name the destination's retry and
// refresh timers in a tap's timer set, so two destinations with the same id
// share those timer slots.
func (d *Dest) ID() string { return d.id }

// SetParam resolves a parameter grip to a value on this destination. In a
// full graph runtime this would come from walking the context DAG; here the
// caller (typically a test harness or a thin framework binding) sets it
// directly.
func SetParam[T any](d *Dest, g Grip[T], v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[g.Name()] = v
}

// Param resolves a parameter grip on this destination, returning the grip's
// default value if it has not been set.
func Param[T any](d *Dest, g Grip[T]) T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.params[g.Name()]; ok {
		if tv, ok := v.(T); ok {
			return tv
		}
	}
	return g.Default()
}

// publish delivers updates to this destination only, keyed by grip name.
// This is the external Publish operation from spec.md §6.1, scoped here to
// a single destination rather than the full graph broadcast.
func (d *Dest) publish(updates map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range updates {
		d.values[k] = v
	}
}

// Get reads the most recently published value for a grip on this
// destination, falling back to the grip's default.
func Get[T any](d *Dest, g Grip[T]) T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.values[g.Name()]; ok {
		if tv, ok := v.(T); ok {
			return tv
		}
	}
	return g.Default()
}
