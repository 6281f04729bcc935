package grip

// AsyncTapController is the per-destination control surface published on a
// tap's controllerGrip (spec.md §4.5). It is a stateless projection: its
// methods close over the destination and dispatch through the tap's
// current DestState, so a stale reference can never resurrect work — the
// no-op substitution below, published whenever the destination has no
// output-grip listeners, is what actually prevents that (spec.md §9,
// "Controller as a stateless projection").
type AsyncTapController interface {
	// Retry aborts any in-flight request, cancels pending timers, bumps the
	// retry-attempt counter, and kicks off a new fetch. force controls
	// whether the cache is bypassed.
	Retry(force bool)

	// Refresh behaves like Retry but does not bump the retry-attempt
	// counter (manual freshness request, not error recovery).
	Refresh(force bool)

	// CancelRetry silences any pending retry/refresh timer without
	// otherwise touching state. Idempotent.
	CancelRetry()

	// Reset aborts any in-flight request, clears all timers, replaces the
	// history with a single manual_reset entry, and returns the destination
	// to idle.
	Reset()
}

// controller is a closure-based AsyncTapController. Building it from plain
// function values (rather than a generic struct tied to AsyncTap[P, R])
// lets a single concrete, comparable type back both the live and no-op
// controllers regardless of which tap's Params/Result types produced them.
type controller struct {
	retry       func(force bool)
	refresh     func(force bool)
	cancelRetry func()
	reset       func()
}

func (c controller) Retry(force bool) {
	if c.retry != nil {
		c.retry(force)
	}
}

func (c controller) Refresh(force bool) {
	if c.refresh != nil {
		c.refresh(force)
	}
}

func (c controller) CancelRetry() {
	if c.cancelRetry != nil {
		c.cancelRetry()
	}
}

func (c controller) Reset() {
	if c.reset != nil {
		c.reset()
	}
}

// noopController is published whenever a destination has no output-grip
// listeners, per spec.md §4.5: "the published controller MUST be a no-op
// object (all methods return silently) to prevent resurrecting work on a
// dead destination."
var noopController AsyncTapController = controller{}
