package grip

import (
	"context"
	"log"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/owebeeone/grip-core/internal/timerset"
)

// Fetcher performs the external request an AsyncTap drives, given the
// destination's resolved parameters. It must respect ctx cancellation.
type Fetcher[P any, R any] func(ctx context.Context, params P) (R, error)

// MapResult converts a fetcher's result into the named grip values to
// publish on the destination that requested it.
type MapResult[R any] func(result R) (map[string]any, error)

// RequestKeyOf derives the cache/dedup key for a set of resolved
// parameters. A nil return means the parameters are not yet resolvable
// (spec.md §7 kind 4, "Params unresolved").
type RequestKeyOf[P any] func(params P) *string

// ParamsOf resolves a destination's current parameter grips into the
// tap's Params type.
type ParamsOf[P any] func(dest *Dest) P

// NewAsyncTapInput collects an AsyncTap's construction arguments (spec.md
// §4.1).
type NewAsyncTapInput[P any, R any] struct {
	Name string

	// Provides is the set of output grips this tap publishes data on.
	Provides []AnyGrip

	// StateGrip, if non-nil, is where this tap publishes the
	// AsyncRequestState describing each destination's lifecycle.
	StateGrip *Grip[AsyncRequestState]

	// ControllerGrip, if non-nil, is where this tap publishes the
	// per-destination AsyncTapController.
	ControllerGrip *Grip[AsyncTapController]

	RequestKeyOf RequestKeyOf[P]
	ParamsOf     ParamsOf[P]
	Fetcher      Fetcher[P, R]
	MapResult    MapResult[R]

	Options Options
}

// AsyncTap is the async request-state core described in spec.md §4: it
// drives an external fetch through idle -> loading -> success/error ->
// stale refresh -> retry for every destination that observes one of its
// grips, independently and concurrently.
//
// Adapted from the teacher's Watcher (watcher.go): a mutex-guarded map from
// identity to a per-item lifecycle record, with Add/Remove tracking
// interest and a Stop that tears everything down. This generalizes that
// from "one dependency view per Consul/Vault query" to "one destState per
// destination, parameterized by an arbitrary Fetcher[P, R]".
type AsyncTap[P any, R any] struct {
	name string

	provides       map[string]AnyGrip
	stateGrip      *Grip[AsyncRequestState]
	controllerGrip *Grip[AsyncTapController]

	requestKeyOf RequestKeyOf[P]
	paramsOf     ParamsOf[P]
	fetcher      Fetcher[P, R]
	mapResult    MapResult[R]

	opts   Options
	cache  Cache
	clock  clockwork.Clock
	timers *timerset.Set

	registry *destRegistry

	home Home
}

// NewAsyncTap constructs a tap. Grip publication and fetch execution do not
// begin until onAttach/onConnect are driven by the hosting graph runtime.
func NewAsyncTap[P any, R any](in NewAsyncTapInput[P, R]) *AsyncTap[P, R] {
	if in.RequestKeyOf == nil || in.ParamsOf == nil || in.Fetcher == nil || in.MapResult == nil {
		panic("grip: NewAsyncTap requires RequestKeyOf, ParamsOf, Fetcher, and MapResult")
	}

	provides := make(map[string]AnyGrip, len(in.Provides))
	for _, g := range in.Provides {
		provides[g.Name()] = g
	}

	opts := in.Options.withDefaults()

	return &AsyncTap[P, R]{
		name:           in.Name,
		provides:       provides,
		stateGrip:      in.StateGrip,
		controllerGrip: in.ControllerGrip,
		requestKeyOf:   in.RequestKeyOf,
		paramsOf:       in.ParamsOf,
		fetcher:        in.Fetcher,
		mapResult:      in.MapResult,
		opts:           opts,
		cache:          opts.Cache,
		clock:          opts.Clock,
		timers:         timerset.New(opts.Clock),
		registry:       newDestRegistry(),
	}
}

// onAttach records the Home this tap was attached under. Grounded on
// watcher.go's construction, which captures its Clients/config once at
// creation rather than per-operation.
func (t *AsyncTap[P, R]) onAttach(home Home) {
	t.home = home
	log.Printf("[DEBUG] (%s) attached to home %s", t.name, home.ID)
}

// onDetach tears down every tracked destination: stops all timers, aborts
// any in-flight fetch, and forgets every destState. Grounded on
// watcher.go's Watcher.Stop.
func (t *AsyncTap[P, R]) onDetach() {
	for _, ds := range t.registry.all() {
		ds.mu.Lock()
		if ds.abortCancel != nil {
			ds.abortCancel()
			ds.abortCancel = nil
		}
		ds.mu.Unlock()
	}
	t.timers.StopAll()
	t.registry.clear()
	log.Printf("[DEBUG] (%s) detached", t.name)
}

// onConnect registers a new listener for one of this tap's grips on dest
// (spec.md §4.7). Connecting any of the tap's grips (output, state, or
// controller) causes a live controller to be constructed if one is not
// already published; only output-grip subscriptions count toward
// listenerCount, which gates retry/refresh scheduling and execution.
func (t *AsyncTap[P, R]) onConnect(dest *Dest, grip AnyGrip) {
	ds := t.registry.getOrCreate(dest)
	ds.mu.Lock()

	if len(ds.history) == 0 {
		// First time this destination has ever been touched: record the
		// starting idle point once, before any real transition's reason
		// (request_initiated, cache_hit, ...) is recorded. A Reset()
		// always leaves history non-empty (manual_reset is itself a
		// recorded entry), so this never re-fires after a reset.
		ds.recordHistoryOnly(t.clock.Now(), ReasonInitial, t.opts.historySize())
	}

	_, isOutput := t.provides[grip.Name()]
	if isOutput {
		ds.listenerCount++
	}
	if t.controllerGrip != nil && !ds.controllerIsLive {
		ds.controller = t.buildController(ds)
		ds.controllerIsLive = true
	}

	t.publishMetaLocked(dest, ds)
	ds.mu.Unlock()

	// Connecting an output grip is itself a runner entry point (spec.md
	// §4.2: "Every entry into the runner (connect, ...)"), covering both
	// the initial pull and a reconnect after a listener-gated destination
	// (scenario S4). With an unchanged key and a fresh cache entry, kickoff
	// serves the entry as a cache hit instead of fetching; any request
	// still in flight for this destination is aborted and restarted.
	if isOutput {
		t.kickoff(dest, false, triggerNormal)
	}
}

// onDisconnect removes a listener (spec.md §4.7). When the last output-grip
// listener disconnects, any pending timers are canceled, retryAt is
// cleared, and the published controller reverts to the no-op singleton —
// the destination's data/state/history are left untouched so a later
// reconnect resumes exactly where it left off.
func (t *AsyncTap[P, R]) onDisconnect(dest *Dest, grip AnyGrip) {
	ds := t.registry.getOrCreate(dest)
	ds.mu.Lock()

	if _, isOutput := t.provides[grip.Name()]; isOutput {
		if ds.listenerCount > 0 {
			ds.listenerCount--
		}
		if ds.listenerCount == 0 {
			t.timers.Cancel(ds.retryTimerID())
			t.timers.Cancel(ds.refreshTimerID())
			ds.current = ds.current.WithRetryAt(nil)
			ds.controller = noopController
			ds.controllerIsLive = false
		}
	}

	t.publishMetaLocked(dest, ds)
	ds.mu.Unlock()
}

// Produce nudges recomputation for dest: the graph runtime calls this on
// initial pull and whenever a resolved parameter grip dest depends on
// changes upstream. It always funnels through kickoff, which independently
// detects whether the request key actually changed (spec.md §4.2, §4.6).
func (t *AsyncTap[P, R]) Produce(dest *Dest) {
	t.kickoff(dest, false, triggerNormal)
}

// GetRequestState synchronously reads the current AsyncRequestState for
// dest, equivalent to what is published on stateGrip.
func (t *AsyncTap[P, R]) GetRequestState(dest *Dest) AsyncRequestState {
	ds := t.registry.getOrCreate(dest)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.snapshot()
}

// buildController returns a live AsyncTapController closing over ds. Retry
// and Refresh re-check listenerCount at call time in addition to the
// object-substitution gating in onDisconnect, so a caller that retained a
// reference from before the last listener disconnected cannot resurrect
// work (spec.md §9, "Controller as a stateless projection"). CancelRetry and
// Reset start no network work and are not gated.
func (t *AsyncTap[P, R]) buildController(ds *destState) AsyncTapController {
	dest := ds.dest
	return controller{
		retry: func(force bool) {
			if !ds.hasListeners() {
				return
			}
			t.kickoff(dest, force, triggerManualRetry)
		},
		refresh: func(force bool) {
			if !ds.hasListeners() {
				return
			}
			t.kickoff(dest, force, triggerManualRefresh)
		},
		cancelRetry: func() {
			t.timers.Cancel(ds.retryTimerID())
			t.timers.Cancel(ds.refreshTimerID())
			ds.mu.Lock()
			ds.current = ds.current.WithRetryAt(nil)
			t.publishMetaLocked(dest, ds)
			ds.mu.Unlock()
		},
		reset: func() {
			ds.mu.Lock()
			if ds.abortCancel != nil {
				ds.abortCancel()
				ds.abortCancel = nil
				// Make the aborted fetch's late completion a stale sequence.
				ds.inflightSeq++
			}
			t.timers.Cancel(ds.retryTimerID())
			t.timers.Cancel(ds.refreshTimerID())
			ds.retryAttempt = 0
			ds.history = nil
			now := t.clock.Now()
			ds.recordHistoryOnly(now, ReasonManualReset, t.opts.historySize())
			ds.current = IdleState()
			t.publishDefaults(dest)
			t.publishMetaLocked(dest, ds)
			ds.mu.Unlock()
		},
	}
}

func (ds *destState) hasListeners() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.listenerCount > 0
}

// safeMapResult invokes mapResult, converting a panic into an error so a
// misbehaving mapper degrades the destination to an error state instead of
// crashing the tap (spec.md §7 kind 5, "Mapping failure").
func (t *AsyncTap[P, R]) safeMapResult(result R) (updates map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("grip: mapResult panicked: %v", r)
		}
	}()
	return t.mapResult(result)
}

// publishOutputs delivers mapped fetch results to dest's output grips.
func (t *AsyncTap[P, R]) publishOutputs(dest *Dest, updates map[string]any) {
	dest.publish(updates)
}

// publishDefaults resets dest's output grips to their declared defaults,
// used when a destination's request key becomes unresolvable or the
// controller is manually reset.
func (t *AsyncTap[P, R]) publishDefaults(dest *Dest) {
	defaults := make(map[string]any, len(t.provides))
	for name, g := range t.provides {
		defaults[name] = g.DefaultAny()
	}
	dest.publish(defaults)
}

// publishMetaLocked publishes the current AsyncRequestState and controller
// for dest on stateGrip/controllerGrip. Caller holds ds.mu.
func (t *AsyncTap[P, R]) publishMetaLocked(dest *Dest, ds *destState) {
	updates := make(map[string]any, 2)
	if t.stateGrip != nil {
		updates[t.stateGrip.Name()] = ds.snapshot()
	}
	if t.controllerGrip != nil {
		updates[t.controllerGrip.Name()] = ds.controller
	}
	if len(updates) > 0 {
		dest.publish(updates)
	}
}
