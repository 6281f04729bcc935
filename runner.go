package grip

import (
	"context"
	"log"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/owebeeone/grip-core/events"
)

// triggerKind records what caused a kickoff, since the resulting
// loading/stale-while-revalidate transition's reason tag depends on it
// (spec.md §4.8 reason vocabulary: retry_executed and ttl_refresh_executed
// name the trigger, not just "data available or not").
type triggerKind int

const (
	triggerNormal triggerKind = iota
	triggerManualRetry
	triggerManualRefresh
	triggerScheduledRetry
	triggerScheduledTTLRefresh
	triggerKeyChange
)

func enterFetchReason(trig triggerKind, hasData bool) string {
	switch trig {
	case triggerManualRetry:
		return ReasonManualRetry
	case triggerManualRefresh:
		return ReasonManualRefresh
	case triggerScheduledRetry:
		return ReasonRetryExecuted
	case triggerScheduledTTLRefresh:
		return ReasonTTLRefreshExecuted
	case triggerKeyChange:
		return ReasonRequestKeyChanged
	default:
		if hasData {
			return ReasonRefreshInitiated
		}
		return ReasonRequestInitiated
	}
}

func sameKeyStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// kickoff is the single entry point for every request-state transition:
// connect, a parameter change, a manual retry/refresh, or a scheduled
// retry/TTL-refresh timer firing all funnel through it (spec.md §4.2).
// Grounded on the teacher's view.go poll/fetch loop, generalized from a
// single hardcoded dependency fetch to an arbitrary Fetcher[P, R].
func (t *AsyncTap[P, R]) kickoff(dest *Dest, forceRefetch bool, trig triggerKind) {
	ds := t.registry.getOrCreate(dest)
	ds.mu.Lock()

	params := t.paramsOf(dest)
	newKey := t.requestKeyOf(params)

	if !sameKeyStr(newKey, ds.requestKey) {
		ds.mu.Unlock()
		t.handleRequestKeyChange(dest, ds, newKey, params)
		return
	}

	if newKey == nil {
		// Same (null) key as before: already idle, nothing to fetch.
		ds.mu.Unlock()
		return
	}

	if trig == triggerManualRetry {
		ds.retryAttempt++
	}

	now := t.clock.Now()
	hs := t.opts.historySize()

	if ds.abortCancel != nil {
		ds.abortCancel()
		ds.abortCancel = nil
		ds.recordHistoryOnly(now, ReasonConcurrentRequestAborted, hs)
	}
	t.timers.Cancel(ds.retryTimerID())
	t.timers.Cancel(ds.refreshTimerID())
	ds.current = ds.current.WithRetryAt(nil)

	// Caller (this function) holds ds.mu and releases it inside
	// continueKickoff, whichever branch it takes.
	t.continueKickoff(dest, ds, *newKey, params, now, hs, forceRefetch, trig, false)
}

// continueKickoff performs spec.md §4.2 steps 5-8 (allocate cancelToken,
// consult cache, compute the next state, invoke the fetcher). It is shared
// between kickoff (once it has confirmed the request key is unchanged) and
// handleRequestKeyChange (once it has finished its own key-change
// preliminaries), so a key change produces exactly one entering-fetch
// history entry rather than one from each caller. The caller must hold
// ds.mu; continueKickoff releases it before returning.
//
// forceLoading is set by handleRequestKeyChange: a key change must enter
// loading, never stale-while-revalidate, since ds.current still describes
// the OLD key's last-known state, and that state's RetrievedAt has nothing
// to do with the new key's data. The cache check above still applies, so a
// key change lands on an immediate cache hit when one is available.
func (t *AsyncTap[P, R]) continueKickoff(dest *Dest, ds *destState, key string, params P, now time.Time, hs int, forceRefetch bool, trig triggerKind, forceLoading bool) {
	if !forceRefetch {
		if entry, ok := t.cache.Get(key); ok && cacheFresh(entry, now) {
			if result, assertOk := entry.Result.(R); assertOk {
				updates, mapErr := t.safeMapResult(result)
				if mapErr == nil {
					t.publishOutputs(dest, updates)
					ds.transition(SuccessState(now), ReasonCacheHit, now, hs)
					ds.retryAttempt = 0
					t.scheduleTTLRefresh(dest, ds, now)
					t.publishMetaLocked(dest, ds)
					t.opts.EventHandler(events.CacheHit{DestID: dest.id, RequestKey: key})
					ds.mu.Unlock()
					return
				}
				t.finishFailure(dest, ds, key, mapErr, now, hs)
				ds.mu.Unlock()
				return
			}
		}
	}

	ds.inflightSeq++
	mySeq := ds.inflightSeq
	ctx, cancel := context.WithCancel(context.Background())
	ds.abortCancel = cancel

	hadData := !forceLoading && HasData(ds.current)
	var next RequestState
	if hadData {
		next = StaleWhileRevalidateState(ds.current.RetrievedAt, now)
	} else {
		next = LoadingState(now)
	}
	ds.transition(next, enterFetchReason(trig, hadData), now, hs)
	t.publishMetaLocked(dest, ds)
	ds.mu.Unlock()

	reqID, err := uuid.GenerateUUID()
	if err != nil {
		// go-uuid only fails if the system's entropy source is broken; fall
		// back to an empty id rather than blocking the fetch on it.
		reqID = ""
	}
	log.Printf("[TRACE] (%s) %s kickoff: starting fetch %s (request %s)", t.name, dest.id, key, reqID)

	t.opts.EventHandler(events.FetchStarted{DestID: dest.id, RequestKey: key, ForceRefetch: forceRefetch, RequestID: reqID})
	go t.runFetch(dest, ds, ctx, params, mySeq, key, reqID)
}

// runFetch executes the fetcher off the destination's lock and applies the
// result under it. Adapted from view.go's
// goroutine-per-fetch pattern with channel-based completion, simplified to
// a direct callback since this package has no separate poll loop to
// rendezvous with.
func (t *AsyncTap[P, R]) runFetch(dest *Dest, ds *destState, ctx context.Context, params P, mySeq uint64, requestKey, reqID string) {
	result, err := t.safeFetch(ctx, params)
	now := t.clock.Now()

	ds.mu.Lock()
	defer ds.mu.Unlock()

	hs := t.opts.historySize()

	if t.opts.latestOnly() && mySeq != ds.inflightSeq {
		t.opts.EventHandler(events.FetchDiscarded{DestID: dest.id, Seq: mySeq})
		return
	}
	if ds.abortCancel != nil {
		ds.abortCancel()
		ds.abortCancel = nil
	}

	// FetchFailed/FetchSucceeded are emitted before the retry or TTL-refresh
	// scheduling below, so they precede any RetryArmed/RetryExhausted event
	// that scheduling emits.
	if err != nil {
		t.opts.EventHandler(events.FetchFailed{DestID: dest.id, RequestKey: requestKey, Error: err, RequestID: reqID})
		t.finishFailure(dest, ds, requestKey, err, now, hs)
		log.Printf("[WARN] (%s) %s request %s failed: %v", t.name, dest.id, reqID, err)
		return
	}

	updates, mapErr := t.safeMapResult(result)
	if mapErr != nil {
		t.opts.EventHandler(events.FetchFailed{DestID: dest.id, RequestKey: requestKey, Error: mapErr, RequestID: reqID})
		t.finishFailure(dest, ds, requestKey, mapErr, now, hs)
		log.Printf("[WARN] (%s) %s request %s mapping failed: %v", t.name, dest.id, reqID, mapErr)
		return
	}

	t.cache.Set(requestKey, CacheEntry{Result: result, StoredAt: now, TTLMs: t.opts.CacheTtlMs})
	t.publishOutputs(dest, updates)

	reason := ReasonFetchSuccess
	if ds.current.Kind == StateStaleWhileRevalidate {
		reason = ReasonRefreshSuccess
	}
	ds.transition(SuccessState(now), reason, now, hs)
	ds.retryAttempt = 0
	t.opts.EventHandler(events.FetchSucceeded{DestID: dest.id, RequestKey: requestKey, RequestID: reqID})
	t.scheduleTTLRefresh(dest, ds, now)
	t.publishMetaLocked(dest, ds)
	log.Printf("[TRACE] (%s) %s request %s succeeded", t.name, dest.id, reqID)
}

// safeFetch invokes the user-supplied fetcher, converting a panic into an
// error so a misbehaving fetcher degrades the destination to an error/retry
// state instead of crashing the tap (spec.md §7 kind 5, mirroring
// safeMapResult's treatment of a panicking mapResult).
func (t *AsyncTap[P, R]) safeFetch(ctx context.Context, params P) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("grip: fetcher panicked: %v", r)
		}
	}()
	return t.fetcher(ctx, params)
}

// finishFailure applies the terminal-or-retryable failure transition
// described in spec.md §4.2 step 9 and §7 kind 5. Caller holds ds.mu.
func (t *AsyncTap[P, R]) finishFailure(dest *Dest, ds *destState, requestKey string, err error, now time.Time, hs int) {
	hadData := HasData(ds.current)
	reason := ReasonFetchError
	var next RequestState
	if hadData {
		next = StaleWithErrorState(ds.current.RetrievedAt, err, now)
		reason = ReasonRefreshError
	} else {
		next = ErrorState(err, now)
	}
	ds.transition(next, reason, now, hs)

	retryable := t.opts.Retry.shouldRetry(err)
	if retryable && ds.listenerCount > 0 && ds.retryAttempt < t.opts.Retry.MaxRetries {
		t.scheduleRetry(dest, ds, now)
	} else {
		ds.current = ds.current.WithRetryAt(nil)
		if retryable && ds.retryAttempt >= t.opts.Retry.MaxRetries {
			t.opts.EventHandler(events.RetryExhausted{DestID: dest.id, Attempt: ds.retryAttempt})
		}
	}
	t.publishMetaLocked(dest, ds)
}

// handleRequestKeyChange implements spec.md §4.6: abort any in-flight
// request for the old key, cancel timers, reset retryAttempt, preserve
// history, and either kick off a fresh request (non-null newKey) or settle
// into idle (null newKey).
func (t *AsyncTap[P, R]) handleRequestKeyChange(dest *Dest, ds *destState, newKey *string, params P) {
	ds.mu.Lock()
	now := t.clock.Now()
	hs := t.opts.historySize()

	if ds.abortCancel != nil {
		ds.abortCancel()
		ds.abortCancel = nil
		ds.recordHistoryOnly(now, ReasonRequestKeyChangedAborted, hs)
	}
	t.timers.Cancel(ds.retryTimerID())
	t.timers.Cancel(ds.refreshTimerID())
	ds.retryAttempt = 0
	prevKey := ds.requestKey
	ds.requestKey = newKey

	if newKey == nil {
		ds.transition(IdleState(), ReasonRequestKeyChanged, now, hs)
		t.publishDefaults(dest)
		t.publishMetaLocked(dest, ds)
		ds.mu.Unlock()
		return
	}

	// Resolving a key where there was none (e.g. a destination's first
	// connect) is an ordinary request start, not a change away from a key.
	trig := triggerKeyChange
	if prevKey == nil {
		trig = triggerNormal
	}
	t.publishDefaults(dest)
	t.continueKickoff(dest, ds, *newKey, params, now, hs, false, trig, true)
}
