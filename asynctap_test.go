package grip

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owebeeone/grip-core/events"
)

// testParams is the Params type used throughout these scenarios: a single
// string key that is empty when unresolved.
type testParams struct {
	Key string
}

func testRequestKeyOf(p testParams) *string {
	if p.Key == "" {
		return nil
	}
	k := p.Key
	return &k
}

var testKeyGrip = NewGrip[string]("key", "")
var testOutGrip = NewGrip[int]("x", 0)
var testStateGrip = NewGrip[AsyncRequestState]("asyncState", DefaultAsyncRequestState())
var testCtrlGrip = NewGrip[AsyncTapController]("asyncController", noopController)

// step is one scripted fetcher response, delivered when the test sends it
// on the harness's step channel.
type step struct {
	result int
	err    error
}

type harness struct {
	t      *testing.T
	clock  clockwork.FakeClock
	steps  chan step
	events chan events.Event
	tap    *AsyncTap[testParams, int]
	dest   *Dest
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clockwork.NewFakeClock(),
		steps:  make(chan step, 8),
		events: make(chan events.Event, 64),
		dest:   NewDest("d1"),
	}

	opts.Clock = h.clock
	userHandler := opts.EventHandler
	opts.EventHandler = func(e events.Event) {
		if userHandler != nil {
			userHandler(e)
		}
		select {
		case h.events <- e:
		default:
		}
	}

	h.tap = NewAsyncTap[testParams, int](NewAsyncTapInput[testParams, int]{
		Name:           "test",
		Provides:       []AnyGrip{testOutGrip},
		StateGrip:      &testStateGrip,
		ControllerGrip: &testCtrlGrip,
		RequestKeyOf:   testRequestKeyOf,
		ParamsOf: func(dest *Dest) testParams {
			return testParams{Key: Param(dest, testKeyGrip)}
		},
		Fetcher: func(ctx context.Context, p testParams) (int, error) {
			select {
			case s := <-h.steps:
				return s.result, s.err
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
		MapResult: func(r int) (map[string]any, error) {
			return map[string]any{"x": r}, nil
		},
		Options: opts,
	})
	return h
}

func (h *harness) setKey(key string) {
	SetParam(h.dest, testKeyGrip, key)
}

func (h *harness) waitFor(kind string, timeout time.Duration) events.Event {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-h.events:
			if eventKind(e) == kind {
				return e
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

// waitForAll drains events until every kind in want has been seen at least
// once. Needed whenever two independent goroutines (e.g. an aborted
// in-flight fetch and a freshly kicked-off one) may emit their events in
// either order.
func (h *harness) waitForAll(want []string, timeout time.Duration) {
	h.t.Helper()
	remaining := make(map[string]bool, len(want))
	for _, k := range want {
		remaining[k] = true
	}
	deadline := time.After(timeout)
	for len(remaining) > 0 {
		select {
		case e := <-h.events:
			delete(remaining, eventKind(e))
		case <-deadline:
			h.t.Fatalf("timed out waiting for events %v", remaining)
		}
	}
}

func eventKind(e events.Event) string {
	switch e.(type) {
	case events.FetchStarted:
		return "FetchStarted"
	case events.FetchSucceeded:
		return "FetchSucceeded"
	case events.FetchFailed:
		return "FetchFailed"
	case events.FetchDiscarded:
		return "FetchDiscarded"
	case events.CacheHit:
		return "CacheHit"
	case events.RetryArmed:
		return "RetryArmed"
	case events.RetryGated:
		return "RetryGated"
	case events.RetryExhausted:
		return "RetryExhausted"
	default:
		return "unknown"
	}
}

// --- S1: Cold load success -----------------------------------------------

func TestS1ColdLoadSuccess(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 2, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")
	h.clock.Advance(50 * time.Millisecond)

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)

	st := h.tap.GetRequestState(h.dest)
	require.Equal(t, StateLoading, st.State.Kind)

	h.steps <- step{result: 1}
	h.waitFor("FetchSucceeded", time.Second)

	st = h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateSuccess, st.State.Kind)
	assert.Equal(t, 1, Get(h.dest, testOutGrip))
	assert.Equal(t, 0, h.tap.registry.getOrCreate(h.dest).retryAttempt)

	var reasons []string
	for _, e := range st.History {
		reasons = append(reasons, e.TransitionReason)
	}
	assert.Equal(t, []string{ReasonInitial, ReasonRequestInitiated, ReasonFetchSuccess}, reasons)
}

// --- S2: Transient failure then success -----------------------------------

func TestS2TransientFailureThenSuccess(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 2, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")
	h.clock.Advance(50 * time.Millisecond)

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)

	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)

	st := h.tap.GetRequestState(h.dest)
	require.Equal(t, StateError, st.State.Kind)
	require.NotNil(t, st.State.RetryAt)
	wantRetryAt := h.clock.Now().Add(100 * time.Millisecond)
	assert.True(t, st.State.RetryAt.Equal(wantRetryAt))
	assert.Equal(t, 1, h.tap.registry.getOrCreate(h.dest).retryAttempt)

	h.waitFor("RetryArmed", time.Second)
	h.clock.Advance(100 * time.Millisecond)
	h.waitFor("FetchStarted", time.Second)

	st = h.tap.GetRequestState(h.dest)
	require.Equal(t, StateLoading, st.State.Kind)

	h.steps <- step{result: 2}
	h.waitFor("FetchSucceeded", time.Second)

	st = h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateSuccess, st.State.Kind)
	assert.Equal(t, 2, Get(h.dest, testOutGrip))
	assert.Equal(t, 0, h.tap.registry.getOrCreate(h.dest).retryAttempt)

	var reasons []string
	for _, e := range st.History {
		reasons = append(reasons, e.TransitionReason)
	}
	assert.Equal(t, []string{ReasonInitial, ReasonRequestInitiated, ReasonFetchError, ReasonRetryScheduled, ReasonRetryExecuted, ReasonFetchSuccess}, reasons)
}

// --- S3: Stale-while-revalidate via TTL ------------------------------------

func TestS3StaleWhileRevalidateViaTTL(t *testing.T) {
	h := newHarness(t, Options{
		CacheTtlMs:            1000,
		RefreshBeforeExpiryMs: 200,
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 3}
	h.waitFor("FetchSucceeded", time.Second)
	assert.Equal(t, 3, Get(h.dest, testOutGrip))

	h.waitFor("RetryArmed", time.Second) // TTL refresh armed

	h.clock.Advance(800 * time.Millisecond)
	h.waitFor("FetchStarted", time.Second)

	st := h.tap.GetRequestState(h.dest)
	require.Equal(t, StateStaleWhileRevalidate, st.State.Kind)
	// Data/state separation: output grip still serves the old value while
	// a refresh is in flight.
	assert.Equal(t, 3, Get(h.dest, testOutGrip))

	h.clock.Advance(50 * time.Millisecond)
	h.steps <- step{result: 33}
	h.waitFor("FetchSucceeded", time.Second)

	st = h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateSuccess, st.State.Kind)
	assert.Equal(t, 33, Get(h.dest, testOutGrip))

	// The refresh success re-arms the TTL timer, which records
	// ttl_refresh_scheduled as the newest entry.
	n := len(st.History)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, ReasonTTLRefreshExecuted, st.History[n-3].TransitionReason)
	assert.Equal(t, ReasonRefreshSuccess, st.History[n-2].TransitionReason)
}

// --- S4: Listener drop cancels retry ----------------------------------------

func TestS4ListenerDropCancelsRetry(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 3, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)

	ds := h.tap.registry.getOrCreate(h.dest)
	require.True(t, h.tap.timers.Armed(ds.retryTimerID()))

	h.tap.onDisconnect(h.dest, testOutGrip)

	assert.False(t, h.tap.timers.Armed(ds.retryTimerID()))
	st := h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateError, st.State.Kind, "state is frozen, not reset")
	assert.Nil(t, st.State.RetryAt)
	assert.False(t, st.HasListeners)

	// Reconnect triggers a fresh kickoff.
	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 9}
	h.waitFor("FetchSucceeded", time.Second)
	assert.Equal(t, 9, Get(h.dest, testOutGrip))
}

// --- S5: Key change aborts in-flight ----------------------------------------

func TestS5KeyChangeAbortsInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	h.setKey("A")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)

	h.setKey("B")
	h.tap.Produce(h.dest)

	// A's fetcher goroutine unblocks as soon as its cancelToken fires and
	// is discarded on a stale sequence number, without ever reaching the
	// scripted step queue. These two events race against each other.
	h.waitForAll([]string{"FetchDiscarded", "FetchStarted"}, time.Second)

	h.steps <- step{result: 222}
	h.waitFor("FetchSucceeded", time.Second)

	assert.Equal(t, 222, Get(h.dest, testOutGrip))
	ds := h.tap.registry.getOrCreate(h.dest)
	assert.Equal(t, 0, ds.retryAttempt)
	require.NotNil(t, ds.requestKey)
	assert.Equal(t, "B", *ds.requestKey)

	st := h.tap.GetRequestState(h.dest)
	var reasons []string
	for _, e := range st.History {
		reasons = append(reasons, e.TransitionReason)
	}
	assert.Contains(t, reasons, ReasonRequestKeyChangedAborted)
	assert.Contains(t, reasons, ReasonRequestKeyChanged)
}

// --- S6: Manual retry vs refresh ---------------------------------------------

func TestS6ManualRetryVsRefresh(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 5, InitialDelayMs: 100, MaxDelayMs: 10000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("1")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)

	h.steps <- step{err: assertErr("2")}
	h.clock.Advance(100 * time.Millisecond)
	h.waitFor("FetchStarted", time.Second)
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)

	ds := h.tap.registry.getOrCreate(h.dest)
	require.Equal(t, 2, ds.retryAttempt)

	ctrl := Get(h.dest, testCtrlGrip)
	ctrl.Refresh(false)
	h.waitFor("FetchStarted", time.Second)
	assert.Equal(t, 2, ds.retryAttempt, "refresh must not bump retryAttempt")

	h.steps <- step{err: assertErr("3")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)
	require.Equal(t, 3, ds.retryAttempt)

	ctrl.Retry(false)
	h.waitFor("FetchStarted", time.Second)
	assert.Equal(t, 4, ds.retryAttempt, "manual retry must bump retryAttempt")
}

// assertErr is a minimal error type so scripted failures need no extra
// import.
type assertErr string

func (e assertErr) Error() string { return string(e) }

// --- Additional boundary/property coverage (spec.md §8.2, §8.3) -----------

// Reset (ctrl.Reset) must be idempotent: calling it repeatedly, or reading
// state repeatedly after a single call, never accumulates more than the one
// manual_reset history entry.
func TestResetThenReadIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 1}
	h.waitFor("FetchSucceeded", time.Second)

	ctrl := Get(h.dest, testCtrlGrip)
	ctrl.Reset()

	st := h.tap.GetRequestState(h.dest)
	require.Equal(t, StateIdle, st.State.Kind)
	require.Len(t, st.History, 1)
	assert.Equal(t, ReasonManualReset, st.History[0].TransitionReason)

	// Reading twice must not mutate anything.
	st2 := h.tap.GetRequestState(h.dest)
	assert.Equal(t, st, st2)

	// A second Reset on an already-idle destination with no history beyond
	// the first reset still produces exactly one manual_reset entry.
	ctrl.Reset()
	st3 := h.tap.GetRequestState(h.dest)
	require.Len(t, st3.History, 1)
	assert.Equal(t, ReasonManualReset, st3.History[0].TransitionReason)
}

// CancelRetry is documented as idempotent: calling it twice in a row, with
// or without an armed timer the second time, must not panic or double-emit.
func TestCancelRetryTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 3, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)

	ds := h.tap.registry.getOrCreate(h.dest)
	require.True(t, h.tap.timers.Armed(ds.retryTimerID()))

	ctrl := Get(h.dest, testCtrlGrip)
	ctrl.CancelRetry()
	assert.False(t, h.tap.timers.Armed(ds.retryTimerID()))
	st := h.tap.GetRequestState(h.dest)
	assert.Nil(t, st.State.RetryAt)

	// Second call: no armed timer left, must still be a no-op, not a panic.
	ctrl.CancelRetry()
	assert.False(t, h.tap.timers.Armed(ds.retryTimerID()))
	st2 := h.tap.GetRequestState(h.dest)
	assert.Nil(t, st2.State.RetryAt)
	assert.Equal(t, StateError, st2.State.Kind)
}

// A manual retry issued after a fresh success round-trips through
// stale-while-revalidate back to success, tagged manual_retry / refresh_success
// rather than the cold-load request_initiated / fetch_success pair.
func TestManualRetryAfterSuccessRoundTripsViaStaleWhileRevalidate(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 2, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 1}
	h.waitFor("FetchSucceeded", time.Second)

	ctrl := Get(h.dest, testCtrlGrip)
	ctrl.Retry(true)
	h.waitFor("FetchStarted", time.Second)

	st := h.tap.GetRequestState(h.dest)
	require.Equal(t, StateStaleWhileRevalidate, st.State.Kind)
	// Old value still served while the manual retry is in flight.
	assert.Equal(t, 1, Get(h.dest, testOutGrip))

	h.steps <- step{result: 2}
	h.waitFor("FetchSucceeded", time.Second)

	st = h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateSuccess, st.State.Kind)
	assert.Equal(t, 2, Get(h.dest, testOutGrip))

	n := len(st.History)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, ReasonManualRetry, st.History[n-2].TransitionReason)
	assert.Equal(t, ReasonRefreshSuccess, st.History[n-1].TransitionReason)
}

// historySize=0 disables the history ring entirely: every HistoryEntry
// append is a no-op, but the current-state machinery is unaffected.
func TestHistorySizeZeroDisablesHistory(t *testing.T) {
	zero := 0
	h := newHarness(t, Options{
		Retry:       RetryConfig{MaxRetries: 2, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
		HistorySize: &zero,
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)
	h.clock.Advance(100 * time.Millisecond)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 1}
	h.waitFor("FetchSucceeded", time.Second)

	st := h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateSuccess, st.State.Kind)
	assert.Equal(t, 1, Get(h.dest, testOutGrip))
	assert.Empty(t, st.History)
}

// maxRetries=0 means the very first failure is already exhausted: no retry
// timer is armed, and RetryExhausted fires on that first failure.
func TestMaxRetriesZeroExhaustsImmediately(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 0, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryExhausted", time.Second)

	ds := h.tap.registry.getOrCreate(h.dest)
	assert.False(t, h.tap.timers.Armed(ds.retryTimerID()))
	st := h.tap.GetRequestState(h.dest)
	assert.Equal(t, StateError, st.State.Kind)
	assert.Nil(t, st.State.RetryAt)
}

// A retry delay of zero (e.g. InitialDelayMs: 0 on the first attempt) is
// already due the instant it is armed: a zero-width clock advance is enough
// to fire it, with no need to actually move time forward.
func TestRetryWithZeroDelayFiresOnZeroAdvance(t *testing.T) {
	h := newHarness(t, Options{
		Retry: RetryConfig{MaxRetries: 2, InitialDelayMs: 0, MaxDelayMs: 1000, BackoffMultiplier: 2},
	})
	h.setKey("k1")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{err: assertErr("boom")}
	h.waitFor("FetchFailed", time.Second)
	h.waitFor("RetryArmed", time.Second)

	h.clock.Advance(0)
	h.waitFor("FetchStarted", time.Second)
	h.steps <- step{result: 1}
	h.waitFor("FetchSucceeded", time.Second)

	assert.Equal(t, 1, Get(h.dest, testOutGrip))
}

// Rapid A->B->A key oscillation must settle on exactly one live request for
// the final key, with every earlier attempt discarded rather than racing to
// completion against it.
func TestRapidKeyOscillationLeavesOneLiveRequest(t *testing.T) {
	h := newHarness(t, Options{})
	h.setKey("A")

	h.tap.onConnect(h.dest, testOutGrip)
	h.waitFor("FetchStarted", time.Second)

	h.setKey("B")
	h.tap.Produce(h.dest)
	h.setKey("A")
	h.tap.Produce(h.dest)

	ds := h.tap.registry.getOrCreate(h.dest)
	mySeq := func() uint64 {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		return ds.inflightSeq
	}()
	require.Equal(t, uint64(3), mySeq, "three kickoffs: A, B, A")

	// The two earlier goroutines (seq 1, 2) unblock on their own canceled
	// context and are discarded as stale sequences; only the last (seq 3)
	// is waiting on the steps channel.
	h.waitFor("FetchDiscarded", time.Second)
	h.waitFor("FetchDiscarded", time.Second)
	h.steps <- step{result: 99}

	h.waitFor("FetchSucceeded", time.Second)

	st := h.tap.GetRequestState(h.dest)
	require.NotNil(t, ds.requestKey)
	assert.Equal(t, "A", *ds.requestKey)
	assert.Equal(t, 99, Get(h.dest, testOutGrip))
	assert.Equal(t, StateSuccess, st.State.Kind)
}
