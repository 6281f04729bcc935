package grip

import "time"

// StateKind discriminates the six RequestState variants (spec.md §3.1).
type StateKind int

const (
	StateIdle StateKind = iota
	StateLoading
	StateSuccess
	StateError
	StateStaleWhileRevalidate
	StateStaleWithError
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StateStaleWithError:
		return "stale-with-error"
	default:
		return "unknown"
	}
}

// RequestState is one of six variants, modeled as a closed tagged record
// rather than a dynamically typed value: every transition produces a new
// RequestState, existing values are never mutated in place. Only the fields
// relevant to Kind are meaningful; constructors below are the only
// supported way to build one, so an invalid field combination never
// escapes this package.
type RequestState struct {
	Kind StateKind

	// RetryAt is common to every variant; nil means "none scheduled". It is
	// always nil for StateIdle.
	RetryAt *time.Time

	InitiatedAt        time.Time // loading
	RetrievedAt        time.Time // success, stale-while-revalidate, stale-with-error
	RefreshInitiatedAt time.Time // stale-while-revalidate
	FailedAt           time.Time // error, stale-with-error
	Err                error     // error, stale-with-error
}

// IdleState is the zero state: no request key, no data, nothing scheduled.
func IdleState() RequestState {
	return RequestState{Kind: StateIdle}
}

// LoadingState is entered when a fetch starts and no data is available yet
// (the no-loading-with-data invariant: this is never reached if cached data
// exists for the current request key).
func LoadingState(initiatedAt time.Time) RequestState {
	return RequestState{Kind: StateLoading, InitiatedAt: initiatedAt}
}

// SuccessState carries no data itself (data/state separation invariant);
// the data is delivered through the tap's output grips.
func SuccessState(retrievedAt time.Time) RequestState {
	return RequestState{Kind: StateSuccess, RetrievedAt: retrievedAt}
}

// ErrorState is entered on a terminal failure with no data available.
func ErrorState(err error, failedAt time.Time) RequestState {
	return RequestState{Kind: StateError, Err: err, FailedAt: failedAt}
}

// StaleWhileRevalidateState is entered whenever a new request is initiated
// while data from a prior success is still available; it is used instead
// of StateLoading in that case.
func StaleWhileRevalidateState(retrievedAt, refreshInitiatedAt time.Time) RequestState {
	return RequestState{
		Kind:               StateStaleWhileRevalidate,
		RetrievedAt:        retrievedAt,
		RefreshInitiatedAt: refreshInitiatedAt,
	}
}

// StaleWithErrorState is entered on a terminal failure while prior data is
// still available to serve.
func StaleWithErrorState(retrievedAt time.Time, err error, failedAt time.Time) RequestState {
	return RequestState{
		Kind:        StateStaleWithError,
		RetrievedAt: retrievedAt,
		Err:         err,
		FailedAt:    failedAt,
	}
}

// WithRetryAt returns a copy of s with RetryAt set. Calling it on an idle
// state is a programmer error (idle.retryAt is always nil per invariant 7)
// and is guarded against by callers, not by this helper.
func (s RequestState) WithRetryAt(t *time.Time) RequestState {
	s.RetryAt = t
	return s
}

// HistoryEntry records a single transition, capturing the state being LEFT
// (not the one being entered), per spec.md §3.2 / §4.8.
type HistoryEntry struct {
	State            RequestState
	Timestamp        time.Time
	RequestKey       *string
	TransitionReason string
}

// AsyncRequestState is the immutable snapshot published on a tap's
// stateGrip. History is shallow-frozen (a fresh slice) on every publish.
type AsyncRequestState struct {
	State        RequestState
	RequestKey   *string
	HasListeners bool
	History      []HistoryEntry
}

// DefaultAsyncRequestState is the value consumers see on a stateGrip before
// any destination-specific state has been published (spec.md §6.2).
func DefaultAsyncRequestState() AsyncRequestState {
	return AsyncRequestState{
		State:   IdleState(),
		History: []HistoryEntry{},
	}
}

// --- §4.9 state-query helpers -------------------------------------------------

// HasData reports whether data is available to serve for this state.
func HasData(s RequestState) bool {
	switch s.Kind {
	case StateSuccess, StateStaleWhileRevalidate, StateStaleWithError:
		return true
	default:
		return false
	}
}

// IsStale reports whether the available data is known to be stale.
func IsStale(s RequestState) bool {
	return s.Kind == StateStaleWhileRevalidate || s.Kind == StateStaleWithError
}

// IsRefreshing reports whether a fetch is currently in flight.
func IsRefreshing(s RequestState) bool {
	return s.Kind == StateLoading || s.Kind == StateStaleWhileRevalidate
}

// IsRefreshingWithData reports whether a refresh is in flight while serving
// previously retrieved data.
func IsRefreshingWithData(s RequestState) bool {
	return s.Kind == StateStaleWhileRevalidate
}

// IsLoading reports the cold-load case: a fetch in flight with no data
// available to serve in the meantime.
func IsLoading(s RequestState) bool {
	return s.Kind == StateLoading
}

// IsIdle reports whether the state is idle: no key has resolved yet, the
// key became unresolvable, or the destination was reset.
func IsIdle(s RequestState) bool {
	return s.Kind == StateIdle
}

// HasError reports whether the last completed fetch failed.
func HasError(s RequestState) bool {
	return s.Kind == StateError || s.Kind == StateStaleWithError
}

// GetError returns the carried error, or nil if none.
func GetError(s RequestState) error {
	return s.Err
}

// GetDataRetrievedAt returns the timestamp data was last retrieved, or nil.
func GetDataRetrievedAt(s RequestState) *time.Time {
	if !HasData(s) {
		return nil
	}
	t := s.RetrievedAt
	return &t
}

// GetRequestInitiatedAt returns when the current fetch was initiated, for
// loading and stale-while-revalidate states; nil otherwise.
func GetRequestInitiatedAt(s RequestState) *time.Time {
	switch s.Kind {
	case StateLoading:
		t := s.InitiatedAt
		return &t
	case StateStaleWhileRevalidate:
		t := s.RefreshInitiatedAt
		return &t
	default:
		return nil
	}
}

// GetErrorFailedAt returns when the current error occurred, or nil.
func GetErrorFailedAt(s RequestState) *time.Time {
	if !HasError(s) {
		return nil
	}
	t := s.FailedAt
	return &t
}

// HasScheduledRetry reports whether a retry/refresh is armed in the future
// relative to now.
func HasScheduledRetry(s RequestState, now time.Time) bool {
	return s.RetryAt != nil && s.RetryAt.After(now)
}

// GetRetryTimeRemaining returns the duration until the scheduled
// retry/refresh fires, floored at zero, or nil if none is scheduled.
func GetRetryTimeRemaining(s RequestState, now time.Time) *time.Duration {
	if s.RetryAt == nil {
		return nil
	}
	d := s.RetryAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}

// GetStatusMessage returns a short human-readable description of the state,
// for debugging and simple status UIs that don't want to switch on Kind
// themselves.
func GetStatusMessage(s RequestState) string {
	switch s.Kind {
	case StateIdle:
		return "idle: no request has been made"
	case StateLoading:
		return "loading: waiting for initial data"
	case StateSuccess:
		return "success: data is fresh"
	case StateError:
		return "error: " + errString(s.Err)
	case StateStaleWhileRevalidate:
		return "revalidating: serving stale data while refreshing"
	case StateStaleWithError:
		return "error: serving stale data, refresh failed: " + errString(s.Err)
	default:
		return "unknown state"
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
