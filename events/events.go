// Package events carries debug/observability notifications out of an async
// tap alongside (not instead of) the required AsyncRequestState history
// ring. Adapted from the teacher's events/events.go: same
// EventHandler/Event shape, event names generalized from the
// Consul/Vault-polling domain (ServerContacted, StaleData, BlockingWait) to
// the async request-state domain (FetchStarted, RetryArmed, RetryGated).
package events

import "time"

// EventHandler is the callback signature for receiving events. A nil
// handler is never invoked directly; callers substitute a no-op.
type EventHandler func(Event)

// Event type-restricts the values passed to EventHandler.
type Event interface {
	isEvent()
}

type event struct{}

func (event) isEvent() {}

// Trace carries low-frequency diagnostic detail not worth its own type.
type Trace struct {
	event
	DestID  string
	Message string
}

// FetchStarted means kickoff invoked the fetcher for a destination.
type FetchStarted struct {
	event
	DestID       string
	RequestKey   string
	ForceRefetch bool

	// RequestID correlates this attempt's start/success/failure log lines
	// and events; it is not the cache/dedup key.
	RequestID string
}

// FetchSucceeded means a fetch completed without error and was applied
// (i.e. was not discarded as a stale sequence).
type FetchSucceeded struct {
	event
	DestID     string
	RequestKey string
	RequestID  string
}

// FetchFailed means a fetch completed with an error.
type FetchFailed struct {
	event
	DestID     string
	RequestKey string
	Error      error
	RequestID  string
}

// FetchDiscarded means a completion arrived for a sequence number that was
// no longer the latest in-flight request and was dropped silently.
type FetchDiscarded struct {
	event
	DestID string
	Seq    uint64
}

// CacheHit means kickoff served a fresh cached result without fetching.
type CacheHit struct {
	event
	DestID     string
	RequestKey string
}

// RetryArmed means a retry or TTL-refresh timer was scheduled.
type RetryArmed struct {
	event
	DestID  string
	Attempt int
	Delay   time.Duration
	At      time.Time
}

// RetryGated means a scheduled retry/refresh did not fire, because the
// destination had no listeners or its request key had changed.
type RetryGated struct {
	event
	DestID string
	Reason string
}

// RetryExhausted means the retry budget (MaxRetries) was reached.
type RetryExhausted struct {
	event
	DestID  string
	Attempt int
}
