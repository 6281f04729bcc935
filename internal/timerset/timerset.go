// Package timerset tracks the one-shot timers an async tap arms for retry
// backoff and TTL refresh so that detaching the tap clears every
// outstanding timer deterministically.
//
// Adapted from the teacher's buffer_period.go "timers"/"timer" types: that
// file tracked a single concept (template render buffer periods, activated
// by repeated ticks against a min/max window). This package generalizes the
// "tracked, cancelable, one-shot deadline" idea to arbitrary named timers
// armed once and fired once, and threads every time read through an
// injected clockwork.Clock instead of the wall clock so retry/refresh
// scenarios are deterministic in tests (spec.md §9, clock injection).
package timerset

import (
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Set is a threadsafe collection of named one-shot timers.
type Set struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers map[string]clockwork.Timer
}

// New constructs an empty timer set bound to the given clock.
func New(clock clockwork.Clock) *Set {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Set{
		clock:  clock,
		timers: make(map[string]clockwork.Timer),
	}
}

// Arm schedules fn to run after d, tracked under id. Any previously armed
// timer under the same id is canceled first — only one deadline per id can
// be outstanding at a time (a destination has at most one retry timer and
// one refresh timer).
func (s *Set) Arm(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}

	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[WARN] timerset: timer %q callback panicked: %v", id, r)
			}
		}()
		fn()
	})
}

// Cancel stops and forgets the timer tracked under id, if any. It is
// idempotent: canceling an id with no armed timer is a no-op.
func (s *Set) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Armed reports whether a timer is currently outstanding for id.
func (s *Set) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// StopAll cancels every outstanding timer. Used on tap detach so that no
// timer can fire after teardown.
func (s *Set) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
