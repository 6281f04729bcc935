package grip

import (
	"math"
	"time"

	"github.com/owebeeone/grip-core/events"
)

// backoffDelay computes the exponential-backoff delay for the given
// zero-based retryAttempt, per spec.md §4.3:
//
//	delay = min(maxDelayMs, initialDelayMs * backoffMultiplier ^ retryAttempt)
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delayMs := float64(cfg.InitialDelayMs) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if maxMs := float64(cfg.MaxDelayMs); delayMs > maxMs {
		delayMs = maxMs
	}
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

// scheduleRetry arms the retry timer for ds, bumping retryAttempt at
// schedule time (not execution time) so the backoff reflects the delay
// before the *next* attempt (spec.md §4.3). Caller holds ds.mu.
func (t *AsyncTap[P, R]) scheduleRetry(dest *Dest, ds *destState, now time.Time) {
	attempt := ds.retryAttempt
	ds.retryAttempt++

	delay := backoffDelay(t.opts.Retry, attempt)
	retryAt := now.Add(delay)
	ds.current = ds.current.WithRetryAt(&retryAt)

	key := ds.requestKey
	t.timers.Arm(ds.retryTimerID(), delay, func() {
		t.onRetryTimerFired(dest, key)
	})

	ds.recordHistoryOnly(now, ReasonRetryScheduled, t.opts.historySize())
	t.opts.EventHandler(events.RetryArmed{
		DestID: dest.id, Attempt: ds.retryAttempt, Delay: delay, At: retryAt,
	})
}

// onRetryTimerFired is invoked by the timerset when a retry deadline
// elapses. It re-checks the execution preconditions from spec.md §4.3 since
// time may have passed between arming and firing.
func (t *AsyncTap[P, R]) onRetryTimerFired(dest *Dest, scheduledKey *string) {
	ds := t.registry.getOrCreate(dest)
	ds.mu.Lock()

	if ds.listenerCount == 0 {
		ds.current = ds.current.WithRetryAt(nil)
		now := t.clock.Now()
		ds.recordHistoryOnly(now, ReasonListenerUnsubscribed, t.opts.historySize())
		t.opts.EventHandler(events.RetryGated{DestID: dest.id, Reason: "no_listeners"})
		t.publishMetaLocked(dest, ds)
		ds.mu.Unlock()
		return
	}

	if !sameKeyStr(scheduledKey, ds.requestKey) {
		ds.mu.Unlock()
		t.opts.EventHandler(events.RetryGated{DestID: dest.id, Reason: "key_changed"})
		params := t.paramsOf(dest)
		t.handleRequestKeyChange(dest, ds, ds.requestKey, params)
		return
	}

	ds.mu.Unlock()
	t.kickoff(dest, true, triggerScheduledRetry)
}
