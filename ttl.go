package grip

import (
	"time"

	"github.com/owebeeone/grip-core/events"
)

// scheduleTTLRefresh arms the TTL-refresh timer for ds after a successful
// fetch or cache hit, per spec.md §4.4:
//
//	refreshAt = retrievedAt + cacheTtlMs - refreshBeforeExpiryMs
//
// If refreshAt is not strictly after now, no timer is armed (spec.md §4.4
// edge case: "refresh window has already elapsed"); the entry stays in the
// cache and is treated as expired by the next kickoff's freshness check
// instead. When a timer is armed, refreshAt is recorded as the current
// state's RetryAt. Caller holds ds.mu.
func (t *AsyncTap[P, R]) scheduleTTLRefresh(dest *Dest, ds *destState, retrievedAt time.Time) {
	if t.opts.CacheTtlMs <= 0 || ds.listenerCount == 0 {
		return
	}
	refreshAt := retrievedAt.
		Add(time.Duration(t.opts.CacheTtlMs) * time.Millisecond).
		Add(-time.Duration(t.opts.RefreshBeforeExpiryMs) * time.Millisecond)

	now := t.clock.Now()
	if !refreshAt.After(now) {
		return
	}

	delay := refreshAt.Sub(now)
	ds.current = ds.current.WithRetryAt(&refreshAt)
	key := ds.requestKey
	t.timers.Arm(ds.refreshTimerID(), delay, func() {
		t.onTTLRefreshTimerFired(dest, key)
	})

	ds.recordHistoryOnly(now, ReasonTTLRefreshScheduled, t.opts.historySize())
	t.opts.EventHandler(events.RetryArmed{
		DestID: dest.id, Attempt: 0, Delay: delay, At: refreshAt,
	})
}

// onTTLRefreshTimerFired is invoked by the timerset when a TTL-refresh
// deadline elapses. Preconditions mirror onRetryTimerFired (spec.md §4.4:
// "same listener/key-match gating as retry execution").
func (t *AsyncTap[P, R]) onTTLRefreshTimerFired(dest *Dest, scheduledKey *string) {
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
	t.kickoff(dest, true, triggerScheduledTTLRefresh)
}
