package grip

// Transition reason tags, recorded on each HistoryEntry (spec.md §4.8).
const (
	ReasonInitial                  = "initial"
	ReasonRequestInitiated         = "request_initiated"
	ReasonCacheHit                 = "cache_hit"
	ReasonFetchSuccess             = "fetch_success"
	ReasonFetchError               = "fetch_error"
	ReasonRetryScheduled           = "retry_scheduled"
	ReasonRetryExecuted            = "retry_executed"
	ReasonRefreshInitiated         = "refresh_initiated"
	ReasonRefreshSuccess           = "refresh_success"
	ReasonRefreshError             = "refresh_error"
	ReasonListenerUnsubscribed     = "listener_unsubscribed"
	ReasonManualReset              = "manual_reset"
	ReasonManualRetry              = "manual_retry"
	ReasonManualRefresh            = "manual_refresh"
	ReasonTTLRefreshScheduled      = "ttl_refresh_scheduled"
	ReasonTTLRefreshExecuted       = "ttl_refresh_executed"
	ReasonRequestKeyChanged        = "request_key_changed"
	ReasonConcurrentRequestAborted = "concurrent_request_aborted"
	ReasonRequestKeyChangedAborted = "request_key_changed_aborted"
)
