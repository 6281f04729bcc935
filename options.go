package grip

import (
	"github.com/imdario/mergo"
	"github.com/jonboulle/clockwork"

	"github.com/owebeeone/grip-core/events"
)

// RetryConfig controls the exponential-backoff retry scheduler (spec.md
// §4.3).
type RetryConfig struct {
	MaxRetries        int
	InitialDelayMs    int64
	MaxDelayMs        int64
	BackoffMultiplier float64

	// RetryOnError decides whether a given fetch failure is retryable. A
	// nil predicate treats every error as retryable.
	RetryOnError func(err error) bool
}

// DefaultRetryConfig matches the values given as the worked example in
// spec.md §4.1.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2,
	}
}

// shouldRetry applies RetryOnError, defaulting to "always retryable".
func (c RetryConfig) shouldRetry(err error) bool {
	if c.RetryOnError == nil {
		return true
	}
	return c.RetryOnError(err)
}

// Options are the construction inputs to AsyncTap shared across the
// generic Params/Result types (spec.md §4.1). The mergo-based defaulting
// below follows the same "merge user overrides onto defaults" idiom the
// teacher uses by hand in internal/dependency/dependency.go's
// QueryOptions.Merge, but via github.com/imdario/mergo directly, which the
// teacher already depends on for exploding/merging KV pairs
// (tfunc/maps.go).
type Options struct {
	CacheTtlMs            int64
	RefreshBeforeExpiryMs int64
	LatestOnly            *bool // nil -> default true
	HistorySize           *int  // nil -> default 10; 0 disables history
	Retry                 RetryConfig

	Cache Cache
	Clock clockwork.Clock

	// EventHandler receives debug/observability events alongside (not
	// instead of) the required history ring (SPEC_FULL.md §3, adapted from
	// the teacher's events package).
	EventHandler events.EventHandler
}

// withDefaults returns a copy of o with unset fields filled in. When no
// Retry field is set, the whole DefaultRetryConfig applies; once any Retry
// field is set, MaxRetries and InitialDelayMs are kept as given (zero means
// no retries / retry immediately) and only a zero MaxDelayMs or
// BackoffMultiplier is filled from the defaults.
func (o Options) withDefaults() Options {
	given := o.Retry
	retrySet := given.MaxRetries != 0 || given.InitialDelayMs != 0 || given.MaxDelayMs != 0 || given.BackoffMultiplier != 0
	defaults := Options{
		Retry: DefaultRetryConfig(),
	}
	if err := mergo.Merge(&o, defaults); err != nil {
		// mergo only errors on invalid merge targets (e.g. mismatched
		// types), which cannot happen here since defaults shares o's type.
		panic(err)
	}
	if retrySet {
		o.Retry.MaxRetries = given.MaxRetries
		o.Retry.InitialDelayMs = given.InitialDelayMs
	}

	trueVal := true
	if o.LatestOnly == nil {
		o.LatestOnly = &trueVal
	}
	if o.HistorySize == nil {
		ten := 10
		o.HistorySize = &ten
	}
	if o.Cache == nil {
		o.Cache = NewCache(DefaultCacheCapacity)
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.EventHandler == nil {
		o.EventHandler = func(events.Event) {}
	}
	return o
}

func (o Options) latestOnly() bool { return *o.LatestOnly }
func (o Options) historySize() int { return *o.HistorySize }

// MergeOptions overlays onto's non-zero fields over base, returning the
// result. Used by the config package to apply a file-loaded overlay onto a
// programmatic base, the same "non-zero wins" idiom as the teacher's
// QueryOptions.Merge, via mergo.WithOverride instead of a hand-written
// field-by-field switch.
func MergeOptions(base, onto Options) (Options, error) {
	result := base
	if err := mergo.Merge(&result, onto, mergo.WithOverride()); err != nil {
		return base, err
	}
	return result, nil
}
