/*
Package grip is a framework-agnostic reactive data-graph runtime.

Consumers declare data needs by typed keys (grips); producers (taps) satisfy
them through a hierarchical context graph. This package implements the
async request-state core: the subsystem of an async tap that drives an
external fetch through its full lifecycle (idle -> loading ->
success/error -> stale refresh -> retry), exposes that lifecycle and a
control surface to consumers, and coordinates concurrency, caching,
retries, TTL-based refresh, and listener-aware resource management.

The full grip/context/graph/query/CLI/framework-binding layers are treated
as external collaborators here (see graph.go for the minimal stand-in this
repo needs to exercise AsyncTap) and are not reimplemented by this module.

A minimal example wiring a fetcher that reads a single value by key:

	tap := NewAsyncTap(NewAsyncTapInput[myParams, myResult]{
		Name:         "example",
		Provides:     []AnyGrip{outputGrip},
		RequestKeyOf: func(p myParams) *string { return &p.Key },
		ParamsOf:     func(dest *Dest) myParams { return Param(dest, paramsGrip) },
		Fetcher:      fetchFromBackend,
		MapResult:    mapResultToOutputs,
	})

Connecting a listener to one of tap's output grips starts the lifecycle;
disconnecting the last one pauses it without losing history.
*/
package grip

import "fmt"

// Grip is a typed, immutable identifier for a data channel. It carries a
// default value handed to consumers before any producer has published.
type Grip[T any] struct {
	name    string
	initial T
}

// NewGrip constructs a Grip with the given debug name and default value.
func NewGrip[T any](name string, initial T) Grip[T] {
	return Grip[T]{name: name, initial: initial}
}

// Name returns the grip's debug identifier.
func (g Grip[T]) Name() string { return g.name }

// Default returns the grip's default value.
func (g Grip[T]) Default() T { return g.initial }

// DefaultAny returns the grip's default value as an any, for code (like a
// tap's provides set) that reasons about grips without fixing their value
// types.
func (g Grip[T]) DefaultAny() any { return g.initial }

func (g Grip[T]) String() string {
	return fmt.Sprintf("grip(%s)", g.name)
}

// AnyGrip is the type-erased handle used where a tap needs to reason about a
// set of grips (e.g. its provides set) without fixing their value types.
type AnyGrip interface {
	Name() string
	DefaultAny() any
}
