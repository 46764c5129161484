// Package applier declares the capability set a host application implements
// to let replistate's Engine drive its state: apply a replayed event,
// snapshot the current state, and load a previously snapshotted state.
//
// All three hooks are optional — a peer with no Snapshot hook is a legal
// bootstrap-only participant that simply never advertises a baseline. We
// represent that with a struct of nullable function fields rather than an
// interface every implementer must fully satisfy, so a host never has to
// stub out methods it doesn't need.
//
// © 2025 replistate authors. MIT License.
package applier

import "context"

// Event is the opaque-to-the-engine operation a Handlers.Apply hook
// receives. Type and Data are caller-defined; the engine only looks at
// Increment, Time and Counter to order and deduplicate.
type Event struct {
	Increment uint64
	Time      uint64
	Counter   uint32
	Peer      string
	Type      string
	Data      []byte
}

// Handlers is the capability set a host application provides. S is the
// opaque application-state-snapshot type; it is never interpreted by the
// engine beyond being serialized into a baseline record.
//
// Apply must be idempotent over event identity: the engine may replay the
// same event again after a restart if the author's baseline did not yet
// include it.
type Handlers[S any] struct {
	// Apply folds a single event, in HLC order, into the host's state. Nil
	// means the peer never applies events — only legal for a peer that also
	// has no Snapshot/LoadSnapshot, since otherwise its own baseline/state
	// would never reflect anything.
	Apply func(ctx context.Context, event Event) error

	// Snapshot returns the current full state; it must be safe to call
	// between any two store operations. Nil means the peer is
	// bootstrap-only and never authors a baseline.
	Snapshot func(ctx context.Context) (S, error)

	// LoadSnapshot replaces the host's state wholesale. Called at most once
	// per bootstrap. Nil means the peer ignores any baseline
	// found during bootstrap and instead replays every event from 1.
	LoadSnapshot func(ctx context.Context, state S) error
}

// HasSnapshot reports whether this peer can author baselines.
func (h Handlers[S]) HasSnapshot() bool { return h.Snapshot != nil }

// HasLoadSnapshot reports whether this peer can consume a bootstrap
// baseline.
func (h Handlers[S]) HasLoadSnapshot() bool { return h.LoadSnapshot != nil }

// HasApply reports whether this peer folds replayed events into its state.
func (h Handlers[S]) HasApply() bool { return h.Apply != nil }
