// Package store declares the contract replistate's Engine consumes for its
// only rendezvous point between peers: an opaque key-value blob store with
// prefix scans and change notifications.
//
// This package has no opinion about where the bytes live. pkg/store/memstore
// and pkg/store/badgerstore provide two reference implementations; anything
// satisfying Adapter works with pkg/replistate.
//
// © 2025 replistate authors. MIT License.
package store

import (
	"context"
	"errors"
	"regexp"
)

// ErrQuotaExceeded is returned by Set when a write would exceed the store's
// total size budget. The Engine recognizes it by type (errors.Is), never by
// sniffing error text.
var ErrQuotaExceeded = errors.New("store: quota exceeded")

// Change describes a single committed mutation delivered to a subscriber.
// Old is nil for a fresh key; New is nil for a removal.
type Change struct {
	Key string
	Old []byte
	New []byte
}

// ChangeHandler receives batches of committed mutations. Delivery is
// asynchronous relative to the writer and may coalesce multiple writes into
// one batch; it must not block for long, and it must not call back into the
// Adapter synchronously from within the handler.
type ChangeHandler func([]Change)

// Adapter is the opaque key-value store replistate's Engine consumes.
// Implementations must make Set atomic-or-sequential (on success, every
// write in the batch is durable) and must make Scan return every current
// entry whose key matches pattern.
type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, items map[string][]byte) error
	Remove(ctx context.Context, keys []string) error
	Scan(ctx context.Context, pattern *regexp.Regexp) (map[string][]byte, error)
	Subscribe(handler ChangeHandler) (unsubscribe func())
	UnsubscribeAll()
}
