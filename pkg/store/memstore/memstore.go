// Package memstore is an in-process reference implementation of
// pkg/store.Adapter, backed by a mutex-guarded map. It is used by
// pkg/replistate's unit and property tests and by the benchmarks, and is the
// adapter that exercises the Engine's set_with_gc_retry path under a
// deliberately tiny quota.
//
// © 2025 replistate authors. MIT License.
package memstore

import (
	"context"
	"regexp"
	"sync"

	"github.com/replistate/replistate/pkg/store"
)

// Store is an in-memory store.Adapter with an optional total-byte quota.
type Store struct {
	mu        sync.Mutex
	data      map[string][]byte
	maxBytes  int64 // 0 means unlimited
	usedBytes int64

	subMu       sync.Mutex
	subscribers map[int]store.ChangeHandler
	nextSubID   int
}

// New constructs an empty Store. maxBytes <= 0 means no quota is enforced.
func New(maxBytes int64) *Store {
	return &Store{
		data:        make(map[string][]byte),
		maxBytes:    maxBytes,
		subscribers: make(map[int]store.ChangeHandler),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := append([]byte(nil), v...)
	return cp, true, nil
}

// Set writes every item in the batch, or none: quota is checked against the
// post-write total before anything is mutated.
func (s *Store) Set(_ context.Context, items map[string][]byte) error {
	s.mu.Lock()

	delta := int64(0)
	for k, v := range items {
		delta += int64(len(v))
		if old, ok := s.data[k]; ok {
			delta -= int64(len(old))
		}
	}
	if s.maxBytes > 0 && s.usedBytes+delta > s.maxBytes {
		s.mu.Unlock()
		return store.ErrQuotaExceeded
	}

	changes := make([]store.Change, 0, len(items))
	for k, v := range items {
		old := s.data[k]
		cp := append([]byte(nil), v...)
		s.data[k] = cp
		changes = append(changes, store.Change{Key: k, Old: old, New: cp})
	}
	s.usedBytes += delta
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *Store) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	changes := make([]store.Change, 0, len(keys))
	for _, k := range keys {
		old, ok := s.data[k]
		if !ok {
			continue
		}
		delete(s.data, k)
		s.usedBytes -= int64(len(old))
		changes = append(changes, store.Change{Key: k, Old: old, New: nil})
	}
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *Store) Scan(_ context.Context, pattern *regexp.Regexp) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if pattern.MatchString(k) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *Store) Subscribe(handler store.ChangeHandler) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = handler
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) UnsubscribeAll() {
	s.subMu.Lock()
	s.subscribers = make(map[int]store.ChangeHandler)
	s.subMu.Unlock()
}

func (s *Store) notify(changes []store.Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	handlers := make([]store.ChangeHandler, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	// Delivered asynchronously so a subscriber can never observe itself
	// re-entering the writer's own call stack.
	for _, h := range handlers {
		go h(changes)
	}
}

// UsedBytes reports the current total size accounted for by the quota.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}
