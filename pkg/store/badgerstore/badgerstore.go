// Package badgerstore is an embedded, on-disk reference implementation of
// pkg/store.Adapter backed by github.com/dgraph-io/badger/v4.
//
// It is a single-process demo adapter: Badger itself has no notion of a
// remote writer, so Subscribe only ever reports mutations made through this
// same Store value. A real multi-peer deployment needs a shared network
// store (S3, a sync server, a CRDT-aware bucket, ...); this package exists
// so the engine can run end to end against real persistence.
//
// © 2025 replistate authors. MIT License.
package badgerstore

import (
	"context"
	"errors"
	"regexp"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/replistate/replistate/pkg/store"
)

// Store adapts a Badger database to store.Adapter.
type Store struct {
	db *badger.DB

	subMu       sync.Mutex
	subscribers map[int]store.ChangeHandler
	nextSubID   int
}

// Open opens (creating if necessary) a Badger database at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Store{db: db, subscribers: make(map[int]store.ChangeHandler)}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			val = append([]byte(nil), b...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

// Set writes every item in one Badger transaction. Badger's own
// transaction-too-large / value-log-too-big errors are translated to
// store.ErrQuotaExceeded at this boundary.
func (s *Store) Set(_ context.Context, items map[string][]byte) error {
	changes := make([]store.Change, 0, len(items))
	err := s.db.Update(func(txn *badger.Txn) error {
		for k, v := range items {
			var old []byte
			if item, err := txn.Get([]byte(k)); err == nil {
				_ = item.Value(func(b []byte) error {
					old = append([]byte(nil), b...)
					return nil
				})
			}
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
			changes = append(changes, store.Change{Key: k, Old: old, New: v})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, badger.ErrValueLogSize) {
			return store.ErrQuotaExceeded
		}
		return err
	}
	s.notify(changes)
	return nil
}

func (s *Store) Remove(_ context.Context, keys []string) error {
	changes := make([]store.Change, 0, len(keys))
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			var old []byte
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			_ = item.Value(func(b []byte) error {
				old = append([]byte(nil), b...)
				return nil
			})
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
			changes = append(changes, store.Change{Key: k, Old: old, New: nil})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

func (s *Store) Scan(_ context.Context, pattern *regexp.Regexp) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			if !pattern.MatchString(k) {
				continue
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
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

	for _, h := range handlers {
		go h(changes)
	}
}
