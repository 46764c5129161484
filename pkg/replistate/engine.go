// Package replistate is the event-sourced, multi-writer replication engine
// described by this repository's specification: it synchronizes a
// user-defined application state across an unbounded number of peers
// through a shared key-value blob store, totally orders events with a
// Hybrid Logical Clock, bounds bootstrap cost with periodic baselines,
// shards event logs to respect the store's per-key budget, and reclaims
// quota once every peer has absorbed a prefix of events.
//
// Engine is the heart of the package: it owns bootstrap, record, sync,
// baseline maintenance, garbage collection, the single-flight locking
// discipline, and change-notification reaction. One generic type owns its
// sub-components — an HLC clock and a shard manager — plus config and
// metrics.
//
// © 2025 replistate authors. MIT License.
package replistate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/replistate/replistate/internal/hlc"
	"github.com/replistate/replistate/internal/shardmgr"
	"github.com/replistate/replistate/pkg/applier"
	"github.com/replistate/replistate/pkg/store"
)

// Engine is the replication engine for one peer. S is the host
// application's opaque state-snapshot type.
type Engine[S any] struct {
	peer     string
	adapter  store.Adapter
	handlers applier.Handlers[S]
	cfg      *config
	metrics  metricsSink
	logger   *zap.Logger

	clock  *hlc.Clock
	shards *shardmgr.Manager

	sem *semaphore.Weighted // size 1; the "busy" flag serializing Initialize/Record/Sync

	stateMu             sync.Mutex
	lastIncrement       uint64
	eventsSinceBaseline int
	syncsSinceGC        int
	knownIncrements     map[string]uint64
	baselineCoverage    map[string]uint64 // per-peer increments proven covered by a baseline this peer loaded or wrote
	lastActive          time.Time
	initialized         bool

	unsubscribe func()
	syncPending chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs an Engine for peer over adapter. peer is an opaque,
// caller-chosen identifier that must be stable across restarts and unique
// among all peers sharing adapter. Call Initialize before any other method.
func New[S any](peer string, adapter store.Adapter, handlers applier.Handlers[S], opts ...Option) *Engine[S] {
	cfg := defaultConfig()
	applyOptions(cfg, opts)

	return &Engine[S]{
		peer:             peer,
		adapter:          adapter,
		handlers:         handlers,
		cfg:              cfg,
		metrics:          newMetricsSink(peer, cfg.registry),
		logger:           cfg.logger,
		clock:            hlc.New(),
		sem:              semaphore.NewWeighted(1),
		knownIncrements:  make(map[string]uint64),
		baselineCoverage: make(map[string]uint64),
		syncPending:      make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
}

// logSlow records a slow-path event (bootstrap, GC, baseline rewrite, shard
// roll) at Debug level, gated by WithDebug so a caller that never asked for
// tracing never pays for it.
func (e *Engine[S]) logSlow(msg string, fields ...zap.Field) {
	if !e.cfg.debug {
		return
	}
	e.logger.Debug(msg, fields...)
}

// acquire implements the non-blocking, no-queue lock discipline: a second
// call while busy fails immediately with ErrBusy rather than waiting.
func (e *Engine[S]) acquire() error {
	if !e.sem.TryAcquire(1) {
		e.metrics.incBusyRejections()
		return ErrBusy
	}
	return nil
}

func (e *Engine[S]) release() {
	e.sem.Release(1)
}

// Initialize performs first-run, restart, or bootstrap setup and then
// subscribes to remote changes. It must be called exactly once before
// Record or Sync.
func (e *Engine[S]) Initialize(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	allMeta, err := e.scanMeta(ctx)
	if err != nil {
		return fmt.Errorf("replistate: scan metas: %w", err)
	}

	switch {
	case len(allMeta) == 0:
		if err := e.initFirstPeer(ctx); err != nil {
			return err
		}
	default:
		if self, ok := allMeta[e.peer]; ok {
			if err := e.initRestart(ctx, self); err != nil {
				return err
			}
		} else {
			if err := e.bootstrap(ctx, allMeta); err != nil {
				return err
			}
		}
	}

	e.stateMu.Lock()
	e.initialized = true
	e.stateMu.Unlock()

	e.unsubscribe = e.adapter.Subscribe(e.onChange)
	e.wg.Add(1)
	go e.changeReactionLoop()

	return nil
}

// initFirstPeer covers the case where nobody has ever written a Meta
// record: this peer originates the store's state from scratch.
func (e *Engine[S]) initFirstPeer(ctx context.Context) error {
	e.logSlow("replistate: first-ever peer", zap.String("peer", e.peer))

	e.shards = shardmgr.New([]uint32{0})

	items := map[string][]byte{}

	meta := metaRecord{Version: ProtocolVersion, LastIncrement: 0, Shards: e.shards.ActiveSorted()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	items[metaKey(e.peer)] = metaBytes

	if e.handlers.HasSnapshot() {
		snap, err := e.handlers.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("replistate: initial snapshot: %w", err)
		}
		b := baselineRecord[S]{Includes: map[string]uint64{}, State: snap}
		bBytes, err := json.Marshal(b)
		if err != nil {
			return err
		}
		items[baselineKey(e.peer)] = bBytes
	}

	now := time.Now()
	seen := seenRecord{Increments: map[string]uint64{}, LastActive: now.UnixMilli()}
	seenBytes, err := json.Marshal(seen)
	if err != nil {
		return err
	}
	items[seenKey(e.peer)] = seenBytes

	if err := e.adapter.Set(ctx, items); err != nil {
		return fmt.Errorf("replistate: write initial records: %w", err)
	}

	e.stateMu.Lock()
	e.lastIncrement = 0
	e.lastActive = now
	e.stateMu.Unlock()
	return nil
}

// initRestart covers the case where this peer has run before: restore the
// shard manager and known-increment state from its own persisted records.
func (e *Engine[S]) initRestart(ctx context.Context, self metaRecord) error {
	if self.Version < ProtocolVersion {
		return ErrUnsupportedVersion
	}
	e.shards = shardmgr.New(self.Shards)

	seenBytes, ok, err := e.adapter.Get(ctx, seenKey(e.peer))
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.lastIncrement = self.LastIncrement
	if ok {
		var seen seenRecord
		if err := json.Unmarshal(seenBytes, &seen); err != nil {
			e.stateMu.Unlock()
			return fmt.Errorf("replistate: decode own seen vector: %w", err)
		}
		for p, v := range seen.Increments {
			e.knownIncrements[p] = v
		}
		e.lastActive = time.UnixMilli(seen.LastActive)
	} else {
		e.lastActive = time.Now()
	}
	e.stateMu.Unlock()

	if baselineBytes, ok, err := e.adapter.Get(ctx, baselineKey(e.peer)); err == nil && ok {
		var b baselineRecord[S]
		if err := json.Unmarshal(baselineBytes, &b); err == nil {
			e.stateMu.Lock()
			for p, v := range b.Includes {
				e.baselineCoverage[p] = v
			}
			e.stateMu.Unlock()
		}
	}

	e.logSlow("replistate: restart", zap.String("peer", e.peer),
		zap.Uint64("last_increment", self.LastIncrement))
	return nil
}

// scanMeta reads every m_<P> record currently in the store.
func (e *Engine[S]) scanMeta(ctx context.Context) (map[string]metaRecord, error) {
	raw, err := e.adapter.Scan(ctx, metaScanPattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string]metaRecord, len(raw))
	for key, v := range raw {
		peer, ok := peerFromMetaKey(key)
		if !ok {
			continue
		}
		var m metaRecord
		if err := json.Unmarshal(v, &m); err != nil {
			e.logger.Warn("replistate: malformed meta record, skipping", zap.String("key", key), zap.Error(err))
			continue
		}
		out[peer] = m
	}
	return out, nil
}

// sortedPeerIDs returns m's keys in byte-lexicographic order, so anything
// iterating peers (the bootstrap baseline pick in particular) behaves the
// same on every replica regardless of scan order.
func sortedPeerIDs(m map[string]metaRecord) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// The shards* helpers serialize access to the shard manager against
// DebugSnapshot, which never takes the busy lock and may legitimately run
// concurrently with Record/Sync/GC.

func (e *Engine[S]) shardsCurrent() uint32 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.shards.Current()
}

func (e *Engine[S]) shardsEnsure(idx uint32) {
	e.stateMu.Lock()
	e.shards.Ensure(idx)
	e.stateMu.Unlock()
}

func (e *Engine[S]) shardsOpenNewShard() uint32 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.shards.OpenNewShard()
}

func (e *Engine[S]) shardsActiveSorted() []uint32 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.shards.ActiveSorted()
}

func (e *Engine[S]) shardsReplace(m *shardmgr.Manager) {
	e.stateMu.Lock()
	e.shards = m
	e.stateMu.Unlock()
}

// Close stops the background change-reaction loop and unsubscribes from
// the store. It does not touch the store's persisted records.
func (e *Engine[S]) Close() {
	close(e.stopCh)
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.wg.Wait()
}
