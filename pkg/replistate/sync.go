package replistate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/replistate/replistate/pkg/store"
)

const seenVectorStaleAfter = 24 * time.Hour

// Sync scans every other peer's Meta and Shards, collects events this peer
// has not yet integrated, replays them in HLC order through the Applier,
// and periodically writes its own Seen vector and runs garbage collection.
func (e *Engine[S]) Sync(ctx context.Context) (SyncResult, error) {
	if err := e.acquire(); err != nil {
		return SyncResult{}, err
	}
	defer e.release()

	if !e.isInitialized() {
		return SyncResult{}, ErrNotInitialized
	}

	raw, err := e.adapter.Scan(ctx, metaAndShardPattern)
	if err != nil {
		return SyncResult{}, fmt.Errorf("replistate: scan metas and shards: %w", err)
	}

	metas := make(map[string]metaRecord)
	shardValues := make(map[string][]byte)
	for key, v := range raw {
		if peer, ok := peerFromMetaKey(key); ok {
			var m metaRecord
			if err := json.Unmarshal(v, &m); err != nil {
				e.logger.Warn("replistate: malformed meta record, skipping", zap.String("key", key), zap.Error(err))
				continue
			}
			metas[peer] = m
			continue
		}
		shardValues[key] = v
	}

	e.stateMu.Lock()
	knownIncrements := copyUint64Map(e.knownIncrements)
	baselineCoverage := copyUint64Map(e.baselineCoverage)
	e.stateMu.Unlock()

	var toReplay []replayItem

	for peer, m := range metas {
		if peer == e.peer {
			continue
		}
		if _, known := knownIncrements[peer]; !known {
			if m.Version < ProtocolVersion {
				return SyncResult{}, ErrUnsupportedVersion
			}
			knownIncrements[peer] = 0
		}

		if m.LastIncrement <= knownIncrements[peer] {
			continue
		}

		minCollected := uint64(0)
		haveAny := false
		for _, idx := range m.Shards {
			raw, ok := shardValues[shardKey(peer, idx)]
			if !ok {
				continue
			}
			var shardEvents []eventRecord
			if err := json.Unmarshal(raw, &shardEvents); err != nil {
				e.logger.Warn("replistate: malformed shard, skipping", zap.String("peer", peer), zap.Uint32("shard", idx), zap.Error(err))
				continue
			}
			for _, ev := range shardEvents {
				if !haveAny || ev.Increment < minCollected {
					minCollected = ev.Increment
					haveAny = true
				}
				if ev.Increment > knownIncrements[peer] {
					toReplay = append(toReplay, replayItem{peer: peer, event: ev})
				}
			}
		}

		// Only trust m_Q.last_increment as the new known-increment when
		// either there is no gap between what we already had and the
		// earliest surviving event, or our own state already reflects
		// everything up to the gap via a previously loaded baseline
		// (baselineCoverage). A gap with no proven coverage means the
		// remote GC'd events that only some other peer's baseline folded
		// in; advancing past it would silently drop them.
		gapStart := knownIncrements[peer] + 1
		if haveAny && minCollected > gapStart && baselineCoverage[peer] < minCollected-1 {
			e.logger.Warn("replistate: detected uncovered gap in remote shard history, advancing conservatively",
				zap.String("peer", peer), zap.Uint64("known", knownIncrements[peer]), zap.Uint64("earliest_available", minCollected))
			knownIncrements[peer] = minCollected - 1
		} else {
			knownIncrements[peer] = m.LastIncrement
		}
	}

	sortReplayItems(toReplay)

	appliedCount := 0
	if e.handlers.HasApply() {
		for _, item := range toReplay {
			if err := e.handlers.Apply(ctx, toApplierEvent(item)); err != nil {
				e.logger.Warn("replistate: sync apply failed, skipping event",
					zap.String("peer", item.peer), zap.Uint64("increment", item.event.Increment), zap.Error(err))
				continue
			}
			e.clock.Update(item.event.HLCTime, item.event.HLCCounter)
			appliedCount++
		}
	}

	e.stateMu.Lock()
	e.knownIncrements = knownIncrements
	now := time.Now()
	stale := now.Sub(e.lastActive) > seenVectorStaleAfter
	e.stateMu.Unlock()

	if appliedCount > 0 || stale {
		seen := seenRecord{Increments: copyUint64Map(knownIncrements), LastActive: now.UnixMilli()}
		seenBytes, err := json.Marshal(seen)
		if err != nil {
			return SyncResult{}, err
		}
		if err := e.setWithGCRetry(ctx, map[string][]byte{seenKey(e.peer): seenBytes}); err != nil {
			return SyncResult{}, err
		}
		e.stateMu.Lock()
		e.lastActive = now
		e.stateMu.Unlock()
	}

	e.metrics.incSyncEventsApplied(appliedCount)

	e.stateMu.Lock()
	e.syncsSinceGC++
	needsGC := e.syncsSinceGC >= e.cfg.gcFrequency
	if needsGC {
		e.syncsSinceGC = 0
	}
	e.stateMu.Unlock()

	if needsGC {
		if err := e.gc(ctx); err != nil {
			e.logger.Warn("replistate: periodic GC failed", zap.Error(err))
		}
	}

	return SyncResult{EventsApplied: appliedCount}, nil
}

// onChange is the store.ChangeHandler registered in Initialize. It must
// never block or call back into the Engine synchronously: it only flips a
// single-slot pending flag that changeReactionLoop drains.
func (e *Engine[S]) onChange(changes []store.Change) {
	for _, c := range changes {
		peer, ok := peerFromMetaKey(c.Key)
		if !ok || peer == e.peer {
			continue
		}
		select {
		case e.syncPending <- struct{}{}:
		default:
		}
		return
	}
}

// changeReactionLoop drains the pending-sync slot and triggers a Sync. If
// the Engine is busy with another operation, Sync returns ErrBusy and the
// notification is simply dropped; a subsequent remote change re-triggers
// it.
func (e *Engine[S]) changeReactionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.syncPending:
			ctx := context.Background()
			if _, err := e.Sync(ctx); err != nil && err != ErrBusy {
				e.logger.Warn("replistate: deferred sync failed", zap.Error(err))
			}
		}
	}
}
