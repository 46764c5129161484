package replistate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/replistate/replistate/internal/shardmgr"
)

// gc reclaims store quota: optionally evict long-inactive peers, then drop
// every own event at or below the cut that all extant baselines have folded
// in. It is called both periodically from Sync and as the retry step of
// setWithGCRetry; callers already hold the busy lock.
func (e *Engine[S]) gc(ctx context.Context) error {
	e.metrics.incGCRuns()

	if e.cfg.removeInactiveDevices {
		if err := e.evictInactivePeers(ctx); err != nil {
			e.logger.Warn("replistate: inactive-peer eviction failed", zap.Error(err))
		}
	}

	safe, err := e.computeSafeCut(ctx)
	if err != nil {
		return err
	}
	if safe == 0 {
		return nil
	}

	shards := e.shardsActiveSorted()
	toDelete := make([]string, 0)
	rewrites := make(map[string][]byte)
	remaining := make([]uint32, 0, len(shards))
	anyChange := false

	for _, idx := range shards {
		events, err := e.readShard(ctx, e.peer, idx)
		if err != nil {
			e.logger.Warn("replistate: GC failed reading shard, leaving alone", zap.Uint32("shard", idx), zap.Error(err))
			remaining = append(remaining, idx)
			continue
		}

		kept := make([]eventRecord, 0, len(events))
		for _, ev := range events {
			if ev.Increment > safe {
				kept = append(kept, ev)
			}
		}

		switch {
		case len(kept) == len(events):
			remaining = append(remaining, idx)
		case len(kept) == 0:
			toDelete = append(toDelete, shardKey(e.peer, idx))
			anyChange = true
		default:
			b, err := json.Marshal(kept)
			if err != nil {
				return err
			}
			rewrites[shardKey(e.peer, idx)] = b
			remaining = append(remaining, idx)
			anyChange = true
		}
	}

	if !anyChange {
		return nil
	}

	newMgr := shardmgr.New(remaining)
	e.shardsReplace(newMgr)

	e.stateMu.Lock()
	lastIncrement := e.lastIncrement
	e.stateMu.Unlock()

	meta := metaRecord{Version: ProtocolVersion, LastIncrement: lastIncrement, Shards: remaining}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	rewrites[metaKey(e.peer)] = metaBytes

	if err := e.adapter.Set(ctx, rewrites); err != nil {
		return fmt.Errorf("replistate: GC write rewritten shards: %w", err)
	}
	if len(toDelete) > 0 {
		if err := e.adapter.Remove(ctx, toDelete); err != nil {
			return fmt.Errorf("replistate: GC remove emptied shards: %w", err)
		}
	}

	e.metrics.setActiveShards(len(remaining))
	e.logSlow("replistate: GC reclaimed shards", zap.String("peer", e.peer), zap.Uint64("safe_cut", safe), zap.Int("deleted", len(toDelete)))
	return nil
}

// computeSafeCut returns the largest increment of this peer's own events
// that every known baseline agrees has already been folded into its state.
func (e *Engine[S]) computeSafeCut(ctx context.Context) (uint64, error) {
	raw, err := e.adapter.Scan(ctx, baselineScanPattern)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.lastIncrement, nil
	}

	var safe uint64
	first := true
	for _, v := range raw {
		var b baselineRecord[json.RawMessage]
		if err := json.Unmarshal(v, &b); err != nil {
			continue
		}
		included := b.Includes[e.peer]
		if first || included < safe {
			safe = included
			first = false
		}
	}
	return safe, nil
}

// evictInactivePeers deletes every record of peers whose seen vector has
// gone stale past the configured timeout, then rewrites our own seen vector
// with the evicted entries pruned.
func (e *Engine[S]) evictInactivePeers(ctx context.Context) error {
	rawMeta, err := e.adapter.Scan(ctx, metaScanPattern)
	if err != nil {
		return err
	}

	now := time.Now()
	var toDeleteKeys []string
	var evicted []string

	for key := range rawMeta {
		peer, ok := peerFromMetaKey(key)
		if !ok || peer == e.peer {
			continue
		}

		seenBytes, ok, err := e.adapter.Get(ctx, seenKey(peer))
		if err != nil || !ok {
			continue
		}
		var seen seenRecord
		if err := json.Unmarshal(seenBytes, &seen); err != nil {
			continue
		}
		if seen.LastActive == 0 {
			continue
		}
		lastActive := time.UnixMilli(seen.LastActive)
		if now.Sub(lastActive) <= e.cfg.inactiveDeviceTimeout {
			continue
		}

		metaRaw, ok, err := e.adapter.Get(ctx, metaKey(peer))
		if err == nil && ok {
			var m metaRecord
			if err := json.Unmarshal(metaRaw, &m); err == nil {
				for _, idx := range m.Shards {
					toDeleteKeys = append(toDeleteKeys, shardKey(peer, idx))
				}
			}
		}
		toDeleteKeys = append(toDeleteKeys, metaKey(peer), baselineKey(peer), seenKey(peer))
		evicted = append(evicted, peer)
	}

	if len(evicted) == 0 {
		return nil
	}

	if err := e.adapter.Remove(ctx, toDeleteKeys); err != nil {
		return fmt.Errorf("replistate: evict inactive peers: %w", err)
	}

	e.stateMu.Lock()
	for _, peer := range evicted {
		delete(e.knownIncrements, peer)
		delete(e.baselineCoverage, peer)
	}
	knownIncrements := copyUint64Map(e.knownIncrements)
	e.stateMu.Unlock()

	seen := seenRecord{Increments: knownIncrements, LastActive: now.UnixMilli()}
	seenBytes, err := json.Marshal(seen)
	if err != nil {
		return err
	}
	if err := e.adapter.Set(ctx, map[string][]byte{seenKey(e.peer): seenBytes}); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.lastActive = now
	e.stateMu.Unlock()

	e.logSlow("replistate: evicted inactive peers", zap.Strings("peers", evicted))
	return nil
}
