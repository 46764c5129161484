package replistate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/replistate/replistate/internal/hlc"
	"github.com/replistate/replistate/internal/shardmgr"
	"github.com/replistate/replistate/pkg/applier"
)

// bootstrap handles a brand-new peer joining a store that already has other
// peers in it: pick a baseline, catch up on events past its cut, then write
// this peer's own records. allMeta is the scan result from Initialize,
// keyed by peer id.
func (e *Engine[S]) bootstrap(ctx context.Context, allMeta map[string]metaRecord) error {
	for peer, m := range allMeta {
		if m.Version < ProtocolVersion {
			e.logger.Warn("replistate: bootstrap aborted, peer advertises unsupported version",
				zap.String("peer", peer), zap.Uint32("version", m.Version))
			return ErrUnsupportedVersion
		}
	}

	includes, baselinePeer, err := e.pickBaseline(ctx, allMeta)
	if err != nil {
		return err
	}
	if baselinePeer != "" {
		e.logSlow("replistate: bootstrap picked baseline", zap.String("from", baselinePeer))
	} else {
		e.logSlow("replistate: bootstrap found no baseline, replaying from scratch")
	}

	knownIncrements := make(map[string]uint64, len(allMeta))
	var toReplay []replayItem

	for peer, m := range allMeta {
		knownIncrements[peer] = m.LastIncrement
		cutoff := includes[peer] // defaults to 0

		for _, idx := range m.Shards {
			events, err := e.readShard(ctx, peer, idx)
			if err != nil {
				e.logger.Warn("replistate: bootstrap failed reading shard, skipping",
					zap.String("peer", peer), zap.Uint32("shard", idx), zap.Error(err))
				continue
			}
			for _, ev := range events {
				if ev.Increment > cutoff {
					toReplay = append(toReplay, replayItem{peer: peer, event: ev})
				}
			}
		}
	}

	sortReplayItems(toReplay)

	if e.handlers.HasApply() {
		for _, item := range toReplay {
			if err := e.handlers.Apply(ctx, toApplierEvent(item)); err != nil {
				e.logger.Warn("replistate: bootstrap apply failed, skipping event",
					zap.String("peer", item.peer), zap.Uint64("increment", item.event.Increment), zap.Error(err))
				continue
			}
			e.clock.Update(item.event.HLCTime, item.event.HLCCounter)
		}
	}

	e.shards = shardmgr.New([]uint32{0})

	items := map[string][]byte{}
	meta := metaRecord{Version: ProtocolVersion, LastIncrement: 0, Shards: e.shards.ActiveSorted()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	items[metaKey(e.peer)] = metaBytes

	now := time.Now()
	seen := seenRecord{Increments: copyUint64Map(knownIncrements), LastActive: now.UnixMilli()}
	seenBytes, err := json.Marshal(seen)
	if err != nil {
		return err
	}
	items[seenKey(e.peer)] = seenBytes

	if e.handlers.HasSnapshot() {
		snap, err := e.handlers.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("replistate: bootstrap snapshot: %w", err)
		}
		b := baselineRecord[S]{Includes: copyUint64Map(knownIncrements), State: snap}
		bBytes, err := json.Marshal(b)
		if err != nil {
			return err
		}
		items[baselineKey(e.peer)] = bBytes
	}

	if err := e.adapter.Set(ctx, items); err != nil {
		return fmt.Errorf("replistate: bootstrap write: %w", err)
	}

	e.stateMu.Lock()
	e.lastIncrement = 0
	e.knownIncrements = knownIncrements
	e.baselineCoverage = copyUint64Map(knownIncrements)
	e.lastActive = now
	e.stateMu.Unlock()

	return nil
}

// pickBaseline chooses the baseline to bootstrap from: peers are tried in
// byte-lexicographic order and the first one with a present b_<P> record
// wins, so every replica makes the same pick regardless of scan order.
// Returns an empty includes map and an empty baselinePeer if nobody has a
// baseline yet.
//
// Any one baseline is a valid cut over its includes map — deltas after it
// are materialized by reading each peer's shards past includes[Q] — so the
// choice only shifts work between snapshot-load and event-replay.
func (e *Engine[S]) pickBaseline(ctx context.Context, allMeta map[string]metaRecord) (map[string]uint64, string, error) {
	if !e.handlers.HasLoadSnapshot() {
		// A peer with no LoadSnapshot hook never absorbs the state a
		// baseline claims to cover, so it cannot trust the cutoff either:
		// ignore baselines entirely and replay every event from 1.
		return map[string]uint64{}, "", nil
	}
	for _, peer := range sortedPeerIDs(allMeta) {
		raw, ok, err := e.adapter.Get(ctx, baselineKey(peer))
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		var b baselineRecord[S]
		if err := json.Unmarshal(raw, &b); err != nil {
			e.logger.Warn("replistate: malformed baseline, skipping", zap.String("peer", peer), zap.Error(err))
			continue
		}
		if e.handlers.HasLoadSnapshot() {
			if err := e.handlers.LoadSnapshot(ctx, b.State); err != nil {
				return nil, "", fmt.Errorf("replistate: load snapshot from %s: %w", peer, err)
			}
		}
		if b.Includes == nil {
			b.Includes = map[string]uint64{}
		}
		return b.Includes, peer, nil
	}
	return map[string]uint64{}, "", nil
}

// readShard decodes every event in one peer's shard value.
func (e *Engine[S]) readShard(ctx context.Context, peer string, idx uint32) ([]eventRecord, error) {
	raw, ok, err := e.adapter.Get(ctx, shardKey(peer, idx))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var events []eventRecord
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func sortReplayItems(items []replayItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && hlc.Compare(
			items[j].event.HLCTime, items[j].event.HLCCounter, items[j].peer,
			items[j-1].event.HLCTime, items[j-1].event.HLCCounter, items[j-1].peer) < 0; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func toApplierEvent(item replayItem) applier.Event {
	return applier.Event{
		Increment: item.event.Increment,
		Time:      item.event.HLCTime,
		Counter:   item.event.HLCCounter,
		Peer:      item.peer,
		Type:      item.event.Op.Type,
		Data:      item.event.Op.Data,
	}
}

func copyUint64Map(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
