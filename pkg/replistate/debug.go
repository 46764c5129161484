package replistate

import (
	"context"
	"encoding/json"
	"sort"
)

// DebugSnapshot returns an unlocked, read-only view of the engine's state.
// It does not acquire the busy lock and performs no mutation; it may be
// called concurrently with Initialize/Record/Sync.
func (e *Engine[S]) DebugSnapshot(ctx context.Context) (DebugSnapshot, error) {
	if !e.isInitialized() {
		return DebugSnapshot{}, ErrNotInitialized
	}

	rawMeta, err := e.adapter.Scan(ctx, metaScanPattern)
	if err != nil {
		return DebugSnapshot{}, err
	}

	peers := make([]DebugPeerMeta, 0, len(rawMeta))
	for key, v := range rawMeta {
		peer, ok := peerFromMetaKey(key)
		if !ok {
			continue
		}
		var m metaRecord
		if err := json.Unmarshal(v, &m); err != nil {
			continue
		}
		peers = append(peers, DebugPeerMeta{Peer: peer, Version: m.Version, LastIncrement: m.LastIncrement, Shards: m.Shards})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Peer < peers[j].Peer })

	activeShards := e.shardsActiveSorted()
	var events []DebugEvent
	for _, idx := range activeShards {
		shardEvents, err := e.readShard(ctx, e.peer, idx)
		if err != nil {
			continue
		}
		for _, ev := range shardEvents {
			events = append(events, DebugEvent{
				Peer:       e.peer,
				Increment:  ev.Increment,
				HLCTime:    ev.HLCTime,
				HLCCounter: ev.HLCCounter,
				Type:       ev.Op.Type,
			})
		}
	}

	t, c := e.clock.Time()

	e.stateMu.Lock()
	eventsSinceBaseline := e.eventsSinceBaseline
	syncsSinceGC := e.syncsSinceGC
	knownIncrements := copyUint64Map(e.knownIncrements)
	e.stateMu.Unlock()

	return DebugSnapshot{
		Self:                e.peer,
		Peers:               peers,
		Events:              events,
		TotalEvents:         len(events),
		HLCTime:             t,
		HLCCounter:          c,
		ActiveShards:        activeShards,
		EventsSinceBaseline: eventsSinceBaseline,
		SyncsSinceGC:        syncsSinceGC,
		KnownIncrements:     knownIncrements,
	}, nil
}
