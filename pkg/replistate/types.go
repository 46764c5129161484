package replistate

import "encoding/json"

// ProtocolVersion is the wire-format version this Engine writes and the
// minimum it accepts from other peers' Meta records.
const ProtocolVersion uint32 = 1

// operation is the wire shape of an event's opaque payload.
type operation struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// eventRecord is the wire shape of a single entry inside a shard value.
type eventRecord struct {
	Increment  uint64    `json:"increment"`
	HLCTime    uint64    `json:"hlc_time"`
	HLCCounter uint32    `json:"hlc_counter"`
	Op         operation `json:"op"`
}

// metaRecord is the wire shape of m_<P>.
type metaRecord struct {
	Version       uint32   `json:"version"`
	LastIncrement uint64   `json:"last_increment"`
	Shards        []uint32 `json:"shards"`
}

// baselineRecord is the wire shape of b_<P>. State is the host-supplied
// application-state-snapshot type, serialized as-is.
type baselineRecord[S any] struct {
	Includes map[string]uint64 `json:"includes"`
	State    S                 `json:"state"`
}

// seenRecord is the wire shape of s_<P>.
type seenRecord struct {
	Increments map[string]uint64 `json:"increments"`
	LastActive int64             `json:"lastActive"`
}

// replayItem pairs a decoded event with the peer that authored it, the unit
// the HLC comparator sorts and the Applier replays.
type replayItem struct {
	peer  string
	event eventRecord
}

// SyncResult is returned by Sync.
type SyncResult struct {
	EventsApplied int
}

// DebugEvent is one event as surfaced by DebugSnapshot.
type DebugEvent struct {
	Peer       string `json:"peer"`
	Increment  uint64 `json:"increment"`
	HLCTime    uint64 `json:"hlc_time"`
	HLCCounter uint32 `json:"hlc_counter"`
	Type       string `json:"type"`
}

// DebugPeerMeta mirrors one peer's Meta record for the debug view.
type DebugPeerMeta struct {
	Peer          string   `json:"peer"`
	Version       uint32   `json:"version"`
	LastIncrement uint64   `json:"last_increment"`
	Shards        []uint32 `json:"shards"`
}

// DebugSnapshot is the read-only view returned by Engine.DebugSnapshot.
type DebugSnapshot struct {
	Self                string            `json:"self"`
	Peers               []DebugPeerMeta   `json:"peers"`
	Events              []DebugEvent      `json:"events"`
	TotalEvents         int               `json:"total_events"`
	HLCTime             uint64            `json:"hlc_time"`
	HLCCounter          uint32            `json:"hlc_counter"`
	ActiveShards        []uint32          `json:"active_shards"`
	EventsSinceBaseline int               `json:"events_since_baseline"`
	SyncsSinceGC        int               `json:"syncs_since_gc"`
	KnownIncrements     map[string]uint64 `json:"known_increments"`
}
