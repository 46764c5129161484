package replistate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/replistate/replistate/internal/shardmgr"
	"github.com/replistate/replistate/pkg/store"
)

// Record appends one local event of the given type with the given opaque
// payload: stamp with the HLC, append to the current shard (rolling to a
// fresh one if the append would breach the per-key budget), then update this
// peer's Meta. data is marshaled as-is into the event's opaque op.data
// field.
func (e *Engine[S]) Record(ctx context.Context, opType string, data any) (uint64, error) {
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.release()

	if !e.isInitialized() {
		return 0, ErrNotInitialized
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("replistate: marshal event payload: %w", err)
	}

	t, c := e.clock.Advance()

	e.stateMu.Lock()
	increment := e.lastIncrement + 1
	e.stateMu.Unlock()

	ev := eventRecord{
		Increment:  increment,
		HLCTime:    t,
		HLCCounter: c,
		Op:         operation{Type: opType, Data: payload},
	}

	if err := shardmgr.ValidateEventSize(ev); err != nil {
		return 0, err
	}

	targetShard := e.shardsCurrent()
	existing, err := e.readShard(ctx, e.peer, targetShard)
	if err != nil {
		return 0, fmt.Errorf("replistate: read own active shard: %w", err)
	}

	roll := false
	if len(existing) > 0 {
		existingAny := make([]any, len(existing))
		for i, ex := range existing {
			existingAny[i] = ex
		}
		roll, err = shardmgr.ShouldRoll(existingAny, ev)
		if err != nil {
			return 0, err
		}
	}

	var newEvents []eventRecord
	if roll {
		targetShard = e.shardsOpenNewShard()
		newEvents = []eventRecord{ev}
		e.logSlow("replistate: rolled to new shard", zap.String("peer", e.peer), zap.Uint32("shard", targetShard))
	} else {
		// GC may have emptied every shard, leaving the active set empty
		// while current still points at the last index used; re-register it
		// so Meta keeps advertising the shard this event lands in.
		e.shardsEnsure(targetShard)
		newEvents = append(append([]eventRecord(nil), existing...), ev)
	}

	shardBytes, err := json.Marshal(newEvents)
	if err != nil {
		return 0, err
	}

	meta := metaRecord{Version: ProtocolVersion, LastIncrement: increment, Shards: e.shardsActiveSorted()}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}

	items := map[string][]byte{
		shardKey(e.peer, targetShard): shardBytes,
		metaKey(e.peer):               metaBytes,
	}
	if err := e.setWithGCRetry(ctx, items); err != nil {
		return 0, err
	}

	e.metrics.incEventsRecorded()
	e.metrics.setActiveShards(len(e.shardsActiveSorted()))

	e.stateMu.Lock()
	e.lastIncrement = increment
	e.eventsSinceBaseline++
	needsBaseline := e.eventsSinceBaseline >= e.cfg.baselineThreshold
	e.stateMu.Unlock()

	if needsBaseline {
		if err := e.updateBaseline(ctx); err != nil {
			e.logger.Warn("replistate: baseline update failed", zap.Error(err))
		}
	}

	return increment, nil
}

// updateBaseline rewrites this peer's baseline record from a fresh snapshot
// of the host state. If the host never registered a Snapshot hook, the
// update is silently skipped: a bootstrap-only peer remains legal but never
// advertises a baseline.
func (e *Engine[S]) updateBaseline(ctx context.Context) error {
	if !e.handlers.HasSnapshot() {
		return nil
	}

	e.stateMu.Lock()
	includes := copyUint64Map(e.knownIncrements)
	includes[e.peer] = e.lastIncrement
	e.stateMu.Unlock()

	snap, err := e.handlers.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("replistate: snapshot for baseline: %w", err)
	}

	b := baselineRecord[S]{Includes: includes, State: snap}
	bBytes, err := json.Marshal(b)
	if err != nil {
		return err
	}

	if err := e.setWithGCRetry(ctx, map[string][]byte{baselineKey(e.peer): bBytes}); err != nil {
		return err
	}

	e.logSlow("replistate: baseline updated", zap.String("peer", e.peer), zap.Int("events_since_baseline", e.readEventsSinceBaseline()))

	e.stateMu.Lock()
	e.eventsSinceBaseline = 0
	e.baselineCoverage = includes
	e.stateMu.Unlock()
	return nil
}

func (e *Engine[S]) readEventsSinceBaseline() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.eventsSinceBaseline
}

// setWithGCRetry attempts the write, and on store.ErrQuotaExceeded runs GC
// once and retries; a second failure propagates.
func (e *Engine[S]) setWithGCRetry(ctx context.Context, items map[string][]byte) error {
	err := e.adapter.Set(ctx, items)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrQuotaExceeded) {
		return fmt.Errorf("replistate: store write: %w", err)
	}

	e.metrics.incQuotaRetries()
	e.logger.Warn("replistate: quota exceeded, running GC and retrying once", zap.String("peer", e.peer))
	if gcErr := e.gc(ctx); gcErr != nil {
		e.logger.Warn("replistate: GC after quota exceeded failed", zap.Error(gcErr))
	}

	if err := e.adapter.Set(ctx, items); err != nil {
		return fmt.Errorf("replistate: store write after GC retry: %w", err)
	}
	return nil
}

func (e *Engine[S]) isInitialized() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.initialized
}
