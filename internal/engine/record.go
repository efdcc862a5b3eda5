package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/driftsync/internal/blob"
	"github.com/roach88/driftsync/internal/record"
)

// Record appends one local event: stamp it with the clock, place it in
// the current shard (rolling to a new shard when the value would reach
// the per-key budget), and publish the updated meta. When enough events
// have accumulated since the last baseline, the baseline refreshes in
// the same critical section.
//
// Fails with ErrBusy when another operation is in flight and with
// shard.EventTooLargeError when the event alone could never fit a
// shard. In-memory counters advance only after the store write commits.
func (e *Engine) Record(ctx context.Context, opType string, data json.RawMessage) error {
	if err := e.acquire(); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	defer e.release()

	if !e.initialized {
		return fmt.Errorf("record: %w", ErrNotInitialized)
	}

	t, c := e.clock.Advance()
	increment := e.lastIncrement + 1
	ev := record.Event{
		Increment:  increment,
		HLCTime:    t,
		HLCCounter: c,
		Op:         record.Op{Type: opType, Data: data},
	}

	if err := e.shards.ValidateEventSize(ev); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	// A collection pass may have emptied every shard; the next append
	// re-opens the current index.
	if len(e.shards.ActiveSorted()) == 0 {
		e.shards.MarkActive(e.shards.Current())
	}

	index := e.shards.Current()
	existing, err := e.readOwnShard(ctx, index)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}

	if len(existing) > 0 {
		roll, err := e.shards.ShouldRoll(existing, ev)
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		if roll {
			index = e.shards.OpenNewShard()
			existing = nil
			e.debugf("rolled shard", "index", index)
		}
	}
	events := append(existing, ev)

	shardData, err := record.EncodeEvents(events)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	metaData, err := record.EncodeMeta(record.Meta{
		Version:       record.ProtocolVersion,
		LastIncrement: increment,
		Shards:        e.shards.ActiveSorted(),
	})
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}

	if err := e.setWithGCRetry(ctx, map[string][]byte{
		record.ShardKey(e.peer, index): shardData,
		record.MetaKey(e.peer):         metaData,
	}); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	e.lastIncrement = increment
	e.eventsSinceBaseline++
	e.debugf("recorded event", "increment", increment, "type", opType, "shard", index)

	if e.eventsSinceBaseline >= e.cfg.BaselineThreshold {
		if err := e.updateBaseline(ctx); err != nil {
			return fmt.Errorf("record: %w", err)
		}
	}
	return nil
}

// readOwnShard loads and decodes one of our shard values. An absent key
// is an empty shard.
func (e *Engine) readOwnShard(ctx context.Context, index uint32) ([]record.Event, error) {
	data, ok, err := e.store.Get(ctx, record.ShardKey(e.peer, index))
	if err != nil {
		return nil, fmt.Errorf("read shard %d: %w", index, err)
	}
	if !ok {
		return nil, nil
	}
	events, err := record.DecodeEvents(data)
	if err != nil {
		return nil, fmt.Errorf("own shard %d: %w", index, err)
	}
	return events, nil
}

// updateBaseline snapshots application state and publishes it together
// with the cut vector it covers. Skipped silently when the host
// registered no snapshot handler: such a peer stays legal but
// advertises no baseline.
func (e *Engine) updateBaseline(ctx context.Context) error {
	if e.applier.Snapshot == nil {
		return nil
	}

	includes := make(map[string]uint64, len(e.knownIncrements)+1)
	for p, inc := range e.knownIncrements {
		includes[p] = inc
	}
	includes[e.peer] = e.lastIncrement

	state, err := e.applier.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	data, err := record.EncodeBaseline(record.Baseline{Includes: includes, State: state})
	if err != nil {
		return err
	}

	if err := e.setWithGCRetry(ctx, map[string][]byte{record.BaselineKey(e.peer): data}); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}

	e.eventsSinceBaseline = 0
	e.debugf("baseline updated", "includes", len(includes))
	return nil
}

// setWithGCRetry writes a batch; on quota exhaustion it runs one
// collection pass and retries once. The second failure surfaces.
func (e *Engine) setWithGCRetry(ctx context.Context, items map[string][]byte) error {
	err := e.store.Set(ctx, items)
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrQuotaExceeded) {
		return err
	}

	slog.Info("store quota exhausted, collecting", "peer", e.peer)
	if gcErr := e.collect(ctx); gcErr != nil {
		slog.Warn("collection under quota pressure failed", "peer", e.peer, "error", gcErr)
	}
	return e.store.Set(ctx, items)
}
