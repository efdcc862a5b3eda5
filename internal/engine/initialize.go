package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/driftsync/internal/hlc"
	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/shard"
)

// Initialize brings the engine online. Exactly one of three paths runs:
//
//   - first-ever peer: no meta records exist anywhere; write our own
//     meta, baseline (if a snapshot handler is registered), and seen
//     vector.
//   - restart: our own meta exists; restore counters and the shard
//     manager from it and from our seen vector.
//   - bootstrap: other peers exist but we do not; adopt one baseline,
//     replay every event past it, then publish our own records.
//
// After the critical section the engine subscribes to store change
// notifications so remote writes schedule syncs.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	err := e.initLocked(ctx)
	e.release()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	e.store.Subscribe(e.onChange)
	return nil
}

func (e *Engine) initLocked(ctx context.Context) error {
	metas, err := e.store.Scan(ctx, record.MetaPattern)
	if err != nil {
		return fmt.Errorf("scan metas: %w", err)
	}

	switch {
	case len(metas) == 0:
		if err := e.initFirstEver(ctx); err != nil {
			return err
		}
	default:
		if selfMeta, ok := metas[record.MetaKey(e.peer)]; ok {
			if err := e.initRestart(ctx, selfMeta); err != nil {
				return err
			}
		} else if err := e.bootstrap(ctx, metas); err != nil {
			return err
		}
	}

	e.initialized = true
	return nil
}

// initFirstEver seeds a brand-new store. No shard value is written yet;
// shard 0 materializes with the first recorded event.
func (e *Engine) initFirstEver(ctx context.Context) error {
	e.debugf("initializing first-ever peer")

	items := make(map[string][]byte, 3)

	meta, err := record.EncodeMeta(record.Meta{
		Version: record.ProtocolVersion,
		Shards:  []uint32{0},
	})
	if err != nil {
		return err
	}
	items[record.MetaKey(e.peer)] = meta

	if e.applier.Snapshot != nil {
		state, err := e.applier.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		baseline, err := record.EncodeBaseline(record.Baseline{
			Includes: map[string]uint64{},
			State:    state,
		})
		if err != nil {
			return err
		}
		items[record.BaselineKey(e.peer)] = baseline
	}

	now := e.nowMillis()
	seen, err := record.EncodeSeen(record.Seen{
		Increments: map[string]uint64{},
		LastActive: now,
	})
	if err != nil {
		return err
	}
	items[record.SeenKey(e.peer)] = seen

	if err := e.store.Set(ctx, items); err != nil {
		return fmt.Errorf("write initial records: %w", err)
	}

	e.shards = shard.NewManager([]uint32{0})
	e.lastActive = now
	return nil
}

// initRestart restores engine state from our own persisted records.
func (e *Engine) initRestart(ctx context.Context, metaData []byte) error {
	meta, err := record.DecodeMeta(metaData)
	if err != nil {
		return fmt.Errorf("own meta: %w", err)
	}
	if meta.Version < record.ProtocolVersion {
		return &UnsupportedVersionError{Peer: e.peer, Version: meta.Version, Supported: record.ProtocolVersion}
	}

	e.shards = shard.NewManager(meta.Shards)
	e.lastIncrement = meta.LastIncrement

	seenData, ok, err := e.store.Get(ctx, record.SeenKey(e.peer))
	if err != nil {
		return fmt.Errorf("read seen vector: %w", err)
	}
	if ok {
		seen, err := record.DecodeSeen(seenData)
		if err != nil {
			return fmt.Errorf("own seen vector: %w", err)
		}
		e.knownIncrements = seen.Increments
		e.lastActive = seen.LastActive
	}

	e.debugf("restarted", "lastIncrement", e.lastIncrement, "shards", meta.Shards)
	return nil
}

// bootstrap catches a brand-new peer up from the records of existing
// peers: adopt one baseline (any baseline is a valid cut over its
// includes vector), replay every event past that cut in clock order,
// then publish our own meta, seen vector, and baseline.
func (e *Engine) bootstrap(ctx context.Context, metaValues map[string][]byte) error {
	type peerMeta struct {
		peer string
		meta record.Meta
	}

	peers := make([]peerMeta, 0, len(metaValues))
	for key, data := range metaValues {
		peer, ok := record.ParseMetaKey(key)
		if !ok {
			continue
		}
		meta, err := record.DecodeMeta(data)
		if err != nil {
			slog.Warn("skipping malformed meta", "peer", peer, "error", err)
			continue
		}
		if meta.Version < record.ProtocolVersion {
			return &UnsupportedVersionError{Peer: peer, Version: meta.Version, Supported: record.ProtocolVersion}
		}
		peers = append(peers, peerMeta{peer: peer, meta: meta})
	}
	// Byte-lexicographic order makes the baseline pick deterministic
	// regardless of scan order.
	sort.Slice(peers, func(i, j int) bool { return peers[i].peer < peers[j].peer })

	includes := map[string]uint64{}
	for _, pm := range peers {
		data, ok, err := e.store.Get(ctx, record.BaselineKey(pm.peer))
		if err != nil {
			return fmt.Errorf("read baseline of %s: %w", pm.peer, err)
		}
		if !ok {
			continue
		}
		baseline, err := record.DecodeBaseline(data)
		if err != nil {
			slog.Warn("skipping malformed baseline", "peer", pm.peer, "error", err)
			continue
		}
		if e.applier.LoadSnapshot != nil {
			if err := e.applier.LoadSnapshot(baseline.State); err != nil {
				return fmt.Errorf("load snapshot of %s: %w", pm.peer, err)
			}
		}
		includes = baseline.Includes
		e.debugf("bootstrapping from baseline", "author", pm.peer)
		break
	}

	known := make(map[string]uint64, len(peers))
	var pending []authoredEvent
	for _, pm := range peers {
		cut := includes[pm.peer]
		for _, idx := range pm.meta.Shards {
			data, ok, err := e.store.Get(ctx, record.ShardKey(pm.peer, idx))
			if err != nil {
				return fmt.Errorf("read shard %d of %s: %w", idx, pm.peer, err)
			}
			if !ok {
				continue
			}
			events, err := record.DecodeEvents(data)
			if err != nil {
				slog.Warn("skipping malformed shard", "peer", pm.peer, "shard", idx, "error", err)
				continue
			}
			for _, ev := range events {
				if ev.Increment > cut {
					pending = append(pending, authoredEvent{Event: ev, Peer: pm.peer})
				}
			}
		}
		known[pm.peer] = pm.meta.LastIncrement
	}

	sortByClock(pending)
	for _, ev := range pending {
		e.applyRemote(ev)
	}

	now := e.nowMillis()
	items := make(map[string][]byte, 3)

	meta, err := record.EncodeMeta(record.Meta{
		Version: record.ProtocolVersion,
		Shards:  []uint32{0},
	})
	if err != nil {
		return err
	}
	items[record.MetaKey(e.peer)] = meta

	seen, err := record.EncodeSeen(record.Seen{Increments: known, LastActive: now})
	if err != nil {
		return err
	}
	items[record.SeenKey(e.peer)] = seen

	if e.applier.Snapshot != nil {
		state, err := e.applier.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		baselineIncludes := make(map[string]uint64, len(known))
		for p, inc := range known {
			baselineIncludes[p] = inc
		}
		baseline, err := record.EncodeBaseline(record.Baseline{Includes: baselineIncludes, State: state})
		if err != nil {
			return err
		}
		items[record.BaselineKey(e.peer)] = baseline
	}

	if err := e.store.Set(ctx, items); err != nil {
		return fmt.Errorf("write bootstrap records: %w", err)
	}

	e.shards = shard.NewManager([]uint32{0})
	e.knownIncrements = known
	e.lastActive = now

	e.debugf("bootstrap complete", "peers", len(peers), "replayed", len(pending))
	return nil
}

// authoredEvent pairs an event with its author for clock comparison.
type authoredEvent struct {
	record.Event
	Peer string
}

// sortByClock orders events by the hybrid-logical-clock comparator,
// the sole ordering used for replay.
func sortByClock(events []authoredEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return hlc.Compare(
			events[i].HLCTime, events[i].HLCCounter, events[i].Peer,
			events[j].HLCTime, events[j].HLCCounter, events[j].Peer,
		) < 0
	})
}

// applyRemote feeds one remote event through the applier and merges its
// timestamp into the local clock. Applier failures are logged and the
// event is skipped; one bad event never aborts a catch-up.
func (e *Engine) applyRemote(ev authoredEvent) {
	if e.applier.ApplyEvent != nil {
		if err := e.applier.ApplyEvent(ev.Event); err != nil {
			slog.Warn("applier rejected event",
				"author", ev.Peer,
				"increment", ev.Increment,
				"type", ev.Op.Type,
				"error", err,
			)
		}
	}
	e.clock.Update(ev.HLCTime, ev.HLCCounter)
}
