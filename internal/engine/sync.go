package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/driftsync/internal/record"
)

// SyncResult reports what one pull accomplished.
type SyncResult struct {
	EventsApplied int `json:"eventsApplied"`
}

// Sync pulls every other peer's unseen events from the store, replays
// them through the applier in clock order, and advances the seen
// vector. All reads come from one scan snapshot taken at the start;
// no invariant is assumed across the engine's own suspension points.
//
// The known increment for a peer advances to that peer's advertised
// lastIncrement even when earlier increments are missing from its
// shards: events collected away by the remote are covered by a
// baseline, not refetched. A gap right after a non-zero previous cursor
// is logged, since coverage is only guaranteed when the adopted
// baseline was the gap author's own (see DESIGN.md).
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	if err := e.acquire(); err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}
	defer e.release()

	if !e.initialized {
		return SyncResult{}, fmt.Errorf("sync: %w", ErrNotInitialized)
	}

	all, err := e.store.Scan(ctx, record.MetaShardPattern)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync: scan: %w", err)
	}

	// Deterministic peer visit order keeps logs and version failures
	// stable across replicas.
	var peers []string
	for key := range all {
		if peer, ok := record.ParseMetaKey(key); ok && peer != e.peer {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)

	known := make(map[string]uint64, len(e.knownIncrements))
	for p, inc := range e.knownIncrements {
		known[p] = inc
	}

	var pending []authoredEvent
	for _, peer := range peers {
		meta, err := record.DecodeMeta(all[record.MetaKey(peer)])
		if err != nil {
			slog.Warn("skipping malformed meta", "peer", peer, "error", err)
			continue
		}

		cursor, seen := known[peer]
		if !seen {
			// First discovery of this peer; version-gate it before
			// consuming anything it wrote.
			if meta.Version < record.ProtocolVersion {
				return SyncResult{}, fmt.Errorf("sync: %w",
					&UnsupportedVersionError{Peer: peer, Version: meta.Version, Supported: record.ProtocolVersion})
			}
			cursor = 0
		}
		if meta.LastIncrement <= cursor {
			known[peer] = cursor
			continue
		}

		fetched := e.collectShardEvents(peer, meta, cursor, all)
		if len(fetched) > 0 && fetched[0].Increment > cursor+1 && cursor > 0 {
			slog.Warn("gap in remote log, trusting baselines for coverage",
				"peer", peer,
				"after", cursor,
				"first", fetched[0].Increment,
			)
		}
		pending = append(pending, fetched...)
		known[peer] = meta.LastIncrement
	}

	sortByClock(pending)
	for _, ev := range pending {
		e.applyRemote(ev)
	}
	applied := len(pending)

	e.knownIncrements = known

	now := e.nowMillis()
	if applied > 0 || now-e.lastActive > millis(seenRefreshInterval) {
		seen, err := record.EncodeSeen(record.Seen{Increments: known, LastActive: now})
		if err != nil {
			return SyncResult{EventsApplied: applied}, fmt.Errorf("sync: %w", err)
		}
		if err := e.setWithGCRetry(ctx, map[string][]byte{record.SeenKey(e.peer): seen}); err != nil {
			return SyncResult{EventsApplied: applied}, fmt.Errorf("sync: write seen vector: %w", err)
		}
		e.lastActive = now
	}

	e.syncsSinceGC++
	if e.syncsSinceGC >= e.cfg.GCFrequency {
		if err := e.collect(ctx); err != nil {
			slog.Warn("scheduled collection failed", "peer", e.peer, "error", err)
		}
		e.syncsSinceGC = 0
	}

	if applied > 0 {
		e.debugf("sync applied events", "count", applied)
	}
	return SyncResult{EventsApplied: applied}, nil
}

// collectShardEvents gathers one peer's events with increment past the
// cursor, reading only from the scan snapshot. Malformed or
// out-of-order shard values are skipped with a warning; a misbehaving
// peer degrades its own log, never the sync.
func (e *Engine) collectShardEvents(peer string, meta record.Meta, cursor uint64, snapshot map[string][]byte) []authoredEvent {
	var out []authoredEvent
	for _, idx := range meta.Shards {
		data, ok := snapshot[record.ShardKey(peer, idx)]
		if !ok {
			continue
		}
		events, err := record.DecodeEvents(data)
		if err != nil {
			slog.Warn("skipping malformed shard", "peer", peer, "shard", idx, "error", err)
			continue
		}
		prev := uint64(0)
		ordered := true
		for _, ev := range events {
			if ev.Increment <= prev {
				ordered = false
				break
			}
			prev = ev.Increment
		}
		if !ordered {
			slog.Warn("skipping shard with non-ascending increments", "peer", peer, "shard", idx)
			continue
		}
		for _, ev := range events {
			if ev.Increment > cursor {
				out = append(out, authoredEvent{Event: ev, Peer: peer})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Increment < out[j].Increment })
	return out
}
