package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/shard"
)

var seenPattern = regexp.MustCompile(`^s_`)

// GC runs one collection pass under the operation lock. Record and
// Sync trigger the same pass internally; this entry point exists for
// hosts that want to reclaim quota on their own schedule.
func (e *Engine) GC(ctx context.Context) error {
	if err := e.acquire(); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	defer e.release()

	if !e.initialized {
		return fmt.Errorf("gc: %w", ErrNotInitialized)
	}
	return e.collect(ctx)
}

// collect reclaims store quota in two phases: evict peers that have
// been inactive past the configured timeout (when enabled), then drop
// our own events that every extant baseline already covers.
//
// Caller holds the operation lock. Writes here use plain Set: a
// collection pass must not recurse into itself under quota pressure,
// and a failed pass leaves the store valid, just less compact.
func (e *Engine) collect(ctx context.Context) error {
	if e.cfg.RemoveInactiveDevices {
		if err := e.evictInactive(ctx); err != nil {
			return err
		}
	}

	safe, err := e.safeCut(ctx)
	if err != nil {
		return err
	}
	if safe == 0 {
		return nil
	}

	rewrites := make(map[string][]byte)
	var emptied []string
	remaining := make([]uint32, 0, len(e.shards.ActiveSorted()))

	for _, idx := range e.shards.ActiveSorted() {
		events, err := e.readOwnShard(ctx, idx)
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		kept := events[:0]
		for _, ev := range events {
			if ev.Increment > safe {
				kept = append(kept, ev)
			}
		}
		switch {
		case len(kept) == 0:
			emptied = append(emptied, record.ShardKey(e.peer, idx))
		case len(kept) < len(events):
			data, err := record.EncodeEvents(kept)
			if err != nil {
				return fmt.Errorf("collect: %w", err)
			}
			rewrites[record.ShardKey(e.peer, idx)] = data
			remaining = append(remaining, idx)
		default:
			remaining = append(remaining, idx)
		}
	}

	if len(rewrites) == 0 && len(emptied) == 0 {
		return nil
	}

	manager := shard.NewManager(remaining)
	metaData, err := record.EncodeMeta(record.Meta{
		Version:       record.ProtocolVersion,
		LastIncrement: e.lastIncrement,
		Shards:        manager.ActiveSorted(),
	})
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	rewrites[record.MetaKey(e.peer)] = metaData

	if err := e.store.Set(ctx, rewrites); err != nil {
		return fmt.Errorf("collect: write shards: %w", err)
	}
	if len(emptied) > 0 {
		if err := e.store.Remove(ctx, emptied); err != nil {
			return fmt.Errorf("collect: remove shards: %w", err)
		}
	}

	e.shards = manager
	slog.Info("collected log prefix",
		"peer", e.peer,
		"safe", safe,
		"rewritten", len(rewrites)-1,
		"removed", len(emptied),
	)
	return nil
}

// safeCut computes the highest increment of ours that every extant
// baseline has folded in. With no baselines anywhere the entire log is
// collectable (nothing can bootstrap from us anyway); with any
// baseline missing us, nothing is provably safe.
func (e *Engine) safeCut(ctx context.Context) (uint64, error) {
	baselines, err := e.store.Scan(ctx, record.BaselinePattern)
	if err != nil {
		return 0, fmt.Errorf("collect: scan baselines: %w", err)
	}
	if len(baselines) == 0 {
		return e.lastIncrement, nil
	}

	safe := e.lastIncrement
	for key, data := range baselines {
		baseline, err := record.DecodeBaseline(data)
		if err != nil {
			// A baseline we cannot read might still need our events;
			// treat it as covering nothing.
			slog.Warn("unreadable baseline blocks collection", "key", key, "error", err)
			return 0, nil
		}
		if covered := baseline.Includes[e.peer]; covered < safe {
			safe = covered
		}
	}
	return safe, nil
}

// evictInactive deletes every record family of peers whose advertised
// lastActive is older than the timeout, then republishes our pruned
// seen vector.
func (e *Engine) evictInactive(ctx context.Context) error {
	seenValues, err := e.store.Scan(ctx, seenPattern)
	if err != nil {
		return fmt.Errorf("collect: scan seen vectors: %w", err)
	}

	now := e.nowMillis()
	evicted := false
	for key, data := range seenValues {
		peer := key[len("s_"):]
		if peer == e.peer {
			continue
		}
		seen, err := record.DecodeSeen(data)
		if err != nil {
			slog.Warn("skipping malformed seen vector", "peer", peer, "error", err)
			continue
		}
		if seen.LastActive == 0 || now-seen.LastActive <= millis(e.cfg.InactiveTimeout) {
			continue
		}

		doomed := []string{
			record.MetaKey(peer),
			record.BaselineKey(peer),
			record.SeenKey(peer),
		}
		if metaData, ok, err := e.store.Get(ctx, record.MetaKey(peer)); err != nil {
			return fmt.Errorf("collect: read meta of %s: %w", peer, err)
		} else if ok {
			if meta, err := record.DecodeMeta(metaData); err == nil {
				for _, idx := range meta.Shards {
					doomed = append(doomed, record.ShardKey(peer, idx))
				}
			}
		}

		if err := e.store.Remove(ctx, doomed); err != nil {
			return fmt.Errorf("collect: evict %s: %w", peer, err)
		}
		delete(e.knownIncrements, peer)
		evicted = true
		slog.Info("evicted inactive peer", "peer", peer, "lastActive", seen.LastActive)
	}

	if !evicted {
		return nil
	}

	seen, err := record.EncodeSeen(record.Seen{Increments: e.knownIncrements, LastActive: now})
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, map[string][]byte{record.SeenKey(e.peer): seen}); err != nil {
		return fmt.Errorf("collect: rewrite seen vector: %w", err)
	}
	e.lastActive = now
	return nil
}
