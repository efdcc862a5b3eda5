package engine

import (
	"context"
	"fmt"

	"github.com/roach88/driftsync/internal/record"
)

// DebugView is a read-only snapshot of the engine and the store,
// intended for diagnostics and golden tests.
type DebugView struct {
	Peer  string                 `json:"peer"`
	Metas map[string]record.Meta `json:"metas"`

	// Events flattens every peer's active shards, ordered by the
	// replay comparator.
	Events      []DebugEvent `json:"events"`
	TotalEvents int          `json:"totalEvents"`

	HLCTime    uint64 `json:"hlcTime"`
	HLCCounter uint32 `json:"hlcCounter"`

	ShardIndex          uint32            `json:"shardIndex"`
	LastIncrement       uint64            `json:"lastIncrement"`
	EventsSinceBaseline int               `json:"eventsSinceBaseline"`
	SyncsSinceGC        int               `json:"syncsSinceGC"`
	KnownIncrements     map[string]uint64 `json:"knownIncrements"`
}

// DebugEvent is one event with its author, as shown in the debug view.
type DebugEvent struct {
	Peer  string       `json:"peer"`
	Event record.Event `json:"event"`
}

// Debug assembles a diagnostic snapshot. It takes no operation lock
// and mutates nothing; the view may be torn with respect to an
// operation in flight, which is acceptable for diagnostics.
func (e *Engine) Debug(ctx context.Context) (DebugView, error) {
	view := DebugView{
		Peer:            e.peer,
		Metas:           make(map[string]record.Meta),
		KnownIncrements: make(map[string]uint64, len(e.knownIncrements)),
		LastIncrement:   e.lastIncrement,

		EventsSinceBaseline: e.eventsSinceBaseline,
		SyncsSinceGC:        e.syncsSinceGC,
	}
	view.HLCTime, view.HLCCounter = e.clock.State()
	if e.shards != nil {
		view.ShardIndex = e.shards.Current()
	}
	for p, inc := range e.knownIncrements {
		view.KnownIncrements[p] = inc
	}

	all, err := e.store.Scan(ctx, record.MetaShardPattern)
	if err != nil {
		return DebugView{}, fmt.Errorf("debug: scan: %w", err)
	}

	var events []authoredEvent
	for key, data := range all {
		peer, ok := record.ParseMetaKey(key)
		if !ok {
			continue
		}
		meta, err := record.DecodeMeta(data)
		if err != nil {
			continue
		}
		view.Metas[peer] = meta
		for _, idx := range meta.Shards {
			shardData, ok := all[record.ShardKey(peer, idx)]
			if !ok {
				continue
			}
			evs, err := record.DecodeEvents(shardData)
			if err != nil {
				continue
			}
			for _, ev := range evs {
				events = append(events, authoredEvent{Event: ev, Peer: peer})
			}
		}
	}
	sortByClock(events)

	view.Events = make([]DebugEvent, len(events))
	for i, ev := range events {
		view.Events[i] = DebugEvent{Peer: ev.Peer, Event: ev.Event}
	}
	view.TotalEvents = len(events)

	return view, nil
}
