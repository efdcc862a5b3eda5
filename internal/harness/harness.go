package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/driftsync/internal/blob"
	"github.com/roach88/driftsync/internal/engine"
	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/testutil"
	"github.com/roach88/driftsync/internal/todo"
)

// epoch is the wall-clock start of every scenario, a fixed instant so
// recorded timestamps are reproducible.
const epoch = uint64(1_700_000_000_000)

// peerState is one scripted peer: its engine and its todo list.
type peerState struct {
	engine *engine.Engine
	list   *todo.List
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario *Scenario
	Store    *blob.MemoryStore
	Clock    *testutil.ManualClock
	Peers    map[string]*peerState
	// Order peers were initialized in, for stable reporting.
	PeerOrder []string
}

// Todos returns a peer's final list.
func (r *Result) Todos(peer string) []todo.Item {
	if p, ok := r.Peers[peer]; ok {
		return p.list.Items()
	}
	return nil
}

// Close releases the shared store's dispatch goroutine.
func (r *Result) Close() {
	r.Store.Close()
}

// Run executes every step of a scenario against a fresh shared store.
// Step failures abort the run with context about the failing step.
func Run(s *Scenario) (*Result, error) {
	ctx := context.Background()
	clock := testutil.NewManualClock(epoch)
	store := blob.NewMemoryStore()

	res := &Result{
		Scenario: s,
		Store:    store,
		Clock:    clock,
		Peers:    make(map[string]*peerState),
	}

	for i, step := range s.Steps {
		if err := runStep(ctx, res, step); err != nil {
			store.Close()
			return nil, fmt.Errorf("scenario %s: step %d (%s %s): %w", s.Name, i, step.Action, step.Peer, err)
		}
		// Every mutation moves the clock one tick so no two events
		// ever share a wall millisecond by accident.
		clock.Advance(time.Millisecond)
	}
	return res, nil
}

func runStep(ctx context.Context, res *Result, step Step) error {
	switch step.Action {
	case "advance":
		res.Clock.Advance(time.Duration(step.Millis) * time.Millisecond)
		return nil

	case "init":
		if _, ok := res.Peers[step.Peer]; ok {
			return fmt.Errorf("peer already initialized")
		}
		list := todo.NewList()
		opts := []engine.Option{engine.WithNowFunc(res.Clock.Now)}
		if step.BaselineThreshold > 0 {
			opts = append(opts, engine.WithBaselineThreshold(step.BaselineThreshold))
		}
		if step.GCFrequency > 0 {
			opts = append(opts, engine.WithGCFrequency(step.GCFrequency))
		}
		if step.RemoveInactive {
			timeout := time.Duration(step.InactiveDays) * 24 * time.Hour
			opts = append(opts, engine.WithInactiveDeviceRemoval(timeout))
		}
		eng := engine.New(step.Peer, res.Store, list.Applier(), opts...)
		if err := eng.Initialize(ctx); err != nil {
			return err
		}
		res.Peers[step.Peer] = &peerState{engine: eng, list: list}
		res.PeerOrder = append(res.PeerOrder, step.Peer)
		return nil
	}

	p, ok := res.Peers[step.Peer]
	if !ok {
		return fmt.Errorf("peer not initialized")
	}

	switch step.Action {
	case "add":
		title := step.Title
		if step.TitleBytes > 0 {
			title = strings.Repeat("x", step.TitleBytes)
		}
		return recordOp(ctx, p, todo.OpAdd, todo.AddPayload(step.ID, title))
	case "done":
		return recordOp(ctx, p, todo.OpDone, todo.RefPayload(step.ID))
	case "remove":
		return recordOp(ctx, p, todo.OpRemove, todo.RefPayload(step.ID))
	case "sync":
		_, err := p.engine.Sync(ctx)
		return err
	case "gc":
		return p.engine.GC(ctx)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// recordOp mirrors a host application: apply the operation to local
// state, then record it for replication.
func recordOp(ctx context.Context, p *peerState, opType string, data []byte) error {
	if err := p.list.Applier().ApplyEvent(record.Event{Op: record.Op{Type: opType, Data: data}}); err != nil {
		return err
	}
	return p.engine.Record(ctx, opType, data)
}
