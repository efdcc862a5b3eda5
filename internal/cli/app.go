package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/driftsync/internal/blob"
	"github.com/roach88/driftsync/internal/engine"
	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/todo"
)

// app bundles the wired-up pieces one command invocation works with.
type app struct {
	cfg    Config
	store  *blob.SQLiteStore
	engine *engine.Engine
	list   *todo.List
}

// openApp loads configuration, opens the store, initializes the engine
// and rebuilds the local todo state. Callers must Close it.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.DB = opts.DB
	}
	if opts.Peer != "" {
		cfg.Peer = opts.Peer
	}
	if cfg.Peer == "" {
		return nil, fmt.Errorf("no peer id configured; run `driftsync init` first")
	}

	store, err := blob.OpenSQLite(cfg.DB)
	if err != nil {
		return nil, err
	}

	list := todo.NewList()
	eng := engine.New(cfg.Peer, store, list.Applier(), engineOptions(cfg)...)
	if err := eng.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, engine: eng, list: list}
	if err := a.rehydrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	a.engine.Stop()
	return a.store.Close()
}

func engineOptions(cfg Config) []engine.Option {
	opts := []engine.Option{
		engine.WithBaselineThreshold(cfg.Engine.BaselineThreshold),
		engine.WithGCFrequency(cfg.Engine.GCFrequency),
	}
	if cfg.Engine.RemoveInactiveDevices {
		opts = append(opts, engine.WithInactiveDeviceRemoval(
			time.Duration(cfg.Engine.InactiveTimeoutDays)*24*time.Hour))
	}
	if cfg.Engine.Debug {
		opts = append(opts, engine.WithDebug())
	}
	return opts
}

// rehydrate rebuilds the in-process todo list from our own baseline
// plus every stored event past its cut. The engine replicates events;
// keeping application state across process restarts is the host's job,
// and for the CLI that host is us.
func (a *app) rehydrate(ctx context.Context) error {
	includes := map[string]uint64{}

	data, ok, err := a.store.Get(ctx, record.BaselineKey(a.cfg.Peer))
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if ok {
		baseline, err := record.DecodeBaseline(data)
		if err != nil {
			return fmt.Errorf("rehydrate: %w", err)
		}
		if err := a.list.Applier().LoadSnapshot(baseline.State); err != nil {
			return fmt.Errorf("rehydrate: %w", err)
		}
		includes = baseline.Includes
	}

	view, err := a.engine.Debug(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	apply := a.list.Applier().ApplyEvent
	for _, ev := range view.Events {
		if ev.Event.Increment > includes[ev.Peer] {
			if err := apply(ev.Event); err != nil {
				// Same policy as sync: one bad event degrades, it
				// does not abort.
				continue
			}
		}
	}
	return nil
}

// recordOp applies an operation locally and records it.
func (a *app) recordOp(ctx context.Context, opType string, data []byte) error {
	if err := a.list.Applier().ApplyEvent(record.Event{Op: record.Op{Type: opType, Data: data}}); err != nil {
		return err
	}
	return a.engine.Record(ctx, opType, data)
}
