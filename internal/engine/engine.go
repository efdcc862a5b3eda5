// Package engine implements the event-sourced replication core. One
// Engine instance represents one peer: it appends the peer's own
// events to sharded logs in the shared blob store, pulls every other
// peer's events and replays them in hybrid-logical-clock order, writes
// periodic baselines so newcomers bootstrap cheaply, and garbage
// collects log prefixes every live baseline already covers.
//
// Peers never talk to each other; the store is the only rendezvous.
// Two peers that have both synced against a quiescent store hold
// identical application state.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/driftsync/internal/blob"
	"github.com/roach88/driftsync/internal/hlc"
	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/shard"
)

// Defaults for the engine tunables.
const (
	// DefaultBaselineThreshold is the number of locally recorded
	// events between baseline refreshes.
	DefaultBaselineThreshold = 15

	// DefaultGCFrequency is the number of syncs between collection
	// passes.
	DefaultGCFrequency = 10

	// DefaultInactiveTimeout is how long a peer may stay silent
	// before inactive-device removal may evict it.
	DefaultInactiveTimeout = 60 * 24 * time.Hour
)

// seenRefreshInterval is how stale the advertised lastActive may grow
// before an otherwise unproductive sync rewrites the seen vector.
const seenRefreshInterval = 24 * time.Hour

// Config holds the engine tunables. New starts from the defaults above;
// options overwrite individual fields with the value they are given.
type Config struct {
	BaselineThreshold     int
	GCFrequency           int
	RemoveInactiveDevices bool
	InactiveTimeout       time.Duration
	Debug                 bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaselineThreshold sets the events-between-baselines threshold.
func WithBaselineThreshold(n int) Option {
	return func(e *Engine) { e.cfg.BaselineThreshold = n }
}

// WithGCFrequency sets the syncs-between-collections cadence.
func WithGCFrequency(n int) Option {
	return func(e *Engine) { e.cfg.GCFrequency = n }
}

// WithInactiveDeviceRemoval enables eviction of peers whose seen vector
// has been stale longer than timeout.
func WithInactiveDeviceRemoval(timeout time.Duration) Option {
	return func(e *Engine) {
		e.cfg.RemoveInactiveDevices = true
		if timeout > 0 {
			e.cfg.InactiveTimeout = timeout
		}
	}
}

// WithDebug enables verbose tracing.
func WithDebug() Option {
	return func(e *Engine) { e.cfg.Debug = true }
}

// WithNowFunc injects the wall clock (unix milliseconds). Tests drive
// time deterministically through this; production uses the system
// clock.
func WithNowFunc(now hlc.NowFunc) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is one peer's replication core.
//
// Concurrency model: single-threaded cooperative. Exactly one of
// Initialize, Record, Sync, or GC owns the engine at a time, enforced
// by a busy flag; a second caller fails immediately with ErrBusy.
// In-memory counters only advance after the corresponding store write
// commits, so a failed write leaves on-disk state consistent.
type Engine struct {
	peer    string
	store   blob.Store
	applier Applier
	cfg     Config
	now     hlc.NowFunc

	busy       atomic.Bool
	syncSignal chan struct{}

	// Mutable engine state. Guarded by the busy discipline, not a
	// mutex: only the operation holding the flag touches these.
	clock               *hlc.Clock
	shards              *shard.Manager
	lastIncrement       uint64
	knownIncrements     map[string]uint64
	lastActive          int64
	eventsSinceBaseline int
	syncsSinceGC        int
	initialized         bool
}

// New creates an engine for the given peer id. The id is an opaque
// ASCII string chosen once per device; it namespaces every key the
// engine writes. Initialize must be called before any other operation.
func New(peer string, store blob.Store, applier Applier, opts ...Option) *Engine {
	e := &Engine{
		peer:    peer,
		store:   store,
		applier: applier,
		cfg: Config{
			BaselineThreshold: DefaultBaselineThreshold,
			GCFrequency:       DefaultGCFrequency,
			InactiveTimeout:   DefaultInactiveTimeout,
		},
		now:             hlc.SystemNow,
		syncSignal:      make(chan struct{}, 1),
		knownIncrements: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = hlc.New(e.now)
	return e
}

// Peer returns the engine's peer id.
func (e *Engine) Peer() string { return e.peer }

// acquire takes the operation lock or fails with ErrBusy. There is no
// queue; the flag is released on every exit path via release.
func (e *Engine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (e *Engine) release() {
	e.busy.Store(false)
}

// onChange is the store subscription callback. It only schedules work:
// running a sync inline would re-enter the engine under the store's
// notifier goroutine. Self-originated keys are ignored to prevent
// feedback loops; a full signal slot means a sync is already pending
// and the batch is coalesced into it.
func (e *Engine) onChange(batch []blob.Change) {
	selfMeta := record.MetaKey(e.peer)
	for _, c := range batch {
		if !record.IsMetaKey(c.Key) || c.Key == selfMeta {
			continue
		}
		select {
		case e.syncSignal <- struct{}{}:
		default:
		}
		return
	}
}

// Run services scheduled syncs until ctx is cancelled. A sync that
// loses the race against a concurrent caller is dropped; the next
// remote change re-triggers it.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.syncSignal:
			res, err := e.Sync(ctx)
			switch {
			case errors.Is(err, ErrBusy):
				// Dropped by design.
			case err != nil:
				slog.Warn("scheduled sync failed", "peer", e.peer, "error", err)
			case res.EventsApplied > 0:
				e.debugf("scheduled sync applied events", "count", res.EventsApplied)
			}
		}
	}
}

// Stop detaches the engine from store notifications.
func (e *Engine) Stop() {
	e.store.UnsubscribeAll()
}

func (e *Engine) debugf(msg string, args ...any) {
	if e.cfg.Debug {
		slog.Debug(msg, append([]any{"peer", e.peer}, args...)...)
	}
}

func (e *Engine) nowMillis() int64 {
	return int64(e.now())
}

// millis converts a duration to wall-clock milliseconds.
func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
