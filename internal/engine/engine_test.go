package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/blob"
	"github.com/roach88/driftsync/internal/record"
	"github.com/roach88/driftsync/internal/testutil"
)

// testApplier is a tiny deterministic application: a string map driven
// by kv/set and kv/del operations. It records every applied event so
// tests can assert on replay order.
type testApplier struct {
	mu      sync.Mutex
	applied []record.Event
	state   map[string]string
	loads   int
	blockCh chan struct{} // when set, ApplyEvent blocks until closed
}

type kvPayload struct {
	K string `json:"k"`
	V string `json:"v,omitempty"`
}

func setPayload(k, v string) json.RawMessage {
	data, _ := json.Marshal(kvPayload{K: k, V: v})
	return data
}

func newTestApplier() *testApplier {
	return &testApplier{state: make(map[string]string)}
}

func (a *testApplier) applier() Applier {
	return Applier{
		ApplyEvent:   a.apply,
		Snapshot:     a.snapshot,
		LoadSnapshot: a.load,
	}
}

func (a *testApplier) apply(ev record.Event) error {
	if a.blockCh != nil {
		<-a.blockCh
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var p kvPayload
	if err := json.Unmarshal(ev.Op.Data, &p); err != nil {
		return err
	}
	switch ev.Op.Type {
	case "kv/set":
		a.state[p.K] = p.V
	case "kv/del":
		delete(a.state, p.K)
	default:
		return fmt.Errorf("unknown op %q", ev.Op.Type)
	}
	a.applied = append(a.applied, ev)
	return nil
}

func (a *testApplier) snapshot() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(a.state)
}

func (a *testApplier) load(blob json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads++
	a.state = make(map[string]string)
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &a.state)
}

func (a *testApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func (a *testApplier) snapshotState() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

// localSet mirrors what a host does with its own operations: apply
// them to local state directly, then hand them to Record. The engine
// never feeds a peer's own events back through ApplyEvent.
func (a *testApplier) localSet(k, v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[k] = v
}

// recordSet applies a kv/set locally and records it.
func recordSet(t *testing.T, ctx context.Context, eng *Engine, app *testApplier, k, v string) {
	t.Helper()
	app.localSet(k, v)
	require.NoError(t, eng.Record(ctx, "kv/set", setPayload(k, v)))
}

// newPeer constructs an engine on the shared store with a manual wall
// clock and returns it with its applier.
func newPeer(t *testing.T, store blob.Store, peer string, clock *testutil.ManualClock, opts ...Option) (*Engine, *testApplier) {
	t.Helper()
	a := newTestApplier()
	opts = append([]Option{WithNowFunc(clock.Now)}, opts...)
	return New(peer, store, a.applier(), opts...), a
}

func newMemStore(t *testing.T) *blob.MemoryStore {
	t.Helper()
	s := blob.NewMemoryStore()
	t.Cleanup(s.Close)
	return s
}

func TestInitialize_FirstEverPeer(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	eng, _ := newPeer(t, store, "alpha", clock)
	ctx := context.Background()

	require.NoError(t, eng.Initialize(ctx))

	metaData, ok, err := store.Get(ctx, "m_alpha")
	require.NoError(t, err)
	require.True(t, ok)
	meta, err := record.DecodeMeta(metaData)
	require.NoError(t, err)
	assert.Equal(t, record.ProtocolVersion, meta.Version)
	assert.Zero(t, meta.LastIncrement)
	assert.Equal(t, []uint32{0}, meta.Shards)

	// No shard value exists until the first event.
	_, ok, err = store.Get(ctx, "e_alpha_0")
	require.NoError(t, err)
	assert.False(t, ok)

	baselineData, ok, err := store.Get(ctx, "b_alpha")
	require.NoError(t, err)
	require.True(t, ok)
	baseline, err := record.DecodeBaseline(baselineData)
	require.NoError(t, err)
	assert.Empty(t, baseline.Includes)

	seenData, ok, err := store.Get(ctx, "s_alpha")
	require.NoError(t, err)
	require.True(t, ok)
	seen, err := record.DecodeSeen(seenData)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), seen.LastActive)
}

func TestInitialize_FirstEver_NoSnapshotHandler(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	eng := New("alpha", store, Applier{}, WithNowFunc(clock.Now))
	ctx := context.Background()

	require.NoError(t, eng.Initialize(ctx))

	// A peer without a snapshot handler advertises no baseline.
	_, ok, err := store.Get(ctx, "b_alpha")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitialize_Restart(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	ctx := context.Background()

	first, _ := newPeer(t, store, "alpha", clock)
	require.NoError(t, first.Initialize(ctx))
	for i := 0; i < 3; i++ {
		clock.Advance(1)
		require.NoError(t, first.Record(ctx, "kv/set", setPayload(fmt.Sprintf("k%d", i), "v")))
	}
	first.Stop()

	second, _ := newPeer(t, store, "alpha", clock)
	require.NoError(t, second.Initialize(ctx))
	assert.Equal(t, uint64(3), second.lastIncrement)

	// The restarted engine appends past the persisted increment.
	clock.Advance(1)
	require.NoError(t, second.Record(ctx, "kv/set", setPayload("k3", "v")))
	assert.Equal(t, uint64(4), second.lastIncrement)
}

func TestInitialize_Restart_RejectsOldVersion(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string][]byte{
		"m_alpha": []byte(`{"version":0,"lastIncrement":0,"shards":[0]}`),
	}))

	eng, _ := newPeer(t, store, "alpha", clock)
	err := eng.Initialize(ctx)
	require.Error(t, err)
	var verr *UnsupportedVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "alpha", verr.Peer)
	assert.Equal(t, 0, verr.Version)
}

func TestOperations_RequireInitialize(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	eng, _ := newPeer(t, store, "alpha", clock)
	ctx := context.Background()

	assert.ErrorIs(t, eng.Record(ctx, "kv/set", setPayload("k", "v")), ErrNotInitialized)
	_, err := eng.Sync(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, eng.GC(ctx), ErrNotInitialized)
}

func TestBusy_ConcurrentOperationsRejected(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	ctx := context.Background()

	writer, _ := newPeer(t, store, "writer", clock)
	require.NoError(t, writer.Initialize(ctx))
	clock.Advance(1)
	require.NoError(t, writer.Record(ctx, "kv/set", setPayload("k", "v")))

	reader, readerApp := newPeer(t, store, "reader", clock)
	// reader bootstraps from writer's records; writer's baseline does
	// not cover event 1 yet, so reader replays it before blocking.
	require.NoError(t, reader.Initialize(ctx))

	// Another writer event for reader to pull, with a blocking applier
	// so the sync holds the engine while we probe it.
	clock.Advance(1)
	require.NoError(t, writer.Record(ctx, "kv/set", setPayload("k2", "v2")))

	block := make(chan struct{})
	readerApp.blockCh = block

	syncErr := make(chan error, 1)
	go func() {
		_, err := reader.Sync(ctx)
		syncErr <- err
	}()

	// Wait until the sync is inside the applier, then every other
	// operation must bounce with ErrBusy.
	require.Eventually(t, func() bool { return reader.busy.Load() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, reader.Record(ctx, "kv/set", setPayload("x", "y")), ErrBusy)
	_, err := reader.Sync(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, reader.GC(ctx), ErrBusy)

	close(block)
	require.NoError(t, <-syncErr)

	// The flag is released afterwards and operations proceed.
	clock.Advance(1)
	require.NoError(t, reader.Record(ctx, "kv/set", setPayload("x", "y")))
}

func TestBusy_ReleasedOnFailure(t *testing.T) {
	store := newMemStore(t)
	clock := testutil.NewManualClock(1000)
	eng, _ := newPeer(t, store, "alpha", clock)
	ctx := context.Background()

	// Record fails (not initialized), but the flag must be free.
	require.Error(t, eng.Record(ctx, "kv/set", setPayload("k", "v")))
	assert.False(t, eng.busy.Load())

	require.NoError(t, eng.Initialize(ctx))
	assert.False(t, eng.busy.Load())
}
