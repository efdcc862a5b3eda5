package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/record"
)

// Verify checks a run's outcome against the scenario's expect block.
func Verify(t *testing.T, res *Result) {
	t.Helper()
	ctx := context.Background()
	expect := res.Scenario.Expect

	if expect.Converged {
		require.NotEmpty(t, res.PeerOrder, "converged expectation needs at least one peer")
		reference := res.Todos(res.PeerOrder[0])
		for _, peer := range res.PeerOrder[1:] {
			assert.Equal(t, reference, res.Todos(peer),
				"peer %s diverged from %s", peer, res.PeerOrder[0])
		}
		if expect.Todos != nil {
			assert.Len(t, reference, *expect.Todos)
		}
	}

	for peer, count := range expect.PeerTodos {
		assert.Len(t, res.Todos(peer), count, "todo count of %s", peer)
	}

	for peer, shards := range expect.Shards {
		meta := readMeta(t, res, peer)
		assert.Equal(t, shards, meta.Shards, "shards of %s", peer)
	}
	for peer, last := range expect.LastIncrement {
		meta := readMeta(t, res, peer)
		assert.Equal(t, last, meta.LastIncrement, "lastIncrement of %s", peer)
	}

	for _, key := range expect.AbsentKeys {
		_, ok, err := res.Store.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "key %s should be absent", key)
	}
	for _, key := range expect.PresentKeys {
		_, ok, err := res.Store.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "key %s should be present", key)
	}
}

func readMeta(t *testing.T, res *Result, peer string) record.Meta {
	t.Helper()
	data, ok, err := res.Store.Get(context.Background(), record.MetaKey(peer))
	require.NoError(t, err)
	require.True(t, ok, "meta of %s should exist", peer)
	meta, err := record.DecodeMeta(data)
	require.NoError(t, err)
	return meta
}
