package blob

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_GetSetRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "m_a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, map[string][]byte{"m_a": []byte(`{"v":1}`), "b_a": []byte(`{}`)}))

	v, ok, err := s.Get(ctx, "m_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(v))

	require.NoError(t, s.Remove(ctx, []string{"m_a", "missing"}))
	_, ok, err = s.Get(ctx, "m_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_Scan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, map[string][]byte{
		"m_a":   []byte("1"),
		"e_a_0": []byte("2"),
		"s_a":   []byte("3"),
	}))

	got, err := s.Scan(ctx, regexp.MustCompile(`^m_`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", string(got["m_a"]))
}

func TestSQLiteStore_QuotaExceeded(t *testing.T) {
	s := openTestStore(t, WithSQLiteBudget(100))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, map[string][]byte{"a": make([]byte, 40)}))

	err := s.Set(ctx, map[string][]byte{"b": make([]byte, 40)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Nothing from the rejected batch is visible.
	_, ok, getErr := s.Get(ctx, "b")
	require.NoError(t, getErr)
	assert.False(t, ok)

	// Replacement of an existing key frees its old size first.
	require.NoError(t, s.Set(ctx, map[string][]byte{"a": make([]byte, 45)}))
}

func TestSQLiteStore_SubscribeSameProcess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Change
	s.Subscribe(func(batch []Change) {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
	})

	require.NoError(t, s.Set(ctx, map[string][]byte{"m_a": []byte("1")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m_a", got[0].Key)
	assert.Equal(t, "1", string(got[0].New))
}

func TestSQLiteStore_SubscribeSeesOtherHandle(t *testing.T) {
	// Two handles on the same file model two peer processes. The
	// second handle's subscriber must observe the first handle's
	// writes via the journal + file watch.
	path := filepath.Join(t.TempDir(), "shared.db")

	writer, err := OpenSQLite(path)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reader.Close()

	var mu sync.Mutex
	var keys []string
	reader.Subscribe(func(batch []Change) {
		mu.Lock()
		for _, c := range batch {
			keys = append(keys, c.Key)
		}
		mu.Unlock()
	})

	require.NoError(t, writer.Set(context.Background(), map[string][]byte{"m_peer1": []byte(`{"v":1}`)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			if k == "m_peer1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSQLiteStore_CursorSkipsHistory(t *testing.T) {
	// A store opened later must not replay changes that happened
	// before it attached.
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(context.Background(), map[string][]byte{"m_old": []byte("1")}))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	var mu sync.Mutex
	var got []Change
	second.Subscribe(func(batch []Change) {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
	})

	require.NoError(t, second.Set(context.Background(), map[string][]byte{"m_new": []byte("2")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range got {
		assert.NotEqual(t, "m_old", c.Key)
	}
}
