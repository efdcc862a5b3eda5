package hlc

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualNow returns a NowFunc backed by a settable millisecond value.
func manualNow(start uint64) (NowFunc, func(uint64)) {
	t := start
	return func() uint64 { return t }, func(v uint64) { t = v }
}

func TestAdvance_WallClockMoves(t *testing.T) {
	now, set := manualNow(1000)
	c := New(now)

	set(1001)
	tm, ct := c.Advance()
	assert.Equal(t, uint64(1001), tm)
	assert.Equal(t, uint32(0), ct)

	set(1005)
	tm, ct = c.Advance()
	assert.Equal(t, uint64(1005), tm)
	assert.Equal(t, uint32(0), ct)
}

func TestAdvance_StalledWallClockBumpsCounter(t *testing.T) {
	now, _ := manualNow(1000)
	c := New(now)

	tm, ct := c.Advance()
	assert.Equal(t, uint64(1000), tm)
	assert.Equal(t, uint32(1), ct, "seed state is (1000,0); a stalled clock bumps the counter")

	tm, ct = c.Advance()
	assert.Equal(t, uint64(1000), tm)
	assert.Equal(t, uint32(2), ct)
}

func TestAdvance_StrictlyIncreasing(t *testing.T) {
	now, set := manualNow(1000)
	c := New(now)

	var lastT uint64
	var lastC uint32
	lastT, lastC = c.State()

	for i := 0; i < 1000; i++ {
		// Wall clock wanders, sometimes backwards.
		set(1000 + uint64(rand.Intn(50)))
		tm, ct := c.Advance()
		require.Negative(t, Compare(lastT, lastC, "p", tm, ct, "p"),
			"(%d,%d) then (%d,%d)", lastT, lastC, tm, ct)
		lastT, lastC = tm, ct
	}
}

func TestUpdate_RemoteAhead(t *testing.T) {
	now, _ := manualNow(1000)
	c := New(now)

	c.Update(2000, 7)
	tm, ct := c.State()
	assert.Equal(t, uint64(2000), tm)
	assert.Equal(t, uint32(8), ct, "remote wall wins, counter is remote+1")
}

func TestUpdate_LocalAhead(t *testing.T) {
	now, _ := manualNow(1000)
	c := NewAt(now, 3000, 4)

	c.Update(2000, 9)
	tm, ct := c.State()
	assert.Equal(t, uint64(3000), tm)
	assert.Equal(t, uint32(5), ct, "local wall wins, counter still advances")
}

func TestUpdate_EqualWalls(t *testing.T) {
	now, _ := manualNow(1000)
	c := NewAt(now, 2000, 3)

	c.Update(2000, 9)
	tm, ct := c.State()
	assert.Equal(t, uint64(2000), tm)
	assert.Equal(t, uint32(10), ct, "equal walls take max(counter, remote)+1")
}

func TestUpdate_WallClockAheadOfBoth(t *testing.T) {
	now, _ := manualNow(5000)
	c := NewAt(now, 2000, 3)

	c.Update(1000, 9)
	tm, ct := c.State()
	assert.Equal(t, uint64(5000), tm)
	assert.Equal(t, uint32(0), ct)
}

func TestUpdate_StrictlyAfterBothInputs(t *testing.T) {
	// Postcondition check across a grid of relative clock positions.
	walls := []uint64{500, 1000, 1500}
	for _, localWall := range walls {
		for _, remoteWall := range walls {
			for _, nowWall := range walls {
				now, _ := manualNow(nowWall)
				c := NewAt(now, localWall, 2)
				c.Update(remoteWall, 5)
				tm, ct := c.State()

				assert.Negative(t, Compare(localWall, 2, "a", tm, ct, "a"),
					"local=(%d,2) now=%d remote=(%d,5) -> (%d,%d)", localWall, nowWall, remoteWall, tm, ct)
				assert.Negative(t, Compare(remoteWall, 5, "a", tm, ct, "a"),
					"remote=(%d,5) now=%d local=(%d,2) -> (%d,%d)", remoteWall, nowWall, localWall, tm, ct)
			}
		}
	}
}

func TestCompare_Lexicographic(t *testing.T) {
	assert.Equal(t, -1, Compare(1, 5, "z", 2, 0, "a"), "time dominates")
	assert.Equal(t, -1, Compare(1, 0, "z", 1, 1, "a"), "counter breaks equal times")
	assert.Equal(t, -1, Compare(1, 1, "a", 1, 1, "b"), "peer id breaks full ties")
	assert.Equal(t, 0, Compare(1, 1, "a", 1, 1, "a"))
	assert.Equal(t, 1, Compare(2, 0, "a", 1, 9, "z"))
}

func TestCompare_DeterministicSort(t *testing.T) {
	type stamped struct {
		t uint64
		c uint32
		p string
	}
	events := []stamped{
		{3, 0, "b"}, {1, 2, "a"}, {3, 0, "a"}, {2, 0, "c"},
		{1, 0, "a"}, {2, 1, "a"}, {1, 2, "b"},
	}

	sorted := func(in []stamped) []stamped {
		out := make([]stamped, len(in))
		copy(out, in)
		sort.SliceStable(out, func(i, j int) bool {
			return Compare(out[i].t, out[i].c, out[i].p, out[j].t, out[j].c, out[j].p) < 0
		})
		return out
	}

	first := sorted(events)
	// Shuffle and re-sort; the comparator must produce the same sequence.
	for i := 0; i < 20; i++ {
		rand.Shuffle(len(events), func(a, b int) { events[a], events[b] = events[b], events[a] })
		assert.Equal(t, first, sorted(events))
	}
}
