package todo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/driftsync/internal/record"
)

func event(opType string, data []byte) record.Event {
	return record.Event{Increment: 1, Op: record.Op{Type: opType, Data: data}}
}

func TestList_AddDoneRemove(t *testing.T) {
	l := NewList()
	a := l.Applier()

	require.NoError(t, a.ApplyEvent(event(OpAdd, AddPayload("t1", "write tests"))))
	require.NoError(t, a.ApplyEvent(event(OpAdd, AddPayload("t2", "ship it"))))
	require.NoError(t, a.ApplyEvent(event(OpDone, RefPayload("t1"))))

	items := l.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Done)
	assert.Equal(t, "ship it", items[1].Title)

	require.NoError(t, a.ApplyEvent(event(OpRemove, RefPayload("t2"))))
	assert.Equal(t, 1, l.Len())
}

func TestList_DoneOnMissingItemIsNoop(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Applier().ApplyEvent(event(OpDone, RefPayload("ghost"))))
	assert.Zero(t, l.Len())
}

func TestList_RejectsBadEvents(t *testing.T) {
	l := NewList()
	a := l.Applier()

	assert.Error(t, a.ApplyEvent(event(OpAdd, []byte("not json"))))
	assert.Error(t, a.ApplyEvent(event(OpAdd, []byte(`{"title":"no id"}`))))
	assert.Error(t, a.ApplyEvent(event("todo/unknown", RefPayload("t1"))))
}

func TestList_SnapshotRoundTrip(t *testing.T) {
	l := NewList()
	a := l.Applier()
	require.NoError(t, a.ApplyEvent(event(OpAdd, AddPayload("t1", "alpha"))))
	require.NoError(t, a.ApplyEvent(event(OpDone, RefPayload("t1"))))

	blob, err := a.Snapshot()
	require.NoError(t, err)

	restored := NewList()
	require.NoError(t, restored.Applier().LoadSnapshot(blob))
	assert.Equal(t, l.Items(), restored.Items())
}

func TestList_LoadEmptySnapshot(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Applier().LoadSnapshot(nil))
	assert.Zero(t, l.Len())
}
