// Package shard tracks which slices of the local event log are live and
// decides when an append must open a new slice so no store value
// reaches the per-key budget.
package shard

import (
	"fmt"
	"sort"

	"github.com/roach88/driftsync/internal/record"
)

// EventTooLargeError reports a single event whose serialized form alone
// would reach the per-key budget. Such an event can never be stored and
// the append is rejected before anything is written.
type EventTooLargeError struct {
	EstimatedSize int
	Limit         int
}

func (e *EventTooLargeError) Error() string {
	return fmt.Sprintf("event too large: estimated %d bytes >= limit %d", e.EstimatedSize, e.Limit)
}

// Manager tracks the active shard indices of the local peer.
//
// Not safe for concurrent use; the engine serializes access through its
// operation lock.
type Manager struct {
	current uint32
	active  map[uint32]struct{}
}

// NewManager restores a manager from the shard list in a meta record.
// current becomes the highest listed index, or 0 for an empty list.
func NewManager(shards []uint32) *Manager {
	m := &Manager{active: make(map[uint32]struct{}, len(shards))}
	for _, s := range shards {
		m.active[s] = struct{}{}
		if s > m.current {
			m.current = s
		}
	}
	return m
}

// Current returns the index appends go to.
func (m *Manager) Current() uint32 {
	return m.current
}

// ShouldRoll reports whether appending candidate to the current shard
// would push the serialized value to the per-key budget. Size is judged
// by the conservative estimator, which may over-report but never
// under-reports.
func (m *Manager) ShouldRoll(existing []record.Event, candidate record.Event) (bool, error) {
	combined := make([]record.Event, 0, len(existing)+1)
	combined = append(combined, existing...)
	combined = append(combined, candidate)

	data, err := record.EncodeEvents(combined)
	if err != nil {
		return false, fmt.Errorf("estimate shard size: %w", err)
	}
	return record.EstimatedSize(data) >= record.MaxValueSize, nil
}

// ValidateEventSize rejects an event that could never fit in a shard of
// its own.
func (m *Manager) ValidateEventSize(candidate record.Event) error {
	data, err := record.EncodeEvents([]record.Event{candidate})
	if err != nil {
		return fmt.Errorf("estimate event size: %w", err)
	}
	if est := record.EstimatedSize(data); est >= record.MaxValueSize {
		return &EventTooLargeError{EstimatedSize: est, Limit: record.MaxValueSize}
	}
	return nil
}

// OpenNewShard advances to the next index and marks it active.
func (m *Manager) OpenNewShard() uint32 {
	m.current++
	m.active[m.current] = struct{}{}
	return m.current
}

// MarkActive records an index as live without moving the append cursor
// past it. Used when an append follows a collection pass that emptied
// every shard.
func (m *Manager) MarkActive(index uint32) {
	m.active[index] = struct{}{}
	if index > m.current {
		m.current = index
	}
}

// ActiveSorted returns the live indices ascending, never nil.
func (m *Manager) ActiveSorted() []uint32 {
	out := make([]uint32, 0, len(m.active))
	for s := range m.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
