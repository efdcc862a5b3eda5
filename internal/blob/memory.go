package blob

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// MemoryStore is an in-process Store shared by every engine attached to
// it. It enforces an optional total budget using the same doubled-byte
// cost model as the record size estimator, so quota behavior matches
// what peers account for when sharding.
//
// Subscriber delivery runs on a dedicated dispatch goroutine: callbacks
// never run under the store mutex and never on the writer's goroutine,
// which keeps the engine's change handler free to schedule work.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	budget  int // total budget in estimated bytes, 0 = unlimited

	subs    []func([]Change)
	pending [][]Change
	signal  chan struct{}
	done    chan struct{}
	closed  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithBudget caps the store's total estimated size in bytes.
func WithBudget(budget int) MemoryOption {
	return func(s *MemoryStore) { s.budget = budget }
}

// NewMemoryStore creates an empty memory store and starts its dispatch
// goroutine.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string][]byte),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Store. The batch is applied atomically: on quota
// failure nothing is written.
func (s *MemoryStore) Set(_ context.Context, entries map[string][]byte) error {
	s.mu.Lock()

	if s.budget > 0 {
		total := 0
		for k, v := range s.entries {
			if _, replaced := entries[k]; replaced {
				continue
			}
			total += cost(v)
		}
		for _, v := range entries {
			total += cost(v)
		}
		if total > s.budget {
			s.mu.Unlock()
			return fmt.Errorf("set %d keys: %w", len(entries), ErrQuotaExceeded)
		}
	}

	batch := make([]Change, 0, len(entries))
	for k, v := range entries {
		stored := make([]byte, len(v))
		copy(stored, v)
		batch = append(batch, Change{Key: k, Old: s.entries[k], New: stored})
		s.entries[k] = stored
	}
	s.enqueueLocked(batch)
	s.mu.Unlock()
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	batch := make([]Change, 0, len(keys))
	for _, k := range keys {
		old, ok := s.entries[k]
		if !ok {
			continue
		}
		delete(s.entries, k)
		batch = append(batch, Change{Key: k, Old: old})
	}
	s.enqueueLocked(batch)
	s.mu.Unlock()
	return nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(_ context.Context, pattern *regexp.Regexp) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.entries {
		if pattern.MatchString(k) {
			c := make([]byte, len(v))
			copy(c, v)
			out[k] = c
		}
	}
	return out, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(fn func(batch []Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// UnsubscribeAll implements Store.
func (s *MemoryStore) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

// Close stops the dispatch goroutine. Pending batches are dropped;
// subscribers rediscover state by scanning, so this loses no data.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// TotalSize returns the store's current estimated size in bytes.
func (s *MemoryStore) TotalSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, v := range s.entries {
		total += cost(v)
	}
	return total
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func cost(v []byte) int { return 2 * len(v) }

func (s *MemoryStore) enqueueLocked(batch []Change) {
	if len(batch) == 0 || s.closed {
		return
	}
	s.pending = append(s.pending, batch)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.pending[0]
			s.pending = s.pending[1:]
			subs := make([]func([]Change), len(s.subs))
			copy(subs, s.subs)
			s.mu.Unlock()

			for _, fn := range subs {
				fn(batch)
			}
		}
	}
}
