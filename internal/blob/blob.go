// Package blob defines the key-value store contract the replication
// engine runs against, and ships two adapters: an in-process memory
// store and a SQLite file store shared between OS processes.
//
// The store is the only rendezvous between peers. Adapters report an
// exhausted total budget with ErrQuotaExceeded so the engine can run
// garbage collection and retry, and push committed mutations (local and
// remote) to subscribers so the engine can schedule pull syncs.
package blob

import (
	"context"
	"errors"
	"regexp"
)

// ErrQuotaExceeded is returned by Set when the write would push the
// store past its total budget. The engine matches it with errors.Is;
// adapters must wrap it rather than invent their own quota error text.
var ErrQuotaExceeded = errors.New("store quota exceeded")

// Change describes one committed key mutation. Old is nil for inserts,
// New is nil for removals.
type Change struct {
	Key string
	Old []byte
	New []byte
}

// Store is the adapter contract the engine consumes.
//
// Set is a batch write; it need not be transactional across keys, the
// protocol tolerates partial application because every missing or stale
// record is re-discovered on the next scan. Subscribe delivery is
// asynchronous and batches may be coalesced.
type Store interface {
	// Get returns the value stored under key, with ok=false when the
	// key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set writes every entry in the batch. Fails with (a wrapped)
	// ErrQuotaExceeded when the batch would exceed the total budget,
	// in which case nothing from the batch is kept.
	Set(ctx context.Context, entries map[string][]byte) error

	// Remove deletes the listed keys. Missing keys are not an error.
	Remove(ctx context.Context, keys []string) error

	// Scan returns all current entries whose key matches pattern.
	Scan(ctx context.Context, pattern *regexp.Regexp) (map[string][]byte, error)

	// Subscribe registers a callback for committed mutation batches,
	// including mutations performed by other writers of the same
	// store. The callback must not call back into the store
	// synchronously.
	Subscribe(fn func(batch []Change))

	// UnsubscribeAll drops every subscriber registered via Subscribe.
	UnsubscribeAll()
}
