package engine

import (
	"encoding/json"

	"github.com/roach88/driftsync/internal/record"
)

// Applier is the capability set the host application hands the engine.
// Each handler is optional; a nil field simply disables the behavior
// that depends on it.
//
//   - ApplyEvent folds one event into application state. It must be
//     idempotent over the event identity: after a restart the same
//     event can be replayed if the author's baseline does not include
//     it yet.
//   - Snapshot returns the full current state. It must be safe to call
//     between any two events. Without it the peer never advertises a
//     baseline (legal, but other peers cannot bootstrap from it).
//   - LoadSnapshot replaces application state wholesale. Called at most
//     once, during bootstrap, with a remote baseline's state.
//
// The engine is parametric over the state and event payloads: both are
// opaque JSON.
type Applier struct {
	ApplyEvent   func(ev record.Event) error
	Snapshot     func() (json.RawMessage, error)
	LoadSnapshot func(state json.RawMessage) error
}
