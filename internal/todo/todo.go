// Package todo is a small deterministic applier used by the CLI and
// the scenario harness: a replicated todo list driven by add, done,
// and remove operations. Conflicts resolve last-writer-wins in replay
// order, which is exactly what the engine's clock ordering provides.
package todo

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/driftsync/internal/engine"
	"github.com/roach88/driftsync/internal/record"
)

// Operation types understood by the list.
const (
	OpAdd    = "todo/add"
	OpDone   = "todo/done"
	OpRemove = "todo/remove"
)

// Item is one todo entry.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// state is the snapshot wire form.
type state struct {
	Todos map[string]Item `json:"todos"`
}

// List is the replicated application state.
//
// Safe for concurrent use: the engine replays on whichever goroutine
// runs the operation, while a host may render concurrently.
type List struct {
	mu    sync.Mutex
	items map[string]Item
}

// NewList creates an empty list.
func NewList() *List {
	return &List{items: make(map[string]Item)}
}

// Applier exposes the list as the engine's callback triple.
func (l *List) Applier() engine.Applier {
	return engine.Applier{
		ApplyEvent:   l.apply,
		Snapshot:     l.snapshot,
		LoadSnapshot: l.load,
	}
}

func (l *List) apply(ev record.Event) error {
	var payload Item
	if len(ev.Op.Data) > 0 {
		if err := json.Unmarshal(ev.Op.Data, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Op.Type, err)
		}
	}
	if payload.ID == "" {
		return fmt.Errorf("%s: missing item id", ev.Op.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Op.Type {
	case OpAdd:
		l.items[payload.ID] = Item{ID: payload.ID, Title: payload.Title}
	case OpDone:
		if item, ok := l.items[payload.ID]; ok {
			item.Done = true
			l.items[payload.ID] = item
		}
	case OpRemove:
		delete(l.items, payload.ID)
	default:
		return fmt.Errorf("unknown operation %q", ev.Op.Type)
	}
	return nil
}

func (l *List) snapshot() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(state{Todos: l.items})
	if err != nil {
		return nil, fmt.Errorf("snapshot todos: %w", err)
	}
	return data, nil
}

func (l *List) load(blob json.RawMessage) error {
	var s state
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &s); err != nil {
			return fmt.Errorf("load todos: %w", err)
		}
	}
	if s.Todos == nil {
		s.Todos = make(map[string]Item)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = s.Todos
	return nil
}

// Items returns the list sorted by id.
func (l *List) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Item, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of items.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// AddPayload builds the data blob for an add operation.
func AddPayload(id, title string) json.RawMessage {
	data, _ := json.Marshal(Item{ID: id, Title: title})
	return data
}

// RefPayload builds the data blob for done and remove operations.
func RefPayload(id string) json.RawMessage {
	data, _ := json.Marshal(Item{ID: id})
	return data
}
