// Package harness executes declarative replication scenarios: several
// peers sharing one in-memory store, a scripted sequence of records,
// syncs, and collections under a manual wall clock, and assertions on
// the converged outcome. Scenario files live in testdata and double as
// executable documentation of the protocol.
package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one conformance scenario loaded from YAML.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files are stored
	// under it.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Steps run in order against a shared store.
	Steps []Step `yaml:"steps"`

	// Expect is validated after the last step.
	Expect Expect `yaml:"expect"`
}

// Step is a single scripted action.
type Step struct {
	// Peer names the acting peer. Required for every action except
	// advance.
	Peer string `yaml:"peer,omitempty"`

	// Action is one of: init, add, done, remove, sync, gc, advance.
	Action string `yaml:"action"`

	// ID and Title parameterize todo operations. TitleBytes
	// synthesizes a title of that length instead, for scenarios that
	// need payloads near the per-key budget.
	ID         string `yaml:"id,omitempty"`
	Title      string `yaml:"title,omitempty"`
	TitleBytes int    `yaml:"titleBytes,omitempty"`

	// Millis advances the shared wall clock (action: advance).
	Millis int64 `yaml:"millis,omitempty"`

	// Engine tunables, honored on init.
	BaselineThreshold int  `yaml:"baselineThreshold,omitempty"`
	GCFrequency       int  `yaml:"gcFrequency,omitempty"`
	RemoveInactive    bool `yaml:"removeInactive,omitempty"`
	InactiveDays      int  `yaml:"inactiveDays,omitempty"`
}

// Expect declares the post-conditions of a scenario.
type Expect struct {
	// Converged asserts every initialized peer holds an identical
	// todo list after the steps.
	Converged bool `yaml:"converged,omitempty"`

	// Todos asserts the total item count on every peer (with
	// Converged) or is skipped when nil.
	Todos *int `yaml:"todos,omitempty"`

	// PeerTodos asserts item counts for individual peers.
	PeerTodos map[string]int `yaml:"peerTodos,omitempty"`

	// Shards asserts the advertised shard list of a peer's meta.
	Shards map[string][]uint32 `yaml:"shards,omitempty"`

	// LastIncrement asserts the advertised lastIncrement of a peer.
	LastIncrement map[string]uint64 `yaml:"lastIncrement,omitempty"`

	// AbsentKeys asserts store keys that must not exist.
	AbsentKeys []string `yaml:"absentKeys,omitempty"`

	// PresentKeys asserts store keys that must exist.
	PresentKeys []string `yaml:"presentKeys,omitempty"`
}

// LoadScenario reads and validates one scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario %s: missing name", path)
	}
	for i, step := range s.Steps {
		switch step.Action {
		case "init", "add", "done", "remove", "sync", "gc":
			if step.Peer == "" {
				return nil, fmt.Errorf("scenario %s: step %d (%s): missing peer", s.Name, i, step.Action)
			}
		case "advance":
			if step.Millis <= 0 {
				return nil, fmt.Errorf("scenario %s: step %d: advance needs positive millis", s.Name, i)
			}
		default:
			return nil, fmt.Errorf("scenario %s: step %d: unknown action %q", s.Name, i, step.Action)
		}
	}
	return &s, nil
}
