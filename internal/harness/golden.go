package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/driftsync/internal/todo"
)

// Snapshot is the golden-file projection of a run: the final todo list
// of every peer, keyed by peer id. Clock values are excluded so
// the snapshot only captures protocol-visible outcomes.
type Snapshot struct {
	Scenario string                 `json:"scenario"`
	Todos    map[string][]todo.Item `json:"todos"`
}

// RunWithGolden executes a scenario, verifies its expect block, and
// compares the final state snapshot against
// testdata/golden/<name>.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) {
	t.Helper()

	res, err := Run(s)
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	defer res.Close()
	Verify(t, res)

	snap := Snapshot{
		Scenario: s.Name,
		Todos:    make(map[string][]todo.Item, len(res.Peers)),
	}
	for _, peer := range res.PeerOrder {
		snap.Todos[peer] = res.Todos(peer)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.AssertJson(t, s.Name, snap)
}
