package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/roach88/driftsync/internal/engine"
	"github.com/roach88/driftsync/internal/todo"
)

// writeItems renders a todo list in the selected format.
func writeItems(w io.Writer, format string, items []todo.Item) error {
	if format == "json" {
		return writeJSON(w, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return nil
	}
	for _, item := range items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s] %s  %s\n", mark, item.ID, item.Title)
	}
	return nil
}

// writeResult renders a sync result.
func writeResult(w io.Writer, format string, res engine.SyncResult) error {
	if format == "json" {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "applied %d events\n", res.EventsApplied)
	return nil
}

// writeDebug renders the diagnostic view.
func writeDebug(w io.Writer, format string, view engine.DebugView) error {
	if format == "json" {
		return writeJSON(w, view)
	}
	fmt.Fprintf(w, "peer %s  hlc=(%d,%d)  shard=%d  lastIncrement=%d\n",
		view.Peer, view.HLCTime, view.HLCCounter, view.ShardIndex, view.LastIncrement)
	fmt.Fprintf(w, "counters: eventsSinceBaseline=%d syncsSinceGC=%d\n",
		view.EventsSinceBaseline, view.SyncsSinceGC)
	for peer, meta := range view.Metas {
		fmt.Fprintf(w, "  %s: lastIncrement=%d shards=%v seen=%d\n",
			peer, meta.LastIncrement, meta.Shards, view.KnownIncrements[peer])
	}
	fmt.Fprintf(w, "%d events across all shards\n", view.TotalEvents)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
