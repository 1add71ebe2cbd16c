package frontend

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/driftq/driftq/modules/store"
)

// handleStatus renders a plain-text operator overview: every batch
// still in flight plus job queue totals.
func (f *Frontend) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batches, err := f.store.NonTerminalBatches(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jobs, err := f.queue.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	now := f.store.Clock().Now().UTC()
	fmt.Fprintf(w, "driftq status @ %s\n\n", now.Format(time.RFC3339))
	fmt.Fprintf(w, "batches in flight: %d\n", len(batches))
	fmt.Fprint(w, renderBatches(batches, now))
	fmt.Fprintf(w, "\n\njobs (inflight here: %d)\n", f.queue.Inflight())
	fmt.Fprint(w, renderJobs(jobs))
	fmt.Fprintln(w)
}

func renderBatches(batches []*store.Batch, now time.Time) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"id", "model", "endpoint", "state", "reqs", "size", "est tokens", "provider batch", "age"})

	for _, b := range batches {
		t.AppendRow(table.Row{
			b.ID,
			b.Model,
			b.Endpoint,
			b.State,
			b.RequestCount,
			humanize.Bytes(uint64(b.SizeBytes)),
			humanize.Comma(b.EstimatedInputTokensTotal),
			b.ProviderBatchID,
			now.Sub(b.CreatedAt).Round(time.Second),
		})
	}
	return t.Render()
}

func renderJobs(stats map[string]int64) string {
	states := make([]string, 0, len(stats))
	for s := range stats {
		states = append(states, s)
	}
	sort.Strings(states)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"state", "count"})
	for _, s := range states {
		t.AppendRow(table.Row{s, stats[s]})
	}
	return t.Render()
}
