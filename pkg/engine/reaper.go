package engine

import (
	"context"
	"log"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/store"
)

// Reaper moves runs stuck in running (host restart mid-run, exceeded
// execution budget) into the timed_out terminal state, so pollers never
// watch a row that will not advance.
type Reaper struct {
	store    store.Store
	runTTL   time.Duration
	interval time.Duration
}

func NewReaper(st store.Store, runTTL, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{store: st, runTTL: runTTL, interval: interval}
}

func (r *Reaper) Run(ctx context.Context) {
	if r.runTTL <= 0 {
		log.Println("Stale-run reaping disabled")
		return
	}

	log.Printf("Starting stale-run reaper (ttl: %v, interval: %v)", r.runTTL, r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Initial sweep picks up runs orphaned by a previous process
	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("Stale-run reaper stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep marks every running run older than the TTL as timed_out.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.runTTL)

	stale, err := r.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		log.Printf("Reaper sweep failed: %v", err)
		return
	}

	for _, run := range stale {
		moved, err := r.store.MarkRunTerminal(ctx, run.RunID, store.RunStatusTimedOut, "exceeded run ttl", time.Now().UTC())
		if err != nil {
			log.Printf("Failed to time out run %s: %v", run.RunID, err)
			continue
		}
		if moved {
			AptsimRunsTotal.WithLabelValues(string(store.RunStatusTimedOut)).Inc()
			log.Printf("Timed out stale run %s (started %v)", run.RunID, run.StartedAt)
		}
	}
}
