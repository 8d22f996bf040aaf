package procquery

import (
	"context"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/types"
)

// Watcher polls the process table and turns attribution changes into
// process-observed / process-terminated events on each tracked simulator's
// relay.
type Watcher struct {
	query    *Query
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]*watched
}

type watched struct {
	sim  *simulator.Simulator
	seen map[int]types.ProcessRecord
}

// NewWatcher creates a Watcher polling at the given interval.
func NewWatcher(query *Query, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		query:    query,
		interval: interval,
		tracked:  make(map[string]*watched),
	}
}

// Track starts watching processes attributed to sim.
func (w *Watcher) Track(sim *simulator.Simulator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tracked[sim.ID()]; ok {
		return
	}
	w.tracked[sim.ID()] = &watched{sim: sim, seen: make(map[int]types.ProcessRecord)}
}

// Untrack stops watching sim. Pending exits are not reported afterwards;
// records for a deleted simulator are stale by definition.
func (w *Watcher) Untrack(simulatorID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, simulatorID)
}

// Poll performs one observation pass over all tracked simulators.
func (w *Watcher) Poll(ctx context.Context) {
	w.mu.Lock()
	entries := make([]*watched, 0, len(w.tracked))
	for _, e := range w.tracked {
		entries = append(entries, e)
	}
	w.mu.Unlock()

	for _, e := range entries {
		w.pollOne(ctx, e)
	}
}

func (w *Watcher) pollOne(ctx context.Context, e *watched) {
	current := w.query.ProcessesFor(ctx, e.sim.ID())
	live := make(map[int]types.ProcessRecord, len(current))
	for _, rec := range current {
		live[rec.PID] = rec
	}

	// New arrivals first, then exits; both in stable PID order would be
	// nicer to read but the per-simulator event order is what matters.
	for pid, rec := range live {
		if _, ok := e.seen[pid]; !ok {
			e.sim.Emit(ctx, types.EventProcessObserved, &types.ProcessObserved{Process: rec})
		}
	}
	for pid := range e.seen {
		if _, ok := live[pid]; !ok {
			e.sim.Emit(ctx, types.EventProcessGone, &types.ProcessGone{PID: pid})
		}
	}
	e.seen = live
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithFunc("procquery.Run")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debugf(ctx, "watcher stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}
