// Package gc reclaims fleet capacity: it reaps expired leases and evicts
// idle simulators per policy. One cycle snapshots the index, resolves
// targets without holding any lock, then collects through the pool, which
// serializes each teardown against live operations itself.
package gc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/pool"
	"github.com/devicelab-dev/simfleet/types"
)

// Policy controls which idle simulators a cycle evicts. Zero values disable
// the respective limit.
type Policy struct {
	// MaxIdle caps the idle set; the oldest idlers beyond it are evicted.
	MaxIdle int
	// IdleTTL evicts any simulator idle longer than this.
	IdleTTL time.Duration
}

// Reaper applies a Policy to the pool on demand or on a timer.
type Reaper struct {
	pool    *pool.Pool
	policy  Policy
	workers *ants.Pool
}

// NewReaper creates a Reaper with a worker pool of the given size for
// parallel evictions.
func NewReaper(p *pool.Pool, policy Policy, workers int) (*Reaper, error) {
	if workers <= 0 {
		workers = 1
	}
	wp, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Reaper{pool: p, policy: policy, workers: wp}, nil
}

// Run executes one reap cycle: release leases past their expiry, then evict
// idle simulators the policy rules out. Evictions run concurrently on the
// worker pool; the first round of failures is reported, the rest retried on
// the next cycle.
func (r *Reaper) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")

	records, err := r.pool.List(ctx)
	if err != nil {
		return fmt.Errorf("snapshot fleet: %w", err)
	}
	now := time.Now()

	// Phase 1: expired leases go back to the idle set. The release refreshes
	// IdleSince, so a just-reclaimed simulator is not immediately TTL-evicted.
	for _, rec := range records {
		if rec.Lease == nil || rec.Lease.ExpiresAt == nil || rec.Lease.ExpiresAt.After(now) {
			continue
		}
		logger.Warnf(ctx, "lease %s on %s expired, reclaiming", rec.Lease.ID, rec.ID)
		if rerr := r.pool.Release(ctx, rec.Lease); rerr != nil {
			logger.Warnf(ctx, "reclaim lease on %s: %v", rec.ID, rerr)
		}
	}

	// Phase 2: resolve and collect idle targets.
	targets := r.policy.targets(records, now)
	if len(targets) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)
	for _, id := range targets {
		wg.Add(1)
		if serr := r.workers.Submit(func() {
			defer wg.Done()
			if eerr := r.pool.Evict(ctx, id); eerr != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", id, eerr))
				mu.Unlock()
				return
			}
			logger.Infof(ctx, "evicted idle simulator %s", id)
		}); serr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Sprintf("%s: submit: %v", id, serr))
			mu.Unlock()
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("reap errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loop runs reap cycles at the given interval until ctx is cancelled.
func (r *Reaper) Loop(ctx context.Context, interval time.Duration) {
	logger := log.WithFunc("gc.Loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debugf(ctx, "reaper stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				logger.Warnf(ctx, "reap cycle: %v", err)
			}
		}
	}
}

// Close releases the worker pool.
func (r *Reaper) Close() {
	r.workers.Release()
}

// targets resolves which simulators to evict. Pure over its inputs: TTL
// violations first, then the oldest idlers beyond MaxIdle. Leased, deleted
// and in-flight simulators are never candidates.
func (p Policy) targets(records []pool.SimRecord, now time.Time) []string {
	var idle []pool.SimRecord
	for _, rec := range records {
		if rec.Lease != nil || rec.IdleSince == nil {
			continue
		}
		switch rec.State {
		case types.StateShutdown, types.StateBooted:
			idle = append(idle, rec)
		}
	}
	// Oldest idler first, with ID as the tiebreaker for a stable order.
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].IdleSince.Equal(*idle[j].IdleSince) {
			return idle[i].IdleSince.Before(*idle[j].IdleSince)
		}
		return idle[i].ID < idle[j].ID
	})

	var out []string
	picked := make(map[string]bool)
	if p.IdleTTL > 0 {
		for _, rec := range idle {
			if now.Sub(*rec.IdleSince) >= p.IdleTTL {
				out = append(out, rec.ID)
				picked[rec.ID] = true
			}
		}
	}
	if p.MaxIdle > 0 {
		remaining := 0
		for _, rec := range idle {
			if !picked[rec.ID] {
				remaining++
			}
		}
		for _, rec := range idle {
			if remaining <= p.MaxIdle {
				break
			}
			if picked[rec.ID] {
				continue
			}
			out = append(out, rec.ID)
			picked[rec.ID] = true
			remaining--
		}
	}
	return out
}
