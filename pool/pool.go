// Package pool manages the simulator fleet: fingerprint-keyed allocation,
// exclusive leasing, capacity enforcement and teardown. Allocation state
// lives in a flock-guarded JSON index so that concurrent CLI invocations see
// one consistent fleet; live handles are materialized lazily per process.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/simfleet/backend"
	"github.com/devicelab-dev/simfleet/config"
	"github.com/devicelab-dev/simfleet/history"
	"github.com/devicelab-dev/simfleet/lock/flock"
	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/storage"
	storejson "github.com/devicelab-dev/simfleet/storage/json"
	"github.com/devicelab-dev/simfleet/types"
	"github.com/devicelab-dev/simfleet/utils"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("pool is closed")

// errNoCapacity signals an acquire pass that found neither an idle match nor
// room to create. Internal; callers see types.ErrLeaseUnavailable.
var errNoCapacity = errors.New("no idle simulator and pool at capacity")

// waitPollInterval bounds how long a blocked Acquire waits before re-reading
// the index. In-process releases wake waiters immediately through waitCh;
// the poll catches releases made by other processes.
const waitPollInterval = 500 * time.Millisecond

// Tracker receives handles as the pool materializes them, so the process
// watcher can observe their device agents. Satisfied by procquery.Watcher.
type Tracker interface {
	Track(sim *simulator.Simulator)
	Untrack(simulatorID string)
}

// Pool hands out exclusive leases on simulators matching a configuration
// fingerprint, creating instances up to the configured capacity.
type Pool struct {
	conf    *config.Config
	backend backend.Backend
	store   storage.Store[Index]
	tracker Tracker

	mu      sync.Mutex
	handles map[string]*simulator.Simulator
	waitCh  chan struct{}
	closed  bool
}

// Option customizes a Pool at construction time.
type Option func(*Pool)

// WithTracker registers a process tracker for materialized handles.
func WithTracker(t Tracker) Option {
	return func(p *Pool) { p.tracker = t }
}

// New creates a Pool over the configured root directory.
func New(conf *config.Config, be backend.Backend, opts ...Option) (*Pool, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	p := &Pool{
		conf:    conf,
		backend: be,
		store:   storejson.New[Index](conf.IndexFile(), flock.New(conf.IndexLock())),
		handles: make(map[string]*simulator.Simulator),
		waitCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire returns an exclusive lease on a simulator whose configuration
// fingerprint matches cfg, reusing an idle instance when one exists and
// creating one when capacity allows. With timeout <= 0 an exhausted pool
// fails immediately with types.ErrLeaseUnavailable; otherwise Acquire blocks
// until a lease frees up, the timeout passes, or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, cfg *types.SimulatorConfiguration, timeout time.Duration) (*types.Lease, *simulator.Simulator, error) {
	logger := log.WithFunc("pool.Acquire")
	if cfg == nil {
		return nil, nil, types.ErrInvalidConfiguration
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	fp := cfg.Fingerprint()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if p.isClosed() {
			return nil, nil, ErrPoolClosed
		}

		var lease *types.Lease
		var reusedID, createdID, createdName string
		err := p.store.Update(ctx, func(idx *Index) error {
			// Reuse: idle record with a matching fingerprint.
			for id, rec := range idx.Simulators {
				if rec == nil || rec.Lease != nil || rec.Fingerprint != fp {
					continue
				}
				if rec.State != types.StateShutdown && rec.State != types.StateBooted {
					continue
				}
				lease = p.newLease(id)
				rec.Lease = lease
				rec.IdleSince = nil
				rec.UpdatedAt = time.Now()
				reusedID = id
				return nil
			}
			// Create: reserve a placeholder record while we still hold the
			// index lock, so capacity cannot be oversubscribed by a
			// concurrent acquire. The expensive work happens after.
			if idx.active() >= p.conf.Capacity {
				return errNoCapacity
			}
			id := GenerateID()
			if idx.Simulators[id] != nil {
				return fmt.Errorf("simulator ID collision on %q", id)
			}
			name := fmt.Sprintf("%s-%s", cfg.DeviceClass, id[:6])
			if _, taken := idx.Names[name]; taken {
				name = fmt.Sprintf("%s-%s", cfg.DeviceClass, id)
			}
			now := time.Now()
			lease = p.newLease(id)
			idx.Simulators[id] = &SimRecord{
				SimulatorInfo: types.SimulatorInfo{
					ID:        id,
					Name:      name,
					State:     types.StateCreating,
					Config:    cfg.Clone(),
					CreatedAt: now,
					UpdatedAt: now,
				},
				Fingerprint: fp,
				Lease:       lease,
			}
			idx.Names[name] = id
			createdID, createdName = id, name
			return nil
		})

		switch {
		case err == nil && reusedID != "":
			sim, herr := p.handleFor(ctx, reusedID)
			if herr != nil {
				p.dropLease(ctx, reusedID)
				return nil, nil, herr
			}
			logger.Debugf(ctx, "leased idle simulator %s", reusedID)
			return lease, sim, nil

		case err == nil:
			sim, cerr := p.finishCreate(ctx, createdID, createdName, cfg)
			if cerr != nil {
				return nil, nil, cerr
			}
			logger.Infof(ctx, "leased new simulator %s (%s)", createdID, createdName)
			return lease, sim, nil

		case errors.Is(err, errNoCapacity):
			if timeout <= 0 || time.Until(deadline) <= 0 {
				return nil, nil, types.ErrLeaseUnavailable
			}
			if !p.wait(ctx, time.Until(deadline)) {
				if cerr := ctx.Err(); cerr != nil {
					return nil, nil, cerr
				}
				return nil, nil, types.ErrLeaseUnavailable
			}

		default:
			return nil, nil, err
		}
	}
}

// wait blocks until a release broadcast, a poll tick, or cancellation.
// Returns false only when ctx was cancelled; a tick returns true so the
// caller re-reads the index and re-evaluates its deadline.
func (p *Pool) wait(ctx context.Context, max time.Duration) bool {
	p.mu.Lock()
	ch := p.waitCh
	p.mu.Unlock()

	interval := waitPollInterval
	if max < interval {
		interval = max
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) newLease(simulatorID string) *types.Lease {
	l := &types.Lease{
		ID:          uuid.NewString(),
		SimulatorID: simulatorID,
		AcquiredAt:  time.Now(),
	}
	if ttl := p.conf.LeaseTTL(); ttl > 0 {
		exp := l.AcquiredAt.Add(ttl)
		l.ExpiresAt = &exp
	}
	return l
}

// finishCreate runs the expensive part of creation outside the index lock:
// backend provisioning and the first history events. On failure the
// placeholder record is marked deleted so capacity is not leaked, with the
// failure recorded in the simulator's journal.
func (p *Pool) finishCreate(ctx context.Context, id, name string, cfg *types.SimulatorConfiguration) (*simulator.Simulator, error) {
	logger := log.WithFunc("pool.finishCreate")

	if err := p.conf.EnsureSimDirs(id); err != nil {
		p.abortCreate(ctx, nil, id, name, err)
		return nil, fmt.Errorf("ensure dirs for %s: %w", id, err)
	}
	gen, err := history.Load(p.conf.SimHistoryFile(id))
	if err != nil {
		p.abortCreate(ctx, nil, id, name, err)
		return nil, fmt.Errorf("open journal for %s: %w", id, err)
	}
	sim := simulator.New(id, name, cfg.Clone(), types.StateCreating, p.backend, gen)

	if err := p.backend.Create(ctx, id, cfg); err != nil {
		p.abortCreate(ctx, sim, id, name, err)
		return nil, fmt.Errorf("create simulator %s: %w", id, err)
	}
	sim.SetState(ctx, types.StateShutdown, "")
	sim.EmitConfigApplied(ctx)

	if err := p.store.Update(ctx, func(idx *Index) error {
		rec := idx.Simulators[id]
		if rec == nil {
			return fmt.Errorf("simulator %s vanished from index during create", id)
		}
		rec.State = types.StateShutdown
		rec.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		p.abortCreate(ctx, sim, id, name, err)
		return nil, err
	}

	p.mu.Lock()
	p.handles[id] = sim
	p.mu.Unlock()
	if p.tracker != nil {
		p.tracker.Track(sim)
	}
	logger.Debugf(ctx, "created simulator %s (%s)", id, name)
	return sim, nil
}

// abortCreate rolls a failed creation back: the failure goes into the
// journal, the backend tears down whatever it provisioned, and the index
// record becomes deleted so it no longer counts against capacity.
func (p *Pool) abortCreate(ctx context.Context, sim *simulator.Simulator, id, name string, cause error) {
	logger := log.WithFunc("pool.abortCreate")
	if sim != nil {
		sim.MarkDeleted(ctx, cause.Error())
	}
	if err := p.backend.Delete(ctx, id); err != nil {
		logger.Warnf(ctx, "backend cleanup for %s: %v", id, err)
	}
	if err := p.store.Update(ctx, func(idx *Index) error {
		rec := idx.Simulators[id]
		if rec == nil {
			return nil
		}
		rec.State = types.StateDeleted
		rec.Lease = nil
		rec.UpdatedAt = time.Now()
		delete(idx.Names, name)
		return nil
	}); err != nil {
		logger.Warnf(ctx, "roll back create of %s: %v", id, err)
	}
	p.broadcast()
}

// dropLease clears a lease the pool took but could not hand out.
func (p *Pool) dropLease(ctx context.Context, id string) {
	if err := p.store.Update(ctx, func(idx *Index) error {
		rec := idx.Simulators[id]
		if rec == nil {
			return nil
		}
		rec.Lease = nil
		now := time.Now()
		rec.IdleSince = &now
		rec.UpdatedAt = now
		return nil
	}); err != nil {
		log.WithFunc("pool.dropLease").Warnf(ctx, "drop lease on %s: %v", id, err)
	}
	p.broadcast()
}

// Release ends a lease and returns the simulator to the idle set. The record
// is refreshed from the live handle first; interaction steps may have changed
// the configuration, which moves the simulator to a new fingerprint bucket.
func (p *Pool) Release(ctx context.Context, lease *types.Lease) error {
	if lease == nil || lease.ID == "" {
		return types.ErrLeaseInvalid
	}
	err := p.store.Update(ctx, func(idx *Index) error {
		rec := findLeaseRecord(idx, lease)
		if rec == nil {
			return fmt.Errorf("%w: lease %s", types.ErrLeaseInvalid, lease.ID)
		}
		now := time.Now()
		rec.Lease = nil
		rec.IdleSince = &now
		rec.UpdatedAt = now

		p.mu.Lock()
		sim := p.handles[rec.ID]
		p.mu.Unlock()
		if sim != nil {
			info := sim.Info()
			rec.State = info.State
			rec.Config = info.Config
			rec.PID = info.PID
			rec.SocketPath = info.SocketPath
		}
		rec.Fingerprint = rec.Config.Fingerprint()
		return nil
	})
	if err != nil {
		return err
	}
	p.broadcast()
	return nil
}

// ResolveLease finds an active lease by its ID.
func (p *Pool) ResolveLease(ctx context.Context, leaseID string) (*types.Lease, error) {
	var found *types.Lease
	err := p.store.With(ctx, func(idx *Index) error {
		for _, rec := range idx.Simulators {
			if rec != nil && rec.Lease != nil && rec.Lease.ID == leaseID {
				l := *rec.Lease
				found = &l
				return nil
			}
		}
		return fmt.Errorf("%w: lease %s", types.ErrLeaseInvalid, leaseID)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func findLeaseRecord(idx *Index, lease *types.Lease) *SimRecord {
	if lease.SimulatorID != "" {
		rec := idx.Simulators[lease.SimulatorID]
		if rec != nil && rec.Lease != nil && rec.Lease.ID == lease.ID {
			return rec
		}
		return nil
	}
	for _, rec := range idx.Simulators {
		if rec != nil && rec.Lease != nil && rec.Lease.ID == lease.ID {
			return rec
		}
	}
	return nil
}

// Evict forcibly tears a simulator down, lease or no lease. The terminal
// transition goes into the journal first, then the backend removes the
// instance; a backend failure still leaves the record deleted, so capacity
// is reclaimed either way.
func (p *Pool) Evict(ctx context.Context, id string) error {
	logger := log.WithFunc("pool.Evict")

	if err := p.store.With(ctx, func(idx *Index) error {
		rec := idx.Simulators[id]
		if rec == nil || rec.State == types.StateDeleted {
			return fmt.Errorf("%w: simulator %s", types.ErrNotFound, id)
		}
		return nil
	}); err != nil {
		return err
	}

	p.mu.Lock()
	sim := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()
	if p.tracker != nil {
		p.tracker.Untrack(id)
	}
	if sim == nil {
		// Materialize just long enough to record the teardown.
		if gen, err := history.Load(p.conf.SimHistoryFile(id)); err == nil {
			sim = simulator.New(id, "", types.SimulatorConfiguration{}, types.StateShutdown, p.backend, gen)
		}
	}
	if sim != nil {
		sim.MarkDeleted(ctx, "evicted")
	}

	backendErr := p.backend.Delete(ctx, id)
	if backendErr != nil {
		logger.Warnf(ctx, "backend delete %s: %v", id, backendErr)
	}

	if err := p.store.Update(ctx, func(idx *Index) error {
		rec := idx.Simulators[id]
		if rec == nil {
			return nil
		}
		rec.State = types.StateDeleted
		rec.Lease = nil
		rec.IdleSince = nil
		rec.PID = 0
		rec.SocketPath = ""
		rec.UpdatedAt = time.Now()
		delete(idx.Names, rec.Name)
		return nil
	}); err != nil {
		return err
	}
	p.broadcast()

	if backendErr != nil {
		return fmt.Errorf("evict %s: %w", id, backendErr)
	}
	return nil
}

// Boot boots the given simulators concurrently, best effort. Returns the IDs
// that booted; failures are logged and skipped.
func (p *Pool) Boot(ctx context.Context, ids []string) ([]string, error) {
	return p.batch(ctx, "boot", ids, func(ctx context.Context, sim *simulator.Simulator) error {
		return sim.Boot(ctx)
	})
}

// Shutdown shuts the given simulators down concurrently, best effort.
func (p *Pool) Shutdown(ctx context.Context, ids []string) ([]string, error) {
	return p.batch(ctx, "shutdown", ids, func(ctx context.Context, sim *simulator.Simulator) error {
		return sim.Shutdown(ctx)
	})
}

func (p *Pool) batch(ctx context.Context, op string, ids []string, fn func(context.Context, *simulator.Simulator) error) ([]string, error) {
	logger := log.WithFunc("pool." + op)
	g, gctx := errgroup.WithContext(ctx)
	if p.conf.PoolSize > 0 {
		g.SetLimit(p.conf.PoolSize)
	}

	var mu sync.Mutex
	var done []string
	for _, id := range ids {
		id := id
		g.Go(func() error {
			sim, err := p.handleFor(gctx, id)
			if err == nil {
				err = fn(gctx, sim)
			}
			if err != nil {
				logger.Warnf(gctx, "%s simulator %s: %v", op, id, err)
				return nil
			}
			p.SyncInfo(gctx, sim)
			mu.Lock()
			done = append(done, id)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return done, err
}

// SyncInfo persists a handle's current state back into the index.
func (p *Pool) SyncInfo(ctx context.Context, sim *simulator.Simulator) {
	info := sim.Info()
	if err := p.store.Update(ctx, func(idx *Index) error {
		rec := idx.Simulators[info.ID]
		if rec == nil || rec.State == types.StateDeleted {
			return nil
		}
		now := time.Now()
		rec.State = info.State
		rec.Config = info.Config
		rec.Fingerprint = info.Config.Fingerprint()
		rec.PID = info.PID
		rec.SocketPath = info.SocketPath
		switch {
		case info.State == types.StateBooted && rec.BootedAt == nil:
			rec.BootedAt = &now
		case info.State != types.StateBooted:
			rec.BootedAt = nil
		}
		rec.UpdatedAt = now
		return nil
	}); err != nil {
		log.WithFunc("pool.SyncInfo").Warnf(ctx, "persist simulator %s: %v", info.ID, err)
	}
}

// Get returns the live handle for id, materializing it from the persisted
// record when this process has not touched the simulator yet.
func (p *Pool) Get(ctx context.Context, id string) (*simulator.Simulator, error) {
	return p.handleFor(ctx, id)
}

// Resolve resolves a user-supplied reference (ID, name, or ID prefix).
func (p *Pool) Resolve(ctx context.Context, ref string) (string, error) {
	var id string
	err := p.store.With(ctx, func(idx *Index) error {
		var rerr error
		id, rerr = ResolveRef(idx, ref)
		return rerr
	})
	return id, err
}

// Inspect returns a detached copy of one simulator's persisted record.
func (p *Pool) Inspect(ctx context.Context, id string) (SimRecord, error) {
	var rec SimRecord
	err := p.store.With(ctx, func(idx *Index) error {
		r, err := utils.LookupCopy(idx.Simulators, id)
		if err != nil {
			return fmt.Errorf("%w: simulator %s", types.ErrNotFound, id)
		}
		rec = r
		return nil
	})
	return rec, err
}

// List returns detached copies of all persisted records, deleted included.
func (p *Pool) List(ctx context.Context) ([]SimRecord, error) {
	var out []SimRecord
	err := p.store.With(ctx, func(idx *Index) error {
		out = make([]SimRecord, 0, len(idx.Simulators))
		for _, rec := range idx.Simulators {
			if rec != nil {
				out = append(out, *rec)
			}
		}
		return nil
	})
	return out, err
}

// handleFor returns the in-memory handle for id, materializing it from the
// index and its journal on first touch. A record claiming booted whose agent
// is gone is reconciled to shutdown, with the correction in history.
func (p *Pool) handleFor(ctx context.Context, id string) (*simulator.Simulator, error) {
	p.mu.Lock()
	if sim, ok := p.handles[id]; ok {
		p.mu.Unlock()
		return sim, nil
	}
	p.mu.Unlock()

	var rec SimRecord
	if err := p.store.With(ctx, func(idx *Index) error {
		r := idx.Simulators[id]
		if r == nil || r.State == types.StateDeleted {
			return fmt.Errorf("%w: simulator %s", types.ErrNotFound, id)
		}
		rec = *r
		return nil
	}); err != nil {
		return nil, err
	}

	gen, err := history.Load(p.conf.SimHistoryFile(id))
	if err != nil {
		return nil, fmt.Errorf("open journal for %s: %w", id, err)
	}
	sim := simulator.New(id, rec.Name, rec.Config, rec.State, p.backend, gen)
	sim.RestoreRuntime(rec.PID, rec.SocketPath)

	if rec.State == types.StateBooted && !utils.IsProcessAlive(rec.PID) {
		sim.RestoreRuntime(0, "")
		sim.SetState(ctx, types.StateShutdown, "device agent not running")
	}

	p.mu.Lock()
	if existing, ok := p.handles[id]; ok {
		p.mu.Unlock()
		_ = gen.Close()
		return existing, nil
	}
	p.handles[id] = sim
	p.mu.Unlock()

	if sim.State() != rec.State {
		p.SyncInfo(ctx, sim)
	}
	if p.tracker != nil {
		p.tracker.Track(sim)
	}
	return sim, nil
}

// broadcast wakes every goroutine blocked in Acquire.
func (p *Pool) broadcast() {
	p.mu.Lock()
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the pool closed and wakes blocked acquires. Live simulators
// keep running; the persisted index carries them to the next invocation.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
}
