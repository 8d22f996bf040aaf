// Package simulator holds the logical handle to one device instance. The
// handle pairs a public read-only facade (ID, configuration, state) with an
// internal mutable core guarded by the handle lock; every mutation flows out
// as an event through the handle's relay, so the history generator sees the
// complete lifecycle in order.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/simfleet/backend"
	"github.com/devicelab-dev/simfleet/event"
	"github.com/devicelab-dev/simfleet/history"
	"github.com/devicelab-dev/simfleet/types"
)

// Simulator is the logical handle to one device instance.
type Simulator struct {
	id      string
	name    string
	backend backend.Backend
	relay   *event.Relay
	gen     *history.Generator

	mu         sync.Mutex
	cfg        types.SimulatorConfiguration
	state      types.SimulatorState
	nextSeq    uint64
	pid        int
	socketPath string
}

// New creates a handle in the given state. The history generator is
// subscribed to the relay immediately; when it was reloaded from a journal,
// sequence numbering continues where the journal left off.
func New(id, name string, cfg types.SimulatorConfiguration, state types.SimulatorState, be backend.Backend, gen *history.Generator) *Simulator {
	s := &Simulator{
		id:      id,
		name:    name,
		backend: be,
		relay:   event.NewRelay(),
		gen:     gen,
		cfg:     cfg.Clone(),
		state:   state,
	}
	if last, ok := gen.LastSeq(); ok {
		s.nextSeq = last + 1
	}
	s.relay.Subscribe(gen)
	return s
}

func (s *Simulator) ID() string   { return s.id }
func (s *Simulator) Name() string { return s.name }

// Configuration returns a detached copy of the current configuration.
func (s *Simulator) Configuration() types.SimulatorConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// State returns the current lifecycle state.
func (s *Simulator) State() types.SimulatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the device agent PID, zero when not booted.
func (s *Simulator) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ConsoleSocket returns the agent console socket path, empty when not booted.
func (s *Simulator) ConsoleSocket() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// Relay exposes the handle's event relay for extra sink subscriptions.
func (s *Simulator) Relay() *event.Relay { return s.relay }

// History exposes the handle's history generator.
func (s *Simulator) History() *history.Generator { return s.gen }

// Emit stamps payload with the next sequence number and publishes it.
// Stamping and delivery happen under the handle lock, which is what keeps
// per-simulator sequence numbers gapless and delivery ordered even when the
// owning session and the process watcher emit concurrently.
func (s *Simulator) Emit(ctx context.Context, kind types.EventKind, payload any) types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(ctx, kind, payload)
}

func (s *Simulator) emitLocked(ctx context.Context, kind types.EventKind, payload any) types.Event {
	ev := types.Event{
		Seq:         s.nextSeq,
		Timestamp:   time.Now(),
		SimulatorID: s.id,
		Kind:        kind,
		Payload:     payload,
	}
	s.nextSeq++
	s.relay.Publish(ctx, ev)
	return ev
}

func (s *Simulator) setStateLocked(ctx context.Context, to types.SimulatorState, reason string) {
	from := s.state
	s.state = to
	s.emitLocked(ctx, types.EventStateChanged, &types.StateChange{From: from, To: to, Reason: reason})
}

// SetState transitions the lifecycle state and records it in history.
// reason carries the failure text when the transition records an error.
func (s *Simulator) SetState(ctx context.Context, to types.SimulatorState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(ctx, to, reason)
}

// EmitConfigApplied records the full current configuration in history.
// Called after creation and after any out-of-band reconfiguration.
func (s *Simulator) EmitConfigApplied(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ctx, types.EventConfigApplied, &types.ConfigApplied{Config: s.cfg.Clone()})
}

// MutateConfig applies fn to the configuration under the handle lock and
// returns a detached copy of the result. Interaction steps use this; they
// are responsible for emitting their own step event.
func (s *Simulator) MutateConfig(fn func(*types.SimulatorConfiguration)) types.SimulatorConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
	return s.cfg.Clone()
}

// RestoreRuntime repopulates the agent PID and console socket when a handle
// is re-materialized from a persisted record. No event is emitted; nothing
// changed, the process just restarted.
func (s *Simulator) RestoreRuntime(pid int, socketPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	s.socketPath = socketPath
}

// Boot launches the device instance. Legal from shutdown state only; booting
// an already-booted simulator is a no-op. A backend failure reverts the
// state to shutdown with the failure recorded in history.
func (s *Simulator) Boot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case types.StateBooted, types.StateBooting:
		return nil
	case types.StateShutdown:
	default:
		return fmt.Errorf("cannot boot simulator %s in state %s", s.id, s.state)
	}

	s.setStateLocked(ctx, types.StateBooting, "")
	res, err := s.backend.Boot(ctx, s.id, &s.cfg)
	if err != nil {
		s.setStateLocked(ctx, types.StateShutdown, err.Error())
		return fmt.Errorf("boot %s: %w", s.id, err)
	}
	s.pid = res.PID
	s.socketPath = res.SocketPath
	s.setStateLocked(ctx, types.StateBooted, "")
	return nil
}

// Shutdown stops the device instance. A no-op when already shut down. On
// backend failure the handle stays in shutting-down with the failure
// recorded, so the pool can evict it.
func (s *Simulator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case types.StateShutdown, types.StateShuttingDown:
		if s.state == types.StateShutdown {
			return nil
		}
	case types.StateBooted, types.StateBooting:
		s.setStateLocked(ctx, types.StateShuttingDown, "")
	default:
		return fmt.Errorf("cannot shut down simulator %s in state %s", s.id, s.state)
	}

	if err := s.backend.Shutdown(ctx, s.id); err != nil {
		s.emitLocked(ctx, types.EventStateChanged, &types.StateChange{
			From: types.StateShuttingDown, To: types.StateShuttingDown, Reason: err.Error(),
		})
		return fmt.Errorf("shutdown %s: %w", s.id, err)
	}
	s.pid = 0
	s.socketPath = ""
	s.setStateLocked(ctx, types.StateShutdown, "")
	return nil
}

// MarkDeleted records the terminal transition. The backend teardown is the
// pool's job; the handle only reflects it in history.
func (s *Simulator) MarkDeleted(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateDeleted {
		return
	}
	s.pid = 0
	s.socketPath = ""
	s.setStateLocked(ctx, types.StateDeleted, reason)
}

// Info snapshots the handle into a persistable record.
func (s *Simulator) Info() types.SimulatorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SimulatorInfo{
		ID:         s.id,
		Name:       s.name,
		State:      s.state,
		Config:     s.cfg.Clone(),
		PID:        s.pid,
		SocketPath: s.socketPath,
	}
}
