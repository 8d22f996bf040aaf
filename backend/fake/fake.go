// Package fake is an in-memory backend double. All core-logic tests run
// against it, keeping pool/chain/history correctness independent of any
// platform virtualization API.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/devicelab-dev/simfleet/backend"
	"github.com/devicelab-dev/simfleet/types"
)

// Backend records lifecycle calls and hands out synthetic PIDs.
// Error fields, when set, are returned by the corresponding operation.
type Backend struct {
	CreateErr   error
	BootErr     error
	ShutdownErr error
	DeleteErr   error

	mu      sync.Mutex
	nextPID int
	created map[string]bool
	booted  map[string]int // id → fake PID
	deleted map[string]bool
	calls   []string
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty fake backend.
func New() *Backend {
	return &Backend{
		nextPID: 40000,
		created: make(map[string]bool),
		booted:  make(map[string]int),
		deleted: make(map[string]bool),
	}
}

func (b *Backend) Type() string { return "fake" }

func (b *Backend) Create(_ context.Context, id string, _ *types.SimulatorConfiguration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "create "+id)
	if b.CreateErr != nil {
		return &backend.Error{Op: "create", SimulatorID: id, Err: b.CreateErr}
	}
	b.created[id] = true
	return nil
}

func (b *Backend) Boot(_ context.Context, id string, _ *types.SimulatorConfiguration) (backend.BootResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "boot "+id)
	if b.BootErr != nil {
		return backend.BootResult{}, &backend.Error{Op: "boot", SimulatorID: id, Err: b.BootErr}
	}
	if !b.created[id] {
		return backend.BootResult{}, &backend.Error{Op: "boot", SimulatorID: id, Err: fmt.Errorf("not created")}
	}
	// Idempotent boot keeps the assigned PID.
	if pid, ok := b.booted[id]; ok {
		return backend.BootResult{PID: pid, SocketPath: "/tmp/fake-" + id + ".sock"}, nil
	}
	b.nextPID++
	b.booted[id] = b.nextPID
	return backend.BootResult{PID: b.nextPID, SocketPath: "/tmp/fake-" + id + ".sock"}, nil
}

func (b *Backend) Shutdown(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "shutdown "+id)
	if b.ShutdownErr != nil {
		return &backend.Error{Op: "shutdown", SimulatorID: id, Err: b.ShutdownErr}
	}
	delete(b.booted, id)
	return nil
}

func (b *Backend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "delete "+id)
	if b.DeleteErr != nil {
		return &backend.Error{Op: "delete", SimulatorID: id, Err: b.DeleteErr}
	}
	delete(b.booted, id)
	delete(b.created, id)
	b.deleted[id] = true
	return nil
}

// Created reports whether Create succeeded for id and no Delete followed.
func (b *Backend) Created(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created[id]
}

// Booted reports whether id currently has a live fake agent.
func (b *Backend) Booted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.booted[id]
	return ok
}

// Deleted reports whether Delete was called for id.
func (b *Backend) Deleted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted[id]
}

// Calls returns the ordered operation log.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}
