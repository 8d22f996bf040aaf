// Package backend defines the capability boundary to the virtualization
// layer that physically creates, boots, and destroys device instances. The
// pool and simulator handles depend on this interface and own no knowledge
// of any concrete implementation.
package backend

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/simfleet/types"
)

// Backend manages the physical lifetime of device instances.
type Backend interface {
	Type() string

	// Create provisions the device instance for id. The instance is left
	// shut down; call Boot to launch it.
	Create(ctx context.Context, id string, cfg *types.SimulatorConfiguration) error

	// Boot launches the device instance and returns the agent PID and the
	// console socket path once the device is reachable.
	Boot(ctx context.Context, id string, cfg *types.SimulatorConfiguration) (BootResult, error)

	// Shutdown stops a running device instance. Idempotent: shutting down
	// an already-stopped instance is not an error.
	Shutdown(ctx context.Context, id string) error

	// Delete removes the device instance and its on-disk footprint.
	// Stops it first if still running.
	Delete(ctx context.Context, id string) error
}

// BootResult is the runtime identity of a booted device instance.
type BootResult struct {
	PID        int
	SocketPath string
}

// Error wraps a backend failure with the operation and simulator it hit.
// Callers match with errors.As to tell backend failures from pool logic
// errors.
type Error struct {
	Op          string
	SimulatorID string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.SimulatorID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
