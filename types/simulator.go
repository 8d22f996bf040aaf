package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SimulatorState represents the lifecycle state of a simulator.
type SimulatorState string

const (
	StateCreating     SimulatorState = "creating"      // backend create in progress
	StateShutdown     SimulatorState = "shutdown"      // created, device agent not running
	StateBooting      SimulatorState = "booting"       // agent launched, device coming up
	StateBooted       SimulatorState = "booted"        // agent alive, device is up
	StateShuttingDown SimulatorState = "shutting-down" // shutdown requested, agent draining
	StateDeleted      SimulatorState = "deleted"       // torn down, record retained for history only
)

// SimulatorConfiguration describes the device a caller wants. It is the
// pool's allocation key: two configurations with equal fingerprints are
// interchangeable for leasing purposes.
type SimulatorConfiguration struct {
	DeviceClass string `json:"device_class"` // e.g. "tablet-11", "phone-6.1"
	OSVersion   string `json:"os_version"`   // e.g. "17.4"
	Locale      string `json:"locale"`       // BCP 47, e.g. "en_US"
	Memory      int64  `json:"memory"`       // guest memory, bytes

	// LaunchOptions are free-form key/value toggles handed to the device
	// agent at boot (keyboard setup, location authorization, ...).
	LaunchOptions map[string]string `json:"launch_options,omitempty"`
}

// Validate fails fast on configurations the pool cannot allocate.
func (c *SimulatorConfiguration) Validate() error {
	if c.DeviceClass == "" {
		return fmt.Errorf("%w: device class is required", ErrInvalidConfiguration)
	}
	if c.OSVersion == "" {
		return fmt.Errorf("%w: OS version is required", ErrInvalidConfiguration)
	}
	if c.Memory < 0 {
		return fmt.Errorf("%w: negative memory", ErrInvalidConfiguration)
	}
	for k := range c.LaunchOptions {
		if k == "" {
			return fmt.Errorf("%w: empty launch option key", ErrInvalidConfiguration)
		}
	}
	return nil
}

// Fingerprint returns the deterministic allocation key for this
// configuration: a sha256 over the canonical field encoding. Launch options
// are folded in sorted key order so map iteration order cannot leak in.
func (c *SimulatorConfiguration) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "class=%s\nos=%s\nlocale=%s\nmemory=%d\n",
		c.DeviceClass, c.OSVersion, c.Locale, c.Memory)
	keys := make([]string, 0, len(c.LaunchOptions))
	for k := range c.LaunchOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "opt.%s=%s\n", k, c.LaunchOptions[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy, detaching the LaunchOptions map.
func (c *SimulatorConfiguration) Clone() SimulatorConfiguration {
	out := *c
	if c.LaunchOptions != nil {
		out.LaunchOptions = make(map[string]string, len(c.LaunchOptions))
		for k, v := range c.LaunchOptions {
			out.LaunchOptions[k] = v
		}
	}
	return out
}

// SimulatorInfo is the runtime record for a simulator, persisted in the
// pool index.
type SimulatorInfo struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	State  SimulatorState         `json:"state"`
	Config SimulatorConfiguration `json:"config"`

	// Runtime fields, populated only while the device agent is running.
	PID        int    `json:"pid,omitempty"`
	SocketPath string `json:"socket_path,omitempty"` // agent console Unix socket

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	BootedAt  *time.Time `json:"booted_at,omitempty"`

	// IdleSince is set while the simulator is not leased. Input to the
	// reaper's TTL policy.
	IdleSince *time.Time `json:"idle_since,omitempty"`
}

// Lease is the proof of exclusive ownership of one simulator by one caller
// session. At most one active Lease references a simulator at any instant.
type Lease struct {
	ID          string     `json:"id"`
	SimulatorID string     `json:"simulator_id"`
	AcquiredAt  time.Time  `json:"acquired_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
