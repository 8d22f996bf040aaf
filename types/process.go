package types

import "time"

// ProcessRecord attributes one live OS process to a simulator session.
// The simulator does not own the process record; it is a lookup result and
// must be treated as stale once the simulator reaches StateDeleted, or as
// soon as the process exits.
type ProcessRecord struct {
	PID         int       `json:"pid"`
	Path        string    `json:"path"`
	Args        []string  `json:"args,omitempty"`
	SimulatorID string    `json:"simulator_id"`
	ObservedAt  time.Time `json:"observed_at"`
}
