package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind enumerates the facts a simulator can emit.
type EventKind string

const (
	EventStateChanged    EventKind = "state-changed"
	EventConfigApplied   EventKind = "configuration-applied"
	EventStepCompleted   EventKind = "interaction-step-completed"
	EventProcessObserved EventKind = "process-observed"
	EventProcessGone     EventKind = "process-terminated"
)

// Event is an immutable fact describing one state change of one simulator.
// Seq is strictly increasing and gapless per simulator; replaying a
// simulator's events in Seq order reproduces its current state.
type Event struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"ts"`
	SimulatorID string    `json:"simulator_id"`
	Kind        EventKind `json:"kind"`
	Payload     any       `json:"payload"`
}

// StateChange is the payload of EventStateChanged. Reason carries the error
// text when the transition records a backend failure, empty otherwise.
type StateChange struct {
	From   SimulatorState `json:"from"`
	To     SimulatorState `json:"to"`
	Reason string         `json:"reason,omitempty"`
}

// ConfigApplied is the payload of EventConfigApplied: the full configuration
// after a (re)configuration took effect.
type ConfigApplied struct {
	Config SimulatorConfiguration `json:"config"`
}

// StepCompleted is the payload of EventStepCompleted. Delta holds only the
// configuration fields the step changed; re-applying an already-applied step
// produces the identical delta.
type StepCompleted struct {
	Step  string            `json:"step"`
	Delta map[string]string `json:"delta,omitempty"`
}

// ProcessObserved is the payload of EventProcessObserved.
type ProcessObserved struct {
	Process ProcessRecord `json:"process"`
}

// ProcessGone is the payload of EventProcessGone.
type ProcessGone struct {
	PID int `json:"pid"`
}

// Delta keys used in StepCompleted payloads. The history reducer applies
// them back onto the derived configuration, so step producers and the
// reducer must agree on the vocabulary.
const (
	DeltaLocale          = "locale"
	DeltaLaunchOptPrefix = "launch_options."
)

// eventEnvelope is the wire form of Event: payload stays raw until the kind
// is known.
type eventEnvelope struct {
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"ts"`
	SimulatorID string          `json:"simulator_id"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the envelope and dispatches the payload by kind, so
// journal replay gets concrete payload types back.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.Seq = env.Seq
	e.Timestamp = env.Timestamp
	e.SimulatorID = env.SimulatorID
	e.Kind = env.Kind

	var payload any
	switch env.Kind {
	case EventStateChanged:
		payload = &StateChange{}
	case EventConfigApplied:
		payload = &ConfigApplied{}
	case EventStepCompleted:
		payload = &StepCompleted{}
	case EventProcessObserved:
		payload = &ProcessObserved{}
	case EventProcessGone:
		payload = &ProcessGone{}
	default:
		return fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	e.Payload = payload
	return nil
}
