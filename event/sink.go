package event

import (
	"sync"

	"github.com/devicelab-dev/simfleet/types"
)

// Sink accepts events. Implementations: the relay itself, the history
// generator, the swappable MutableSink, and test spies.
type Sink interface {
	Consume(ev types.Event) error
}

// Func adapts a plain function to a Sink.
type Func func(ev types.Event) error

func (f Func) Consume(ev types.Event) error { return f(ev) }

// MutableSink forwards events to an inner sink that can be swapped at any
// time. A nil inner sink drops events. Lets a caller splice its own sink into
// a simulator's relay without re-subscribing.
type MutableSink struct {
	mu    sync.Mutex
	inner Sink
}

var _ Sink = (*MutableSink)(nil)

// NewMutableSink creates a MutableSink with no inner sink.
func NewMutableSink() *MutableSink {
	return &MutableSink{}
}

// Set replaces the inner sink. Pass nil to drop subsequent events.
func (m *MutableSink) Set(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inner = s
}

// Consume forwards ev to the current inner sink.
func (m *MutableSink) Consume(ev types.Event) error {
	m.mu.Lock()
	inner := m.inner
	m.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Consume(ev)
}
