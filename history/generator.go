// Package history turns a simulator's event stream into an append-only,
// replayable log plus a derived current-state view. The generator is a
// plain event sink: subscribe it to a simulator's relay and every published
// event lands in the log and folds into the projection.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/devicelab-dev/simfleet/types"
)

// State is the projection derived from a simulator's events. Replaying
// Snapshot() from a zero State through Reduce always reproduces it.
type State struct {
	State     types.SimulatorState
	Config    types.SimulatorConfiguration
	Processes map[int]types.ProcessRecord

	// LastSeq is the sequence number of the newest folded event; only
	// meaningful when Seen > 0.
	LastSeq uint64
	Seen    int
}

// clone detaches the mutable maps so callers can hold a State across lock
// boundaries.
func (s State) clone() State {
	out := s
	out.Config = s.Config.Clone()
	if s.Processes != nil {
		out.Processes = make(map[int]types.ProcessRecord, len(s.Processes))
		for pid, rec := range s.Processes {
			out.Processes[pid] = rec
		}
	}
	return out
}

// Reduce folds one event into the state. Pure: the input state is not
// mutated, the result depends only on the arguments.
func Reduce(st State, ev types.Event) State {
	st = st.clone()
	switch p := ev.Payload.(type) {
	case *types.StateChange:
		st.State = p.To
	case *types.ConfigApplied:
		st.Config = p.Config.Clone()
	case *types.StepCompleted:
		applyDelta(&st.Config, p.Delta)
	case *types.ProcessObserved:
		if st.Processes == nil {
			st.Processes = make(map[int]types.ProcessRecord, 1)
		}
		st.Processes[p.Process.PID] = p.Process
	case *types.ProcessGone:
		delete(st.Processes, p.PID)
	}
	st.LastSeq = ev.Seq
	st.Seen++
	return st
}

// applyDelta folds a step's configuration delta into cfg.
func applyDelta(cfg *types.SimulatorConfiguration, delta map[string]string) {
	for k, v := range delta {
		switch {
		case k == types.DeltaLocale:
			cfg.Locale = v
		case strings.HasPrefix(k, types.DeltaLaunchOptPrefix):
			if cfg.LaunchOptions == nil {
				cfg.LaunchOptions = make(map[string]string, 1)
			}
			cfg.LaunchOptions[strings.TrimPrefix(k, types.DeltaLaunchOptPrefix)] = v
		}
	}
}

// Replay folds events in order from an empty state.
func Replay(events []types.Event) State {
	var st State
	for _, ev := range events {
		st = Reduce(st, ev)
	}
	return st
}

// Generator consumes a simulator's events, maintains the append-only log,
// and keeps the derived State current. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	log     []types.Event
	state   State
	journal *Journal
}

// NewGenerator creates an empty Generator. journal may be nil; when set,
// every consumed event is also appended to it.
func NewGenerator(journal *Journal) *Generator {
	return &Generator{journal: journal}
}

// NewGeneratorFromEvents seeds a Generator by replaying events (e.g. a
// journal read back after restart). The events must already be in sequence
// order.
func NewGeneratorFromEvents(events []types.Event, journal *Journal) *Generator {
	g := &Generator{journal: journal}
	g.log = append(g.log, events...)
	g.state = Replay(events)
	return g
}

// Consume appends ev to the log and updates the derived state. Sequence
// numbers must be gapless: after the first event, only LastSeq+1 is
// accepted. Prior entries are never mutated or removed.
func (g *Generator) Consume(ev types.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Seen > 0 && ev.Seq != g.state.LastSeq+1 {
		return fmt.Errorf("event sequence gap for %s: have %d, got %d",
			ev.SimulatorID, g.state.LastSeq, ev.Seq)
	}
	if g.journal != nil {
		if err := g.journal.Append(ev); err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
	}
	g.log = append(g.log, ev)
	g.state = Reduce(g.state, ev)
	return nil
}

// Snapshot returns the ordered event log as a copy.
func (g *Generator) Snapshot() []types.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.Event, len(g.log))
	copy(out, g.log)
	return out
}

// CurrentState returns the derived state. Always equal to
// Replay(Snapshot()).
func (g *Generator) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// LastSeq returns the newest folded sequence number and whether any event
// has been consumed yet.
func (g *Generator) LastSeq() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.LastSeq, g.state.Seen > 0
}

// Close releases the journal file handle, if any. The in-memory log stays
// readable.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.journal == nil {
		return nil
	}
	err := g.journal.Close()
	g.journal = nil
	return err
}
