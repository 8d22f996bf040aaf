package procquery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/backend/fake"
	"github.com/devicelab-dev/simfleet/event"
	"github.com/devicelab-dev/simfleet/history"
	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/types"
)

func watchedSim(id string) *simulator.Simulator {
	cfg := types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"}
	return simulator.New(id, id, cfg, types.StateBooted, fake.New(), history.NewGenerator(nil))
}

// collect subscribes a recording sink for process events on sim's relay.
func collect(sim *simulator.Simulator) *[]types.Event {
	var events []types.Event
	sim.Relay().Subscribe(event.Func(func(ev types.Event) error {
		switch ev.Kind {
		case types.EventProcessObserved, types.EventProcessGone:
			events = append(events, ev)
		}
		return nil
	}))
	return &events
}

func TestWatcherEmitsObservedAndTerminated(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{}
	w := NewWatcher(New(table), time.Hour) // poll manually
	sim := watchedSim("sim-1")
	events := collect(sim)
	w.Track(sim)

	// First pass: one agent process appears.
	table.set(agentProc(100, "sim-1"), agentProc(200, "other"))
	w.Poll(ctx)
	require.Len(t, *events, 1)
	observed := (*events)[0].Payload.(*types.ProcessObserved)
	assert.Equal(t, 100, observed.Process.PID)

	// Second pass: nothing changed, nothing emitted.
	w.Poll(ctx)
	require.Len(t, *events, 1)

	// Third pass: a child spawns, the original exits.
	table.set(agentProc(101, "sim-1"))
	w.Poll(ctx)
	require.Len(t, *events, 3)

	var gotObserved, gotGone bool
	for _, ev := range (*events)[1:] {
		switch p := ev.Payload.(type) {
		case *types.ProcessObserved:
			gotObserved = true
			assert.Equal(t, 101, p.Process.PID)
		case *types.ProcessGone:
			gotGone = true
			assert.Equal(t, 100, p.PID)
		}
	}
	assert.True(t, gotObserved)
	assert.True(t, gotGone)
}

func TestWatcherUntrackStopsEmission(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{}
	w := NewWatcher(New(table), time.Hour)
	sim := watchedSim("sim-1")
	events := collect(sim)
	w.Track(sim)

	table.set(agentProc(100, "sim-1"))
	w.Poll(ctx)
	require.Len(t, *events, 1)

	w.Untrack(sim.ID())
	table.set() // everything exited
	w.Poll(ctx)
	assert.Len(t, *events, 1)
}

func TestWatcherEventsAreSequencedPerSimulator(t *testing.T) {
	ctx := context.Background()
	table := &fakeTable{}
	w := NewWatcher(New(table), time.Hour)
	sim := watchedSim("sim-1")
	w.Track(sim)

	table.set(agentProc(100, "sim-1"), agentProc(101, "sim-1"))
	w.Poll(ctx)
	table.set()
	w.Poll(ctx)

	// Two observed plus two gone, folded to an empty process set.
	st := sim.History().CurrentState()
	assert.Empty(t, st.Processes)
	events := sim.History().Snapshot()
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Seq)
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	table := &fakeTable{}
	w := NewWatcher(New(table), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
