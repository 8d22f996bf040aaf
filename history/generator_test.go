package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/types"
)

func mkEvent(seq uint64, kind types.EventKind, payload any) types.Event {
	return types.Event{
		Seq:         seq,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		SimulatorID: "sim-1",
		Kind:        kind,
		Payload:     payload,
	}
}

func lifecycleEvents() []types.Event {
	cfg := types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"}
	return []types.Event{
		mkEvent(0, types.EventStateChanged, &types.StateChange{From: types.StateCreating, To: types.StateShutdown}),
		mkEvent(1, types.EventConfigApplied, &types.ConfigApplied{Config: cfg}),
		mkEvent(2, types.EventStepCompleted, &types.StepCompleted{
			Step:  "set-locale",
			Delta: map[string]string{types.DeltaLocale: "de_DE"},
		}),
		mkEvent(3, types.EventStepCompleted, &types.StepCompleted{
			Step:  "setup-keyboard",
			Delta: map[string]string{types.DeltaLaunchOptPrefix + "keyboard.caps_lock": "0"},
		}),
		mkEvent(4, types.EventStateChanged, &types.StateChange{From: types.StateShutdown, To: types.StateBooting}),
		mkEvent(5, types.EventStateChanged, &types.StateChange{From: types.StateBooting, To: types.StateBooted}),
		mkEvent(6, types.EventProcessObserved, &types.ProcessObserved{
			Process: types.ProcessRecord{PID: 1234, Path: "/usr/bin/agent", SimulatorID: "sim-1"},
		}),
		mkEvent(7, types.EventProcessGone, &types.ProcessGone{PID: 1234}),
	}
}

func TestCurrentStateEqualsReplayOfSnapshot(t *testing.T) {
	g := NewGenerator(nil)
	for _, ev := range lifecycleEvents() {
		require.NoError(t, g.Consume(ev))
	}

	st := g.CurrentState()
	replayed := Replay(g.Snapshot())
	assert.Equal(t, replayed, st)

	assert.Equal(t, types.StateBooted, st.State)
	assert.Equal(t, "de_DE", st.Config.Locale)
	assert.Equal(t, "0", st.Config.LaunchOptions["keyboard.caps_lock"])
	assert.Empty(t, st.Processes)
	assert.Equal(t, uint64(7), st.LastSeq)
}

func TestReduceIsPure(t *testing.T) {
	before := State{
		State:  types.StateShutdown,
		Config: types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"},
	}
	after := Reduce(before, mkEvent(0, types.EventStepCompleted, &types.StepCompleted{
		Step:  "set-locale",
		Delta: map[string]string{types.DeltaLocale: "fr_FR"},
	}))

	assert.Empty(t, before.Config.Locale)
	assert.Equal(t, "fr_FR", after.Config.Locale)
}

func TestConsumeRejectsSequenceGap(t *testing.T) {
	g := NewGenerator(nil)
	require.NoError(t, g.Consume(mkEvent(0, types.EventStateChanged,
		&types.StateChange{From: types.StateCreating, To: types.StateShutdown})))

	err := g.Consume(mkEvent(2, types.EventStateChanged,
		&types.StateChange{From: types.StateShutdown, To: types.StateBooting}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")

	// The log is untouched by the rejected event.
	assert.Len(t, g.Snapshot(), 1)
}

func TestJournalReplayAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")

	g1, err := Load(path)
	require.NoError(t, err)
	events := lifecycleEvents()
	for _, ev := range events[:5] {
		require.NoError(t, g1.Consume(ev))
	}
	before := g1.CurrentState()
	require.NoError(t, g1.Close())

	// Reload: the journal reproduces the exact pre-restart state.
	g2, err := Load(path)
	require.NoError(t, err)
	defer g2.Close() //nolint:errcheck
	assert.Equal(t, before, g2.CurrentState())

	last, ok := g2.LastSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(4), last)

	// Appending continues gaplessly after reload.
	for _, ev := range events[5:] {
		require.NoError(t, g2.Consume(ev))
	}
	assert.Equal(t, types.StateBooted, g2.CurrentState().State)
	assert.Len(t, g2.Snapshot(), len(events))
}

func TestReadJournalMissingFile(t *testing.T) {
	events, err := ReadJournal(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNewGeneratorFromEvents(t *testing.T) {
	events := lifecycleEvents()
	g := NewGeneratorFromEvents(events, nil)
	assert.Equal(t, Replay(events), g.CurrentState())

	last, ok := g.LastSeq()
	require.True(t, ok)
	assert.Equal(t, uint64(7), last)
}
