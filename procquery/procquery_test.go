package procquery

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable is a mutable in-memory process table.
type fakeTable struct {
	mu    sync.Mutex
	procs []ProcessInfo
	err   error
}

func (f *fakeTable) Processes(context.Context) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]ProcessInfo(nil), f.procs...), nil
}

func (f *fakeTable) set(procs ...ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func agentProc(pid int, simID string) ProcessInfo {
	return ProcessInfo{
		PID:  pid,
		Path: "/usr/bin/simdevice-agent",
		Args: []string{"simdevice-agent", "--simulator-id", simID, "--device-class", "phone-6.1"},
	}
}

func TestProcessesForFiltersByAttribution(t *testing.T) {
	table := &fakeTable{}
	table.set(
		agentProc(100, "sim-1"),
		agentProc(101, "sim-2"),
		ProcessInfo{PID: 102, Path: "/bin/sh", Args: []string{"sh"}},
		// Equals-style flag form is attributed too.
		ProcessInfo{PID: 103, Path: "/usr/bin/simdevice-agent",
			Args: []string{"simdevice-agent", "--simulator-id=sim-1"}},
	)
	q := New(table)

	records := q.ProcessesFor(context.Background(), "sim-1")
	require.Len(t, records, 2)
	pids := []int{records[0].PID, records[1].PID}
	assert.ElementsMatch(t, []int{100, 103}, pids)
	for _, rec := range records {
		assert.Equal(t, "sim-1", rec.SimulatorID)
		assert.False(t, rec.ObservedAt.IsZero())
	}

	assert.Empty(t, q.ProcessesFor(context.Background(), "sim-3"))
}

func TestProcessesForSwallowsTableFailure(t *testing.T) {
	table := &fakeTable{err: fmt.Errorf("proc unavailable")}
	q := New(table)
	assert.Empty(t, q.ProcessesFor(context.Background(), "sim-1"))
}

func TestAttributedTo(t *testing.T) {
	assert.Equal(t, "sim-1", attributedTo([]string{"agent", "--simulator-id", "sim-1"}))
	assert.Equal(t, "sim-1", attributedTo([]string{"agent", "--simulator-id=sim-1"}))
	assert.Empty(t, attributedTo([]string{"agent", "--simulator-id"})) // value missing
	assert.Empty(t, attributedTo([]string{"agent", "--other"}))
	assert.Empty(t, attributedTo(nil))
}

func TestIsAliveToleratesStalePIDs(t *testing.T) {
	q := New(&fakeTable{})
	assert.True(t, q.IsAlive(os.Getpid()))
	assert.False(t, q.IsAlive(1<<30))
	assert.False(t, q.IsAlive(0))
	assert.False(t, q.IsAlive(-1))
}

func TestLiveProcTableSeesSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("no procfs on this host")
	}
	procs, err := ProcTable{}.Processes(context.Background())
	require.NoError(t, err)
	self := os.Getpid()
	found := false
	for _, p := range procs {
		if p.PID == self {
			found = true
			break
		}
	}
	assert.True(t, found)
}
