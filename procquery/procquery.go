// Package procquery correlates live OS processes to simulator sessions.
// Queries hit the process table directly on every call, without caching, and
// attribute processes by the --simulator-id launch argument the backend
// passes to every device agent.
package procquery

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/types"
	"github.com/devicelab-dev/simfleet/utils"
)

// ProcessInfo is one row of the OS process table.
type ProcessInfo struct {
	PID  int
	Path string
	Args []string
}

// Table enumerates live OS processes. The procfs implementation is the
// production one; tests supply their own.
type Table interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// ProcTable reads the process table from /proc.
type ProcTable struct{}

var _ Table = ProcTable{}

// Processes lists all visible processes. A process that exits mid-scan is
// silently skipped; its procfs entries just fail to read.
func (ProcTable) Processes(ctx context.Context) ([]ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var out []ProcessInfo
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil || len(raw) == 0 {
			continue // exited or kernel thread
		}
		args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		info := ProcessInfo{PID: pid, Args: args}
		if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
			info.Path = exe
		} else if len(args) > 0 {
			info.Path = args[0]
		}
		out = append(out, info)
	}
	return out, nil
}

// attributedTo extracts the simulator ID a process belongs to, empty when
// the process carries no attribution tag.
func attributedTo(args []string) string {
	for i, a := range args {
		if a == "--simulator-id" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--simulator-id="); ok {
			return v
		}
	}
	return ""
}

// Query answers process questions for simulator sessions.
type Query struct {
	table Table
}

// New creates a Query over the given table; nil means the live /proc table.
func New(table Table) *Query {
	if table == nil {
		table = ProcTable{}
	}
	return &Query{table: table}
}

// ProcessesFor returns the live processes attributed to simulatorID.
// A transient table failure is logged and reported as "no processes
// observed" rather than surfaced as an error.
func (q *Query) ProcessesFor(ctx context.Context, simulatorID string) []types.ProcessRecord {
	procs, err := q.table.Processes(ctx)
	if err != nil {
		log.WithFunc("procquery.ProcessesFor").Warnf(ctx, "process table lookup failed: %v", err)
		return nil
	}
	now := time.Now()
	var out []types.ProcessRecord
	for _, p := range procs {
		if attributedTo(p.Args) != simulatorID {
			continue
		}
		out = append(out, types.ProcessRecord{
			PID:         p.PID,
			Path:        p.Path,
			Args:        append([]string(nil), p.Args...),
			SimulatorID: simulatorID,
			ObservedAt:  now,
		})
	}
	return out
}

// IsAlive reports whether pid currently exists. A stale PID yields false,
// never an error: the process may have exited between listing and asking.
func (q *Query) IsAlive(pid int) bool {
	return utils.IsProcessAlive(pid)
}
