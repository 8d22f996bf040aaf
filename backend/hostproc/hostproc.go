// Package hostproc implements the backend by running one device agent
// process per simulator on the host: launch detached, track via PID file,
// wait for the console socket, stop with SIGTERM then SIGKILL.
package hostproc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/backend"
	"github.com/devicelab-dev/simfleet/config"
	"github.com/devicelab-dev/simfleet/metadata"
	"github.com/devicelab-dev/simfleet/types"
	"github.com/devicelab-dev/simfleet/utils"
)

const (
	typ               = "hostproc"
	socketWaitTimeout = 5 * time.Second
	socketDialTimeout = 200 * time.Millisecond
)

// HostProc launches device agents as host processes.
type HostProc struct {
	conf *config.Config
}

var _ backend.Backend = (*HostProc)(nil)

// New creates a HostProc backend.
func New(conf *config.Config) (*HostProc, error) {
	if conf.AgentBinary == "" {
		return nil, fmt.Errorf("agent binary not configured")
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &HostProc{conf: conf}, nil
}

func (h *HostProc) Type() string { return typ }

// Create provisions the per-simulator runtime directory and renders the
// device profile the agent reads at boot. The agent performs its own device
// image setup on first boot, so creation here is cheap.
func (h *HostProc) Create(_ context.Context, id string, cfg *types.SimulatorConfiguration) error {
	if err := h.conf.EnsureSimDirs(id); err != nil {
		return &backend.Error{Op: "create", SimulatorID: id, Err: err}
	}
	if err := metadata.WriteFile(h.conf.SimProfileFile(id), metadata.FromConfig(id, cfg)); err != nil {
		return &backend.Error{Op: "create", SimulatorID: id, Err: err}
	}
	return nil
}

// Boot launches the device agent and waits for its console socket.
func (h *HostProc) Boot(ctx context.Context, id string, cfg *types.SimulatorConfiguration) (backend.BootResult, error) {
	if err := h.conf.EnsureSimDirs(id); err != nil {
		return backend.BootResult{}, &backend.Error{Op: "boot", SimulatorID: id, Err: err}
	}

	// Idempotent: an agent that is already up stays up.
	if pid, err := utils.ReadPIDFile(h.conf.SimPIDFile(id)); err == nil &&
		utils.VerifyProcess(pid, h.conf.AgentBinary) {
		return backend.BootResult{PID: pid, SocketPath: h.conf.SimConsoleSocket(id)}, nil
	}

	socketPath := h.conf.SimConsoleSocket(id)

	// Clean up stale socket and PID file from any previous run.
	_ = os.Remove(socketPath)
	_ = os.Remove(h.conf.SimPIDFile(id))

	// Refresh the profile: interaction steps may have changed the
	// configuration since creation.
	if err := metadata.WriteFile(h.conf.SimProfileFile(id), metadata.FromConfig(id, cfg)); err != nil {
		return backend.BootResult{}, &backend.Error{Op: "boot", SimulatorID: id, Err: err}
	}

	pid, err := h.launchAgent(ctx, id, cfg, socketPath)
	if err != nil {
		return backend.BootResult{}, &backend.Error{Op: "boot", SimulatorID: id, Err: err}
	}
	return backend.BootResult{PID: pid, SocketPath: socketPath}, nil
}

// agentArgs builds the device agent command line. The --simulator-id flag is
// the attribution tag the process query filters on.
func agentArgs(id string, cfg *types.SimulatorConfiguration, socketPath, profilePath string) []string {
	args := []string{
		"--simulator-id", id,
		"--device-class", cfg.DeviceClass,
		"--os-version", cfg.OSVersion,
		"--console-socket", socketPath,
		"--profile", profilePath,
	}
	if cfg.Locale != "" {
		args = append(args, "--locale", cfg.Locale)
	}
	if cfg.Memory > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", cfg.Memory))
	}
	keys := make([]string, 0, len(cfg.LaunchOptions))
	for k := range cfg.LaunchOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--opt", fmt.Sprintf("%s=%s", k, cfg.LaunchOptions[k]))
	}
	return args
}

// launchAgent starts the agent binary, writes the PID file, waits for the
// console socket to be ready, then releases the process handle so the agent
// lives as an independent OS process past the lifetime of this binary.
func (h *HostProc) launchAgent(ctx context.Context, id string, cfg *types.SimulatorConfiguration, socketPath string) (int, error) {
	logFile, _ := os.Create(h.conf.SimAgentLog(id)) //nolint:gosec

	cmd := exec.Command(h.conf.AgentBinary, agentArgs(id, cfg, socketPath, h.conf.SimProfileFile(id))...) //nolint:gosec
	// Detach from the parent process group so the agent survives if this
	// process exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, fmt.Errorf("exec %s: %w", h.conf.AgentBinary, err)
	}
	pid := cmd.Process.Pid

	cleanup := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}

	if err := utils.WritePIDFile(h.conf.SimPIDFile(id), pid); err != nil {
		cleanup()
		return 0, fmt.Errorf("write PID file: %w", err)
	}

	if err := waitForSocket(ctx, socketPath, socketWaitTimeout, pid); err != nil {
		cleanup()
		_ = os.Remove(h.conf.SimPIDFile(id))
		return 0, err
	}

	// Release the process handle: the agent is fully detached now.
	_ = cmd.Process.Release()
	if logFile != nil {
		_ = logFile.Close()
	}
	return pid, nil
}

// waitForSocket polls until socketPath is connectable, the process exits, or
// the timeout/context fires.
func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration, pid int) error {
	return utils.WaitFor(ctx, timeout, 100*time.Millisecond, func() (bool, error) {
		if checkSocket(socketPath) == nil {
			return true, nil
		}
		if !utils.IsProcessAlive(pid) {
			return false, fmt.Errorf("device agent exited before socket was ready")
		}
		return false, nil
	})
}

func checkSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, socketDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Shutdown stops the device agent for id, if running.
func (h *HostProc) Shutdown(ctx context.Context, id string) error {
	pid, err := utils.ReadPIDFile(h.conf.SimPIDFile(id))
	if err != nil || !utils.VerifyProcess(pid, h.conf.AgentBinary) {
		// Nothing alive; clear leftovers.
		_ = os.Remove(h.conf.SimPIDFile(id))
		_ = os.Remove(h.conf.SimConsoleSocket(id))
		return nil
	}
	if err := utils.TerminateProcess(pid, h.conf.StopTimeout()); err != nil {
		return &backend.Error{Op: "shutdown", SimulatorID: id, Err: err}
	}
	log.WithFunc("hostproc.Shutdown").Debugf(ctx, "agent %d for %s stopped", pid, id)
	_ = os.Remove(h.conf.SimPIDFile(id))
	_ = os.Remove(h.conf.SimConsoleSocket(id))
	return nil
}

// Delete stops the agent if needed and removes its runtime artifacts. The
// history journal stays behind: deleted simulators keep their event trail
// for audit until an operator clears the directory.
func (h *HostProc) Delete(ctx context.Context, id string) error {
	if err := h.Shutdown(ctx, id); err != nil {
		return err
	}
	for _, path := range []string{h.conf.SimAgentLog(id), h.conf.SimProfileFile(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &backend.Error{Op: "delete", SimulatorID: id, Err: err}
		}
	}
	return nil
}
