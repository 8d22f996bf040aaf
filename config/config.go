package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/devicelab-dev/simfleet/utils"
)

// Config holds global simfleet configuration.
type Config struct {
	// RootDir is the base directory for persistent data (index, per-simulator
	// run dirs, history journals).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`

	// AgentBinary is the device agent executable launched per simulator.
	AgentBinary string `json:"agent_binary" mapstructure:"agent_binary"`

	// Capacity bounds the number of simulators (any state except deleted)
	// the pool may hold.
	Capacity int `json:"capacity" mapstructure:"capacity"`

	// MaxIdle and IdleTTLSeconds drive the reaper's eviction policy: idle
	// simulators beyond MaxIdle, or idle longer than the TTL, are torn down.
	// Zero disables the respective limit.
	MaxIdle        int `json:"max_idle" mapstructure:"max_idle"`
	IdleTTLSeconds int `json:"idle_ttl_seconds" mapstructure:"idle_ttl_seconds"`

	// LeaseTTLSeconds bounds lease lifetime; the reaper releases leases
	// whose expiry passed without an explicit release. Zero disables
	// expiry.
	LeaseTTLSeconds int `json:"lease_ttl_seconds" mapstructure:"lease_ttl_seconds"`

	// PoolSize is the goroutine pool size for concurrent operations.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// StopTimeoutSeconds is the SIGTERM grace period before SIGKILL when
	// shutting a device agent down.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:            "/var/lib/simfleet",
		AgentBinary:        "simdevice-agent",
		Capacity:           8,
		MaxIdle:            4,
		IdleTTLSeconds:     1800,
		PoolSize:           runtime.NumCPU(),
		StopTimeoutSeconds: 30,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate checks the invariants commands rely on.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.MaxIdle < 0 || c.IdleTTLSeconds < 0 {
		return fmt.Errorf("max_idle and idle_ttl_seconds must not be negative")
	}
	return nil
}

// IdleTTL returns the idle TTL as a duration; zero means no TTL eviction.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

// LeaseTTL returns the lease lifetime; zero means leases never expire.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// StopTimeout returns the agent shutdown grace period.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// IndexFile is the pool index DB path.
func (c *Config) IndexFile() string {
	return filepath.Join(c.RootDir, "db", "simulators.json")
}

// IndexLock is the flock path guarding the pool index.
func (c *Config) IndexLock() string {
	return filepath.Join(c.RootDir, "db", "simulators.lock")
}

// SimDir is the runtime directory for one simulator.
func (c *Config) SimDir(id string) string {
	return filepath.Join(c.RootDir, "simulators", id)
}

// SimPIDFile is the device agent PID file path.
func (c *Config) SimPIDFile(id string) string {
	return filepath.Join(c.SimDir(id), "agent.pid")
}

// SimConsoleSocket is the device agent console Unix socket path.
func (c *Config) SimConsoleSocket(id string) string {
	return filepath.Join(c.SimDir(id), "console.sock")
}

// SimAgentLog is the device agent stdout/stderr capture path.
func (c *Config) SimAgentLog(id string) string {
	return filepath.Join(c.SimDir(id), "agent.log")
}

// SimProfileFile is the rendered device profile path for one simulator.
func (c *Config) SimProfileFile(id string) string {
	return filepath.Join(c.SimDir(id), "profile.yaml")
}

// SimHistoryFile is the append-only event journal path for one simulator.
func (c *Config) SimHistoryFile(id string) string {
	return filepath.Join(c.SimDir(id), "history.jsonl")
}

// EnsureDirs creates the top-level data directories.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		filepath.Join(c.RootDir, "db"),
		filepath.Join(c.RootDir, "simulators"),
	)
}

// EnsureSimDirs creates the runtime directory for one simulator.
func (c *Config) EnsureSimDirs(id string) error {
	return utils.EnsureDirs(c.SimDir(id))
}
