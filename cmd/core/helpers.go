package core

import (
	"context"
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/devicelab-dev/simfleet/backend"
	"github.com/devicelab-dev/simfleet/backend/hostproc"
	"github.com/devicelab-dev/simfleet/config"
	"github.com/devicelab-dev/simfleet/pool"
	"github.com/devicelab-dev/simfleet/types"
	"github.com/devicelab-dev/simfleet/utils"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitBackend creates the device agent backend.
func InitBackend(conf *config.Config) (backend.Backend, error) {
	be, err := hostproc.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}
	return be, nil
}

// InitPool creates the backend and the pool over it.
func InitPool(conf *config.Config, opts ...pool.Option) (*pool.Pool, error) {
	be, err := InitBackend(conf)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(conf, be, opts...)
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	return p, nil
}

// SimConfigFromFlags builds a SimulatorConfiguration for acquire commands.
func SimConfigFromFlags(cmd *cobra.Command) (*types.SimulatorConfiguration, error) {
	deviceClass, _ := cmd.Flags().GetString("device-class")
	osVersion, _ := cmd.Flags().GetString("os-version")
	locale, _ := cmd.Flags().GetString("locale")
	memStr, _ := cmd.Flags().GetString("memory")
	opts, _ := cmd.Flags().GetStringArray("opt")

	var memBytes int64
	if memStr != "" {
		var err error
		memBytes, err = units.RAMInBytes(memStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --memory %q: %w", memStr, err)
		}
	}

	cfg := &types.SimulatorConfiguration{
		DeviceClass: deviceClass,
		OSVersion:   osVersion,
		Locale:      locale,
		Memory:      memBytes,
	}
	for _, opt := range opts {
		k, v, ok := strings.Cut(opt, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --opt %q, want key=value", opt)
		}
		if cfg.LaunchOptions == nil {
			cfg.LaunchOptions = make(map[string]string, len(opts))
		}
		cfg.LaunchOptions[k] = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReconcileState checks agent liveness to flag stale "booted" records.
func ReconcileState(rec *pool.SimRecord) string {
	if rec.State == types.StateBooted && !utils.IsProcessAlive(rec.PID) {
		return "shutdown (stale)"
	}
	return string(rec.State)
}

// FormatSize renders a byte count for table output, "-" for zero.
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return units.BytesSize(float64(bytes))
}
