package interaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/types"
)

// Keyboard launch options written by SetupKeyboard.
const (
	optKeyboardCapsLock       = "keyboard.caps_lock"
	optKeyboardAutocapitalize = "keyboard.autocapitalize"
	optKeyboardAutocorrect    = "keyboard.autocorrect"
)

// PrepareForLaunch is the standard pre-boot setup: set the locale (when
// non-empty) and normalize the keyboard.
func (c *Chain) PrepareForLaunch(locale string) *Chain {
	if locale != "" {
		c.SetLocale(locale)
	}
	return c.SetupKeyboard()
}

// SetLocale sets the device locale.
func (c *Chain) SetLocale(locale string) *Chain {
	if locale == "" {
		return c.fail(fmt.Errorf("locale must not be empty"))
	}
	return c.Then(StepFunc{
		StepName: "set-locale",
		Fn: func(_ context.Context, sim *simulator.Simulator) (map[string]string, error) {
			sim.MutateConfig(func(cfg *types.SimulatorConfiguration) {
				cfg.Locale = locale
			})
			return map[string]string{types.DeltaLocale: locale}, nil
		},
	})
}

// SetupKeyboard disables caps lock, auto-capitalization, and
// auto-correction so scripted text input behaves deterministically.
func (c *Chain) SetupKeyboard() *Chain {
	return c.Then(StepFunc{
		StepName: "setup-keyboard",
		Fn: func(_ context.Context, sim *simulator.Simulator) (map[string]string, error) {
			opts := map[string]string{
				optKeyboardCapsLock:       "0",
				optKeyboardAutocapitalize: "0",
				optKeyboardAutocorrect:    "0",
			}
			sim.MutateConfig(func(cfg *types.SimulatorConfiguration) {
				if cfg.LaunchOptions == nil {
					cfg.LaunchOptions = make(map[string]string, len(opts))
				}
				for k, v := range opts {
					cfg.LaunchOptions[k] = v
				}
			})
			delta := make(map[string]string, len(opts))
			for k, v := range opts {
				delta[types.DeltaLaunchOptPrefix+k] = v
			}
			return delta, nil
		},
	})
}

// AuthorizeLocation grants location access to the given bundle IDs.
func (c *Chain) AuthorizeLocation(bundleIDs ...string) *Chain {
	if len(bundleIDs) == 0 {
		return c.fail(fmt.Errorf("at least one bundle ID is required"))
	}
	for _, id := range bundleIDs {
		if id == "" {
			return c.fail(fmt.Errorf("empty bundle ID"))
		}
	}
	ids := append([]string(nil), bundleIDs...)
	sort.Strings(ids)
	return c.Then(StepFunc{
		StepName: "authorize-location",
		Fn: func(_ context.Context, sim *simulator.Simulator) (map[string]string, error) {
			delta := make(map[string]string, len(ids))
			sim.MutateConfig(func(cfg *types.SimulatorConfiguration) {
				if cfg.LaunchOptions == nil {
					cfg.LaunchOptions = make(map[string]string, len(ids))
				}
				for _, id := range ids {
					key := "location.authorized." + id
					cfg.LaunchOptions[key] = "1"
					delta[types.DeltaLaunchOptPrefix+key] = "1"
				}
			})
			return delta, nil
		},
	})
}

// SetLaunchOption sets one free-form launch option.
func (c *Chain) SetLaunchOption(key, value string) *Chain {
	if key == "" {
		return c.fail(fmt.Errorf("launch option key must not be empty"))
	}
	return c.Then(StepFunc{
		StepName: "set-launch-option:" + key,
		Fn: func(_ context.Context, sim *simulator.Simulator) (map[string]string, error) {
			sim.MutateConfig(func(cfg *types.SimulatorConfiguration) {
				if cfg.LaunchOptions == nil {
					cfg.LaunchOptions = make(map[string]string, 1)
				}
				cfg.LaunchOptions[key] = value
			})
			return map[string]string{types.DeltaLaunchOptPrefix + key: value}, nil
		},
	})
}
