// Package interaction provides ordered, idempotent setup operations applied
// to a simulator before or after launch. A chain is a fluent builder over an
// explicit step list; Apply executes the steps sequentially against a handle
// and short-circuits on the first failure.
package interaction

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/types"
)

// Step is one idempotent setup operation. Apply mutates the handle's logical
// configuration and returns the configuration delta it produced; re-applying
// an already-applied step must yield the identical delta.
type Step interface {
	Name() string
	Apply(ctx context.Context, sim *simulator.Simulator) (map[string]string, error)
}

// StepFunc adapts a function to a Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, sim *simulator.Simulator) (map[string]string, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Apply(ctx context.Context, sim *simulator.Simulator) (map[string]string, error) {
	return s.Fn(ctx, sim)
}

// StepError reports which step failed and why. Effects of steps that already
// succeeded are not rolled back.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("interaction step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Chain is an ordered sequence of steps. All builder methods return the same
// chain for further composition.
type Chain struct {
	steps []Step
	// buildErr latches the first construction error; Apply surfaces it
	// before running anything.
	buildErr error
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Then appends a step.
func (c *Chain) Then(step Step) *Chain {
	c.steps = append(c.steps, step)
	return c
}

// fail records a construction error. First one wins.
func (c *Chain) fail(err error) *Chain {
	if c.buildErr == nil {
		c.buildErr = err
	}
	return c
}

// Len returns the number of appended steps.
func (c *Chain) Len() int { return len(c.steps) }

// Apply executes the steps in order against sim. Each successful step
// publishes an interaction-step-completed event carrying the step's name and
// configuration delta. On the first failure the chain stops: remaining steps
// do not run, and the error identifies the failing step.
func (c *Chain) Apply(ctx context.Context, sim *simulator.Simulator) error {
	if c.buildErr != nil {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfiguration, c.buildErr)
	}
	logger := log.WithFunc("interaction.Apply")
	for _, step := range c.steps {
		delta, err := step.Apply(ctx, sim)
		if err != nil {
			logger.Warnf(ctx, "simulator %s: step %s failed: %v", sim.ID(), step.Name(), err)
			return &StepError{Step: step.Name(), Err: err}
		}
		sim.Emit(ctx, types.EventStepCompleted, &types.StepCompleted{
			Step:  step.Name(),
			Delta: delta,
		})
		logger.Debugf(ctx, "simulator %s: step %s applied", sim.ID(), step.Name())
	}
	return nil
}
