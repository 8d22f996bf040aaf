package interaction

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/backend/fake"
	"github.com/devicelab-dev/simfleet/history"
	"github.com/devicelab-dev/simfleet/simulator"
	"github.com/devicelab-dev/simfleet/types"
)

func newTestSim() *simulator.Simulator {
	cfg := types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"}
	return simulator.New("sim-1", "n", cfg, types.StateShutdown, fake.New(), history.NewGenerator(nil))
}

func stepEvents(sim *simulator.Simulator) []*types.StepCompleted {
	var out []*types.StepCompleted
	for _, ev := range sim.History().Snapshot() {
		if p, ok := ev.Payload.(*types.StepCompleted); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestChainAppliesStepsInOrder(t *testing.T) {
	sim := newTestSim()
	chain := NewChain().PrepareForLaunch("de_DE")
	require.Equal(t, 2, chain.Len())

	require.NoError(t, chain.Apply(context.Background(), sim))

	cfg := sim.Configuration()
	assert.Equal(t, "de_DE", cfg.Locale)
	assert.Equal(t, "0", cfg.LaunchOptions["keyboard.caps_lock"])
	assert.Equal(t, "0", cfg.LaunchOptions["keyboard.autocapitalize"])
	assert.Equal(t, "0", cfg.LaunchOptions["keyboard.autocorrect"])

	steps := stepEvents(sim)
	require.Len(t, steps, 2)
	assert.Equal(t, "set-locale", steps[0].Step)
	assert.Equal(t, "setup-keyboard", steps[1].Step)
}

func TestChainIsIdempotent(t *testing.T) {
	sim := newTestSim()
	ctx := context.Background()

	first := NewChain().PrepareForLaunch("de_DE").AuthorizeLocation("com.example.app")
	require.NoError(t, first.Apply(ctx, sim))
	cfgAfterFirst := sim.Configuration()
	deltasFirst := stepEvents(sim)

	second := NewChain().PrepareForLaunch("de_DE").AuthorizeLocation("com.example.app")
	require.NoError(t, second.Apply(ctx, sim))
	cfgAfterSecond := sim.Configuration()
	deltasSecond := stepEvents(sim)[len(deltasFirst):]

	assert.Equal(t, cfgAfterFirst, cfgAfterSecond)
	require.Len(t, deltasSecond, len(deltasFirst))
	for i := range deltasFirst {
		assert.Equal(t, deltasFirst[i].Delta, deltasSecond[i].Delta)
	}
}

func TestChainShortCircuitsOnFailure(t *testing.T) {
	sim := newTestSim()
	ran := false
	chain := NewChain().
		SetLocale("de_DE").
		Then(StepFunc{
			StepName: "explode",
			Fn: func(context.Context, *simulator.Simulator) (map[string]string, error) {
				return nil, fmt.Errorf("device busy")
			},
		}).
		Then(StepFunc{
			StepName: "never-runs",
			Fn: func(context.Context, *simulator.Simulator) (map[string]string, error) {
				ran = true
				return nil, nil
			},
		})

	err := chain.Apply(context.Background(), sim)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "explode", stepErr.Step)
	assert.False(t, ran)

	// No rollback: the locale change from the first step sticks.
	assert.Equal(t, "de_DE", sim.Configuration().Locale)
	steps := stepEvents(sim)
	require.Len(t, steps, 1)
	assert.Equal(t, "set-locale", steps[0].Step)
}

func TestChainBuildErrorSurfacesBeforeExecution(t *testing.T) {
	sim := newTestSim()
	applied := false
	chain := NewChain().
		SetLocale("").
		Then(StepFunc{
			StepName: "tracked",
			Fn: func(context.Context, *simulator.Simulator) (map[string]string, error) {
				applied = true
				return nil, nil
			},
		})

	err := chain.Apply(context.Background(), sim)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	assert.False(t, applied)
}

func TestAuthorizeLocationValidation(t *testing.T) {
	assert.ErrorIs(t,
		NewChain().AuthorizeLocation().Apply(context.Background(), newTestSim()),
		types.ErrInvalidConfiguration)
	assert.ErrorIs(t,
		NewChain().AuthorizeLocation("ok", "").Apply(context.Background(), newTestSim()),
		types.ErrInvalidConfiguration)
}

func TestAuthorizeLocationDeterministicDelta(t *testing.T) {
	simA, simB := newTestSim(), newTestSim()
	require.NoError(t, NewChain().AuthorizeLocation("b.app", "a.app").Apply(context.Background(), simA))
	require.NoError(t, NewChain().AuthorizeLocation("a.app", "b.app").Apply(context.Background(), simB))

	assert.Equal(t, stepEvents(simA)[0].Delta, stepEvents(simB)[0].Delta)
	assert.Equal(t, "1", simA.Configuration().LaunchOptions["location.authorized.a.app"])
	assert.Equal(t, "1", simA.Configuration().LaunchOptions["location.authorized.b.app"])
}

func TestSetLaunchOption(t *testing.T) {
	sim := newTestSim()
	require.NoError(t, NewChain().SetLaunchOption("scale", "2.0").Apply(context.Background(), sim))
	assert.Equal(t, "2.0", sim.Configuration().LaunchOptions["scale"])

	assert.ErrorIs(t,
		NewChain().SetLaunchOption("", "v").Apply(context.Background(), sim),
		types.ErrInvalidConfiguration)
}
