package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/backend/fake"
	"github.com/devicelab-dev/simfleet/config"
	"github.com/devicelab-dev/simfleet/pool"
	"github.com/devicelab-dev/simfleet/types"
)

func idleRecord(id string, state types.SimulatorState, idleFor time.Duration, now time.Time) pool.SimRecord {
	since := now.Add(-idleFor)
	return pool.SimRecord{
		SimulatorInfo: types.SimulatorInfo{ID: id, State: state, IdleSince: &since},
	}
}

func TestPolicyTargetsIdleTTL(t *testing.T) {
	now := time.Now()
	records := []pool.SimRecord{
		idleRecord("old", types.StateShutdown, time.Hour, now),
		idleRecord("fresh", types.StateShutdown, time.Minute, now),
	}
	p := Policy{IdleTTL: 30 * time.Minute}
	assert.Equal(t, []string{"old"}, p.targets(records, now))
}

func TestPolicyTargetsMaxIdleEvictsOldest(t *testing.T) {
	now := time.Now()
	records := []pool.SimRecord{
		idleRecord("a", types.StateShutdown, 3*time.Minute, now),
		idleRecord("b", types.StateBooted, 2*time.Minute, now),
		idleRecord("c", types.StateShutdown, time.Minute, now),
	}
	p := Policy{MaxIdle: 1}
	assert.Equal(t, []string{"a", "b"}, p.targets(records, now))
}

func TestPolicyTargetsSkipsLeasedAndDeleted(t *testing.T) {
	now := time.Now()
	leased := idleRecord("leased", types.StateBooted, time.Hour, now)
	leased.Lease = &types.Lease{ID: "l1", SimulatorID: "leased"}
	records := []pool.SimRecord{
		leased,
		idleRecord("gone", types.StateDeleted, time.Hour, now),
		idleRecord("busy", types.StateCreating, time.Hour, now),
	}
	p := Policy{MaxIdle: 0, IdleTTL: time.Minute}
	assert.Empty(t, p.targets(records, now))
}

func TestPolicyTTLTakesPrecedenceOverMaxIdle(t *testing.T) {
	now := time.Now()
	records := []pool.SimRecord{
		idleRecord("expired", types.StateShutdown, time.Hour, now),
		idleRecord("young", types.StateShutdown, time.Second, now),
	}
	// The expired one satisfies both rules but is listed once, and the young
	// one stays because the remaining idle count fits MaxIdle.
	p := Policy{MaxIdle: 1, IdleTTL: 30 * time.Minute}
	assert.Equal(t, []string{"expired"}, p.targets(records, now))
}

func testPool(t *testing.T, conf *config.Config) (*pool.Pool, *fake.Backend) {
	t.Helper()
	be := fake.New()
	p, err := pool.New(conf, be)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, be
}

func testConf(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.AgentBinary = "fake-agent"
	conf.Capacity = 4
	conf.PoolSize = 2
	return conf
}

func acquireAndRelease(t *testing.T, p *pool.Pool, n int) []string {
	t.Helper()
	ctx := context.Background()
	cfg := &types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"}

	leases := make([]*types.Lease, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lease, sim, err := p.Acquire(ctx, cfg, 0)
		require.NoError(t, err)
		leases = append(leases, lease)
		ids = append(ids, sim.ID())
	}
	for _, lease := range leases {
		require.NoError(t, p.Release(ctx, lease))
	}
	return ids
}

func TestReaperEvictsIdleSimulators(t *testing.T) {
	ctx := context.Background()
	p, be := testPool(t, testConf(t))
	ids := acquireAndRelease(t, p, 3)

	reaper, err := NewReaper(p, Policy{MaxIdle: 1}, 2)
	require.NoError(t, err)
	defer reaper.Close()

	require.NoError(t, reaper.Run(ctx))

	records, err := p.List(ctx)
	require.NoError(t, err)
	var alive, deleted int
	for _, rec := range records {
		if rec.State == types.StateDeleted {
			deleted++
		} else {
			alive++
		}
	}
	assert.Equal(t, 1, alive)
	assert.Equal(t, 2, deleted)

	evicted := 0
	for _, id := range ids {
		if be.Deleted(id) {
			evicted++
		}
	}
	assert.Equal(t, 2, evicted)
}

func TestReaperNoopsWithoutPolicy(t *testing.T) {
	ctx := context.Background()
	p, _ := testPool(t, testConf(t))
	acquireAndRelease(t, p, 2)

	reaper, err := NewReaper(p, Policy{}, 1)
	require.NoError(t, err)
	defer reaper.Close()

	require.NoError(t, reaper.Run(ctx))
	records, err := p.List(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, types.StateDeleted, rec.State)
	}
}

func TestReaperReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	conf := testConf(t)
	conf.LeaseTTLSeconds = 1
	p, _ := testPool(t, conf)

	cfg := &types.SimulatorConfiguration{DeviceClass: "phone-6.1", OSVersion: "17.4"}
	lease, sim, err := p.Acquire(ctx, cfg, 0)
	require.NoError(t, err)
	require.NotNil(t, lease.ExpiresAt)

	time.Sleep(1100 * time.Millisecond)

	reaper, err := NewReaper(p, Policy{}, 1)
	require.NoError(t, err)
	defer reaper.Close()
	require.NoError(t, reaper.Run(ctx))

	rec, err := p.Inspect(ctx, sim.ID())
	require.NoError(t, err)
	assert.Nil(t, rec.Lease)
	require.NotNil(t, rec.IdleSince)

	// The stale lease is spent; the simulator can be acquired again.
	assert.ErrorIs(t, p.Release(ctx, lease), types.ErrLeaseInvalid)
	_, again, err := p.Acquire(ctx, cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, sim.ID(), again.ID())
}
