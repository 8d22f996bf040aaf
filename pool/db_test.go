package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/types"
)

func testIndex() *Index {
	idx := &Index{}
	idx.Init()
	for _, rec := range []struct{ id, name string }{
		{"aabb00112233", "phone-aabb00"},
		{"aacc00112233", "phone-aacc00"},
		{"ff0011223344", "tablet-ff0011"},
	} {
		idx.Simulators[rec.id] = &SimRecord{
			SimulatorInfo: types.SimulatorInfo{ID: rec.id, Name: rec.name, State: types.StateShutdown},
		}
		idx.Names[rec.name] = rec.id
	}
	return idx
}

func TestResolveRef(t *testing.T) {
	idx := testIndex()

	id, err := ResolveRef(idx, "ff0011223344")
	require.NoError(t, err)
	assert.Equal(t, "ff0011223344", id)

	id, err = ResolveRef(idx, "phone-aacc00")
	require.NoError(t, err)
	assert.Equal(t, "aacc00112233", id)

	id, err = ResolveRef(idx, "ff00")
	require.NoError(t, err)
	assert.Equal(t, "ff0011223344", id)

	// Ambiguous prefix.
	_, err = ResolveRef(idx, "aa")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = ResolveRef(idx, "aab")
	require.NoError(t, err)
	_, err = ResolveRef(idx, "aac")
	require.NoError(t, err)

	_, err = ResolveRef(idx, "zzz")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestResolveRefAmbiguous(t *testing.T) {
	idx := testIndex()
	idx.Simulators["aabbff000000"] = &SimRecord{
		SimulatorInfo: types.SimulatorInfo{ID: "aabbff000000", State: types.StateShutdown},
	}
	_, err := ResolveRef(idx, "aabb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestIndexActiveExcludesDeleted(t *testing.T) {
	idx := testIndex()
	assert.Equal(t, 3, idx.active())
	idx.Simulators["ff0011223344"].State = types.StateDeleted
	assert.Equal(t, 2, idx.active())
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
