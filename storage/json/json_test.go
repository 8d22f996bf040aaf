package json

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/simfleet/lock/flock"
)

type testDB struct {
	Entries map[string]int `json:"entries"`
}

func (d *testDB) Init() {
	if d.Entries == nil {
		d.Entries = make(map[string]int)
	}
}

func newTestStore(t *testing.T) *Store[testDB] {
	t.Helper()
	dir := t.TempDir()
	return New[testDB](filepath.Join(dir, "db.json"), flock.New(filepath.Join(dir, "db.lock")))
}

func TestWithMissingFileYieldsInitializedZero(t *testing.T) {
	s := newTestStore(t)
	err := s.With(context.Background(), func(db *testDB) error {
		require.NotNil(t, db.Entries)
		assert.Empty(t, db.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdatePersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Update(ctx, func(db *testDB) error {
		db.Entries["a"] = 1
		return nil
	}))
	require.NoError(t, s.With(ctx, func(db *testDB) error {
		assert.Equal(t, 1, db.Entries["a"])
		return nil
	}))
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Update(ctx, func(db *testDB) error {
		db.Entries["a"] = 1
		return nil
	}))
	err := s.Update(ctx, func(db *testDB) error {
		db.Entries["a"] = 99
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	require.NoError(t, s.With(ctx, func(db *testDB) error {
		assert.Equal(t, 1, db.Entries["a"])
		return nil
	}))
}

func TestWithCorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s := New[testDB](path, flock.New(filepath.Join(dir, "db.lock")))

	err := s.With(context.Background(), func(*testDB) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}
