package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, WritePIDFile(path, 1234))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
}

func TestReadPIDFileErrors(t *testing.T) {
	_, err := ReadPIDFile(filepath.Join(t.TempDir(), "absent.pid"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o600))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-5))
	assert.False(t, IsProcessAlive(1<<30))
}

func TestVerifyProcessChecksExecutableName(t *testing.T) {
	if _, err := os.Stat("/proc/self/comm"); err != nil {
		t.Skip("no procfs on this host")
	}
	self := os.Getpid()
	comm, err := os.ReadFile("/proc/self/comm")
	require.NoError(t, err)
	name := string(comm[:len(comm)-1]) // strip trailing newline

	assert.True(t, VerifyProcess(self, name))
	assert.False(t, VerifyProcess(self, "definitely-not-this-binary"))
	assert.False(t, VerifyProcess(1<<30, name))
}
