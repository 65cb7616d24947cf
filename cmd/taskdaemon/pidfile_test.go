package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	pf, existingPID, ok, err := acquirePIDFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, existingPID)

	pid, err := readPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	pf.release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquirePIDFileRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	pf, _, ok, err := acquirePIDFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer pf.release()

	_, existingPID, ok, err := acquirePIDFile(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, os.Getpid(), existingPID)
}

func TestReadPIDMissingFile(t *testing.T) {
	_, err := readPID(filepath.Join(t.TempDir(), "missing.pid"))
	assert.Error(t, err)
}
