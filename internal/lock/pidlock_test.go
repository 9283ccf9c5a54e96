package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "nested", "journal.db.lock")
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	assert.Equal(t, lockPath, l.Path())
	pid, err := ReadPID(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSecondAcquireFails(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "hotpatch.lock")
	first, err := Acquire(lockPath)
	require.NoError(t, err)

	// flock locks are per open file description, so a second open in the
	// same process conflicts too.
	_, err = Acquire(lockPath)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Release())
	again, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l, err := Acquire(filepath.Join(t.TempDir(), "x.lock"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	var nilLock *PIDLock
	assert.NoError(t, nilLock.Release())
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/var/lib/hotpatch/journal.db.lock", PathFor("/var/lib/hotpatch/journal.db"))
	assert.Equal(t, filepath.Join(os.TempDir(), "hotpatch.lock"), PathFor(":memory:"))
	assert.Equal(t, filepath.Join(os.TempDir(), "hotpatch.lock"), PathFor(""))
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "bad.lock")
	require.NoError(t, os.WriteFile(p, []byte("not a pid\n"), 0o644))
	_, err := ReadPID(p)
	assert.Error(t, err)
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}
