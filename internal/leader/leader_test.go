package leader

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	lock, err := NewFileLock(filepath.Join(t.TempDir(), "manager.lock"))
	require.NoError(t, err)

	acquired, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired)

	assert.NoError(t, lock.Release())
}

func TestFileLock_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manager.lock")

	first, err := NewFileLock(path)
	require.NoError(t, err)
	second, err := NewFileLock(path)
	require.NoError(t, err)

	acquired, err := first.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	// contention is a normal condition, not an error
	acquired, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, first.Release())

	acquired, err = second.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, second.Release())
}

func TestNewFileLock_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "manager.lock")

	lock, err := NewFileLock(path)
	require.NoError(t, err)

	acquired, err := lock.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, lock.Release())
}
