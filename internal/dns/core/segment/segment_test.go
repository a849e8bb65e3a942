package segment

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_GrowNeverGrows(t *testing.T) {
	l := NewLocal()
	assert.True(t, l.Usable())
	assert.True(t, l.Writable())

	require.NoError(t, l.Grow(1<<30))
	l.Release(100)

	require.NoError(t, l.Close())
	assert.False(t, l.Usable())
}

func TestLocal_ReleaseNeverGoesNegative(t *testing.T) {
	l := NewLocal()
	require.NoError(t, l.Grow(10))
	l.Release(100)
	l.Release(1)
}

func TestMapped_OpenAndGrowWithinCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.db")

	m, err := OpenMapped(path, true)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.Usable())
	assert.True(t, m.Writable())

	require.NoError(t, m.Grow(1024))
	m.Release(512)
}

func TestMapped_GrowBeyondCapacityReturnsErrSegmentGrown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.db")

	m, err := OpenMapped(path, true)
	require.NoError(t, err)
	defer m.Close()

	err = m.Grow(defaultInitialCapacity + 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSegmentGrown))

	// retry after the grown error should now succeed against the new capacity
	require.NoError(t, m.Grow(1024))
}

func TestMapped_CapacityPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.db")

	m, err := OpenMapped(path, true)
	require.NoError(t, err)
	err = m.Grow(defaultInitialCapacity + 1)
	require.True(t, errors.Is(err, ErrSegmentGrown))
	require.NoError(t, m.Close())

	m2, err := OpenMapped(path, false)
	require.NoError(t, err)
	defer m2.Close()
	assert.False(t, m2.Writable())
	assert.Greater(t, m2.capacity, int64(defaultInitialCapacity))
}

func TestMapped_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.db")

	m, err := OpenMapped(path, true)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, m.Usable())
}
