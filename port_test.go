package meshlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortsDistinctAndConflictRefused(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()

	foo, err := Open(dir1, "foo", "port", DevClassBackbone)
	require.NoError(t, err)
	bar, err := Open(dir2, "bar", "port", DevClassBackbone)
	require.NoError(t, err)
	defer bar.Close()

	require.NoError(t, foo.Start())
	require.NoError(t, bar.Start())

	p1 := foo.Port()
	p2 := bar.Port()
	require.NotZero(t, p1)
	require.NotZero(t, p2)
	assert.NotEqual(t, p1, p2)

	// bar cannot take foo's port while foo holds it.
	bar.Stop()
	assert.Error(t, bar.SetPort(p1))

	// Once foo is gone the port is up for grabs.
	foo.Close()
	require.NoError(t, bar.SetPort(p1))
	assert.Equal(t, p1, bar.Port())
}

func TestSetPortRefusedWhileStarted(t *testing.T) {
	m, err := Open(t.TempDir(), "foo", "port", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start())
	err = m.SetPort(12345)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDynamicPortPersists(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, "foo", "port", DevClassBackbone)
	require.NoError(t, err)
	require.NoError(t, m.SetPort(0))
	require.NoError(t, m.Start())

	p := m.Port()
	require.NotZero(t, p)
	m.Close()

	// The OS-assigned port was persisted; a fresh open sees it
	// before any start.
	m2, err := Open(dir, "foo", "port", DevClassBackbone)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, p, m2.Port())
}

func TestPortNeverZeroOnceStarted(t *testing.T) {
	m, err := Open(t.TempDir(), "foo", "port", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetPort(0))
	require.NoError(t, m.Start())
	assert.NotZero(t, m.Port())
	m.Stop()
	assert.NotZero(t, m.Port())
}
