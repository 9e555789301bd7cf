package meshlink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "foo", "app", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()

	for _, p := range []string{confFile, keyFile, hostsDir, invitationsDir, lockFile} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}

	info, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.EqualValues(t, 0600, info.Mode().Perm())
}

func TestSecondOpenIsBusy(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "foo", "app", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()

	_, err = Open(dir, "foo", "app", DevClassBackbone)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReopenPreservesIdentity(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "foo", "app", DevClassBackbone)
	require.NoError(t, err)
	key1 := m.priv.Seed()
	m.Close()

	m2, err := Open(dir, "foo", "app", DevClassBackbone)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, key1, m2.priv.Seed())

	// A different name against the same directory is refused.
	m2.Close()
	_, err = Open(dir, "bar", "app", DevClassBackbone)
	assert.ErrorIs(t, err, ErrInval)
}

func TestExportImportRoundtrip(t *testing.T) {
	foo, err := Open(t.TempDir(), "foo", "app", DevClassBackbone)
	require.NoError(t, err)
	defer foo.Close()
	bar, err := Open(t.TempDir(), "bar", "app", DevClassStationary)
	require.NoError(t, err)
	defer bar.Close()

	require.NoError(t, foo.SetCanonicalAddress("foo", "localhost", 0))
	require.NoError(t, foo.ClaimSubnet("10.1.0.0/16"))

	blob, err := foo.Export()
	require.NoError(t, err)
	require.NoError(t, bar.Import(blob))

	n := bar.lookupNode("foo")
	require.NotNil(t, n)
	assert.Equal(t, []byte(foo.self.pubkey), []byte(n.pubkey))
	assert.Equal(t, "localhost", n.canonical)
	assert.Equal(t, foo.class, n.class)
	assert.Equal(t, []string{"10.1.0.0/16"}, bar.subnetsOwnedBy(n))

	// Import(Export(x)) twice is idempotent.
	require.NoError(t, bar.Import(blob))

	// What bar stored round-trips through the hosts file too.
	h, err := bar.readHost("foo")
	require.NoError(t, err)
	assert.Equal(t, []byte(foo.self.pubkey), h.pubkey)
	assert.Equal(t, []string{"10.1.0.0/16"}, h.subnets)

	// Importing our own blob is refused.
	selfBlob, err := bar.Export()
	require.NoError(t, err)
	assert.Error(t, bar.Import(selfBlob))
}

func TestHostFileRoundtrip(t *testing.T) {
	h := &hostFile{
		name:      "peer",
		pubkey:    make([]byte, 32),
		addresses: []string{"198.51.100.7 4567", "example.org 1234"},
		canonical: "peer.example.org 4000",
		subnets:   []string{"10.0.0.0/8"},
		class:     DevClassPortable,
		hasClass:  true,
	}
	out, err := parseHostFile("peer", h.marshal())
	require.NoError(t, err)
	assert.Equal(t, h.pubkey, out.pubkey)
	assert.ElementsMatch(t, h.addresses, out.addresses)
	assert.Equal(t, h.canonical, out.canonical)
	assert.Equal(t, h.subnets, out.subnets)
	assert.Equal(t, DevClassPortable, out.class)
}

func TestAtomicWriteReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, atomicWrite(path, []byte("one"), 0644))
	require.NoError(t, atomicWrite(path, []byte("two"), 0644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
