package meshlink

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteURLGrammar(t *testing.T) {
	m, err := Open(t.TempDir(), "foo", "invtest", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.SetCanonicalAddress("foo", "localhost", 0))
	require.NoError(t, m.Start())

	url, err := m.Invite("alice")
	require.NoError(t, err)

	prefix := "meshlink://localhost:" + strconv.Itoa(int(m.Port())) + "/"
	require.True(t, strings.HasPrefix(url, prefix), url)
	cookie := strings.TrimPrefix(url, prefix)
	assert.Len(t, cookie, 24)

	// The cookie names the pending record on disk.
	_, err = os.Stat(filepath.Join(m.confbase, invitationsDir, cookie))
	assert.NoError(t, err)

	// Inviting an impossible name fails.
	_, err = m.Invite("bad name")
	assert.Error(t, err)
	_, err = m.Invite("foo")
	assert.Error(t, err)
}

func TestJoinConsumesInvitation(t *testing.T) {
	foo, err := Open(t.TempDir(), "foo", "invtest", DevClassBackbone)
	require.NoError(t, err)
	defer foo.Close()
	require.NoError(t, foo.SetCanonicalAddress("foo", "localhost", 0))
	require.NoError(t, foo.Start())

	url, err := foo.Invite("alice")
	require.NoError(t, err)

	alice, err := Open(t.TempDir(), "alice", "invtest", DevClassPortable)
	require.NoError(t, err)
	defer alice.Close()

	require.NoError(t, alice.Join(url))

	// The joiner now trusts the inviter's key.
	n := alice.lookupNode("foo")
	require.NotNil(t, n)
	assert.Equal(t, []byte(foo.self.pubkey), []byte(n.pubkey))

	// And the inviter trusts the joiner's.
	eventually(t, 5*time.Second, func() bool {
		var ok bool
		foo.do(func() error {
			a := foo.lookupNode("alice")
			ok = a != nil && a.pubkey != nil
			return nil
		})
		return ok
	}, "inviter learning joiner key")

	// One-shot: the same URL is dead now.
	bob, err := Open(t.TempDir(), "alice", "invtest", DevClassPortable)
	require.NoError(t, err)
	defer bob.Close()
	assert.Error(t, bob.Join(url))

	// Once joined, the mesh comes up through the invited config.
	require.NoError(t, alice.Start())
	assert.True(t, alice.WaitForReachable("foo", 20*time.Second))
}

func TestJoinRefusedWithPeers(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	url, err := foo.Invite("carol")
	require.NoError(t, err)

	// bar already knows peers; join must be refused without side
	// effects.
	err = bar.Join(url)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestJoinRejectsGarbageURLs(t *testing.T) {
	m, err := Open(t.TempDir(), "solo", "invtest", DevClassBackbone)
	require.NoError(t, err)
	defer m.Close()

	for _, bad := range []string{
		"",
		"http://localhost:1/abcdefghijklmnopqrstuvwx",
		"meshlink://",
		"meshlink://localhost:1/shortcookie",
	} {
		assert.Error(t, m.Join(bad), bad)
	}
}

func TestExpiredInvitationRefused(t *testing.T) {
	foo, err := Open(t.TempDir(), "foo", "invtest", DevClassBackbone)
	require.NoError(t, err)
	defer foo.Close()
	require.NoError(t, foo.SetCanonicalAddress("foo", "localhost", 0))
	require.NoError(t, foo.Start())

	url, err := foo.Invite("dave")
	require.NoError(t, err)
	cookie := url[strings.LastIndex(url, "/")+1:]

	// Age the record past its expiry.
	path := filepath.Join(foo.confbase, invitationsDir, cookie)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	aged := strings.Replace(string(data),
		time.Now().Add(invitationTTL).UTC().Format("2006"),
		"1999", 1)
	require.NoError(t, os.WriteFile(path, []byte(aged), 0600))

	dave, err := Open(t.TempDir(), "dave", "invtest", DevClassPortable)
	require.NoError(t, err)
	defer dave.Close()
	assert.Error(t, dave.Join(url))
}
