package meshlink

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetParseForms(t *testing.T) {
	cases := map[string]string{
		"10.0.0.0/8":        "10.0.0.0/8",
		"10.1.2.3":          "10.1.2.3/32",
		"10.1.2.3/24":       "10.1.2.0/24", // masked to canonical form
		"fe80::/64":         "fe80::/64",
		"fe80::1":           "fe80::1/128",
		"00:11:22:33:44:55": "00:11:22:33:44:55",
	}
	for in, want := range cases {
		s, err := str2net(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, s.net2str(), in)
	}

	for _, bad := range []string{"", "not-a-subnet", "10.0.0.0/99", "00:11:22:33:44"} {
		_, err := str2net(bad)
		assert.Error(t, err, bad)
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	m := newTestMesh(t, "self")
	wide := m.requireNode("wide")
	narrow := m.requireNode("narrow")

	s1, _ := str2net("10.0.0.0/8")
	s2, _ := str2net("10.1.0.0/16")
	require.True(t, m.addSubnet(wide, s1))
	require.True(t, m.addSubnet(narrow, s2))

	assert.Equal(t, narrow, m.lookupSubnetIP(netip.MustParseAddr("10.1.2.3")))
	assert.Equal(t, wide, m.lookupSubnetIP(netip.MustParseAddr("10.2.0.1")))
	assert.Nil(t, m.lookupSubnetIP(netip.MustParseAddr("192.168.0.1")))
}

func TestLatestClaimWinsOwnership(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	b := m.requireNode("bb")

	s, _ := str2net("10.0.0.0/8")
	require.True(t, m.addSubnet(a, s))
	// The same claim by the same owner is idempotent.
	dup, _ := str2net("10.0.0.0/8")
	assert.False(t, m.addSubnet(a, dup))
	// A fresh claim moves ownership.
	again, _ := str2net("10.0.0.0/8")
	assert.True(t, m.addSubnet(b, again))
	assert.Equal(t, b, m.lookupSubnetIP(netip.MustParseAddr("10.9.9.9")))

	// Only the owner's retraction counts.
	assert.False(t, m.delSubnet(a, "10.0.0.0/8"))
	assert.True(t, m.delSubnet(b, "10.0.0.0/8"))
}

func TestMACLookup(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	s, err := str2net("02:00:00:00:00:01")
	require.NoError(t, err)
	require.True(t, m.addSubnet(a, s))

	assert.Equal(t, a, m.lookupSubnetMAC([6]byte{2, 0, 0, 0, 0, 1}))
	assert.Nil(t, m.lookupSubnetMAC([6]byte{2, 0, 0, 0, 0, 2}))
}
