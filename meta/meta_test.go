package meta

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, m Transit) Transit {
	t.Helper()
	line, err := m.Marshal()
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(line, []byte("\n")))
	out, err := Parse(bytes.TrimSuffix(line, []byte("\n")))
	require.NoError(t, err)
	return out
}

func TestIDRoundtrip(t *testing.T) {
	out := roundtrip(t, &ID{Name: "foo", Version: 1, Class: 2, Options: 7})
	id := out.(*ID)
	assert.Equal(t, "foo", id.Name)
	assert.EqualValues(t, 1, id.Version)
	assert.EqualValues(t, 2, id.Class)
	assert.EqualValues(t, 7, id.Options)
}

func TestAddEdgeRoundtrip(t *testing.T) {
	out := roundtrip(t, &AddEdge{
		From:    "foo",
		To:      "bar",
		Address: "192.0.2.7",
		Port:    9876,
		Weight:  10,
		Options: 3,
		Serial:  42,
	})
	e := out.(*AddEdge)
	assert.Equal(t, "foo", e.From)
	assert.Equal(t, "bar", e.To)
	assert.Equal(t, "192.0.2.7", e.Address)
	assert.EqualValues(t, 9876, e.Port)
	assert.EqualValues(t, 10, e.Weight)
	assert.EqualValues(t, 42, e.Serial)
}

func TestBinaryFieldsAreBase64(t *testing.T) {
	rec := []byte{0, 1, 2, 0xff, '\n', ' ', 'x'}
	out := roundtrip(t, &ReqKey{From: "foo", To: "bar", Record: rec})
	k := out.(*ReqKey)
	assert.Equal(t, rec, k.Record)

	line, err := (&AnsPubkey{From: "a", To: "b", Pubkey: rec}).Marshal()
	require.NoError(t, err)
	// Raw binary must never leak into the line framing.
	assert.NotContains(t, string(line[:len(line)-1]), "\n")
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"BOGUS_ID 1 2",
		"ID",                       // missing fields
		"ID foo 1 2",               // short
		"ID foo 1 2 3 4",           // long
		"ID bad name here 1 2 3",   // embedded spaces shift fields
		"ADD_EDGE foo bar x y z",   // non-numeric
		"REQ_KEY foo bar %%%%",     // bad base64
		"ACK 99999999 0",           // port overflow
		"ID " + strings.Repeat("n", 65) + " 1 2 3", // name too long
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		assert.Error(t, err, "case %q", c)
	}
}

func TestPingPongTermReq(t *testing.T) {
	for _, m := range []Transit{&Ping{}, &Pong{}, &TermReq{}, &ReqExternal{Port: 1}} {
		out := roundtrip(t, m)
		assert.Equal(t, m.Id(), out.Id())
	}
	_, err := Parse([]byte("PING extra"))
	assert.Error(t, err)
}

func TestLineBuffer(t *testing.T) {
	var lb LineBuffer
	require.NoError(t, lb.Append([]byte("PING\nPO")))

	line, ok, err := lb.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PING", string(line))

	_, ok, err = lb.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lb.Append([]byte("NG\n")))
	line, ok, err = lb.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PONG", string(line))
}

func TestLineBufferCapsLength(t *testing.T) {
	var lb LineBuffer
	err := lb.Append(bytes.Repeat([]byte{'a'}, MaxLine+1))
	assert.Error(t, err)
	// Once poisoned the buffer stays unusable; the owner must drop
	// the connection.
	_, _, err = lb.Next()
	assert.Error(t, err)
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("foo"))
	assert.True(t, ValidName("node-7.example_x"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName(strings.Repeat("a", 65)))
	assert.False(t, ValidName("has space"))
	assert.False(t, ValidName("has/slash"))
	assert.False(t, ValidName("b\x01d"))
}
