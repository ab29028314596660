package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURLDefaultsPortByScheme(t *testing.T) {
	u, err := ParseURL("stun:stun.example.com")
	require.NoError(t, err)
	assert.Equal(t, SchemeTypeSTUN, u.Scheme)
	assert.Equal(t, "stun.example.com", u.Host)
	assert.Equal(t, 3478, u.Port)

	u, err = ParseURL("stuns:stun.example.com")
	require.NoError(t, err)
	assert.Equal(t, 5349, u.Port)
}

func TestParseURLExplicitPort(t *testing.T) {
	u, err := ParseURL("turn:turn.example.com:19302")
	require.NoError(t, err)
	assert.Equal(t, 19302, u.Port)
}

func TestParseURLTransportQuery(t *testing.T) {
	u, err := ParseURL("turn:turn.example.com:3478?transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, ProtoTypeTCP, u.Proto)

	u, err = ParseURL("turn:turn.example.com")
	require.NoError(t, err)
	assert.Equal(t, ProtoTypeUDP, u.Proto, "transport defaults to udp")
}

func TestParseURLRejectsQueryOnSTUNScheme(t *testing.T) {
	_, err := ParseURL("stun:stun.example.com?transport=tcp")
	assert.ErrorIs(t, err, ErrSTUNQuery)
}

func TestParseURLRejectsUnknownScheme(t *testing.T) {
	_, err := ParseURL("http:example.com")
	assert.ErrorIs(t, err, ErrSchemeType)
}

func TestParseURLRejectsBadTransportValue(t *testing.T) {
	_, err := ParseURL("turn:turn.example.com?transport=sctp")
	assert.ErrorIs(t, err, ErrProtoType)
}

func TestURLIsSecure(t *testing.T) {
	u, err := ParseURL("turns:turn.example.com")
	require.NoError(t, err)
	assert.True(t, u.IsSecure())

	u, err = ParseURL("turn:turn.example.com")
	require.NoError(t, err)
	assert.False(t, u.IsSecure())
}
