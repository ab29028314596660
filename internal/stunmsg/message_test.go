package stunmsg

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	msg, err := NewMessage(Type{Method: MethodBinding, Class: ClassRequest}, 96)
	require.NoError(t, err)

	msg.AddAttribute(AttrUsername, []byte("ufragA:ufragB"))

	raw, err := msg.Build()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, MethodBinding, parsed.Type.Method)
	assert.Equal(t, ClassRequest, parsed.Type.Class)
	assert.Equal(t, msg.TransactionID, parsed.TransactionID)

	attr, ok := parsed.GetAttribute(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "ufragA:ufragB", string(attr.Value))
}

func TestXORAddressRoundTrip(t *testing.T) {
	msg, err := NewMessage(Type{Method: MethodBinding, Class: ClassSuccessResponse}, 96)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.5")
	value, err := EncodeXORAddress(ip, 54321, msg.TransactionID)
	require.NoError(t, err)

	gotIP, gotPort, err := DecodeXORAddress(value, msg.TransactionID)
	require.NoError(t, err)
	assert.True(t, ip.Equal(gotIP))
	assert.Equal(t, 54321, gotPort)
}

func TestMessageIntegrityRoundTrip(t *testing.T) {
	key := []byte("examplepassword")

	msg, err := NewMessage(Type{Method: MethodBinding, Class: ClassRequest}, 96)
	require.NoError(t, err)
	msg.AddAttribute(AttrUsername, []byte("a:b"))
	require.NoError(t, msg.AppendMessageIntegrity(key))
	require.NoError(t, msg.AppendFingerprint())

	raw, err := msg.Build()
	require.NoError(t, err)

	assert.NoError(t, VerifyFingerprint(raw))
	assert.NoError(t, VerifyMessageIntegrity(raw, key))
	assert.Error(t, VerifyMessageIntegrity(raw, []byte("wrongkey")))
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x01})
	require.Error(t, err)
}
