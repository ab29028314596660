package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goice/ice/internal/stunmsg"
)

// newLoopbackConn binds a UDP socket on 127.0.0.1 for use as either a
// candidate's own socket or a stand-in for a remote peer.
func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// buildInboundBindingRequest builds a signed STUN Binding request the way a
// remote peer would send one, per spec.md §4.5's request-contents
// paragraph: USERNAME = localUfrag:remoteUfrag, MESSAGE-INTEGRITY keyed
// with localPwd (the credential the *receiver* checks an inbound request
// against).
func buildInboundBindingRequest(t *testing.T, localUfrag, remoteUfrag, localPwd string, priority uint32) (*stunmsg.Message, []byte) {
	t.Helper()
	msg, err := stunmsg.NewMessage(stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassRequest}, 96)
	require.NoError(t, err)
	msg.AddAttribute(stunmsg.AttrUsername, []byte(localUfrag+":"+remoteUfrag))
	msg.AddAttribute(stunmsg.AttrPriority, encodeUint32(priority))
	require.NoError(t, msg.AppendMessageIntegrity([]byte(localPwd)))
	require.NoError(t, msg.AppendFingerprint())
	raw, err := msg.Build()
	require.NoError(t, err)
	return msg, raw
}

func TestHandleInboundBindingRequestQueuesBeforeRemoteCredentials(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	local := newTestCandidate(t, 1, 5000)
	localUfrag, localPwd := s.LocalCredentials()
	msg, raw := buildInboundBindingRequest(t, localUfrag, "aaaaaaaaaaaaaaaaaaaaaa", localPwd, 100)

	from := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 6000}
	a.handleInboundBindingRequest("s1", s, comp, local, msg, raw, from)

	pending := comp.drainIncomingChecks()
	require.Len(t, pending, 1, "a request arriving before remote credentials must be queued, not processed")
	assert.Empty(t, comp.RemoteCandidates())
	assert.Empty(t, s.checkList())
}

func TestHandleInboundBindingRequestLearnsPeerReflexiveAndTriggersCheck(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	localConn := newLoopbackConn(t)
	remoteConn := newLoopbackConn(t)

	localAddr := localConn.LocalAddr().(*net.UDPAddr)
	addr := NewAddress(localAddr.IP, localAddr.Port, NetworkTypeUDP4)
	local, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, addr, addr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	local.SetSocket(localConn, true)
	comp.addLocalCandidate(local)

	remoteUfrag := "aaaaaaaaaaaaaaaaaaaaaa" // 22 chars, spec.md's minimum
	localUfrag, localPwd := s.LocalCredentials()
	require.NoError(t, s.SetRemoteCredentials(remoteUfrag, "remotepwd123"))

	msg, raw := buildInboundBindingRequest(t, localUfrag, remoteUfrag, localPwd, 555)
	from := remoteConn.LocalAddr()

	a.handleInboundBindingRequest("s1", s, comp, local, msg, raw, from)

	remotes := comp.RemoteCandidates()
	require.Len(t, remotes, 1)
	assert.Equal(t, CandidateTypePeerReflexive, remotes[0].Type())
	assert.Equal(t, uint32(555), remotes[0].Priority())

	pairs := s.checkList()
	require.Len(t, pairs, 1)
	assert.Equal(t, PairStateWaiting, pairs[0].State(), "an inbound check must trigger its pair per RFC 5245 §7.2.1.4")

	require.NoError(t, remoteConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := remoteConn.ReadFrom(buf)
	require.NoError(t, err, "a Binding success response must be sent back to the requester")

	resp, err := stunmsg.Parse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, stunmsg.ClassSuccessResponse, resp.Type.Class)
	assert.Equal(t, msg.TransactionID, resp.TransactionID)
	require.NoError(t, stunmsg.VerifyMessageIntegrity(buf[:n], []byte(localPwd)))

	attr, ok := resp.GetAttribute(stunmsg.AttrXORMappedAddress)
	require.True(t, ok)
	ip, port, err := stunmsg.DecodeXORAddress(attr.Value, resp.TransactionID)
	require.NoError(t, err)
	fromUDP := from.(*net.UDPAddr)
	assert.True(t, ip.Equal(fromUDP.IP))
	assert.Equal(t, fromUDP.Port, port)
}

func TestHandleInboundBindingRequestRejectsBadMessageIntegrity(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	localConn := newLoopbackConn(t)
	remoteConn := newLoopbackConn(t)

	localAddr := localConn.LocalAddr().(*net.UDPAddr)
	addr := NewAddress(localAddr.IP, localAddr.Port, NetworkTypeUDP4)
	local, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, addr, addr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	local.SetSocket(localConn, true)
	comp.addLocalCandidate(local)

	remoteUfrag := "aaaaaaaaaaaaaaaaaaaaaa"
	localUfrag, _ := s.LocalCredentials()
	require.NoError(t, s.SetRemoteCredentials(remoteUfrag, "remotepwd123"))

	// Signed with the wrong key, so VerifyMessageIntegrity must fail.
	msg, raw := buildInboundBindingRequest(t, localUfrag, remoteUfrag, "not-the-local-password", 1)
	from := remoteConn.LocalAddr()

	a.handleInboundBindingRequest("s1", s, comp, local, msg, raw, from)

	assert.Empty(t, comp.RemoteCandidates(), "a request that fails integrity must not learn a remote candidate")
	assert.Empty(t, s.checkList())

	require.NoError(t, remoteConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := remoteConn.ReadFrom(buf)
	require.NoError(t, err)
	resp, err := stunmsg.Parse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, stunmsg.ClassErrorResponse, resp.Type.Class)
	attr, ok := resp.GetAttribute(stunmsg.AttrErrorCode)
	require.True(t, ok)
	assert.Equal(t, stunmsg.CodeUnauthorized, decodeErrorCode(attr.Value))
}

func TestSetRemoteCredentialsReplaysQueuedInboundChecks(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	localConn := newLoopbackConn(t)
	remoteConn := newLoopbackConn(t)

	localAddr := localConn.LocalAddr().(*net.UDPAddr)
	addr := NewAddress(localAddr.IP, localAddr.Port, NetworkTypeUDP4)
	local, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, addr, addr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	local.SetSocket(localConn, true)
	comp.addLocalCandidate(local)

	remoteUfrag := "aaaaaaaaaaaaaaaaaaaaaa"
	localUfrag, localPwd := s.LocalCredentials()
	_, raw := buildInboundBindingRequest(t, localUfrag, remoteUfrag, localPwd, 42)

	// Arrives before SetRemoteCredentials: must queue rather than process.
	comp.queueIncomingCheck(local, raw, remoteConn.LocalAddr())
	assert.Empty(t, s.checkList())

	require.NoError(t, a.SetRemoteCredentials("s1", remoteUfrag, "remotepwd123"))

	pairs := s.checkList()
	require.Len(t, pairs, 1, "SetRemoteCredentials must replay the queued check once credentials are known")
}

func TestStunIsMessageRejectsApplicationData(t *testing.T) {
	assert.False(t, stunmsg.IsMessage([]byte("not a stun message, way too short")))
	assert.False(t, stunmsg.IsMessage(make([]byte, 19)))

	msg, err := stunmsg.NewMessage(stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassIndication}, 96)
	require.NoError(t, err)
	raw, err := msg.Build()
	require.NoError(t, err)
	assert.True(t, stunmsg.IsMessage(raw))
}
