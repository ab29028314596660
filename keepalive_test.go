package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goice/ice/internal/stunmsg"
)

func TestSendKeepaliveSendsBindingIndication(t *testing.T) {
	a := newTestAgent(t)
	localConn := newLoopbackConn(t)
	remoteConn := newLoopbackConn(t)

	local := newTestCandidate(t, 1, 5000)
	local.SetSocket(localConn, true)

	remoteUDPAddr := remoteConn.LocalAddr().(*net.UDPAddr)
	remote := newTestCandidate(t, 1, 6000)
	remote.mu.Lock()
	remote.addr = NewAddress(remoteUDPAddr.IP, remoteUDPAddr.Port, NetworkTypeUDP4)
	remote.mu.Unlock()

	pair := NewCandidateCheckPair(local, remote, true)
	a.sendKeepalive(pair)

	require.NoError(t, remoteConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := remoteConn.ReadFrom(buf)
	require.NoError(t, err)

	msg, err := stunmsg.Parse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, stunmsg.MethodBinding, msg.Type.Method)
	assert.Equal(t, stunmsg.ClassIndication, msg.Type.Class)

	local.mu.RLock()
	lastSent := local.lastSent
	local.mu.RUnlock()
	assert.False(t, lastSent.IsZero(), "sendKeepalive must record the send on the local candidate")
}

func TestCheckPairLivenessLogsThenFails(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.DisconnectedTimeout = 1 * time.Millisecond
	a.cfg.FailedTimeout = 2 * time.Millisecond

	local := newTestCandidate(t, 1, 5000)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	comp := newComponent("s1", 1, testLogger())
	comp.setSelectedPair(pair)

	time.Sleep(5 * time.Millisecond)
	a.checkPairLiveness("s1", comp, pair)

	assert.Equal(t, PairStateFailed, pair.State())
	assert.Equal(t, ComponentStateFailed, comp.State())
}

func TestCheckPairLivenessLeavesFreshPairAlone(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.DisconnectedTimeout = time.Hour
	a.cfg.FailedTimeout = time.Hour

	local := newTestCandidate(t, 1, 5000)
	remote := newTestCandidate(t, 1, 6000)
	remote.seen()
	pair := NewCandidateCheckPair(local, remote, true)

	comp := newComponent("s1", 1, testLogger())
	comp.setSelectedPair(pair)

	a.checkPairLiveness("s1", comp, pair)

	assert.NotEqual(t, PairStateFailed, pair.State())
	assert.NotEqual(t, ComponentStateFailed, comp.State())
}
