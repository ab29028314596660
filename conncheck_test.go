package ice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goice/ice/internal/stunmsg"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestFreezeByFoundationUnfreezesOnePerGroup(t *testing.T) {
	addrA := NewAddress(mustParseIP(t, "192.0.2.1"), 5000, NetworkTypeUDP4)
	addrB := NewAddress(mustParseIP(t, "192.0.2.2"), 5000, NetworkTypeUDP4)
	localA, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, addrA, addrA, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	localB, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, addrB, addrB, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	remote := newTestCandidate(t, 1, 6000)

	p1 := NewCandidateCheckPair(localA, remote, true)
	p2 := NewCandidateCheckPair(localA, remote, true) // same foundation group as p1
	p3 := NewCandidateCheckPair(localB, remote, true) // distinct foundation group

	pairs := []*CandidateCheckPair{p1, p2, p3}
	freezeByFoundation(pairs)

	waiting, frozen := 0, 0
	for _, p := range pairs {
		switch p.State() {
		case PairStateWaiting:
			waiting++
		case PairStateFrozen:
			frozen++
		}
	}
	assert.Equal(t, 2, waiting, "one pair per foundation group should unfreeze")
	assert.Equal(t, 1, frozen)
}

func TestPruneChecklistKeepsHigherPriorityRedundantPair(t *testing.T) {
	// Two locals sharing one base address (same RFC 5245 §5.7.3
	// redundancy key) but different types, so their pair priorities
	// differ even though they'd send checks to the same remote address.
	base := NewAddress(mustParseIP(t, "192.0.2.1"), 5000, NetworkTypeUDP4)
	hostLocal, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, base, base, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	relayLocal, err := NewCandidate("s1", 1, CandidateTypeRelayed, TransportUDP, base, base, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	remote := newTestCandidate(t, 1, 6000)

	low := NewCandidateCheckPair(relayLocal, remote, true)
	high := NewCandidateCheckPair(hostLocal, remote, true)
	require.Greater(t, high.Priority(), low.Priority())

	out := pruneChecklist([]*CandidateCheckPair{low, high})

	require.Len(t, out, 1)
	assert.Equal(t, high.Priority(), out[0].Priority(), "the higher-priority redundant pair must survive pruning")
}

func TestPruneChecklistNeverDropsInProgressOrSucceeded(t *testing.T) {
	base := newTestCandidate(t, 1, 5000)
	remote := newTestCandidate(t, 1, 6000)

	inProgress := NewCandidateCheckPair(base, remote, true)
	inProgress.setState(PairStateInProgress)
	other := NewCandidateCheckPair(base, remote, true)

	out := pruneChecklist([]*CandidateCheckPair{inProgress, other})
	found := false
	for _, p := range out {
		if p == inProgress {
			found = true
		}
	}
	assert.True(t, found, "an in-progress pair must never be pruned away")
}

func TestNextOrdinaryCheckPicksHighestPriorityWaiting(t *testing.T) {
	base := newTestCandidate(t, 1, 5000)
	remoteAddr := NewAddress(mustParseIP(t, "192.0.2.9"), 6000, NetworkTypeUDP4)
	lowRemote, err := NewCandidate("s1", 1, CandidateTypeRelayed, TransportUDP, remoteAddr, remoteAddr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	highRemote, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, remoteAddr, remoteAddr, nil, CompatibilityRFC5245)
	require.NoError(t, err)

	low := NewCandidateCheckPair(base, lowRemote, true)
	high := NewCandidateCheckPair(base, highRemote, true)
	require.Greater(t, high.Priority(), low.Priority())
	low.setState(PairStateWaiting)
	high.setState(PairStateWaiting)

	frozen := NewCandidateCheckPair(base, newTestCandidate(t, 1, 8000), true)
	frozen.setState(PairStateFrozen)

	best := nextOrdinaryCheck([]*CandidateCheckPair{low, high, frozen})
	require.NotNil(t, best)
	assert.Equal(t, high.Priority(), best.Priority())
	assert.NotEqual(t, PairStateFrozen, best.State())
}

func TestHandleRoleConflictSwitchesLowerTieBreak(t *testing.T) {
	a := newTestAgent(t)
	a.setRole(RoleControlling)

	err := a.handleRoleConflict(true, 10, 20)
	assert.NoError(t, err)
	assert.Equal(t, RoleControlled, a.Role())
}

func TestHandleRoleConflictReturnsErrorWhenLocalShouldWin(t *testing.T) {
	a := newTestAgent(t)
	a.setRole(RoleControlling)

	err := a.handleRoleConflict(true, 20, 10)
	assert.ErrorIs(t, err, ErrRoleConflict)
	assert.Equal(t, RoleControlling, a.Role())
}

func TestAddTriggeredCheckLeavesSucceededAlone(t *testing.T) {
	base := newTestCandidate(t, 1, 5000)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(base, remote, true)
	pair.setState(PairStateSucceeded)

	addTriggeredCheck(pair)
	assert.Equal(t, PairStateSucceeded, pair.State())

	pair.setState(PairStateFrozen)
	addTriggeredCheck(pair)
	assert.Equal(t, PairStateWaiting, pair.State())
}

func TestSetRemoteCandidatesRejectsOverLimit(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.AddStream("s1", 1)
	require.NoError(t, err)

	var candidates []*Candidate
	for i := 0; i < maxRemoteCandidatesPerCall+1; i++ {
		candidates = append(candidates, newTestCandidate(t, 1, 5000+i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = a.SetRemoteCandidates(ctx, "s1", candidates)
	assert.ErrorIs(t, err, ErrTooManyCandidates)
}

func TestSetRemoteCandidatesDedupesAndBuildsCheckList(t *testing.T) {
	a := newTestAgent(t)
	stream, err := a.AddStream("s1", 1)
	require.NoError(t, err)

	local := newTestCandidate(t, 1, 5000)
	stream.Component(1).addLocalCandidate(local)

	remote := newTestCandidate(t, 1, 6000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.SetRemoteCandidates(ctx, "s1", []*Candidate{remote, remote}))

	remotes, err := a.GetRemoteCandidates("s1")
	require.NoError(t, err)
	assert.Len(t, remotes, 1, "duplicate remote candidates in one call must dedupe")

	assert.Len(t, stream.checkList(), 1)
}

func TestSetRemoteCandidatesNeverReEnablesFailedPair(t *testing.T) {
	a := newTestAgent(t)
	stream, err := a.AddStream("s1", 1)
	require.NoError(t, err)

	local := newTestCandidate(t, 1, 5000)
	stream.Component(1).addLocalCandidate(local)
	remote := newTestCandidate(t, 1, 6000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.SetRemoteCandidates(ctx, "s1", []*Candidate{remote}))

	pairs := stream.checkList()
	require.Len(t, pairs, 1)
	pairs[0].setState(PairStateFailed)

	// Re-submitting the same remote candidate set rebuilds the check
	// list but must preserve the FAILED pair rather than re-arm it.
	require.NoError(t, a.SetRemoteCandidates(ctx, "s1", []*Candidate{remote}))
	pairs = stream.checkList()
	require.Len(t, pairs, 1)
	assert.Equal(t, PairStateFailed, pairs[0].State())
}

func TestPerformBindingRequestSucceedsAgainstRealResponder(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.MaxBindingRequests = 1
	a.cfg.CheckInterval = 20 * time.Millisecond

	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	remoteUfrag := "aaaaaaaaaaaaaaaaaaaaaa"
	remotePwd := "remotepwd123"
	require.NoError(t, s.SetRemoteCredentials(remoteUfrag, remotePwd))
	localUfrag, _ := s.LocalCredentials()

	localConn := newLoopbackConn(t)
	remoteConn := newLoopbackConn(t)

	localAddr := NewAddress(localConn.LocalAddr().(*net.UDPAddr).IP, localConn.LocalAddr().(*net.UDPAddr).Port, NetworkTypeUDP4)
	local, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, localAddr, localAddr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	local.SetSocket(localConn, true)

	remoteUDPAddr := remoteConn.LocalAddr().(*net.UDPAddr)
	remoteAddr := NewAddress(remoteUDPAddr.IP, remoteUDPAddr.Port, NetworkTypeUDP4)
	remote, err := NewCandidate("s1", 1, CandidateTypeHost, TransportUDP, remoteAddr, remoteAddr, nil, CompatibilityRFC5245)
	require.NoError(t, err)

	pair := NewCandidateCheckPair(local, remote, true)

	mappedIP := net.ParseIP("203.0.113.7")
	mappedPort := 54321

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		require.NoError(t, remoteConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, from, err := remoteConn.ReadFrom(buf)
		require.NoError(t, err)

		req, err := stunmsg.Parse(buf[:n])
		require.NoError(t, err)
		userAttr, ok := req.GetAttribute(stunmsg.AttrUsername)
		require.True(t, ok)
		assert.Equal(t, remoteUfrag+":"+localUfrag, string(userAttr.Value))
		require.NoError(t, stunmsg.VerifyMessageIntegrity(buf[:n], []byte(remotePwd)))

		resp := stunmsg.NewResponse(req, stunmsg.ClassSuccessResponse)
		mapped, err := stunmsg.EncodeXORAddress(mappedIP, mappedPort, req.TransactionID)
		require.NoError(t, err)
		resp.AddAttribute(stunmsg.AttrXORMappedAddress, mapped)
		require.NoError(t, resp.AppendMessageIntegrity([]byte(remotePwd)))
		require.NoError(t, resp.AppendFingerprint())
		raw, err := resp.Build()
		require.NoError(t, err)
		_, err = remoteConn.WriteTo(raw, from)
		require.NoError(t, err)
	}()

	// The component's read loop routes the response to the waiting
	// transaction.
	a.startComponentIO("s1", s, s.Component(1), local)
	result, err := a.performBindingRequest(s, pair, false)
	<-done
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.mappedIP.Equal(mappedIP))
	assert.Equal(t, mappedPort, result.mappedPort)
}

func TestPerformBindingRequestFailsWithoutRemoteCredentials(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)

	local := newTestCandidate(t, 1, 5000)
	localConn := newLoopbackConn(t)
	local.SetSocket(localConn, true)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	_, err = a.performBindingRequest(s, pair, false)
	assert.ErrorIs(t, err, ErrNoRemoteCredentials)
}

func TestPerformBindingRequestFailsWithoutSocket(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteCredentials("aaaaaaaaaaaaaaaaaaaaaa", "remotepwd123"))

	local := newTestCandidate(t, 1, 5000) // no socket attached
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	_, err = a.performBindingRequest(s, pair, false)
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestRecordDiscoveredPairSynthesizesPeerReflexiveOnMismatch(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	local := newTestCandidate(t, 1, 5000)
	comp.addLocalCandidate(local)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	result := &bindingResult{mappedIP: mustParseIP(t, "203.0.113.77"), mappedPort: 9999}
	a.recordDiscoveredPair("s1", s, pair, result)

	locals := comp.LocalCandidates()
	require.Len(t, locals, 2, "a mismatched mapped address must synthesize a new peer-reflexive local candidate")

	var prflx *Candidate
	for _, c := range locals {
		if c.Type() == CandidateTypePeerReflexive {
			prflx = c
		}
	}
	require.NotNil(t, prflx)
	assert.Equal(t, 9999, prflx.Addr().Port)

	pairs := s.checkList()
	require.Len(t, pairs, 1)
	assert.Equal(t, PairStateSucceeded, pairs[0].State())
	assert.Same(t, prflx, pairs[0].Local)
}

func TestRecordDiscoveredPairNoopWhenMappedAddressKnown(t *testing.T) {
	a := newTestAgent(t)
	s, err := a.AddStream("s1", 1)
	require.NoError(t, err)
	comp := s.Component(1)

	local := newTestCandidate(t, 1, 5000)
	comp.addLocalCandidate(local)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	result := &bindingResult{mappedIP: local.Addr().IP, mappedPort: local.Addr().Port}
	a.recordDiscoveredPair("s1", s, pair, result)

	assert.Len(t, comp.LocalCandidates(), 1, "a mapped address matching a known local candidate must not synthesize a new one")
	assert.Empty(t, s.checkList())
}
