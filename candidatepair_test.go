package ice

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCandidate(t *testing.T, compID int, port int) *Candidate {
	t.Helper()
	addr := NewAddress(mustParseIP(t, "192.0.2.1"), port, NetworkTypeUDP4)
	c, err := NewCandidate("s1", compID, CandidateTypeHost, TransportUDP, addr, addr, nil, CompatibilityRFC5245)
	require.NoError(t, err)
	return c
}

func TestComputePairPriorityControllingBreaksTies(t *testing.T) {
	// Both agents' views of the same pair give equal pair priorities; the
	// controlling agent offered the higher value so g > d and the
	// tie-break bit should be set.
	p1 := computePairPriority(100, 50, true)
	p2 := computePairPriority(50, 100, false)
	assert.Equal(t, p1, p2)
	assert.Equal(t, uint64(1), p1&1, "g>d must set the tie-break bit")
}

func TestCandidateCheckPairPriorityOrdering(t *testing.T) {
	local := newTestCandidate(t, 1, 5000)
	remoteHigh := newTestCandidate(t, 1, 6000)

	pair := NewCandidateCheckPair(local, remoteHigh, true)
	assert.Equal(t, computePairPriority(local.Priority(), remoteHigh.Priority(), true), pair.Priority())
}

func TestSetStateUnlessFailedNeverResurrectsFailedPair(t *testing.T) {
	local := newTestCandidate(t, 1, 5000)
	remote := newTestCandidate(t, 1, 6000)
	pair := NewCandidateCheckPair(local, remote, true)

	pair.setState(PairStateFailed)
	pair.setStateUnlessFailed(PairStateWaiting)
	assert.Equal(t, PairStateFailed, pair.State())

	pair.setState(PairStateWaiting)
	pair.setStateUnlessFailed(PairStateSucceeded)
	assert.Equal(t, PairStateSucceeded, pair.State())
}

func TestByPairPrioritySortsDescending(t *testing.T) {
	local := newTestCandidate(t, 1, 5000)
	a := newTestCandidate(t, 1, 6000)
	b := newTestCandidate(t, 1, 7000)

	pA := NewCandidateCheckPair(local, a, true)
	pB := NewCandidateCheckPair(local, b, true)

	pairs := []*CandidateCheckPair{pA, pB}
	sort.Sort(byPairPriority(pairs))

	assert.GreaterOrEqual(t, pairs[0].Priority(), pairs[1].Priority())
}
