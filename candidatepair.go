package ice

import (
	"fmt"
	"sync"
	"time"
)

// PairState is a candidate pair's position in the RFC 5245 §5.7.4 check
// state machine.
type PairState int

const (
	// PairStateFrozen means the pair's foundation hasn't been unfrozen yet.
	PairStateFrozen PairState = iota + 1
	// PairStateWaiting means the pair is eligible to be picked off the
	// triggered or ordinary check queue.
	PairStateWaiting
	// PairStateInProgress means a check has been sent and a response is
	// outstanding.
	PairStateInProgress
	// PairStateSucceeded means the most recent check on this pair
	// succeeded.
	PairStateSucceeded
	// PairStateFailed means the pair has exhausted its retransmissions or
	// received a non-recoverable error response.
	PairStateFailed
	// PairStateCancelled means a check-list-level decision (a higher
	// priority nomination) removed this pair from further consideration.
	PairStateCancelled
	// PairStateDiscovered means this pair was synthesized from the
	// XOR-MAPPED-ADDRESS of a successful check response that didn't match
	// any known local candidate (RFC 5245 §7.1.3.2.1): a peer-reflexive
	// local candidate stood in for the one that actually sent the check.
	// recordDiscoveredPair passes such a pair through this state and on to
	// SUCCEEDED at once, so afterwards its state does not tell it apart
	// from a pair that was in the check list from the start.
	PairStateDiscovered
)

func (s PairState) String() string {
	switch s {
	case PairStateFrozen:
		return "frozen"
	case PairStateWaiting:
		return "waiting"
	case PairStateInProgress:
		return "in-progress"
	case PairStateSucceeded:
		return "succeeded"
	case PairStateFailed:
		return "failed"
	case PairStateCancelled:
		return "cancelled"
	case PairStateDiscovered:
		return "discovered"
	default:
		return "unknown"
	}
}

// CandidateCheckPair is one entry of a Stream's check list: a local/remote
// candidate combination together with the state the connectivity-check
// scheduler drives it through.
type CandidateCheckPair struct {
	mu sync.RWMutex

	Local  *Candidate
	Remote *Candidate

	priority uint64

	state PairState

	nominated bool
	// nominateOnSuccess marks a pair queued for nomination once its
	// in-flight check succeeds (regular nomination, RFC 5245 §8.1.1.1).
	nominateOnSuccess bool

	binding *bindingAttempt

	valid bool

	lastActivity time.Time
}

// bindingAttempt tracks the outstanding STUN transaction for a pair's
// current connectivity check.
type bindingAttempt struct {
	transactionID [16]byte
	sentAt        time.Time
	retries       int
}

// NewCandidateCheckPair builds a pair and computes its priority per RFC
// 5245 §5.7.2, using controlling as the local agent's current ICE role.
func NewCandidateCheckPair(local, remote *Candidate, controlling bool) *CandidateCheckPair {
	p := &CandidateCheckPair{
		Local:  local,
		Remote: remote,
		state:  PairStateFrozen,
	}
	p.priority = computePairPriority(local.Priority(), remote.Priority(), controlling)
	return p
}

// computePairPriority implements:
//
//	G = controlling agent's priority, D = controlled agent's priority
//	pair priority = 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0)
func computePairPriority(localPriority, remotePriority uint32, controlling bool) uint64 {
	var g, d uint64
	if controlling {
		g, d = uint64(localPriority), uint64(remotePriority)
	} else {
		g, d = uint64(remotePriority), uint64(localPriority)
	}
	minGD, maxGD := d, g
	if g < d {
		minGD, maxGD = g, d
	}
	result := (uint64(1)<<32)*minGD + 2*maxGD
	if g > d {
		result++
	}
	return result
}

func (p *CandidateCheckPair) Priority() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.priority
}

func (p *CandidateCheckPair) State() PairState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *CandidateCheckPair) setState(s PairState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// setStateUnlessFailed applies s unless the pair is already FAILED: per
// spec.md §9's resolution of the set_remote_candidates re-pairing question,
// a pair that has already failed is never silently re-armed.
func (p *CandidateCheckPair) setStateUnlessFailed(s PairState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PairStateFailed {
		return
	}
	p.state = s
}

func (p *CandidateCheckPair) Nominated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nominated
}

func (p *CandidateCheckPair) nominate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nominated = true
}

func (p *CandidateCheckPair) foundationKey() string {
	return p.Local.Foundation() + "/" + p.Remote.Foundation()
}

func (p *CandidateCheckPair) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("%s <-> %s state=%s prio=%d nominated=%v",
		p.Local.Addr(), p.Remote.Addr(), p.state, p.priority, p.nominated)
}

// byPairPriority sorts check-list pairs by descending priority, the order
// RFC 5245 §5.7.3 requires for the ordinary check schedule.
type byPairPriority []*CandidateCheckPair

func (b byPairPriority) Len() int      { return len(b) }
func (b byPairPriority) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byPairPriority) Less(i, j int) bool {
	return b[i].Priority() > b[j].Priority()
}
