package ice

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goice/ice/internal/socket"
)

// CandidateState tracks the liveness of a candidate discovered mid-session
// (peer-reflexive) or one whose base has gone away.
type CandidateState int

const (
	// CandidateStateActive is a candidate still eligible for pairing.
	CandidateStateActive CandidateState = iota + 1
	// CandidateStateStale is a candidate whose base stopped responding to
	// keepalives and should not be proposed in new pairs.
	CandidateStateStale
)

// Candidate is a transport address an agent offers or receives for a
// single Component, together with the bookkeeping RFC 5245 needs to
// compute its priority, foundation and pairing behavior.
type Candidate struct {
	mu sync.RWMutex

	id          string
	componentID int
	streamID    string

	candidateType CandidateType
	transport     TransportType
	addr          Address

	// relatedAddr is the base address for server-reflexive and locally
	// synthesized peer-reflexive candidates, the relayed address itself
	// for relayed candidates, and nil for host and remote peer-reflexive
	// candidates.
	relatedAddr *Address

	priority  uint32
	foundation string

	// baseAddr is the local address this candidate was gathered from;
	// equal to addr for host candidates.
	baseAddr Address

	compat Compatibility

	state CandidateState

	lastSent     time.Time
	lastReceived time.Time

	// tcpType distinguishes active/passive/so for RFC 6544 TCP candidates.
	tcpType TransportType

	// turnServer is the relay this candidate was allocated from, nil for
	// every type but CandidateTypeRelayed.
	turnServer *URL

	// socket is this candidate's transport endpoint: owning for host and
	// relayed candidates (closing the candidate closes it), borrowed for
	// server- and peer-reflexive candidates, which send over their base's
	// socket instead of holding one of their own.
	socket     socket.PacketConn
	ownsSocket bool
}

// NewCandidate builds a Candidate and computes its foundation and priority.
// componentID must be between 1 and 255.
func NewCandidate(
	streamID string,
	componentID int,
	ctype CandidateType,
	transport TransportType,
	addr, base Address,
	related *Address,
	compat Compatibility,
) (*Candidate, error) {
	if componentID < 1 || componentID > 255 {
		return nil, ErrComponentRange
	}

	c := &Candidate{
		id:            randSeq(16),
		streamID:      streamID,
		componentID:   componentID,
		candidateType: ctype,
		transport:     transport,
		addr:          addr,
		baseAddr:      base,
		relatedAddr:   related,
		compat:        compat,
		state:         CandidateStateActive,
	}
	c.foundation = computeFoundation(ctype, base, transport)
	c.priority = computePriority(ctype, compat, base.Network.IsIPv4(), componentID)
	return c, nil
}

// newPeerReflexiveRemoteCandidate builds the remote-side PEER_REFLEXIVE
// candidate spec.md §4.6 step 4 describes: priority comes from the
// inbound request's PRIORITY attribute rather than the local type-
// preference table, and its foundation is a fresh unique string (it
// never shares a foundation group with anything, since it wasn't
// gathered).
func newPeerReflexiveRemoteCandidate(streamID string, componentID int, addr Address, priority uint32, compat Compatibility) (*Candidate, error) {
	c, err := NewCandidate(streamID, componentID, CandidateTypePeerReflexive, TransportUDP, addr, addr, nil, compat)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.priority = priority
	c.foundation = randSeq(32)
	c.mu.Unlock()
	return c, nil
}

// computeFoundation derives the RFC 5245 §4.1.1.3 foundation: candidates
// sharing type, base, and network share a foundation so the check-list
// builder can freeze them together.
func computeFoundation(ctype CandidateType, base Address, transport TransportType) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d", ctype, base.IP.String(), base.Network.String(), transport)
	sum := h.Sum(nil)
	f := hex.EncodeToString(sum)
	if len(f) > 32 {
		f = f[:32]
	}
	return f
}

// computePriority implements the RFC 5245 §4.1.2.1 formula:
//
//	priority = (2^24)*type_pref + (2^8)*local_pref + (256 - component_id)
//
// type_pref comes from the active compatibility profile's type-preference
// table (compatTable in compat.go); local_pref favors IPv4 slightly over IPv6
// to match the teacher's historical agent, which is otherwise silent on
// multihomed tie-breaking.
func computePriority(ctype CandidateType, compat Compatibility, isIPv4 bool, componentID int) uint32 {
	profile := profileFor(compat)
	typePref := ctype.preference(profile)
	localPref := uint32(65535)
	if !isIPv4 {
		localPref = 65535 - 1
	}
	return (1<<24)*typePref + (1<<8)*localPref + uint32(256-componentID)
}

func (c *Candidate) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Candidate) ComponentID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.componentID
}

func (c *Candidate) Type() CandidateType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.candidateType
}

func (c *Candidate) Transport() TransportType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Candidate) Addr() Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

func (c *Candidate) BaseAddr() Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseAddr
}

func (c *Candidate) RelatedAddr() *Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relatedAddr
}

func (c *Candidate) Priority() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priority
}

func (c *Candidate) Foundation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.foundation
}

func (c *Candidate) State() CandidateState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TurnServer returns the relay this candidate was allocated from, or nil
// for non-relayed candidates.
func (c *Candidate) TurnServer() *URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turnServer
}

func (c *Candidate) setTurnServer(u *URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnServer = u
}

// SetSocket attaches the transport endpoint this candidate sends and
// receives over. owns marks the candidate as responsible for closing it
// (host and relayed candidates); reflexive candidates pass owns=false and
// share their base candidate's socket.
func (c *Candidate) SetSocket(conn socket.PacketConn, owns bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socket = conn
	c.ownsSocket = owns
}

// Socket returns the candidate's transport endpoint, or nil if none has
// been attached yet (e.g. a remote candidate, which never sends locally).
func (c *Candidate) Socket() socket.PacketConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket
}

// writeTo sends raw bytes to addr over the candidate's socket.
func (c *Candidate) writeTo(raw []byte, addr net.Addr) error {
	c.mu.RLock()
	conn := c.socket
	c.mu.RUnlock()
	if conn == nil {
		return ErrNoSocket
	}
	_, err := conn.WriteTo(raw, addr)
	return err
}

// closeSocket closes the candidate's socket if this candidate owns it; a
// no-op for borrowed sockets or candidates with none attached.
func (c *Candidate) closeSocket() {
	c.mu.Lock()
	conn, owns := c.socket, c.ownsSocket
	c.mu.Unlock()
	if owns && conn != nil {
		conn.Close() //nolint:errcheck
	}
}

func (c *Candidate) markStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CandidateStateStale
}

func (c *Candidate) seen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReceived = time.Now()
}

// LastSeen returns the last time traffic was attributed to this
// candidate, used by the keepalive timer to judge a selected pair's
// liveness against cfg.DisconnectedTimeout/FailedTimeout.
func (c *Candidate) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReceived
}

func (c *Candidate) sent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSent = time.Now()
}

func (c *Candidate) Equal(other *Candidate) bool {
	if other == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return c.candidateType == other.candidateType &&
		c.transport == other.transport &&
		c.addr.Equal(other.addr) &&
		c.componentID == other.componentID
}

func (c *Candidate) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s %s/%s prio=%d", c.candidateType, c.transport, c.addr.String(), c.priority)
}
