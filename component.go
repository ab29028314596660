package ice

import (
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/goice/ice/internal/socket"
)

// incomingCheck is a Binding request received before the component had
// remote credentials to validate it against, per spec.md §4.6's closing
// paragraph: it is replayed once SetRemoteCredentials arrives.
type incomingCheck struct {
	local *Candidate
	raw   []byte
	from  net.Addr
}

// ComponentState is a component's connectivity lifecycle, surfaced to
// callers via the Agent.OnConnectionStateChange callback.
type ComponentState int

const (
	// ComponentStateNew means gathering has not started for this
	// component.
	ComponentStateNew ComponentState = iota + 1
	// ComponentStateGathering means candidate gathering is underway.
	ComponentStateGathering
	// ComponentStateConnecting means connectivity checks are running but
	// no pair has succeeded yet.
	ComponentStateConnecting
	// ComponentStateConnected means a valid pair exists and, once
	// nominated, is ready for application data.
	ComponentStateConnected
	// ComponentStateFailed means the check list exhausted its candidates
	// without finding a working pair.
	ComponentStateFailed
	// ComponentStateClosed means the component has been torn down.
	ComponentStateClosed
)

func (s ComponentState) String() string {
	switch s {
	case ComponentStateNew:
		return "new"
	case ComponentStateGathering:
		return "gathering"
	case ComponentStateConnecting:
		return "connecting"
	case ComponentStateConnected:
		return "connected"
	case ComponentStateFailed:
		return "failed"
	case ComponentStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Component is one RTP/RTCP-style multiplexing unit of a Stream: it owns a
// set of local candidates and sockets, and — once connectivity checks
// converge — a single selected pair used for sending.
type Component struct {
	mu sync.RWMutex

	id       int
	streamID string

	log logging.LeveledLogger

	state ComponentState

	localCandidates  []*Candidate
	remoteCandidates []*Candidate
	selectedPair     *CandidateCheckPair

	// sockets are every transport endpoint this component owns, one per
	// host/relayed local candidate plus any auxiliary listener.
	sockets []socket.PacketConn

	// incomingChecks holds Binding requests received before remote
	// credentials were available.
	incomingChecks []incomingCheck

	// turnServers lists the relays configured for this component, so a
	// candidate can reference one without owning it (spec.md §3).
	turnServers []*URL

	onData OnDataHdlrFunc

	closed atomicBool
}

// OnDataHdlrFunc is the attach_recv callback spec.md §6 describes:
// invoked with each application datagram received on the component's
// selected pair.
type OnDataHdlrFunc func([]byte)

func newComponent(streamID string, id int, log logging.LeveledLogger) *Component {
	return &Component{
		id:       id,
		streamID: streamID,
		log:      log,
		state:    ComponentStateNew,
	}
}

// ID returns the component's numeric id (1 = RTP-equivalent primary
// component in RFC 5245's usual convention, though this package attaches
// no media meaning to it).
func (c *Component) ID() int {
	return c.id
}

func (c *Component) State() ComponentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Component) setState(s ComponentState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debugf("component %d: %s -> %s", c.id, prev, s)
	}
}

func (c *Component) addLocalCandidate(cand *Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.localCandidates {
		if existing.Equal(cand) {
			return
		}
	}
	c.localCandidates = append(c.localCandidates, cand)
}

// LocalCandidates returns a snapshot of the component's gathered
// candidates.
func (c *Component) LocalCandidates() []*Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Candidate, len(c.localCandidates))
	copy(out, c.localCandidates)
	return out
}

// addRemoteCandidate records a remote candidate against this component,
// deduping by Equal the same way addLocalCandidate does. Used both for
// application-supplied remote candidates and peer-reflexive ones learned
// from inbound checks (spec.md §4.6 step 4).
func (c *Component) addRemoteCandidate(cand *Candidate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.remoteCandidates {
		if existing.Equal(cand) {
			return false
		}
	}
	c.remoteCandidates = append(c.remoteCandidates, cand)
	return true
}

// RemoteCandidates returns a snapshot of the component's remote candidates.
func (c *Component) RemoteCandidates() []*Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Candidate, len(c.remoteCandidates))
	copy(out, c.remoteCandidates)
	return out
}

// findRemoteCandidate returns the remote candidate matching addr, or nil.
func (c *Component) findRemoteCandidate(addr net.Addr) *Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cand := range c.remoteCandidates {
		if addrEqual(cand.Addr(), addr) {
			return cand
		}
	}
	return nil
}

func addrEqual(a Address, addr net.Addr) bool {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	return a.IP.Equal(udp.IP) && a.Port == udp.Port
}

// addSocket records a transport endpoint owned by this component, closed
// when the component closes.
func (c *Component) addSocket(conn socket.PacketConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sockets = append(c.sockets, conn)
}

// Sockets returns every transport endpoint this component owns.
func (c *Component) Sockets() []socket.PacketConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]socket.PacketConn, len(c.sockets))
	copy(out, c.sockets)
	return out
}

// addTurnServer records a relay configured for this component.
func (c *Component) addTurnServer(u *URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnServers = append(c.turnServers, u)
}

// TurnServers returns the relays configured for this component.
func (c *Component) TurnServers() []*URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*URL, len(c.turnServers))
	copy(out, c.turnServers)
	return out
}

// queueIncomingCheck stores a Binding request that arrived before remote
// credentials were set, per spec.md §4.6's closing paragraph.
func (c *Component) queueIncomingCheck(local *Candidate, raw []byte, from net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingChecks = append(c.incomingChecks, incomingCheck{local: local, raw: raw, from: from})
}

// drainIncomingChecks returns and clears the component's queued inbound
// checks, called once remote credentials become available.
func (c *Component) drainIncomingChecks() []incomingCheck {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.incomingChecks
	c.incomingChecks = nil
	return out
}

// OnData registers the callback invoked for every application datagram
// delivered on this component's selected pair (spec.md §6's attach_recv).
func (c *Component) OnData(f OnDataHdlrFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = f
}

// deliver hands raw to the registered OnData callback, if any.
func (c *Component) deliver(raw []byte) {
	c.mu.RLock()
	cb := c.onData
	c.mu.RUnlock()
	if cb == nil {
		return
	}
	cb(raw)
}

// Send writes raw to the remote address of the component's selected pair.
// It requires a nominated pair to exist (READY, in spec.md's vocabulary);
// data sent before nomination has no destination to use.
func (c *Component) Send(raw []byte) (int, error) {
	c.mu.RLock()
	pair := c.selectedPair
	c.mu.RUnlock()
	if pair == nil {
		return 0, ErrComponentNotReady
	}
	addr := &net.UDPAddr{IP: pair.Remote.Addr().IP, Port: pair.Remote.Addr().Port}
	if err := pair.Local.writeTo(raw, addr); err != nil {
		return 0, err
	}
	return len(raw), nil
}

// SelectedPair returns the component's currently selected candidate pair,
// or nil if none has been selected yet.
func (c *Component) SelectedPair() *CandidateCheckPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectedPair
}

func (c *Component) setSelectedPair(p *CandidateCheckPair) {
	c.mu.Lock()
	c.selectedPair = p
	c.mu.Unlock()
	c.log.Infof("component %d: selected pair %s", c.id, p)
}

func (c *Component) close() {
	if !c.closed.compareAndSwap(false, true) {
		return
	}
	c.mu.RLock()
	candidates := make([]*Candidate, len(c.localCandidates))
	copy(candidates, c.localCandidates)
	sockets := make([]socket.PacketConn, len(c.sockets))
	copy(sockets, c.sockets)
	c.mu.RUnlock()

	for _, cand := range candidates {
		cand.closeSocket()
	}
	for _, conn := range sockets {
		conn.Close() //nolint:errcheck
	}

	c.setState(ComponentStateClosed)
}
