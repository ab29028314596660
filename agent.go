package ice

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"

	"github.com/goice/ice/internal/stunmsg"
)

// task is one closure queued onto an Agent's single-goroutine task loop,
// the same shape the reference agent's chanTask/taskLoop pair uses to
// serialize every state mutation without a giant mutex.
type task struct {
	fn   func(context.Context)
	done chan struct{}
}

// Agent is the façade spec.md §6 describes: the entry point applications
// construct, add streams/components to, feed remote candidates and
// credentials into, and receive connectivity/candidate events from.
// Many exported methods funnel their work through run() onto the task
// loop goroutine; state that other goroutines also touch (the stream
// registry, the pending STUN transactions) is guarded by streamsMu and
// pendingMu.
type Agent struct {
	cfg *AgentConfig
	log logging.LeveledLogger
	net transport.Net

	role atomicBool // true == controlling

	// tieBreak is this agent's RFC 5245 §5.2 tie-breaker value, used to
	// resolve a simultaneous ICE-CONTROLLING/ICE-CONTROLLED role conflict.
	tieBreak uint64

	streamsMu sync.RWMutex
	streams   map[string]*Stream

	chanTask chan task
	done     chan struct{}
	closeErr atomicError

	taskLoopDone chan struct{}

	connectionStateNotifier       *handlerNotifier
	candidateNotifier             *handlerNotifier
	selectedCandidatePairNotifier *handlerNotifier
	remoteCandidateNotifier       *handlerNotifier
	gatheringDoneNotifier         *handlerNotifier

	onConnectionStateChange       OnConnectionStateChangeHdlrFunc
	onCandidate                   OnCandidateHdlrFunc
	onSelectedCandidatePairChange OnSelectedCandidatePairChangeHdlrFunc
	onNewRemoteCandidate          OnNewRemoteCandidateHdlrFunc
	onGatheringDone               OnGatheringDoneHdlrFunc

	// pendingMu/pending correlate outbound Binding-request transaction IDs
	// with the goroutine awaiting their response, so the per-candidate
	// read loop started by GatherCandidates can route an inbound success
	// response back to whichever performBindingRequest call sent it.
	pendingMu sync.Mutex
	pending   map[[16]byte]chan *inboundSTUN

	started bool
}

// inboundSTUN is one parsed STUN message delivered to a waiting
// transaction, paired with the address it arrived from so the caller can
// validate XOR-MAPPED-ADDRESS against the expected peer.
type inboundSTUN struct {
	msg  *stunmsg.Message
	from net.Addr
}

// NewAgent constructs an Agent from cfg. Config fields left at their zero
// value are filled with spec.md-consistent defaults (see AgentConfig).
func NewAgent(cfg *AgentConfig) (*Agent, error) {
	if cfg == nil {
		cfg = &AgentConfig{}
	}
	cfg = cfg.withDefaults()

	if cfg.PortMin != 0 && cfg.PortMax != 0 && cfg.PortMin > cfg.PortMax {
		return nil, ErrPort
	}

	log := cfg.LoggerFactory.NewLogger("ice")

	a := &Agent{
		cfg:          cfg,
		log:          log,
		net:          cfg.Net,
		streams:      make(map[string]*Stream),
		chanTask:     make(chan task),
		done:         make(chan struct{}),
		taskLoopDone: make(chan struct{}),
		pending:      make(map[[16]byte]chan *inboundSTUN),
		tieBreak:     globalMathRandomGenerator.Uint64(),
	}
	a.role.set(true)

	a.connectionStateNotifier = newHandlerNotifier(cfg.LoggerFactory.NewLogger("ice-events"))
	a.candidateNotifier = newHandlerNotifier(cfg.LoggerFactory.NewLogger("ice-events"))
	a.selectedCandidatePairNotifier = newHandlerNotifier(cfg.LoggerFactory.NewLogger("ice-events"))
	a.remoteCandidateNotifier = newHandlerNotifier(cfg.LoggerFactory.NewLogger("ice-events"))
	a.gatheringDoneNotifier = newHandlerNotifier(cfg.LoggerFactory.NewLogger("ice-events"))

	go a.taskLoop()

	return a, nil
}

func (a *Agent) context() context.Context {
	return context.Background()
}

func (a *Agent) ok() error {
	select {
	case <-a.done:
		return a.getErr()
	default:
		return nil
	}
}

func (a *Agent) getErr() error {
	if err := a.closeErr.get(); err != nil {
		return err
	}
	return ErrClosed
}

// run schedules fn to execute on the task loop goroutine and blocks
// until it completes or ctx is cancelled first.
func (a *Agent) run(ctx context.Context, fn func(context.Context)) error {
	if err := a.ok(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.chanTask <- task{fn, done}:
		<-done
		return nil
	case <-a.done:
		return a.getErr()
	}
}

func (a *Agent) taskLoop() {
	defer func() {
		a.streamsMu.Lock()
		for _, s := range a.streams {
			s.close()
		}
		a.streamsMu.Unlock()

		a.connectionStateNotifier.close()
		a.candidateNotifier.close()
		a.selectedCandidatePairNotifier.close()
		a.remoteCandidateNotifier.close()
		a.gatheringDoneNotifier.close()

		close(a.taskLoopDone)
	}()

	for {
		select {
		case <-a.done:
			return
		case t := <-a.chanTask:
			t.fn(a.context())
			close(t.done)
		}
	}
}

// AddStream creates a new Stream identified by streamID with the given
// number of components, per spec.md §3/§6's add_stream operation.
func (a *Agent) AddStream(streamID string, componentCount int) (*Stream, error) {
	if componentCount < 1 {
		return nil, ErrNoComponents
	}

	var stream *Stream
	err := a.run(a.context(), func(ctx context.Context) {
		if _, exists := a.streams[streamID]; exists {
			return
		}
		s, serr := newStream(streamID, a.cfg.LoggerFactory.NewLogger("ice-stream"))
		if serr != nil {
			a.closeErr.set(serr)
			return
		}
		for i := 1; i <= componentCount; i++ {
			s.addComponent(newComponent(streamID, i, a.cfg.LoggerFactory.NewLogger("ice-component")))
		}
		a.streamsMu.Lock()
		a.streams[streamID] = s
		a.streamsMu.Unlock()
		stream = s
	})
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, fmt.Errorf("ice: stream %q already exists", streamID)
	}
	return stream, nil
}

// RemoveStream tears down a Stream and every Component inside it.
func (a *Agent) RemoveStream(streamID string) error {
	return a.run(a.context(), func(ctx context.Context) {
		a.streamsMu.Lock()
		s, ok := a.streams[streamID]
		if ok {
			delete(a.streams, streamID)
		}
		a.streamsMu.Unlock()
		if ok {
			s.close()
		}
	})
}

// Stream returns the named stream, or nil if it does not exist.
func (a *Agent) Stream(streamID string) *Stream {
	a.streamsMu.RLock()
	defer a.streamsMu.RUnlock()
	return a.streams[streamID]
}

// GetLocalCandidates returns every candidate gathered so far for the
// given stream's components, per spec.md §6.
func (a *Agent) GetLocalCandidates(streamID string) ([]*Candidate, error) {
	s := a.Stream(streamID)
	if s == nil {
		return nil, ErrUnknownStream
	}
	var out []*Candidate
	for _, c := range s.Components() {
		out = append(out, c.LocalCandidates()...)
	}
	return out, nil
}

// GetRemoteCandidates returns the remote candidates set on the given
// stream via SetRemoteCandidates.
func (a *Agent) GetRemoteCandidates(streamID string) ([]*Candidate, error) {
	s := a.Stream(streamID)
	if s == nil {
		return nil, ErrUnknownStream
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Candidate, len(s.remoteCandidates))
	copy(out, s.remoteCandidates)
	return out, nil
}

// GetSelectedCandidatePair returns the component's currently selected
// pair, added beyond spec.md §6's table per SPEC_FULL.md §3.
func (a *Agent) GetSelectedCandidatePair(streamID string, componentID int) (*CandidateCheckPair, error) {
	s := a.Stream(streamID)
	if s == nil {
		return nil, ErrUnknownStream
	}
	c := s.Component(componentID)
	if c == nil {
		return nil, ErrUnknownComponent
	}
	return c.SelectedPair(), nil
}

// OnCandidate registers the callback invoked for every newly gathered
// local candidate.
func (a *Agent) OnCandidate(f OnCandidateHdlrFunc) {
	a.onCandidate = f
}

// OnConnectionStateChange registers the callback invoked whenever a
// component's ComponentState changes.
func (a *Agent) OnConnectionStateChange(f OnConnectionStateChangeHdlrFunc) {
	a.onConnectionStateChange = f
}

// OnSelectedCandidatePairChange registers the callback invoked whenever a
// component selects a new candidate pair.
func (a *Agent) OnSelectedCandidatePairChange(f OnSelectedCandidatePairChangeHdlrFunc) {
	a.onSelectedCandidatePairChange = f
}

func (a *Agent) notifyCandidate(streamID string, c *Candidate) {
	if a.onCandidate == nil {
		return
	}
	a.candidateNotifier.enqueue(func() { a.onCandidate(streamID, c) })
}

func (a *Agent) notifyConnectionStateChange(streamID string, componentID int, state ComponentState) {
	if a.onConnectionStateChange == nil {
		return
	}
	a.connectionStateNotifier.enqueue(func() { a.onConnectionStateChange(streamID, componentID, state) })
}

func (a *Agent) notifySelectedPairChange(streamID string, componentID int, pair *CandidateCheckPair) {
	if a.onSelectedCandidatePairChange == nil {
		return
	}
	a.selectedCandidatePairNotifier.enqueue(func() { a.onSelectedCandidatePairChange(streamID, componentID, pair) })
}

// OnNewRemoteCandidate registers the callback invoked for every
// peer-reflexive remote candidate learned via an inbound connectivity
// check.
func (a *Agent) OnNewRemoteCandidate(f OnNewRemoteCandidateHdlrFunc) {
	a.onNewRemoteCandidate = f
}

// OnGatheringDone registers the callback invoked once a stream's
// candidate gathering has finished, per spec.md §4.3's
// candidate-gathering-done(stream_id) event.
func (a *Agent) OnGatheringDone(f OnGatheringDoneHdlrFunc) {
	a.onGatheringDone = f
}

func (a *Agent) notifyNewRemoteCandidate(streamID string, c *Candidate) {
	if a.onNewRemoteCandidate == nil {
		return
	}
	a.remoteCandidateNotifier.enqueue(func() { a.onNewRemoteCandidate(streamID, c) })
}

func (a *Agent) notifyGatheringDone(streamID string) {
	if a.onGatheringDone == nil {
		return
	}
	a.gatheringDoneNotifier.enqueue(func() { a.onGatheringDone(streamID) })
}

// Send writes data to the remote address of componentID's selected pair
// within stream streamID, per spec.md §6's send(stream_id, component_id,
// data) operation.
func (a *Agent) Send(streamID string, componentID int, data []byte) (int, error) {
	s := a.Stream(streamID)
	if s == nil {
		return 0, ErrUnknownStream
	}
	c := s.Component(componentID)
	if c == nil {
		return 0, ErrUnknownComponent
	}
	return c.Send(data)
}

// AttachRecv registers cb as the callback invoked for every application
// datagram arriving on componentID's selected pair, per spec.md §6's
// attach_recv(stream_id, component_id, cb) operation.
func (a *Agent) AttachRecv(streamID string, componentID int, cb OnDataHdlrFunc) error {
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}
	c := s.Component(componentID)
	if c == nil {
		return ErrUnknownComponent
	}
	c.OnData(cb)
	return nil
}

// awaitTransaction registers a channel to receive the inbound STUN
// message matching transactionID, returning a cancel func that must be
// called once the caller stops waiting (whether it got a response or
// timed out) to avoid leaking the map entry.
func (a *Agent) awaitTransaction(transactionID [16]byte) (<-chan *inboundSTUN, func()) {
	ch := make(chan *inboundSTUN, 1)
	a.pendingMu.Lock()
	a.pending[transactionID] = ch
	a.pendingMu.Unlock()
	return ch, func() {
		a.pendingMu.Lock()
		delete(a.pending, transactionID)
		a.pendingMu.Unlock()
	}
}

// deliverTransaction routes an inbound STUN message to whichever
// goroutine is awaiting its transaction id, if any. Returns false if
// nothing was waiting (the message is unsolicited or arrived too late).
func (a *Agent) deliverTransaction(transactionID [16]byte, msg *stunmsg.Message, from net.Addr) bool {
	a.pendingMu.Lock()
	ch, ok := a.pending[transactionID]
	a.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- &inboundSTUN{msg: msg, from: from}:
	default:
	}
	return true
}

// Role returns the agent's current ICE role.
func (a *Agent) Role() Role {
	if a.role.get() {
		return RoleControlling
	}
	return RoleControlled
}

// setRole is called by the 487 role-conflict handler in conncheck.go.
func (a *Agent) setRole(r Role) {
	a.role.set(r == RoleControlling)
}

// Close stops every stream's connectivity checks and releases the
// agent's resources. Close accepts a context so callers can bound
// shutdown, the SPEC_FULL.md §3 addition beyond the reference agent's
// bare Close()/GracefulClose() pair.
func (a *Agent) Close(ctx context.Context) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}

	a.closeErr.set(ErrClosed)
	close(a.done)

	select {
	case <-a.taskLoopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
