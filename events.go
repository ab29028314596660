package ice

import (
	"sync"

	"github.com/pion/logging"
)

// OnCandidateHdlrFunc is called once per newly gathered local candidate.
// It is never called with a nil candidate; the end of gathering for a
// stream is reported through OnGatheringDone.
type OnCandidateHdlrFunc func(streamID string, c *Candidate)

// OnConnectionStateChangeHdlrFunc is called whenever a component's
// connectivity state changes.
type OnConnectionStateChangeHdlrFunc func(streamID string, componentID int, state ComponentState)

// OnSelectedCandidatePairChangeHdlrFunc is called whenever a component
// selects (or replaces) its active candidate pair.
type OnSelectedCandidatePairChangeHdlrFunc func(streamID string, componentID int, pair *CandidateCheckPair)

// OnNewRemoteCandidateHdlrFunc is called whenever a peer-reflexive remote
// candidate is learned from an inbound connectivity check (spec.md §4.6
// step 4), separate from OnCandidate which only covers local candidates.
type OnNewRemoteCandidateHdlrFunc func(streamID string, c *Candidate)

// OnGatheringDoneHdlrFunc is called once per stream when
// candidate-gathering-done(stream_id) fires (spec.md §4.3's closing
// event): every configured STUN/TURN source has either produced a
// candidate or failed permanently.
type OnGatheringDoneHdlrFunc func(streamID string)

// handlerNotifier serializes callback delivery onto a single goroutine so
// a slow or misbehaving application callback can never block the agent's
// task loop or connectivity-check scheduler. It mirrors the reference
// agent's candidateNotifier/connectionStateNotifier/
// selectedCandidatePairNotifier triplet, generalized to one queue of
// closures.
type handlerNotifier struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  chan struct{}
	log     logging.LeveledLogger
	started bool
}

func newHandlerNotifier(log logging.LeveledLogger) *handlerNotifier {
	n := &handlerNotifier{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		log:    log,
	}
	n.start()
	return n
}

func (n *handlerNotifier) start() {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	go n.run()
}

func (n *handlerNotifier) run() {
	for {
		n.mu.Lock()
		var next func()
		if len(n.queue) > 0 {
			next = n.queue[0]
			n.queue = n.queue[1:]
		}
		n.mu.Unlock()

		if next == nil {
			select {
			case <-n.wake:
				continue
			case <-n.closed:
				return
			}
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Errorf("recovered panic in event callback: %v", r)
				}
			}()
			next()
		}()
	}
}

func (n *handlerNotifier) enqueue(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *handlerNotifier) close() {
	select {
	case <-n.closed:
	default:
		close(n.closed)
	}
}
