package ice

import (
	"sync"

	"github.com/pion/logging"
)

// Stream is one ICE media-level unit (spec.md's term for what RFC 5245
// calls a "media stream"): a named ufrag/password pair and the set of
// Components it contains.
type Stream struct {
	mu sync.RWMutex

	id  string
	log logging.LeveledLogger

	localUfrag, localPwd   string
	remoteUfrag, remotePwd string

	components map[int]*Component

	checklist []*CandidateCheckPair

	remoteCandidates []*Candidate

	gatheringState GatheringState
}

func newStream(id string, log logging.LeveledLogger) (*Stream, error) {
	ufrag, err := randutilUfrag()
	if err != nil {
		return nil, err
	}
	pwd, err := randutilPwd()
	if err != nil {
		return nil, err
	}
	return &Stream{
		id:         id,
		log:        log,
		localUfrag:     ufrag,
		localPwd:       pwd,
		components:     make(map[int]*Component),
		gatheringState: GatheringStateNew,
	}, nil
}

// GatheringState returns the stream's current candidate-gathering phase.
func (s *Stream) GatheringState() GatheringState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gatheringState
}

func (s *Stream) setGatheringState(gs GatheringState) {
	s.mu.Lock()
	prev := s.gatheringState
	s.gatheringState = gs
	s.mu.Unlock()
	if prev != gs {
		s.log.Debugf("stream %s: gathering %s", s.id, gatheringStateString(gs))
	}
}

func gatheringStateString(gs GatheringState) string {
	switch gs {
	case GatheringStateNew:
		return "new"
	case GatheringStateGathering:
		return "gathering"
	case GatheringStateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

func randutilUfrag() (string, error) {
	return randSeq(8), nil
}

func randutilPwd() (string, error) {
	return randSeq(24), nil
}

// ID returns the stream's identifier, used by spec.md's stream_id
// parameters in the Agent façade.
func (s *Stream) ID() string {
	return s.id
}

// LocalCredentials returns the ufrag/password pair offered to the remote
// side for this stream.
func (s *Stream) LocalCredentials() (ufrag, pwd string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUfrag, s.localPwd
}

// SetRemoteCredentials validates and stores the remote ufrag/password,
// enforcing spec.md §3's length bounds (ufrag 22-256, password 4-256 to
// accommodate both RFC 5245's ICE-CHAR minimum and the legacy 4-character
// minimum some of the compatibility modes generate).
func (s *Stream) SetRemoteCredentials(ufrag, pwd string) error {
	if len(ufrag) < 22 || len(ufrag) > 256 {
		return ErrRemoteUfragLength
	}
	if len(pwd) < 4 || len(pwd) > 256 {
		return ErrRemotePwdLength
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteUfrag, s.remotePwd = ufrag, pwd
	return nil
}

func (s *Stream) RemoteCredentials() (ufrag, pwd string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteUfrag, s.remotePwd
}

func (s *Stream) addComponent(c *Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[c.ID()] = c
}

// Component returns the component with the given id, or nil.
func (s *Stream) Component(id int) *Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.components[id]
}

// Components returns a snapshot of all of the stream's components.
func (s *Stream) Components() []*Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, c)
	}
	return out
}

func (s *Stream) checkList() []*CandidateCheckPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CandidateCheckPair, len(s.checklist))
	copy(out, s.checklist)
	return out
}

func (s *Stream) setCheckList(pairs []*CandidateCheckPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checklist = pairs
}

func (s *Stream) close() {
	s.mu.RLock()
	components := make([]*Component, 0, len(s.components))
	for _, c := range s.components {
		components = append(components, c)
	}
	s.mu.RUnlock()
	for _, c := range components {
		c.close()
	}
}
