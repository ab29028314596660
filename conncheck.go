package ice

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/goice/ice/internal/stunmsg"
)

const maxRemoteCandidatesPerCall = 25

// SetRemoteCredentials validates and stores per-stream remote ufrag/
// password, per spec.md §6, then replays any inbound Binding requests
// that arrived before credentials were available (spec.md §4.6's closing
// paragraph).
func (a *Agent) SetRemoteCredentials(streamID, ufrag, pwd string) error {
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}
	if err := s.SetRemoteCredentials(ufrag, pwd); err != nil {
		return err
	}
	for _, comp := range s.Components() {
		for _, pending := range comp.drainIncomingChecks() {
			msg, err := stunmsg.Parse(pending.raw)
			if err != nil {
				continue
			}
			a.handleInboundBindingRequest(streamID, s, comp, pending.local, msg, pending.raw, pending.from)
		}
	}
	return nil
}

// SetRemoteCandidates adds remote candidates for a stream and rebuilds
// its check list. Per spec.md §9's resolution of the post-gather
// re-pairing question: pairs are re-derived from the full local x remote
// cross-product every time this is called, but a pair that already
// exists is kept as the same object with its state and priority, and a
// pair already in PairStateFailed is never re-armed (freezeByFoundation
// only resets FROZEN and WAITING pairs); the list is then re-sorted.
func (a *Agent) SetRemoteCandidates(ctx context.Context, streamID string, candidates []*Candidate) error {
	if len(candidates) > maxRemoteCandidatesPerCall {
		return ErrTooManyCandidates
	}
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}

	return a.run(ctx, func(ctx context.Context) {
		s.mu.Lock()
		for _, c := range candidates {
			dup := false
			for _, e := range s.remoteCandidates {
				if e.Equal(c) {
					dup = true
					break
				}
			}
			if !dup {
				s.remoteCandidates = append(s.remoteCandidates, c)
			}
		}
		remoteSnapshot := make([]*Candidate, len(s.remoteCandidates))
		copy(remoteSnapshot, s.remoteCandidates)
		s.mu.Unlock()

		a.rebuildCheckList(s, remoteSnapshot)
	})
}

// rebuildCheckList regenerates a stream's check list from its components'
// local candidates and the given remote candidate set, preserving the
// state of any pair that already exists (see SetRemoteCandidates).
func (a *Agent) rebuildCheckList(s *Stream, remoteCandidates []*Candidate) {
	existing := make(map[string]*CandidateCheckPair)
	for _, p := range s.checkList() {
		existing[pairKey(p.Local, p.Remote)] = p
	}

	controlling := a.Role() == RoleControlling

	var pairs []*CandidateCheckPair
	for _, comp := range s.Components() {
		for _, remote := range remoteCandidates {
			if remote.ComponentID() == comp.ID() {
				comp.addRemoteCandidate(remote)
			}
		}
		for _, local := range comp.LocalCandidates() {
			for _, remote := range remoteCandidates {
				if remote.ComponentID() != local.ComponentID() {
					continue
				}
				key := pairKey(local, remote)
				if p, ok := existing[key]; ok {
					pairs = append(pairs, p)
					continue
				}
				pairs = append(pairs, NewCandidateCheckPair(local, remote, controlling))
			}
		}
	}

	pairs = pruneChecklist(pairs)
	freezeByFoundation(pairs)

	sort.Sort(byPairPriority(pairs))
	s.setCheckList(pairs)
}

func pairKey(local, remote *Candidate) string {
	return local.ID() + "|" + remote.ID()
}

// pruneChecklist implements RFC 5245 §5.7.3's pruning rule: when two
// pairs would send checks from the same local base to the same remote
// address and the lower-priority one is redundant, keep only the
// higher-priority pair, unless the lower one is already in progress or
// has succeeded.
func pruneChecklist(pairs []*CandidateCheckPair) []*CandidateCheckPair {
	type baseKey struct {
		base   string
		remote string
	}
	best := make(map[baseKey]*CandidateCheckPair)

	for _, p := range pairs {
		base, remote := p.Local.BaseAddr(), p.Remote.Addr()
		k := baseKey{
			base:   base.String() + "|" + base.Network.String(),
			remote: remote.String() + "|" + remote.Network.String(),
		}
		cur, ok := best[k]
		if !ok {
			best[k] = p
			continue
		}
		if p.State() == PairStateSucceeded || p.State() == PairStateInProgress {
			continue
		}
		if p.Priority() > cur.Priority() {
			best[k] = p
		}
	}

	kept := make(map[*CandidateCheckPair]bool, len(best))
	for _, p := range best {
		kept[p] = true
	}

	out := pairs[:0]
	for _, p := range pairs {
		if kept[p] || p.State() == PairStateSucceeded || p.State() == PairStateInProgress {
			out = append(out, p)
		}
	}
	return out
}

// freezeByFoundation implements RFC 5245 §5.7.4: only one pair per
// foundation group starts in WAITING; the rest start FROZEN until their
// group's representative pair completes.
func freezeByFoundation(pairs []*CandidateCheckPair) {
	seen := make(map[string]bool)
	sort.Sort(byPairPriority(pairs))
	for _, p := range pairs {
		if p.State() != PairStateFrozen && p.State() != PairStateWaiting {
			continue
		}
		key := p.foundationKey()
		if !seen[key] {
			p.setState(PairStateWaiting)
			seen[key] = true
		} else {
			p.setState(PairStateFrozen)
		}
	}
}

// StartConnectivityChecks begins the connectivity-check scheduler for
// streamID as the given ICE role, per spec.md §4.4/§6.
func (a *Agent) StartConnectivityChecks(ctx context.Context, streamID string, controlling bool) error {
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}

	return a.run(ctx, func(ctx context.Context) {
		a.setRole(roleFromBool(controlling))
		for _, comp := range s.Components() {
			comp.setState(ComponentStateConnecting)
			a.notifyConnectionStateChange(streamID, comp.ID(), ComponentStateConnecting)
		}
		go a.checkScheduler(streamID)
	})
}

func roleFromBool(controlling bool) Role {
	if controlling {
		return RoleControlling
	}
	return RoleControlled
}

// checkScheduler periodically walks the ordinary check queue (RFC 5245
// §5.8), sending the highest-priority WAITING pair's connectivity check
// each tick until the stream closes. This is a simplified, single-
// goroutine-per-stream stand-in for the reference agent's unified
// checkTimer; the CheckInterval config field controls its cadence.
func (a *Agent) checkScheduler(streamID string) {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			s := a.Stream(streamID)
			if s == nil {
				return
			}
			pair := nextOrdinaryCheck(s.checkList())
			if pair == nil {
				continue
			}
			a.sendConnectivityCheck(streamID, s, pair)
		}
	}
}

// nextOrdinaryCheck picks the highest-priority WAITING pair, per RFC
// 5245 §5.8's ordinary check rule.
func nextOrdinaryCheck(pairs []*CandidateCheckPair) *CandidateCheckPair {
	var best *CandidateCheckPair
	for _, p := range pairs {
		if p.State() != PairStateWaiting {
			continue
		}
		if best == nil || p.Priority() > best.Priority() {
			best = p
		}
	}
	return best
}

func (a *Agent) sendConnectivityCheck(streamID string, s *Stream, pair *CandidateCheckPair) {
	pair.setState(PairStateInProgress)
	// The STUN Binding request (PRIORITY, USE-CANDIDATE,
	// ICE-CONTROLLED/CONTROLLING, MESSAGE-INTEGRITY using the remote
	// stream's short-term credential) and its retransmission timer are
	// built and driven by runBindingTransaction/performBindingRequest
	// below, on their own goroutine.
	go a.runBindingTransaction(streamID, s, pair)
}

// runBindingTransaction drives one pair's STUN transaction to completion
// (or exhaustion) and applies the resulting state transition, including
// the §4.5 discovered-pair synthesis and 487 role-conflict retry.
func (a *Agent) runBindingTransaction(streamID string, s *Stream, pair *CandidateCheckPair) {
	profile := profileFor(a.cfg.Compat)
	useCandidate := a.Role() == RoleControlling && (profile.aggressiveNominate || pair.nominateOnSuccess)

	result, err := a.performBindingRequest(s, pair, useCandidate)
	if err == errRoleConflict {
		// Role flipped; the pair goes back to WAITING so a later
		// scheduler tick retries the check under the new role.
		pair.setStateUnlessFailed(PairStateWaiting)
		return
	}
	if err != nil {
		pair.setStateUnlessFailed(PairStateFailed)
		return
	}

	pair.setStateUnlessFailed(PairStateSucceeded)
	pair.Remote.seen()
	a.recordDiscoveredPair(streamID, s, pair, result)
	freezeByFoundation(s.checkList())

	pair.mu.RLock()
	deferred := pair.nominateOnSuccess
	pair.mu.RUnlock()
	if useCandidate || deferred {
		a.nominate(streamID, s, pair)
	}
}

// recordDiscoveredPair implements spec.md §4.5's paragraph on validating
// the success response's mapped address: when it doesn't match any known
// local candidate, a PEER_REFLEXIVE local candidate is synthesized (base =
// pair.Local) and a new, possibly distinct, SUCCEEDED pair is recorded for
// it — the "discovered" valid pair, kept alongside the originating pair
// rather than replacing it.
func (a *Agent) recordDiscoveredPair(streamID string, s *Stream, pair *CandidateCheckPair, result *bindingResult) {
	if result == nil {
		return
	}
	comp := s.Component(pair.Local.ComponentID())
	if comp == nil {
		return
	}

	mappedNetwork := pair.Local.Addr().Network
	mapped := NewAddress(result.mappedIP, result.mappedPort, mappedNetwork)

	for _, local := range comp.LocalCandidates() {
		if local.Addr().Equal(mapped) {
			// The mapped address is already a known local candidate; the
			// originating pair itself is the discovered pair.
			return
		}
	}

	base := pair.Local.Addr()
	prflx, err := NewCandidate(streamID, comp.ID(), CandidateTypePeerReflexive, pair.Local.Transport(), mapped, base, &base, a.cfg.Compat)
	if err != nil {
		a.log.Warnf("ice: synthesize peer-reflexive candidate: %v", err)
		return
	}
	comp.addLocalCandidate(prflx)
	a.notifyCandidate(streamID, prflx)

	discovered := NewCandidateCheckPair(prflx, pair.Remote, a.Role() == RoleControlling)
	discovered.setState(PairStateDiscovered)
	discovered.setState(PairStateSucceeded)

	pairs := append(s.checkList(), discovered)
	sort.Sort(byPairPriority(pairs))
	s.setCheckList(pairs)
}

// bindingResult carries a Binding success response's XOR-MAPPED-ADDRESS
// back to the caller for §4.5's discovered-pair validation.
type bindingResult struct {
	mappedIP   net.IP
	mappedPort int
}

// errRoleConflict signals runBindingTransaction to retry a pair's check
// on the next tick rather than fail it: the 487 response already flipped
// the agent's role via handleRoleConflict.
var errRoleConflict = errors.New("ice: role conflict, retry after switch")

// performBindingRequest sends a STUN Binding request over the pair's
// local candidate socket to the remote candidate's address and waits for
// a response, per spec.md §4.5's request-contents paragraph. It sends at
// most cfg.MaxBindingRequests requests, a new one only after the previous
// one timed out; an error response ends the transaction at once.
func (a *Agent) performBindingRequest(s *Stream, pair *CandidateCheckPair, useCandidate bool) (*bindingResult, error) {
	conn := pair.Local.Socket()
	if conn == nil {
		return nil, ErrNoSocket
	}

	remoteUfrag, remotePwd := s.RemoteCredentials()
	localUfrag, _ := s.LocalCredentials()
	if remoteUfrag == "" {
		return nil, ErrNoRemoteCredentials
	}

	profile := profileFor(a.cfg.Compat)
	controlling := a.Role() == RoleControlling

	maxAttempts := a.cfg.MaxBindingRequests
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	remoteAddr := &net.UDPAddr{IP: pair.Remote.Addr().IP, Port: pair.Remote.Addr().Port}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msg, err := stunmsg.NewMessage(stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassRequest}, profile.transactionIDBits)
		if err != nil {
			return nil, err
		}
		msg.AddAttribute(stunmsg.AttrUsername, []byte(remoteUfrag+":"+localUfrag))
		msg.AddAttribute(stunmsg.AttrPriority, encodeUint32(pair.Local.Priority()))
		if controlling {
			msg.AddAttribute(stunmsg.AttrIceControlling, encodeUint64(a.tieBreak))
		} else {
			msg.AddAttribute(stunmsg.AttrIceControlled, encodeUint64(a.tieBreak))
		}
		if useCandidate {
			msg.AddAttribute(stunmsg.AttrUseCandidate, nil)
		}
		if err := msg.AppendMessageIntegrity([]byte(remotePwd)); err != nil {
			return nil, err
		}
		if err := msg.AppendFingerprint(); err != nil {
			return nil, err
		}
		raw, err := msg.Build()
		if err != nil {
			return nil, err
		}

		ch, cancel := a.awaitTransaction(msg.TransactionID)

		if err := pair.Local.writeTo(raw, remoteAddr); err != nil {
			cancel()
			return nil, err
		}
		pair.Local.sent() //nolint:errcheck

		rto := a.cfg.CheckInterval * time.Duration(attempt+1)
		if rto <= 0 {
			rto = 500 * time.Millisecond
		}
		select {
		case resp := <-ch:
			cancel()
			result, rerr := a.handleBindingResponse(s, resp.msg)
			if rerr == errRoleConflict {
				return nil, errRoleConflict
			}
			if rerr != nil {
				return nil, rerr
			}
			return result, nil
		case <-time.After(rto):
			cancel()
			lastErr = ErrTransactionTimeout
		case <-a.done:
			cancel()
			return nil, a.getErr()
		}
	}
	if lastErr == nil {
		lastErr = ErrTransactionTimeout
	}
	return nil, lastErr
}

// handleBindingResponse validates a Binding response (success or error)
// per spec.md §4.5's closing paragraphs.
func (a *Agent) handleBindingResponse(s *Stream, msg *stunmsg.Message) (*bindingResult, error) {
	if msg.Type.Class == stunmsg.ClassErrorResponse {
		attr, ok := msg.GetAttribute(stunmsg.AttrErrorCode)
		if !ok || decodeErrorCode(attr.Value) != stunmsg.CodeRoleConflict {
			return nil, ErrCheckFailed
		}
		remoteIsControlling := false
		var remoteTieBreak uint64
		if cAttr, ok := msg.GetAttribute(stunmsg.AttrIceControlling); ok {
			remoteIsControlling, remoteTieBreak = true, decodeUint64(cAttr.Value)
		} else if cAttr, ok := msg.GetAttribute(stunmsg.AttrIceControlled); ok {
			remoteIsControlling, remoteTieBreak = false, decodeUint64(cAttr.Value)
		}
		if err := a.handleRoleConflict(remoteIsControlling, a.tieBreak, remoteTieBreak); err != nil {
			return nil, ErrCheckFailed
		}
		return nil, errRoleConflict
	}
	attr, ok := msg.GetAttribute(stunmsg.AttrXORMappedAddress)
	if !ok {
		return nil, ErrCheckFailed
	}
	ip, port, err := stunmsg.DecodeXORAddress(attr.Value, msg.TransactionID)
	if err != nil {
		return nil, err
	}
	return &bindingResult{mappedIP: ip, mappedPort: port}, nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	return b
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
	return b
}

func decodeUint64(value []byte) uint64 {
	if len(value) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(value[i])
	}
	return v
}

func decodeErrorCode(value []byte) stunmsg.ErrorCode {
	if len(value) < 4 {
		return 0
	}
	class := int(value[2])
	number := int(value[3])
	return stunmsg.ErrorCode(class*100 + number)
}

// nominate marks pair nominated and, once a component has a nominated
// valid pair, selects it — RFC 5245 §8.1 / §11.1.
func (a *Agent) nominate(streamID string, s *Stream, pair *CandidateCheckPair) {
	pair.nominate()
	comp := s.Component(pair.Local.ComponentID())
	if comp == nil {
		return
	}
	comp.setSelectedPair(pair)
	comp.setState(ComponentStateConnected)
	a.notifySelectedPairChange(streamID, comp.ID(), pair)
	a.notifyConnectionStateChange(streamID, comp.ID(), ComponentStateConnected)

	a.cancelLowerPriorityPairs(s, pair)
	a.startKeepalive(streamID, comp, pair)
}

// cancelLowerPriorityPairs marks every other pair on pair's component
// CANCELLED once a nomination has gone through, per RFC 5245 §8.1.2.
func (a *Agent) cancelLowerPriorityPairs(s *Stream, nominated *CandidateCheckPair) {
	for _, p := range s.checkList() {
		if p == nominated {
			continue
		}
		if p.Local.ComponentID() != nominated.Local.ComponentID() {
			continue
		}
		switch p.State() {
		case PairStateWaiting, PairStateFrozen, PairStateInProgress:
			p.setStateUnlessFailed(PairStateCancelled)
		}
	}
}

// handleRoleConflict implements RFC 5245 §7.1.3.1's 487 response/
// ICE-CONTROLLED-vs-ICE-CONTROLLING tie-break. When both sides are
// controlling, the agent with the lower tie-breaker switches to
// controlled; when both are controlled, the agent with the higher
// tie-breaker switches to controlling. Otherwise it keeps its role and
// returns ErrRoleConflict.
func (a *Agent) handleRoleConflict(remoteIsControlling bool, localTieBreak, remoteTieBreak uint64) error {
	localControlling := a.Role() == RoleControlling
	if localControlling == !remoteIsControlling {
		// Roles already consistent; nothing to resolve.
		return nil
	}

	if localControlling {
		if localTieBreak >= remoteTieBreak {
			return ErrRoleConflict
		}
		a.setRole(RoleControlled)
	} else {
		if remoteTieBreak >= localTieBreak {
			return ErrRoleConflict
		}
		a.setRole(RoleControlling)
	}
	return nil
}

// handleInboundUseCandidate processes a received connectivity check that
// carries USE-CANDIDATE (regular nomination, RFC 5245 §7.2.1.5): if the
// corresponding pair already succeeded, it is nominated immediately;
// otherwise nomination is deferred until the pair's own check succeeds.
func (a *Agent) handleInboundUseCandidate(streamID string, s *Stream, pair *CandidateCheckPair) {
	if pair.State() == PairStateSucceeded {
		a.nominate(streamID, s, pair)
		return
	}
	pair.mu.Lock()
	pair.nominateOnSuccess = true
	pair.mu.Unlock()
}

// addTriggeredCheck implements RFC 5245 §7.2.1.4 in simplified form: a
// pair addressed by an inbound check is set to WAITING regardless of its
// frozen/foundation state, unless it is already IN_PROGRESS, SUCCEEDED or
// FAILED. There is no separate triggered-check queue; the scheduler picks
// it up in priority order with the other WAITING pairs.
func addTriggeredCheck(pair *CandidateCheckPair) {
	if pair.State() == PairStateSucceeded || pair.State() == PairStateInProgress {
		return
	}
	pair.setStateUnlessFailed(PairStateWaiting)
}

// RestartICE implements spec.md §4.8: a stream gets fresh local
// credentials and its check list/candidates are cleared so gathering and
// checking start over, while the Agent and its Components stay alive.
func (a *Agent) RestartICE(ctx context.Context, streamID string) error {
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}
	return a.run(ctx, func(ctx context.Context) {
		ufrag, pwd := randSeq(8), randSeq(24)
		s.mu.Lock()
		s.localUfrag, s.localPwd = ufrag, pwd
		s.remoteUfrag, s.remotePwd = "", ""
		s.remoteCandidates = nil
		s.checklist = nil
		s.mu.Unlock()

		for _, comp := range s.Components() {
			comp.mu.Lock()
			comp.localCandidates = nil
			comp.selectedPair = nil
			comp.mu.Unlock()
			comp.setState(ComponentStateNew)
		}
	})
}

