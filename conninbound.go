package ice

import (
	"net"
	"sort"
	"time"

	"github.com/goice/ice/internal/stunmsg"
)

// startComponentIO launches the read loop for one gathered local
// candidate's socket. Every inbound packet is classified as STUN or
// application data per spec.md §4.6/§6: STUN success/error responses are
// routed to whichever performBindingRequest call is awaiting that
// transaction; STUN Binding requests get the full §4.6 inbound-check
// treatment; everything else is handed to the component's attach_recv
// callback.
func (a *Agent) startComponentIO(streamID string, s *Stream, comp *Component, cand *Candidate) {
	conn := cand.Socket()
	if conn == nil {
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if err := conn.SetDeadline(time.Time{}); err != nil {
				return
			}
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			raw := make([]byte, n)
			copy(raw, buf[:n])
			a.handlePacket(streamID, s, comp, cand, raw, from)
		}
	}()
}

// handlePacket classifies and dispatches one datagram received on local's
// socket, per spec.md §4.6's opening paragraph.
func (a *Agent) handlePacket(streamID string, s *Stream, comp *Component, local *Candidate, raw []byte, from net.Addr) {
	if remote := comp.findRemoteCandidate(from); remote != nil {
		remote.seen()
	}

	if !stunmsg.IsMessage(raw) {
		comp.deliver(raw)
		return
	}
	msg, err := stunmsg.Parse(raw)
	if err != nil {
		comp.deliver(raw)
		return
	}
	if msg.Type.Method != stunmsg.MethodBinding {
		return
	}

	switch msg.Type.Class {
	case stunmsg.ClassSuccessResponse, stunmsg.ClassErrorResponse:
		a.deliverTransaction(msg.TransactionID, msg, from)
	case stunmsg.ClassRequest:
		a.handleInboundBindingRequest(streamID, s, comp, local, msg, raw, from)
	case stunmsg.ClassIndication:
		// Binding indications are keepalives (spec.md §4.7): no response,
		// no state change beyond the fact that the remote is still alive,
		// which the triggered-check path already covers for requests.
	}
}

// handleInboundBindingRequest implements spec.md §4.6 steps 1-7: validate
// USERNAME/MESSAGE-INTEGRITY, resolve a role conflict, learn a
// peer-reflexive remote candidate if needed, respond with Binding
// success, and enqueue a triggered check.
func (a *Agent) handleInboundBindingRequest(streamID string, s *Stream, comp *Component, local *Candidate, msg *stunmsg.Message, raw []byte, from net.Addr) {
	localUfrag, localPwd := s.LocalCredentials()
	remoteUfrag, _ := s.RemoteCredentials()

	if remoteUfrag == "" {
		comp.queueIncomingCheck(local, raw, from)
		return
	}

	userAttr, ok := msg.GetAttribute(stunmsg.AttrUsername)
	if !ok || string(userAttr.Value) != localUfrag+":"+remoteUfrag {
		a.sendBindingError(local, from, msg, stunmsg.CodeUnauthorized)
		return
	}
	if err := stunmsg.VerifyMessageIntegrity(raw, []byte(localPwd)); err != nil {
		a.sendBindingError(local, from, msg, stunmsg.CodeUnauthorized)
		return
	}

	localControlling := a.Role() == RoleControlling
	remoteIsControlling := false
	haveRoleAttr := false
	var remoteTieBreak uint64
	if attr, ok := msg.GetAttribute(stunmsg.AttrIceControlling); ok {
		remoteIsControlling, remoteTieBreak, haveRoleAttr = true, decodeUint64(attr.Value), true
	} else if attr, ok := msg.GetAttribute(stunmsg.AttrIceControlled); ok {
		remoteIsControlling, remoteTieBreak, haveRoleAttr = false, decodeUint64(attr.Value), true
	}
	if haveRoleAttr && localControlling == remoteIsControlling {
		if err := a.handleRoleConflict(remoteIsControlling, a.tieBreak, remoteTieBreak); err != nil {
			a.sendBindingError(local, from, msg, stunmsg.CodeRoleConflict)
			return
		}
	}

	remote := comp.findRemoteCandidate(from)
	if remote == nil {
		priority := uint32(0)
		if attr, ok := msg.GetAttribute(stunmsg.AttrPriority); ok {
			priority = decodeUint32(attr.Value)
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			return
		}
		addr := NewAddress(udpAddr.IP, udpAddr.Port, local.Addr().Network)
		var err error
		remote, err = newPeerReflexiveRemoteCandidate(streamID, comp.ID(), addr, priority, a.cfg.Compat)
		if err != nil {
			a.log.Warnf("ice: learn peer-reflexive remote candidate from %s: %v", from, err)
			return
		}
		comp.addRemoteCandidate(remote)
		a.notifyNewRemoteCandidate(streamID, remote)
	}

	a.sendBindingSuccess(local, from, msg, localPwd)

	pair := a.findOrCreateCheckPair(s, local, remote)
	addTriggeredCheck(pair)

	if _, useCandidate := msg.GetAttribute(stunmsg.AttrUseCandidate); useCandidate && !localControlling {
		a.handleInboundUseCandidate(streamID, s, pair)
	}
}

// sendBindingSuccess builds and sends a Binding success response carrying
// XOR-MAPPED-ADDRESS = from, per spec.md §4.6 step 5.
func (a *Agent) sendBindingSuccess(local *Candidate, from net.Addr, req *stunmsg.Message, localPwd string) {
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	resp := stunmsg.NewResponse(req, stunmsg.ClassSuccessResponse)
	mapped, err := stunmsg.EncodeXORAddress(udpAddr.IP, udpAddr.Port, req.TransactionID)
	if err != nil {
		return
	}
	resp.AddAttribute(stunmsg.AttrXORMappedAddress, mapped)
	if err := resp.AppendMessageIntegrity([]byte(localPwd)); err != nil {
		return
	}
	if err := resp.AppendFingerprint(); err != nil {
		return
	}
	raw, err := resp.Build()
	if err != nil {
		return
	}
	local.writeTo(raw, from) //nolint:errcheck
}

// sendBindingError builds and sends a Binding error response, used for
// USERNAME/integrity failures (400/401) and unresolved role conflicts
// (487), per spec.md §4.6 and §4.5's error-code table.
func (a *Agent) sendBindingError(local *Candidate, from net.Addr, req *stunmsg.Message, code stunmsg.ErrorCode) {
	resp := stunmsg.NewResponse(req, stunmsg.ClassErrorResponse)
	resp.AddAttribute(stunmsg.AttrErrorCode, encodeErrorCode(code))
	raw, err := resp.Build()
	if err != nil {
		return
	}
	local.writeTo(raw, from) //nolint:errcheck
}

// findOrCreateCheckPair returns the existing check-list pair for
// (local, remote), or appends a new WAITING one, per spec.md §4.6 step 6.
func (a *Agent) findOrCreateCheckPair(s *Stream, local, remote *Candidate) *CandidateCheckPair {
	for _, p := range s.checkList() {
		if p.Local.Equal(local) && p.Remote.Equal(remote) {
			return p
		}
	}
	pair := NewCandidateCheckPair(local, remote, a.Role() == RoleControlling)
	pair.setState(PairStateWaiting)
	pairs := append(s.checkList(), pair)
	sort.Sort(byPairPriority(pairs))
	s.setCheckList(pairs)
	return pair
}

func decodeUint32(value []byte) uint32 {
	if len(value) < 4 {
		return 0
	}
	return uint32(value[0])<<24 | uint32(value[1])<<16 | uint32(value[2])<<8 | uint32(value[3])
}

// encodeErrorCode builds an ERROR-CODE attribute value (RFC 5389 §15.6):
// a 4-byte prefix (two reserved zero bytes, the class in the third byte
// and the number in the fourth), followed by a short reason phrase.
func encodeErrorCode(code stunmsg.ErrorCode) []byte {
	reason := errorCodeReason(code)
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(int(code) % 100)
	copy(v[4:], reason)
	return v
}

func errorCodeReason(code stunmsg.ErrorCode) string {
	switch code {
	case stunmsg.CodeUnauthorized:
		return "Unauthorized"
	case stunmsg.CodeRoleConflict:
		return "Role Conflict"
	case stunmsg.CodeBadRequest:
		return "Bad Request"
	default:
		return "Error"
	}
}
