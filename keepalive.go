package ice

import (
	"net"
	"time"

	"github.com/goice/ice/internal/stunmsg"
)

// startKeepalive runs for the lifetime of pair's selection: it emits a
// STUN Binding indication on the interval cfg.KeepaliveInterval controls
// to keep the NAT binding alive (spec.md §4.7), and watches the remote
// candidate's last-seen timestamp against cfg.DisconnectedTimeout/
// cfg.FailedTimeout to retire a pair that has gone quiet. It exits on its
// own once a different pair is selected for the component or the agent
// closes.
func (a *Agent) startKeepalive(streamID string, comp *Component, pair *CandidateCheckPair) {
	interval := a.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-ticker.C:
				if comp.SelectedPair() != pair {
					return
				}
				a.sendKeepalive(pair)
				a.checkPairLiveness(streamID, comp, pair)
			}
		}
	}()
}

// sendKeepalive sends a Binding indication over pair's local socket; no
// response is expected, per RFC 5245 §10's relaxed keepalive form.
func (a *Agent) sendKeepalive(pair *CandidateCheckPair) {
	profile := profileFor(a.cfg.Compat)
	msg, err := stunmsg.NewMessage(stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassIndication}, profile.transactionIDBits)
	if err != nil {
		return
	}
	raw, err := msg.Build()
	if err != nil {
		return
	}
	addr := &net.UDPAddr{IP: pair.Remote.Addr().IP, Port: pair.Remote.Addr().Port}
	if err := pair.Local.writeTo(raw, addr); err == nil {
		pair.Local.sent()
	}
}

// checkPairLiveness retires a selected pair whose remote candidate has
// gone quiet past cfg.FailedTimeout, and logs (but does not yet act on)
// the shorter cfg.DisconnectedTimeout threshold — spec.md §4.7 describes
// a DISCONNECTED state this package does not yet expose separately from
// FAILED (see DESIGN.md).
func (a *Agent) checkPairLiveness(streamID string, comp *Component, pair *CandidateCheckPair) {
	idle := time.Since(pair.Remote.LastSeen())

	if a.cfg.DisconnectedTimeout > 0 && idle > a.cfg.DisconnectedTimeout {
		comp.log.Warnf("component %d: selected pair idle for %s, no traffic from %s", comp.ID(), idle, pair.Remote.Addr())
	}

	if a.cfg.FailedTimeout > 0 && idle > a.cfg.FailedTimeout {
		pair.setState(PairStateFailed)
		comp.setState(ComponentStateFailed)
		a.notifyConnectionStateChange(streamID, comp.ID(), ComponentStateFailed)
	}
}
