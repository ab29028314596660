package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goice/ice/internal/socket"
	"github.com/goice/ice/internal/stunmsg"
)

// GatheringState is the lifecycle of a stream's candidate gathering pass.
type GatheringState int

const (
	// GatheringStateNew means gathering has not been started.
	GatheringStateNew GatheringState = iota + 1
	// GatheringStateGathering means host/srflx/relay candidates are
	// still being collected.
	GatheringStateGathering
	// GatheringStateComplete means every configured source has either
	// produced a candidate or failed permanently.
	GatheringStateComplete
)

// discoveryRecord tracks one outstanding gathering operation (a STUN
// Binding request for a server-reflexive candidate, or a TURN Allocate
// for a relayed one), correlated by a uuid for logging, per SPEC_FULL.md
// §2's domain-stack wiring for github.com/google/uuid.
type discoveryRecord struct {
	id       string
	url      *URL
	ctype    CandidateType
	attempts int
}

func newDiscoveryRecord(url *URL, ctype CandidateType) *discoveryRecord {
	return &discoveryRecord{id: uuid.NewString(), url: url, ctype: ctype}
}

// refreshRecord tracks a TURN allocation's periodic refresh, separate
// from the one-shot discoveryRecord that created it.
type refreshRecord struct {
	id         string
	allocation *socket.Allocation
	interval   time.Duration
}

// bindUDPInRange opens a UDP socket on ip, honoring cfg.PortMin/PortMax
// when either is set (spec.md §4.3 step 2 and §8's port-range boundary
// scenario): a range of size 1 must either bind that exact port or fail
// gathering for that base, never silently fall back to an ephemeral one.
func bindUDPInRange(ip net.IP, portMin, portMax uint16) (*net.UDPConn, error) {
	if portMin == 0 && portMax == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	}
	var lastErr error
	for port := int(portMin); port <= int(portMax); port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrPort
	}
	return nil, fmt.Errorf("ice: no free port in range [%d,%d]: %w", portMin, portMax, lastErr)
}

// GatherCandidates starts host, server-reflexive and relayed candidate
// gathering for every component of streamID, per spec.md §4.3. Host
// candidates are produced synchronously from local interface enumeration,
// each bound to a real UDP socket the component owns; srflx/relay
// candidates are produced asynchronously as STUN/TURN exchanges complete.
// Every candidate is delivered via Agent.OnCandidate as it's gathered, and
// once every discovery started by this call has finished (successfully or
// not), the stream's GatheringState transitions to Complete and
// candidate-gathering-done(stream_id) fires.
func (a *Agent) GatherCandidates(ctx context.Context, streamID string) error {
	s := a.Stream(streamID)
	if s == nil {
		return ErrUnknownStream
	}

	ips, err := localInterfaces(a.cfg.InterfaceFilter, a.cfg.NetworkTypes)
	if err != nil {
		return fmt.Errorf("ice: enumerate local interfaces: %w", err)
	}

	s.setGatheringState(GatheringStateGathering)

	var wg sync.WaitGroup
	for _, comp := range s.Components() {
		comp := comp
		a.notifyConnectionStateChange(streamID, comp.ID(), ComponentStateGathering)
		comp.setState(ComponentStateGathering)

		for _, u := range a.cfg.Urls {
			comp.addTurnServer(u)
		}

		for _, ip := range ips {
			network, nerr := determineNetworkType("udp", ip)
			if nerr != nil {
				continue
			}
			conn, berr := bindUDPInRange(ip, a.cfg.PortMin, a.cfg.PortMax)
			if berr != nil {
				a.log.Warnf("ice: bind host candidate on %s: %v", ip, berr)
				continue
			}
			local, ok := conn.LocalAddr().(*net.UDPAddr)
			if !ok {
				conn.Close() //nolint:errcheck
				continue
			}
			addr := NewAddress(local.IP, local.Port, network)
			cand, cerr := NewCandidate(streamID, comp.ID(), CandidateTypeHost, TransportUDP, addr, addr, nil, a.cfg.Compat)
			if cerr != nil {
				a.log.Warnf("ice: build host candidate for %s: %v", ip, cerr)
				conn.Close() //nolint:errcheck
				continue
			}
			cand.SetSocket(conn, true)
			comp.addLocalCandidate(cand)
			comp.addSocket(conn)
			a.notifyCandidate(streamID, cand)

			for _, u := range a.cfg.Urls {
				if u.Scheme != SchemeTypeSTUN && u.Scheme != SchemeTypeSTUNS {
					continue
				}
				u := u
				hostCand := cand
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.gatherServerReflexive(ctx, streamID, comp, hostCand, u)
				}()
			}
		}

		for _, u := range a.cfg.Urls {
			if u.Scheme != SchemeTypeTURN && u.Scheme != SchemeTypeTURNS {
				continue
			}
			u := u
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.gatherRelayed(ctx, streamID, comp, u)
			}()
		}
	}

	go func() {
		wg.Wait()
		for _, comp := range s.Components() {
			for _, cand := range comp.LocalCandidates() {
				if cand.Socket() != nil {
					a.startComponentIO(streamID, s, comp, cand)
				}
			}
		}
		s.setGatheringState(GatheringStateComplete)
		a.notifyGatheringDone(streamID)
	}()

	return nil
}

// gatherServerReflexive sends a Binding request from hostCand's own socket
// (per spec.md §4.3 step 3: "send Binding request from the host socket")
// and, on a success response, builds a server-reflexive candidate whose
// base is hostCand and which borrows hostCand's socket rather than opening
// one of its own.
func (a *Agent) gatherServerReflexive(ctx context.Context, streamID string, comp *Component, hostCand *Candidate, u *URL) {
	rec := newDiscoveryRecord(u, CandidateTypeServerReflexive)
	log := a.cfg.LoggerFactory.NewLogger("ice-gather")

	conn := hostCand.Socket()
	if conn == nil {
		log.Warnf("ice: gather srflx [%s]: host candidate has no socket", rec.id)
		return
	}

	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.Host, u.Port))
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: resolve %s: %v", rec.id, u.Host, err)
		return
	}

	profile := profileFor(a.cfg.Compat)
	msg, err := stunmsg.NewMessage(stunmsg.Type{Method: stunmsg.MethodBinding, Class: stunmsg.ClassRequest}, profile.transactionIDBits)
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: build request: %v", rec.id, err)
		return
	}
	if profile.emitSoftware {
		msg.AddAttribute(stunmsg.AttrSoftware, []byte("goice"))
	}
	if err := msg.AppendFingerprint(); err != nil {
		log.Warnf("ice: gather srflx [%s]: fingerprint: %v", rec.id, err)
		return
	}
	raw, err := msg.Build()
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: encode request: %v", rec.id, err)
		return
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	conn.SetDeadline(deadline) //nolint:errcheck
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := conn.WriteTo(raw, serverAddr); err != nil {
		log.Warnf("ice: gather srflx [%s]: send request: %v", rec.id, err)
		return
	}

	resp := make([]byte, 1500)
	n, _, err := conn.ReadFrom(resp)
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: no response from %s: %v", rec.id, u.Host, err)
		return
	}

	parsed, err := stunmsg.Parse(resp[:n])
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: parse response: %v", rec.id, err)
		return
	}
	attr, ok := parsed.GetAttribute(stunmsg.AttrXORMappedAddress)
	if !ok {
		log.Warnf("ice: gather srflx [%s]: response has no XOR-MAPPED-ADDRESS", rec.id)
		return
	}
	mappedIP, mappedPort, err := stunmsg.DecodeXORAddress(attr.Value, parsed.TransactionID)
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: decode mapped address: %v", rec.id, err)
		return
	}

	base := hostCand.Addr()
	mapped := NewAddress(mappedIP, mappedPort, base.Network)

	cand, err := NewCandidate(streamID, comp.ID(), CandidateTypeServerReflexive, TransportUDP, mapped, base, &base, a.cfg.Compat)
	if err != nil {
		log.Warnf("ice: gather srflx [%s]: build candidate: %v", rec.id, err)
		return
	}
	cand.SetSocket(conn, false)
	comp.addLocalCandidate(cand)
	a.notifyCandidate(streamID, cand)
}

func (a *Agent) gatherRelayed(ctx context.Context, streamID string, comp *Component, u *URL) {
	rec := newDiscoveryRecord(u, CandidateTypeRelayed)
	log := a.cfg.LoggerFactory.NewLogger("ice-gather")

	client := socket.NewTURNClient(socket.TURNClientConfig{
		ServerAddr: fmt.Sprintf("%s:%d", u.Host, u.Port),
		Username:   u.Username,
		Password:   u.Password,
		Compat:     turnCompatFor(a.cfg.Compat),
		Log:        log,
	}, nil)

	network := "udp"
	if u.Proto == ProtoTypeTCP {
		network = "tcp"
	}

	alloc, err := client.Allocate(ctx, network)
	if err != nil {
		log.Warnf("ice: gather relay [%s]: allocate on %s: %v", rec.id, u.Host, err)
		return
	}

	udpAddr, ok := alloc.RelayedAddr.(*net.UDPAddr)
	if !ok {
		log.Warnf("ice: gather relay [%s]: unexpected relayed address type", rec.id)
		return
	}
	nt, err := determineNetworkType("udp", udpAddr.IP)
	if err != nil {
		return
	}
	relayed := NewAddress(udpAddr.IP, udpAddr.Port, nt)

	cand, err := NewCandidate(streamID, comp.ID(), CandidateTypeRelayed, TransportUDP, relayed, relayed, &relayed, a.cfg.Compat)
	if err != nil {
		log.Warnf("ice: gather relay [%s]: build candidate: %v", rec.id, err)
		alloc.Close() //nolint:errcheck
		return
	}
	cand.setTurnServer(u)
	cand.SetSocket(alloc.PacketConn(), true)
	comp.addLocalCandidate(cand)
	a.notifyCandidate(streamID, cand)
}

func turnCompatFor(c Compatibility) socket.TURNCompat {
	switch c {
	case CompatibilityGoogle:
		return socket.TURNCompatGoogle
	case CompatibilityMSN, CompatibilityWLM2009:
		return socket.TURNCompatMSN
	case CompatibilityOC2007, CompatibilityOC2007R2:
		return socket.TURNCompatOC2007
	default:
		return socket.TURNCompatRFC5766
	}
}
