// Package ice implements the core of an Interactive Connectivity
// Establishment (ICE) agent as defined in RFC 5245, including the
// compatibility variants used by Google Talk, MSN, Windows Live Messenger
// 2009 and Microsoft Office Communicator 2007/R2.
//
// The package covers candidate gathering (STUN/TURN), the connectivity
// check state machine, per-component selected-pair lifecycle, and the
// layered socket stack (UDP, TCP framing, SOCKS5, pseudo-SSL, TURN). SDP
// text generation, PseudoTCP reliability, and event-loop integration are
// left to callers; see AgentConfig for the seams.
package ice
