package socket

import (
	"fmt"
	"net"
	"sync"
)

// sslClientHandshake and sslServerHandshake are the fixed synthetic
// SSLv2-shaped ClientHello/ServerHello records some legacy TURN relays
// (the Google/MSN/OC2007 compatibility families) expect before they'll
// relay TCP data, matching the original implementation's canned byte
// sequences rather than a real TLS handshake.
var (
	sslClientHandshake = []byte{
		0x80, 0x46, 0x01, 0x03, 0x01, 0x00, 0x2d, 0x00,
		0x00, 0x00, 0x10, 0x01, 0x00, 0x80, 0x03, 0x00,
		0x80, 0x07, 0x00, 0xc0, 0x06, 0x00, 0x40, 0x02,
		0x00, 0x80, 0x04, 0x00, 0x80, 0x00, 0x00, 0x04,
		0x00, 0xfe, 0xff, 0x00, 0x00, 0x0a, 0x00, 0xfe,
		0xfe, 0x00, 0x00, 0x09, 0x00, 0x00, 0x64, 0x00,
		0x00, 0x62, 0x00, 0x00, 0x03, 0x00, 0x00, 0x06,
		0x1f, 0x17, 0x0c, 0xa6, 0x2f, 0x00, 0x78, 0xfc,
		0x46, 0x55, 0x2e, 0xb1, 0x83, 0x39, 0xf1, 0xea,
	}
	sslServerHandshake = []byte{
		0x16, 0x03, 0x01, 0x00, 0x4a, 0x02, 0x00, 0x00,
		0x46, 0x03, 0x01, 0x42, 0x85, 0x45, 0xa7, 0x27,
		0xa9, 0x5d, 0xa0, 0xb3, 0xc5, 0xe7, 0x53, 0xda,
		0x48, 0x2b, 0x3f, 0xc6, 0x5a, 0xca, 0x89, 0xc1,
		0x58, 0x52, 0xa1, 0x78, 0x3c, 0x5b, 0x17, 0x46,
		0x00, 0x85, 0x3f, 0x20, 0x0e, 0xd3, 0x06, 0x72,
		0x5b, 0x5b, 0x1b, 0x5f, 0x15, 0xac, 0x13, 0xf9,
		0x88, 0x53, 0x9d, 0x9b, 0xe8, 0x3d, 0x7b, 0x0c,
		0x30, 0x32, 0x6e, 0x38, 0x4d, 0xa2, 0x75, 0x57,
		0x41, 0x6c, 0x34, 0x5c, 0x00, 0x04, 0x00,
	}
)

// PseudoSSLConn wraps a stream net.Conn and performs a synthetic
// handshake exchange before passing data through transparently. Writes
// issued before the handshake completes are queued and flushed once the
// expected server hello is observed.
type PseudoSSLConn struct {
	net.Conn

	mu          sync.Mutex
	handshaken  bool
	pending     [][]byte
	recvScratch []byte
}

// NewPseudoSSLConn wraps conn and sends the client hello immediately, the
// way the original implementation does from its constructor.
func NewPseudoSSLConn(conn net.Conn) (*PseudoSSLConn, error) {
	p := &PseudoSSLConn{Conn: conn}
	if _, err := conn.Write(sslClientHandshake); err != nil {
		return nil, fmt.Errorf("socket: pseudossl client hello: %w", err)
	}
	return p, nil
}

// Write queues data until the handshake completes, then writes it
// through directly.
func (p *PseudoSSLConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	if !p.handshaken {
		cp := append([]byte(nil), b...)
		p.pending = append(p.pending, cp)
		p.mu.Unlock()
		return len(b), nil
	}
	p.mu.Unlock()
	return p.Conn.Write(b)
}

// Read strips the server hello from the stream the first time it
// appears, then behaves like the wrapped conn.
func (p *PseudoSSLConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.handshaken {
		p.mu.Unlock()
		return p.Conn.Read(b)
	}
	p.mu.Unlock()

	scratch := make([]byte, len(sslServerHandshake))
	n, err := readFull(p.Conn, scratch)
	if err != nil {
		return 0, fmt.Errorf("socket: pseudossl server hello: %w", err)
	}
	if n != len(sslServerHandshake) || string(scratch) != string(sslServerHandshake) {
		return 0, ErrHandshakeFailed
	}

	p.mu.Lock()
	p.handshaken = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, data := range pending {
		if _, err := p.Conn.Write(data); err != nil {
			return 0, fmt.Errorf("socket: pseudossl flush queued write: %w", err)
		}
	}

	return p.Conn.Read(b)
}
