package socket

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/pion/transport/v4/packetio"
)

// TCPTURNFraming selects how a TURN allocation's TCP transport frames
// individual STUN/TURN messages and ChannelData packets on the wire.
type TCPTURNFraming int

const (
	// FramingRFC5766 is the standard draft-9/RFC 5766 framing: the first
	// two bytes of every STUN message are already its message type
	// (>= 0x4000 for ChannelData), so no extra length prefix is added;
	// messages are padded to a 4-byte boundary.
	FramingRFC5766 TCPTURNFraming = iota + 1
	// FramingGoogle prefixes every frame with a 2-byte big-endian length
	// and applies no padding, the libjingle-era TURN TCP dialect.
	FramingGoogle
)

// channelDataThreshold is the RFC 5766 §11 boundary: STUN message types
// are below 0x4000, ChannelData frames use their channel number (which
// starts at 0x4000) as the leading two bytes instead of a message type.
const channelDataThreshold = 0x4000

// maxReassemblyBuffer bounds the queue of reassembled frames waiting for
// Recv: once it holds this many bytes, further complete frames are
// dropped, per spec.md §9's TCP-TURN open question. A partial frame is
// held by readLoop until it completes; its size is bounded only by the
// frame's own 16-bit length field.
const maxReassemblyBuffer = 64 * 1024

// TCPTURNConn wraps a stream net.Conn with TCP-TURN framing, exposing a
// PacketConn-shaped Send/Recv pair the rest of the socket stack (and the
// TURN client above it) can treat like a datagram socket.
type TCPTURNConn struct {
	conn    net.Conn
	framing TCPTURNFraming

	mu  sync.Mutex
	buf *packetio.Buffer

	readSide []byte
}

// NewTCPTURNConn wraps conn with the given framing and starts a
// background reader that demultiplexes frames into a bounded
// packetio.Buffer.
func NewTCPTURNConn(conn net.Conn, framing TCPTURNFraming) *TCPTURNConn {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxReassemblyBuffer)

	t := &TCPTURNConn{conn: conn, framing: framing, buf: buf}
	go t.readLoop()
	return t
}

func (t *TCPTURNConn) readLoop() {
	defer t.buf.Close() //nolint:errcheck

	var pending []byte
	chunk := make([]byte, 4096)

	for {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			pending = t.drainFrames(pending)
		}
		if err != nil {
			return
		}
	}
}

// drainFrames extracts every complete frame currently buffered in
// pending and writes it to t.buf, returning whatever partial bytes
// remain.
func (t *TCPTURNConn) drainFrames(pending []byte) []byte {
	for {
		frame, rest, ok := splitFrame(pending, t.framing)
		if !ok {
			return pending
		}
		if _, err := t.buf.Write(frame); err != nil {
			// Buffer is at its cap: per spec.md §9, drop this frame
			// rather than block or grow past the limit.
			_ = err
		}
		pending = rest
	}
}

// splitFrame extracts the first complete frame from buf, if any, and
// returns the remainder.
func splitFrame(buf []byte, framing TCPTURNFraming) (frame, rest []byte, ok bool) {
	switch framing {
	case FramingGoogle:
		if len(buf) < 2 {
			return nil, buf, false
		}
		length := int(binary.BigEndian.Uint16(buf[0:2]))
		total := 2 + length
		if len(buf) < total {
			return nil, buf, false
		}
		return buf[2:total], buf[total:], true

	case FramingRFC5766:
		if len(buf) < 4 {
			return nil, buf, false
		}
		magic := binary.BigEndian.Uint16(buf[0:2])
		packetLen := int(binary.BigEndian.Uint16(buf[2:4]))
		headerLen := 4
		if magic < channelDataThreshold {
			headerLen = 20
		}
		payloadEnd := headerLen + packetLen
		total := payloadEnd + paddingOf(payloadEnd)
		if len(buf) < total {
			return nil, buf, false
		}
		return buf[:payloadEnd], buf[total:], true

	default:
		return nil, buf, false
	}
}

func paddingOf(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// Recv reads the next demultiplexed frame.
func (t *TCPTURNConn) Recv(p []byte) (int, error) {
	return t.buf.Read(p)
}

// Send frames and writes a message to the underlying stream.
func (t *TCPTURNConn) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []byte
	switch t.framing {
	case FramingGoogle:
		out = make([]byte, 2+len(p))
		binary.BigEndian.PutUint16(out, uint16(len(p)))
		copy(out[2:], p)
	case FramingRFC5766:
		pad := paddingOf(len(p))
		out = make([]byte, len(p)+pad)
		copy(out, p)
	default:
		return fmt.Errorf("socket: unknown tcp-turn framing %d", t.framing)
	}

	_, err := t.conn.Write(out)
	return err
}

// Close closes the underlying stream and the reassembly buffer.
func (t *TCPTURNConn) Close() error {
	t.buf.Close() //nolint:errcheck
	return t.conn.Close()
}
