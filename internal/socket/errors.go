package socket

import "errors"

var (
	// ErrUnsupportedNetwork is returned when a dialer is asked to dial a
	// network it cannot carry (e.g. UDP through a SOCKS5/HTTP CONNECT
	// dialer).
	ErrUnsupportedNetwork = errors.New("socket: unsupported network type")
	// ErrHandshakeFailed is returned when a wrapper's handshake (SOCKS5,
	// HTTP CONNECT, PseudoSSL) does not complete successfully.
	ErrHandshakeFailed = errors.New("socket: wrapper handshake failed")
	// ErrBufferFull is returned by the TCP-TURN reassembler when a frame
	// would grow the buffer past its cap.
	ErrBufferFull = errors.New("socket: reassembly buffer exceeded its cap")
	// ErrShortFrame is returned when a TCP-TURN frame header is truncated.
	ErrShortFrame = errors.New("socket: truncated frame header")
	// ErrAllocationFailed is returned when a TURN Allocate request is
	// rejected or the server's response is malformed.
	ErrAllocationFailed = errors.New("socket: turn allocation failed")
	// ErrChannelBindFailed is returned when a TURN Refresh or
	// ChannelBind request is rejected.
	ErrChannelBindFailed = errors.New("socket: turn refresh/channel-bind failed")
)
