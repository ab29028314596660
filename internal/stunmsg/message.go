// Package stunmsg implements the STUN (RFC 5389) and TURN (RFC 5766)
// message wire format: header, TLV attributes, MESSAGE-INTEGRITY and
// FINGERPRINT. The real github.com/pion/stun module isn't vendored in the
// retrieval pack this was built from (it's only named in a go.mod replace
// directive), so this codec is hand-rolled against the attribute table
// spec.md §4.1 enumerates, in the shape of the teacher's legacy
// internal/stun client wrapper.
package stunmsg

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MagicCookie is the fixed STUN magic cookie, RFC 5389 §6.
const MagicCookie uint32 = 0x2112A442

const headerSize = 20

// MessageClass is the two-bit class field of a STUN message type.
type MessageClass byte

const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

// Method is the STUN/TURN message method.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

// Type is a STUN message type: a (Method, Class) pair packed the way RFC
// 5389 §6 lays out the 14-bit method split around the 2 class bits.
type Type struct {
	Method Method
	Class  MessageClass
}

func (t Type) encode() uint16 {
	m := uint16(t.Method)
	return (m & 0x0f80 << 2) | (m & 0x0070 << 1) | (m & 0x000f) |
		(uint16(t.Class) & 0x1 << 4) | (uint16(t.Class) & 0x2 << 7)
}

func decodeType(raw uint16) Type {
	m := (raw & 0x3e00 >> 2) | (raw & 0x00e0 >> 1) | (raw & 0x000f)
	c := (raw & 0x0010 >> 4) | (raw & 0x0100 >> 7)
	return Type{Method: Method(m), Class: MessageClass(c)}
}

// TransactionID is a STUN transaction identifier. RFC 5389 fixes it at 96
// bits; the legacy RFC 3489-compatible modes (MSN/WLM2009/OC2007) spec.md
// §3 calls out use the full 128-bit RFC 3489 identifier instead, so this
// is sized for the larger case and callers use only the low N bytes their
// compatibility profile calls for.
type TransactionID [16]byte

// NewTransactionID returns a random transaction id. bits must be 96 or
// 128; bytes beyond bits/8 are zeroed so two profiles never produce
// colliding wire encodings for the same random draw.
func NewTransactionID(bits int) (TransactionID, error) {
	var id TransactionID
	n := bits / 8
	if _, err := rand.Read(id[:n]); err != nil {
		return id, fmt.Errorf("stunmsg: generate transaction id: %w", err)
	}
	return id, nil
}

// Message is a decoded STUN/TURN message.
type Message struct {
	Type          Type
	TransactionID TransactionID
	Attributes    []RawAttribute

	// transactionIDBits records whether this message used a 96-bit
	// (RFC 5389) or 128-bit (RFC 3489 legacy) transaction id, so Build
	// re-emits the same width it was parsed with.
	transactionIDBits int
}

// RawAttribute is an undecoded STUN TLV attribute.
type RawAttribute struct {
	Type  AttrType
	Value []byte
}

// NewMessage starts a fresh request/indication/response of the given type
// with a freshly generated transaction id.
func NewMessage(t Type, transactionIDBits int) (*Message, error) {
	if transactionIDBits != 96 && transactionIDBits != 128 {
		return nil, fmt.Errorf("stunmsg: unsupported transaction id width %d", transactionIDBits)
	}
	tid, err := NewTransactionID(transactionIDBits)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, TransactionID: tid, transactionIDBits: transactionIDBits}, nil
}

// AddAttribute appends a raw attribute to the message, to be encoded by
// Build. MESSAGE-INTEGRITY and FINGERPRINT are added separately by
// AppendMessageIntegrity/AppendFingerprint since they cover the bytes
// already written.
func (m *Message) AddAttribute(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Value: value})
}

// NewResponse builds a success or error response to req, carrying over its
// transaction id and the id width (96- or 128-bit) it was parsed with, so a
// reply to a legacy RFC 3489 request echoes the same wire width rather than
// Build's 96-bit default.
func NewResponse(req *Message, class MessageClass) *Message {
	return &Message{
		Type:              Type{Method: req.Type.Method, Class: class},
		TransactionID:     req.TransactionID,
		transactionIDBits: req.transactionIDBits,
	}
}

// GetAttribute returns the first attribute of the given type, if present.
func (m *Message) GetAttribute(t AttrType) (RawAttribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return RawAttribute{}, false
}

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// Build serializes the message. The length field in the header reflects
// every attribute already added, so MESSAGE-INTEGRITY and FINGERPRINT
// must be the last attributes appended.
func (m *Message) Build() ([]byte, error) {
	idBytes := m.transactionIDBits / 8
	if idBytes == 0 {
		idBytes = 12
	}

	body := make([]byte, 0, 128)
	for _, a := range m.Attributes {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr, uint16(a.Type))
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(a.Value)))
		body = append(body, hdr...)
		body = append(body, a.Value...)
		if padded := pad4(len(a.Value)); padded != len(a.Value) {
			body = append(body, make([]byte, padded-len(a.Value))...)
		}
	}

	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint16(out[0:2], m.Type.encode())
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	if idBytes == 16 {
		// Legacy RFC 3489: no magic cookie, the id fills bytes 4-19.
		copy(out[4:20], m.TransactionID[:16])
	} else {
		binary.BigEndian.PutUint32(out[4:8], MagicCookie)
		copy(out[8:8+idBytes], m.TransactionID[:idBytes])
	}
	copy(out[headerSize:], body)
	return out, nil
}

// Parse decodes a STUN/TURN message header and its TLV attributes without
// validating MESSAGE-INTEGRITY or FINGERPRINT (callers that need
// authentication call VerifyMessageIntegrity/VerifyFingerprint
// separately, since MESSAGE-INTEGRITY requires the session's key
// material).
func Parse(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("stunmsg: message shorter than header: %d bytes", len(raw))
	}
	typ := decodeType(binary.BigEndian.Uint16(raw[0:2]))
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	cookie := binary.BigEndian.Uint32(raw[4:8])

	idBits := 96
	var tid TransactionID
	if cookie == MagicCookie {
		copy(tid[:12], raw[8:20])
	} else {
		// Not a magic-cookie message: treat the full 16 bytes starting
		// at offset 4 as a legacy RFC 3489 128-bit transaction id, as
		// the MSN/WLM2009/OC2007 compatibility profiles require.
		idBits = 128
		copy(tid[:16], raw[4:20])
	}

	if headerSize+length > len(raw) {
		return nil, fmt.Errorf("stunmsg: declared length %d exceeds buffer", length)
	}

	msg := &Message{Type: typ, TransactionID: tid, transactionIDBits: idBits}

	body := raw[headerSize : headerSize+length]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("stunmsg: truncated attribute header")
		}
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		alen := int(binary.BigEndian.Uint16(body[2:4]))
		if 4+alen > len(body) {
			return nil, fmt.Errorf("stunmsg: truncated attribute value for type 0x%04x", at)
		}
		value := make([]byte, alen)
		copy(value, body[4:4+alen])
		msg.Attributes = append(msg.Attributes, RawAttribute{Type: at, Value: value})

		consumed := 4 + pad4(alen)
		if consumed > len(body) {
			consumed = len(body)
		}
		body = body[consumed:]
	}

	return msg, nil
}

// IsMessage reports whether raw looks like a STUN/TURN message per RFC
// 5389 §7's demultiplexing recipe: long enough for a header, top two bits
// of the first byte clear, and a declared length that fits the buffer.
// The magic cookie is not checked, so legacy RFC 3489 messages pass too.
// It never parses attributes, so a caller still needs Parse before
// trusting the contents.
func IsMessage(raw []byte) bool {
	if len(raw) < headerSize {
		return false
	}
	if raw[0]&0xc0 != 0 {
		return false
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	return headerSize+length <= len(raw)
}

// IsComprehensionRequired reports whether an unrecognized attribute type
// must cause the message to be rejected, per RFC 5389 §15: the high bit
// of 0x8000 is the optional-attribute marker; types below it are
// comprehension-required.
func (t AttrType) IsComprehensionRequired() bool {
	return uint16(t) < 0x8000
}
