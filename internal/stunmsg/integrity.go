package stunmsg

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // RFC 5389 mandates HMAC-SHA1 for MESSAGE-INTEGRITY.
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// fingerprintXOR is the constant RFC 5389 §15.5 requires FINGERPRINT be
// XORed with, to keep it distinguishable from a CRC-32 that happens to
// appear in application data.
const fingerprintXOR uint32 = 0x5354554E

// messageIntegritySize is the MESSAGE-INTEGRITY attribute's fixed value
// length: an HMAC-SHA1 digest.
const messageIntegritySize = 20

// AppendMessageIntegrity computes HMAC-SHA1 over the message as built so
// far (with the header length field patched to include the
// MESSAGE-INTEGRITY attribute itself, per RFC 5389 §15.4) and appends the
// attribute. It must be called after every other attribute has been
// added, and before AppendFingerprint.
func (m *Message) AppendMessageIntegrity(key []byte) error {
	placeholderLen := len(m.Attributes)
	m.Attributes = append(m.Attributes, RawAttribute{Type: AttrMessageIntegrity, Value: make([]byte, messageIntegritySize)})

	raw, err := m.buildForSigning(len(m.Attributes))
	if err != nil {
		m.Attributes = m.Attributes[:placeholderLen]
		return err
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(raw)
	sum := mac.Sum(nil)

	m.Attributes[len(m.Attributes)-1].Value = sum
	return nil
}

// buildForSigning serializes the message with a header length that covers
// attributes [0:uptoInclusive) and returns the bytes up to, but not
// including, the last of those attributes. That is what MESSAGE-INTEGRITY
// and FINGERPRINT sign (RFC 5389 §15.4/§15.5): everything before
// themselves, with a length field that already counts them.
func (m *Message) buildForSigning(uptoInclusive int) ([]byte, error) {
	saved := m.Attributes
	defer func() { m.Attributes = saved }()

	body := 0
	for i := 0; i < uptoInclusive; i++ {
		body += 4 + pad4(len(saved[i].Value))
	}

	m.Attributes = saved[:uptoInclusive]
	raw, err := m.Build()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(raw[2:4], uint16(body))
	last := saved[uptoInclusive-1]
	return raw[:len(raw)-(4+pad4(len(last.Value)))], nil
}

// VerifyMessageIntegrity recomputes the HMAC over the message's raw wire
// form (excluding the MESSAGE-INTEGRITY attribute and anything after it,
// per RFC 5389 §15.4) and compares it in constant time.
func VerifyMessageIntegrity(raw []byte, key []byte) error {
	offset, attrLen, err := findAttribute(raw, AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if attrLen != messageIntegritySize {
		return fmt.Errorf("stunmsg: MESSAGE-INTEGRITY has unexpected length %d", attrLen)
	}

	signedLen := offset
	patched := make([]byte, signedLen)
	copy(patched, raw[:signedLen])
	binary.BigEndian.PutUint16(patched[2:4], uint16(signedLen-headerSize+4+messageIntegritySize))

	mac := hmac.New(sha1.New, key)
	mac.Write(patched)
	expected := mac.Sum(nil)

	got := raw[offset+4 : offset+4+attrLen]
	if !hmac.Equal(expected, got) {
		return ErrIntegrityMismatch
	}
	return nil
}

// ErrIntegrityMismatch is returned by VerifyMessageIntegrity when the
// computed HMAC does not match the attribute's value.
var ErrIntegrityMismatch = fmt.Errorf("stunmsg: MESSAGE-INTEGRITY mismatch")

// AppendFingerprint computes the CRC-32 FINGERPRINT attribute over
// everything built so far and appends it. Per RFC 5389 §15.5 this must be
// the last attribute in the message.
func (m *Message) AppendFingerprint() error {
	placeholderLen := len(m.Attributes)
	m.Attributes = append(m.Attributes, RawAttribute{Type: AttrFingerprint, Value: make([]byte, 4)})

	raw, err := m.buildForSigning(len(m.Attributes))
	if err != nil {
		m.Attributes = m.Attributes[:placeholderLen]
		return err
	}

	sum := crc32.ChecksumIEEE(raw) ^ fingerprintXOR
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, sum)
	m.Attributes[len(m.Attributes)-1].Value = val
	return nil
}

// VerifyFingerprint checks a message's trailing FINGERPRINT attribute
// against the CRC-32 of everything preceding it.
func VerifyFingerprint(raw []byte) error {
	offset, attrLen, err := findAttribute(raw, AttrFingerprint)
	if err != nil {
		return err
	}
	if attrLen != 4 {
		return fmt.Errorf("stunmsg: FINGERPRINT has unexpected length %d", attrLen)
	}

	patched := make([]byte, offset)
	copy(patched, raw[:offset])
	binary.BigEndian.PutUint16(patched[2:4], uint16(offset-headerSize+4+4))

	expected := crc32.ChecksumIEEE(patched) ^ fingerprintXOR
	got := binary.BigEndian.Uint32(raw[offset+4 : offset+8])
	if expected != got {
		return fmt.Errorf("stunmsg: FINGERPRINT mismatch")
	}
	return nil
}

func findAttribute(raw []byte, want AttrType) (offset, length int, err error) {
	if len(raw) < headerSize {
		return 0, 0, fmt.Errorf("stunmsg: message shorter than header")
	}
	msgLen := int(binary.BigEndian.Uint16(raw[2:4]))
	body := raw[headerSize:]
	if headerSize+msgLen > len(raw) {
		return 0, 0, fmt.Errorf("stunmsg: declared length exceeds buffer")
	}
	body = body[:msgLen]

	pos := headerSize
	for len(body) >= 4 {
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		alen := int(binary.BigEndian.Uint16(body[2:4]))
		if at == want {
			return pos, alen, nil
		}
		consumed := 4 + pad4(alen)
		if consumed > len(body) {
			break
		}
		body = body[consumed:]
		pos += consumed
	}
	return 0, 0, fmt.Errorf("stunmsg: attribute 0x%04x not present", want)
}
