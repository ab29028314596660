package stunmsg

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// EncodeXORAddress builds an XOR-MAPPED-ADDRESS / XOR-PEER-ADDRESS /
// XOR-RELAYED-ADDRESS attribute value per RFC 5389 §15.2: the port is
// XORed with the top 16 bits of the magic cookie, and the address is
// XORed with the cookie (plus the transaction id, for IPv6).
func EncodeXORAddress(ip net.IP, port int, tid TransactionID) ([]byte, error) {
	var family byte
	var addr []byte
	if v4 := ip.To4(); v4 != nil {
		family = familyIPv4
		addr = append([]byte{}, v4...)
	} else if v6 := ip.To16(); v6 != nil {
		family = familyIPv6
		addr = append([]byte{}, v6...)
	} else {
		return nil, fmt.Errorf("stunmsg: invalid IP for XOR address")
	}

	out := make([]byte, 4+len(addr))
	out[1] = family
	xorPort := uint16(port) ^ uint16(MagicCookie>>16)
	binary.BigEndian.PutUint16(out[2:4], xorPort)

	var cookieAndTxn [16]byte
	binary.BigEndian.PutUint32(cookieAndTxn[0:4], MagicCookie)
	copy(cookieAndTxn[4:], tid[:12])

	for i, b := range addr {
		out[4+i] = b ^ cookieAndTxn[i]
	}
	return out, nil
}

// DecodeXORAddress reverses EncodeXORAddress.
func DecodeXORAddress(value []byte, tid TransactionID) (net.IP, int, error) {
	if len(value) < 8 {
		return nil, 0, fmt.Errorf("stunmsg: XOR address attribute too short")
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(MagicCookie>>16))

	var cookieAndTxn [16]byte
	binary.BigEndian.PutUint32(cookieAndTxn[0:4], MagicCookie)
	copy(cookieAndTxn[4:], tid[:12])

	var addrLen int
	switch family {
	case familyIPv4:
		addrLen = 4
	case familyIPv6:
		addrLen = 16
	default:
		return nil, 0, fmt.Errorf("stunmsg: unknown address family 0x%02x", family)
	}
	if len(value) < 4+addrLen {
		return nil, 0, fmt.Errorf("stunmsg: XOR address attribute truncated")
	}

	ip := make(net.IP, addrLen)
	for i := 0; i < addrLen; i++ {
		ip[i] = value[4+i] ^ cookieAndTxn[i]
	}
	return ip, port, nil
}
