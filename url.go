package ice

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SchemeType indicates the URL scheme used for a STUN or TURN server, per
// RFC 7064/7065.
type SchemeType int

const (
	// SchemeTypeSTUN indicates the URL represents a STUN server.
	SchemeTypeSTUN SchemeType = iota + 1
	// SchemeTypeSTUNS indicates the URL represents a STUN server accessed
	// over TLS.
	SchemeTypeSTUNS
	// SchemeTypeTURN indicates the URL represents a TURN server.
	SchemeTypeTURN
	// SchemeTypeTURNS indicates the URL represents a TURN server accessed
	// over TLS.
	SchemeTypeTURNS
)

func (s SchemeType) String() string {
	switch s {
	case SchemeTypeSTUN:
		return "stun"
	case SchemeTypeSTUNS:
		return "stuns"
	case SchemeTypeTURN:
		return "turn"
	case SchemeTypeTURNS:
		return "turns"
	default:
		return "unknown"
	}
}

func parseSchemeType(raw string) (SchemeType, error) {
	switch raw {
	case "stun":
		return SchemeTypeSTUN, nil
	case "stuns":
		return SchemeTypeSTUNS, nil
	case "turn":
		return SchemeTypeTURN, nil
	case "turns":
		return SchemeTypeTURNS, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrSchemeType, raw)
	}
}

// ProtoType is the transport a TURN relay URL requests via its ?transport=
// query parameter.
type ProtoType int

const (
	// ProtoTypeUDP requests a UDP relay allocation.
	ProtoTypeUDP ProtoType = iota + 1
	// ProtoTypeTCP requests a TCP relay allocation.
	ProtoTypeTCP
)

func (p ProtoType) String() string {
	switch p {
	case ProtoTypeUDP:
		return "udp"
	case ProtoTypeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

func parseProtoType(raw string) (ProtoType, error) {
	switch strings.ToLower(raw) {
	case "udp":
		return ProtoTypeUDP, nil
	case "tcp":
		return ProtoTypeTCP, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrProtoType, raw)
	}
}

// URL is a parsed STUN or TURN server URL, as supplied via AgentConfig.
type URL struct {
	Scheme   SchemeType
	Host     string
	Port     int
	Proto    ProtoType
	Username string
	Password string
}

func (u *URL) String() string {
	var out strings.Builder
	out.WriteString(u.Scheme.String())
	out.WriteString(":")
	if isIPv6Literal(u.Host) {
		out.WriteString("[" + u.Host + "]")
	} else {
		out.WriteString(u.Host)
	}
	out.WriteString(":")
	out.WriteString(strconv.Itoa(u.Port))
	if u.Scheme == SchemeTypeTURN || u.Scheme == SchemeTypeTURNS {
		out.WriteString("?transport=")
		out.WriteString(u.Proto.String())
	}
	return out.String()
}

// IsSecure reports whether the URL uses a TLS/DTLS transport to the server.
func (u *URL) IsSecure() bool {
	return u.Scheme == SchemeTypeSTUNS || u.Scheme == SchemeTypeTURNS
}

func isIPv6Literal(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// ParseURL parses a STUN/TURN URL string of the form
// "<scheme>:<host>[:<port>][?transport=<proto>]", following RFC 7064/7065.
func ParseURL(raw string) (*URL, error) {
	colon := strings.IndexRune(raw, ':')
	if colon == -1 {
		return nil, fmt.Errorf("%w: %s", ErrSchemeType, raw)
	}
	scheme, err := parseSchemeType(raw[:colon])
	if err != nil {
		return nil, err
	}

	rest := raw[colon+1:]
	var rawQuery string
	if q := strings.IndexRune(rest, '?'); q != -1 {
		rawQuery = rest[q+1:]
		rest = rest[:q]
	}

	// url.Parse understands "host:port" via a generic opaque-form trick:
	// prefix with "//" so it treats rest as an authority.
	parsed, err := url.Parse("//" + rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHost, err)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: %s", ErrHost, raw)
	}

	port := 3478
	if scheme == SchemeTypeSTUNS || scheme == SchemeTypeTURNS {
		port = 5349
	}
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrHost, raw)
		}
	}

	u := &URL{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Proto:  ProtoTypeUDP,
	}

	if rawQuery != "" {
		if scheme == SchemeTypeSTUN || scheme == SchemeTypeSTUNS {
			return nil, ErrSTUNQuery
		}
		values, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		if t := values.Get("transport"); t != "" {
			proto, err := parseProtoType(t)
			if err != nil {
				return nil, err
			}
			u.Proto = proto
		}
	}

	return u, nil
}
