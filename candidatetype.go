package ice

// CandidateType is the kind of address a Candidate represents, per RFC 5245
// §4.1.1.1.
type CandidateType int

const (
	// CandidateTypeHost is a candidate obtained directly from a local
	// interface.
	CandidateTypeHost CandidateType = iota + 1
	// CandidateTypeServerReflexive is a candidate learned from a STUN
	// Binding response (the public mapping of a host candidate).
	CandidateTypeServerReflexive
	// CandidateTypePeerReflexive is a candidate discovered mid-check from
	// the source address of an incoming connectivity check.
	CandidateTypePeerReflexive
	// CandidateTypeRelayed is a candidate allocated on a TURN server.
	CandidateTypeRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// preference returns the RFC 5245 §4.1.2.2 type preference for this
// candidate type under the given compatibility profile.
func (t CandidateType) preference(p compatProfile) uint32 {
	switch t {
	case CandidateTypeHost:
		return p.typePref.host
	case CandidateTypeServerReflexive:
		return p.typePref.serverReflexive
	case CandidateTypePeerReflexive:
		return p.typePref.peerReflexive
	case CandidateTypeRelayed:
		return p.typePref.relayed
	default:
		return 0
	}
}
