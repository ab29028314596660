package ice

// Compatibility selects the wire-compatibility variant an Agent speaks.
// It indexes a single const table (§9 design note: "capture per-compatibility
// differences as a const table indexed by compat value; no scattered
// conditionals") rather than being tested ad hoc throughout the engine.
type Compatibility int

const (
	// CompatibilityRFC5245 is the standard IETF ICE behavior this package
	// targets by default.
	CompatibilityRFC5245 Compatibility = iota + 1
	// CompatibilityGoogle matches Google Talk's libjingle-era ICE dialect:
	// 2-byte-prefixed TCP TURN framing, pseudo-TLS on TCP relays, and an
	// alternate candidate-priority scale.
	CompatibilityGoogle
	// CompatibilityMSN matches the MSNP21 ICE dialect.
	CompatibilityMSN
	// CompatibilityWLM2009 matches Windows Live Messenger 2009.
	CompatibilityWLM2009
	// CompatibilityOC2007 matches Microsoft Office Communicator 2007.
	CompatibilityOC2007
	// CompatibilityOC2007R2 matches Office Communicator 2007 R2.
	CompatibilityOC2007R2
)

func (c Compatibility) String() string {
	switch c {
	case CompatibilityRFC5245:
		return "rfc5245"
	case CompatibilityGoogle:
		return "google"
	case CompatibilityMSN:
		return "msn"
	case CompatibilityWLM2009:
		return "wlm2009"
	case CompatibilityOC2007:
		return "oc2007"
	case CompatibilityOC2007R2:
		return "oc2007r2"
	default:
		return "unknown"
	}
}

// typePreferenceTable holds the RFC 5245 §4.1.2 type preference constants, or the
// per-compatibility substitutes spec.md §3 calls out.
type typePreferenceTable struct {
	host, peerReflexive, serverReflexive, relayed uint32
}

// compatProfile holds one compatibility mode's settings. transactionIDBits
// is either 96 (RFC 5389/5245) or 128 (RFC 3489 legacy, required by the
// MSN/WLM/OC2007 families).
type compatProfile struct {
	typePref            typePreferenceTable
	transactionIDBits   int
	aggressiveNominate  bool // USE-CANDIDATE on every controlling check
	emitSoftware        bool
	tcpFrameHeaderBytes int // 0 = no TCP-TURN framing support
	legacyMappedAddress bool
}

var compatTable = map[Compatibility]compatProfile{
	CompatibilityRFC5245: {
		typePref:            typePreferenceTable{host: 126, peerReflexive: 110, serverReflexive: 100, relayed: 0},
		transactionIDBits:   96,
		aggressiveNominate:  false,
		emitSoftware:        true,
		tcpFrameHeaderBytes: 4,
	},
	CompatibilityGoogle: {
		typePref:            typePreferenceTable{host: 1000, peerReflexive: 900, serverReflexive: 900, relayed: 500},
		transactionIDBits:   96,
		aggressiveNominate:  true,
		emitSoftware:        false,
		tcpFrameHeaderBytes: 2,
	},
	CompatibilityMSN: {
		typePref:            typePreferenceTable{host: 830, peerReflexive: 550, serverReflexive: 550, relayed: 450},
		transactionIDBits:   128,
		aggressiveNominate:  true,
		emitSoftware:        false,
		tcpFrameHeaderBytes: 4,
		legacyMappedAddress: true,
	},
	CompatibilityWLM2009: {
		typePref:            typePreferenceTable{host: 830, peerReflexive: 550, serverReflexive: 550, relayed: 450},
		transactionIDBits:   128,
		aggressiveNominate:  true,
		emitSoftware:        false,
		tcpFrameHeaderBytes: 4,
		legacyMappedAddress: true,
	},
	CompatibilityOC2007: {
		typePref:            typePreferenceTable{host: 126, peerReflexive: 110, serverReflexive: 100, relayed: 0},
		transactionIDBits:   128,
		aggressiveNominate:  false,
		emitSoftware:        false,
		tcpFrameHeaderBytes: 4,
		legacyMappedAddress: true,
	},
	CompatibilityOC2007R2: {
		typePref:            typePreferenceTable{host: 126, peerReflexive: 110, serverReflexive: 100, relayed: 0},
		transactionIDBits:   96,
		aggressiveNominate:  false,
		emitSoftware:        true,
		tcpFrameHeaderBytes: 4,
	},
}

func profileFor(c Compatibility) compatProfile {
	if p, ok := compatTable[c]; ok {
		return p
	}
	return compatTable[CompatibilityRFC5245]
}
