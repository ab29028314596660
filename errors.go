package ice

import "errors"

// Configuration errors. These surface synchronously from the API call that
// produced them and never become component failures.
var (
	ErrPort                = errors.New("ice: invalid port range")
	ErrUfragLength         = errors.New("ice: ufrag must be between 4 and 256 characters")
	ErrRemoteUfragLength   = errors.New("ice: remote ufrag must be between 22 and 256 characters")
	ErrRemotePwdLength     = errors.New("ice: remote password must be between 4 and 256 characters")
	ErrTooManyCandidates   = errors.New("ice: at most 25 remote candidates may be set at once")
	ErrUnknownStream       = errors.New("ice: unknown stream id")
	ErrUnknownComponent    = errors.New("ice: unknown component id")
	ErrComponentRange      = errors.New("ice: component id must be between 1 and 255")
	ErrFoundationTooLong   = errors.New("ice: foundation must be at most 32 characters")
	ErrNoComponents        = errors.New("ice: stream must have at least one component")
	ErrBadRelayType        = errors.New("ice: unsupported relay type")
	ErrAlreadyStarted      = errors.New("ice: connectivity checks already started")
	ErrClosed              = errors.New("ice: agent is closed")
	ErrComponentNotReady   = errors.New("ice: component is not ready to send")
	ErrInvalidAddress      = errors.New("ice: invalid address")
	ErrUnknownCompat       = errors.New("ice: unknown compatibility mode")
	ErrSchemeType          = errors.New("ice: unknown URL scheme")
	ErrHost                = errors.New("ice: invalid host in URL")
	ErrInvalidQuery        = errors.New("ice: invalid query string")
	ErrProtoType           = errors.New("ice: unsupported transport query value")
	ErrSTUNQuery           = errors.New("ice: queries are not supported on stun: URLs")

	// Protocol / transaction errors. These never surface synchronously; they
	// manifest as pair or component state transitions.
	ErrBadSTUNMessage      = errors.New("ice: malformed STUN message")
	ErrBadMessageIntegrity = errors.New("ice: STUN MESSAGE-INTEGRITY mismatch")
	ErrUnauthorized        = errors.New("ice: STUN request failed USERNAME validation")
	ErrUnknownAttributes   = errors.New("ice: STUN message carries unknown comprehension-required attributes")
	ErrTransactionTimeout  = errors.New("ice: STUN transaction exhausted its retransmissions")
	ErrRoleConflict        = errors.New("ice: ICE role conflict (487)")
	ErrAllocationFailed    = errors.New("ice: TURN allocation failed")
	ErrChannelBindFailed   = errors.New("ice: TURN channel bind failed")

	// Socket stack errors.
	ErrSocketClosed  = errors.New("ice: socket is closed")
	ErrHandshakeFail = errors.New("ice: wrapper handshake failed")
	ErrBufferFull    = errors.New("ice: reassembly buffer exceeded its cap")
	ErrNoSocket      = errors.New("ice: candidate has no attached socket")

	// Component/Agent data-path errors.
	ErrNoRecvCallback      = errors.New("ice: no attach_recv callback registered for this component")
	ErrNoRemoteCredentials = errors.New("ice: stream has no remote credentials set yet")
	ErrCheckFailed         = errors.New("ice: connectivity check received a non-recoverable error response")
)
