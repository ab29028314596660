package ice

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
)

// AgentConfig configures a new Agent, mirroring the reference agent's
// ice.AgentConfig and the teacher's SettingEngine option-struct style:
// every tunable is a field set before construction rather than a
// file-based configuration.
type AgentConfig struct {
	// Urls lists the STUN/TURN servers used for server-reflexive and
	// relayed candidate gathering.
	Urls []*URL

	// PortMin/PortMax restrict the local port range candidates are
	// gathered from. Zero means unrestricted.
	PortMin uint16
	PortMax uint16

	// NetworkTypes restricts which network types are gathered; empty
	// means UDP4 and UDP6.
	NetworkTypes []NetworkType

	// Compat selects the compatibility dialect this agent speaks.
	Compat Compatibility

	// LoggerFactory builds named loggers for every subsystem. Defaults
	// to logging.NewDefaultLoggerFactory() when nil.
	LoggerFactory logging.LoggerFactory

	// Net abstracts the operating system network, so tests can swap in
	// a github.com/pion/transport/v4/vnet.Net instead of the real one.
	Net transport.Net

	// MaxBindingRequests is how many Binding requests (the first send
	// plus retransmissions) a connectivity check sends before its pair is
	// marked FAILED.
	MaxBindingRequests int

	// CheckInterval is how often the connectivity-check scheduler
	// services the ordinary check queue.
	CheckInterval time.Duration
	// KeepaliveInterval is how often a selected pair sends a keepalive
	// binding indication.
	KeepaliveInterval time.Duration
	// DisconnectedTimeout is how long the selected pair's remote
	// candidate may send nothing before a warning is logged; it changes
	// no pair or component state.
	DisconnectedTimeout time.Duration
	// FailedTimeout is how long the selected pair's remote candidate may
	// send nothing before the pair is marked FAILED and the component
	// transitions to ComponentStateFailed.
	FailedTimeout time.Duration

	// InterfaceFilter restricts which local interfaces host candidates
	// are gathered from, by name.
	InterfaceFilter func(string) bool
}

const (
	defaultCheckInterval       = 200 * time.Millisecond
	defaultKeepaliveInterval   = 2 * time.Second
	defaultDisconnectedTimeout = 5 * time.Second
	defaultFailedTimeout       = 25 * time.Second
	defaultMaxBindingRequests  = 7
)

func (c *AgentConfig) withDefaults() *AgentConfig {
	out := *c
	if out.LoggerFactory == nil {
		out.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if out.Compat == 0 {
		out.Compat = CompatibilityRFC5245
	}
	if len(out.NetworkTypes) == 0 {
		out.NetworkTypes = []NetworkType{NetworkTypeUDP4, NetworkTypeUDP6}
	}
	if out.MaxBindingRequests == 0 {
		out.MaxBindingRequests = defaultMaxBindingRequests
	}
	if out.CheckInterval == 0 {
		out.CheckInterval = defaultCheckInterval
	}
	if out.KeepaliveInterval == 0 {
		out.KeepaliveInterval = defaultKeepaliveInterval
	}
	if out.DisconnectedTimeout == 0 {
		out.DisconnectedTimeout = defaultDisconnectedTimeout
	}
	if out.FailedTimeout == 0 {
		out.FailedTimeout = defaultFailedTimeout
	}
	return &out
}
