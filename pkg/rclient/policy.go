package rclient

import "github.com/riverreach/audiocore/pkg/stream"

// ClientType distinguishes how a connecting client is allowed to use
// the server, per spec.md §4.2's "policy describing allowed stream
// directions".
type ClientType int

const (
	// ClientFullControl may open streams in any direction and issue
	// system-wide control messages (SetSystemVolume, SetSystemMute,
	// SwitchStreamTypeIodev).
	ClientFullControl ClientType = iota
	// ClientPlaybackOnly may only open Output streams.
	ClientPlaybackOnly
	// ClientCaptureOnly may only open Input streams.
	ClientCaptureOnly
	// ClientUnifiedDuplex may open Output and Input streams that are
	// kept in lock-step (e.g. a VoIP application's call leg).
	ClientUnifiedDuplex
	// ClientPlugin is a fixed-identity client (DSP plugin host, test
	// harness) whose client_type is never taken from the wire; see
	// Client-type override in spec.md §4.2.
	ClientPlugin
)

func (t ClientType) String() string {
	switch t {
	case ClientFullControl:
		return "full_control"
	case ClientPlaybackOnly:
		return "playback_only"
	case ClientCaptureOnly:
		return "capture_only"
	case ClientUnifiedDuplex:
		return "unified_duplex"
	case ClientPlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// ClientPolicy is the per-connection authorization the server attaches
// at accept time: which stream directions this client may open, and
// whether its declared client_type is fixed regardless of what
// ConnectStream messages claim.
type ClientPolicy struct {
	Type ClientType

	// Fixed, if true, means ConnectStream's client_type field is always
	// rewritten to Type rather than honored from the wire (plugin
	// clients, per spec.md §4.2's client-type override).
	Fixed bool
}

// NewPolicy builds the policy matching how a client connects. Plugin
// clients are always Fixed.
func NewPolicy(t ClientType) ClientPolicy {
	return ClientPolicy{Type: t, Fixed: t == ClientPlugin}
}

// Permits reports whether this policy allows a stream of the given
// direction to be opened.
func (p ClientPolicy) Permits(dir stream.Direction) bool {
	switch p.Type {
	case ClientFullControl, ClientPlugin:
		return true
	case ClientPlaybackOnly:
		return dir == stream.Output
	case ClientCaptureOnly:
		return dir == stream.Input
	case ClientUnifiedDuplex:
		return dir == stream.Output || dir == stream.Input
	default:
		return false
	}
}

// PermitsSystemControl reports whether this policy allows
// system-wide control messages (SetSystemVolume, SetSystemMute,
// SwitchStreamTypeIodev).
func (p ClientPolicy) PermitsSystemControl() bool {
	return p.Type == ClientFullControl
}

// OverrideClientType rewrites requested to the policy's fixed type
// when Fixed is set, implementing spec.md §4.2's client-type override.
func (p ClientPolicy) OverrideClientType(requested ClientType) ClientType {
	if p.Fixed {
		return p.Type
	}
	return requested
}
