// Package message defines the in-memory representation of a D-Bus message
// that flows through the routing core.
//
// The wire codec (parsing bytes off a UNIX socket, SASL authentication) is
// an external collaborator — see internal/transport. This package only
// describes the already-decoded shape the core consumes, built on top of
// github.com/godbus/dbus/v5's wire vocabulary (MessageType, Flags,
// ObjectPath, Signature) rather than reinventing it.
package message

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Type re-exports the wire message type so callers outside this package
// don't need to import godbus directly for the common case.
type Type = dbus.Type

// The four D-Bus message types (wire protocol, not to be confused with the
// match-rule "type" key strings which use underscore_case names).
const (
	TypeMethodCall  = dbus.TypeMethodCall
	TypeMethodReply = dbus.TypeMethodReply
	TypeError       = dbus.TypeError
	TypeSignal      = dbus.TypeSignal
)

// Flags re-exports the wire flag bits.
type Flags = dbus.Flags

const (
	FlagNoReplyExpected      = dbus.FlagNoReplyExpected
	FlagNoAutoStart          = dbus.FlagNoAutoStart
	FlagAllowInteractiveAuth = dbus.FlagAllowInteractiveAuthorization
)

// InvalidSerial is never a valid message serial or reply_serial; serial
// zero is never outstanding on the wire.
const InvalidSerial uint32 = 0

// Message is the decoded representation of one D-Bus message, as produced
// by the external codec (internal/transport.Codec.Dequeue) and consumed by
// the routing core (internal/bus).
type Message struct {
	// Type is the wire message type: method call, reply, error, or signal.
	Type Type

	// Flags carries NoReplyExpected / NoAutoStart / AllowInteractiveAuth.
	Flags Flags

	// Serial is this message's own serial number, assigned by its sender.
	Serial uint32

	// ReplySerial is nonzero on method returns/errors: the serial of the
	// call being answered.
	ReplySerial uint32

	// Sender is the unique name of the peer that sent the message. The bus
	// fills this in on ingress; clients may not set it themselves.
	Sender string

	// Destination is the unique or well-known name the message is
	// addressed to. Empty for broadcast signals.
	Destination string

	// Interface is the interface name, empty for some method calls and all
	// replies/errors.
	Interface string

	// Member is the method or signal name.
	Member string

	// Path is the object path the message concerns.
	Path dbus.ObjectPath

	// ErrorName is set only on TypeError messages (e.g.
	// "org.freedesktop.DBus.Error.AccessDenied").
	ErrorName string

	// Signature describes Body's argument types.
	Signature dbus.Signature

	// Body holds the decoded argument values, already unmarshalled by the
	// codec. Only string-typed arguments participate in argN/argNpath/
	// arg0namespace match-rule evaluation (see internal/match). For
	// messages relayed between peers the codec decodes only the leading
	// string-typed arguments; the full payload stays opaque in RawBody.
	Body []any

	// RawBody is the still-encoded body payload of a relayed message. The
	// broker never needs to interpret it beyond the leading string
	// arguments in Body; on egress the codec copies it through verbatim.
	// Empty for broker-originated messages, whose Body is encoded from
	// scratch.
	RawBody []byte

	// RawEndian records the byte order RawBody was encoded with ('l' or
	// 'B'), so a relayed payload is re-framed with a matching header.
	// Zero for broker-originated messages.
	RawEndian byte
}

// EstimatedSize approximates the message's resident footprint for byte
// quota accounting: header string fields plus string-typed body
// arguments plus a fixed per-message overhead. The codec owns the true
// wire size; the broker only needs a consistent measure to bound outbox
// growth.
func (m Message) EstimatedSize() uint64 {
	const overhead = 128
	size := uint64(overhead)
	size += uint64(len(m.Sender) + len(m.Destination) + len(m.Interface) + len(m.Member))
	size += uint64(len(m.Path) + len(m.ErrorName) + len(m.Signature.String()))
	size += uint64(len(m.RawBody))
	for _, arg := range m.Body {
		if s, ok := arg.(string); ok {
			size += uint64(len(s))
		}
	}
	return size
}

// WantsReply reports whether a method call expects a reply.
func (m Message) WantsReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// StringArg returns the Nth body argument as a string, and whether it was
// present and string-typed. Used by argN/argNpath/arg0namespace matching.
func (m Message) StringArg(n int) (string, bool) {
	if n < 0 || n >= len(m.Body) {
		return "", false
	}
	s, ok := m.Body[n].(string)
	return s, ok
}

// TypeKeyword maps a wire Type to the match-rule "type" keyword.
func TypeKeyword(t Type) string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReply:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return ""
	}
}

// ParseTypeKeyword is the inverse of TypeKeyword. ok is false for any
// string that isn't one of the four recognized keywords.
func ParseTypeKeyword(s string) (t Type, ok bool) {
	switch s {
	case "method_call":
		return TypeMethodCall, true
	case "method_return":
		return TypeMethodReply, true
	case "error":
		return TypeError, true
	case "signal":
		return TypeSignal, true
	default:
		return 0, false
	}
}

// Standard D-Bus wire error names the broker emits.
const (
	ErrNameNoReply           = "org.freedesktop.DBus.Error.NoReply"
	ErrNameNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameAccessDenied      = "org.freedesktop.DBus.Error.AccessDenied"
	ErrNameLimitsExceeded    = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrNameInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameMatchRuleInvalid  = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrNameMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	ErrNameNotSupported      = "org.freedesktop.DBus.Error.NotSupported"
	ErrNameUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameUnexpectedReply   = "org.freedesktop.DBus.Error.UnexpectedReply"
	ErrNameFailed            = "org.freedesktop.DBus.Error.Failed"
)

// uniqueNamePrefix is the generation prefix D-Bus uses for unique
// connection names. Real dbus-daemon uses ":1.N"; gobusd follows the same
// convention since there is exactly one bus generation per process
// lifetime (no state survives a restart).
const uniqueNamePrefix = ":1."

// FormatUniqueName renders a Peer's bus-assigned id as its unique name,
// e.g. id=42 -> ":1.42".
func FormatUniqueName(id uint64) string {
	return uniqueNamePrefix + strconv.FormatUint(id, 10)
}

// ParseUniqueName extracts the numeric id from a unique name. ok is false
// for well-known names (which don't start with ":") or malformed unique
// names.
func ParseUniqueName(name string) (id uint64, ok bool) {
	if !strings.HasPrefix(name, uniqueNamePrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(uniqueNamePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsUniqueName reports whether name has the unique-name syntax (begins
// with ':'). This is broader than ParseUniqueName's own generation prefix
// check; any leading colon marks a unique id, which RequestName and
// ReleaseName must reject.
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}
