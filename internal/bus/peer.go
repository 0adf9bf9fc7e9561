package bus

import (
	"log/slog"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/match"
	"github.com/wirebus/gobusd/internal/policy"
	"github.com/wirebus/gobusd/internal/transport"
)

// State is a peer's position in the connection lifecycle.
//
//	Authenticating -> Registered -> (Monitor ->) Disconnecting -> Freed
//
// Only a Registered peer may request names, subscribe to general
// traffic, or exchange messages beyond the driver. The Monitor
// transition is one-way: a monitor observes all routed traffic but may
// no longer send messages or own names.
type State int

const (
	StateAuthenticating State = iota
	StateRegistered
	StateMonitor
	StateDisconnecting
	StateFreed
)

// String returns the lifecycle state name used in logs and the admin API.
func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateMonitor:
		return "monitor"
	case StateDisconnecting:
		return "disconnecting"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Peer is one authenticated client connection. All mutable fields are
// owned by the Bus and touched only under its dispatch lock.
type Peer struct {
	id         uint64
	uniqueName string
	creds      transport.Credentials
	user       *accounting.User
	codec      transport.Codec
	policy     *policy.PeerPolicy
	logger     *slog.Logger

	state     State
	objCharge *accounting.Charge

	// ownedNames tracks every well-known name this peer holds a claim on
	// (primary or queued), for the goodbye cascade.
	ownedNames map[string]struct{}

	// matches holds rules other peers subscribed with this peer's unique
	// id as sender.
	matches match.Registry

	// ownedMatches indexes the rules this peer itself subscribed.
	ownedMatches *match.Owner

	// lastTxID is the most recent broadcast transaction delivered to
	// this peer, for at-most-once delivery per transaction.
	lastTxID uint64

	// sendSerial numbers broker-originated messages to this peer.
	sendSerial uint32
}

// ID returns the bus-assigned peer id. IDs are never reused.
func (p *Peer) ID() uint64 { return p.id }

// UniqueName returns the peer's ":1.N" bus name.
func (p *Peer) UniqueName() string { return p.uniqueName }

// UID returns the connection's kernel-attested user id.
func (p *Peer) UID() uint32 { return p.creds.UID }

// nextSendSerial allocates the serial for a broker-originated message
// addressed to this peer.
func (p *Peer) nextSendSerial() uint32 {
	p.sendSerial++
	if p.sendSerial == 0 {
		p.sendSerial = 1
	}
	return p.sendSerial
}

// alive reports whether the peer can still be routed to.
func (p *Peer) alive() bool {
	return p.state == StateRegistered || p.state == StateMonitor || p.state == StateAuthenticating
}

// registered reports whether the peer completed Hello and was not yet
// torn down.
func (p *Peer) registered() bool {
	return p.state == StateRegistered || p.state == StateMonitor
}
