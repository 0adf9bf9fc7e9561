// Package policy implements the access-control engine consulted on every
// connection, name claim, and message transfer.
//
// The ruleset itself is immutable once constructed: parsing a policy file
// into a Ruleset is the controller's job (out of scope here, like the
// wire codec), and this package only evaluates already-built rules. A
// PeerPolicy is snapshotted from the Engine at Peer creation using that
// peer's UID and auxiliary GIDs, so group-membership changes after the
// connection is accepted do not affect it.
//
// Evaluation is a pure function over the ruleset and the decision
// inputs, with no side effects and no locking (the ruleset never
// mutates after NewEngine).
package policy

import (
	"github.com/godbus/dbus/v5"

	"github.com/wirebus/gobusd/internal/message"
)

// Scope restricts a rule to a connection context: every connection, one
// UID, or one GID.
type Scope int

const (
	ScopeDefault Scope = iota
	ScopeUID
	ScopeGID
)

// ConnectRule decides whether a credential set may connect at all.
type ConnectRule struct {
	Allow bool
	Scope Scope
	ID    uint32
}

// OwnRule decides whether a connection may own a well-known name. An
// empty Name matches every name; Prefix makes Name match itself and any
// '.'-delimited descendant.
type OwnRule struct {
	Allow  bool
	Scope  Scope
	ID     uint32
	Name   string
	Prefix bool
}

// TransferRule decides whether a message may be sent (evaluated against
// the sender's policy and the recipient's names) or received (the
// recipient's policy and the sender's names). Empty string fields match
// anything; HasType gates on the wire message type.
type TransferRule struct {
	Allow bool
	Scope Scope
	ID    uint32

	Name      string
	Interface string
	Member    string
	Path      dbus.ObjectPath

	HasType bool
	Type    message.Type
}

// Ruleset is the full, ordered policy. Rules are evaluated in order and
// the last matching rule wins, so a later deny overrides an earlier
// allow and vice versa.
type Ruleset struct {
	// ConnectDefault applies when no ConnectRule matches.
	ConnectDefault bool

	// OwnDefault, SendDefault, ReceiveDefault apply when no rule of the
	// corresponding kind matches.
	OwnDefault     bool
	SendDefault    bool
	ReceiveDefault bool

	Connect []ConnectRule
	Own     []OwnRule
	Send    []TransferRule
	Receive []TransferRule
}

// AllowAll returns the permissive ruleset used when no policy is
// configured: everything is allowed.
func AllowAll() Ruleset {
	return Ruleset{
		ConnectDefault: true,
		OwnDefault:     true,
		SendDefault:    true,
		ReceiveDefault: true,
	}
}

// Engine holds an immutable Ruleset and answers the four decision points.
type Engine struct {
	rules Ruleset
}

// NewEngine wraps rs. The caller must not mutate rs afterward.
func NewEngine(rs Ruleset) *Engine {
	return &Engine{rules: rs}
}

func scopeMatches(scope Scope, id uint32, uid uint32, gids []uint32) bool {
	switch scope {
	case ScopeDefault:
		return true
	case ScopeUID:
		return id == uid
	case ScopeGID:
		for _, g := range gids {
			if g == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CheckConnect reports whether a connection with the given credentials is
// admitted. The security label is accepted for future label-based rules
// but not currently consulted.
func (e *Engine) CheckConnect(uid uint32, gids []uint32, _ string) bool {
	allowed := e.rules.ConnectDefault
	for _, r := range e.rules.Connect {
		if scopeMatches(r.Scope, r.ID, uid, gids) {
			allowed = r.Allow
		}
	}
	return allowed
}

// Snapshot builds the immutable per-peer policy for the given
// credentials: only rules whose scope matches the peer are retained, in
// ruleset order, so later evaluation needs no credential inputs.
func (e *Engine) Snapshot(uid uint32, gids []uint32) *PeerPolicy {
	p := &PeerPolicy{
		ownDefault:     e.rules.OwnDefault,
		sendDefault:    e.rules.SendDefault,
		receiveDefault: e.rules.ReceiveDefault,
	}
	for _, r := range e.rules.Own {
		if scopeMatches(r.Scope, r.ID, uid, gids) {
			p.own = append(p.own, r)
		}
	}
	for _, r := range e.rules.Send {
		if scopeMatches(r.Scope, r.ID, uid, gids) {
			p.send = append(p.send, r)
		}
	}
	for _, r := range e.rules.Receive {
		if scopeMatches(r.Scope, r.ID, uid, gids) {
			p.receive = append(p.receive, r)
		}
	}
	return p
}

// PeerPolicy is one peer's immutable view of the ruleset, resolved at
// connection time.
type PeerPolicy struct {
	ownDefault     bool
	sendDefault    bool
	receiveDefault bool

	own     []OwnRule
	send    []TransferRule
	receive []TransferRule
}

// CheckOwn reports whether the peer may own name.
func (p *PeerPolicy) CheckOwn(name string) bool {
	allowed := p.ownDefault
	for _, r := range p.own {
		if ownNameMatches(r, name) {
			allowed = r.Allow
		}
	}
	return allowed
}

func ownNameMatches(r OwnRule, name string) bool {
	if r.Name == "" {
		return true
	}
	if name == r.Name {
		return true
	}
	if r.Prefix {
		return len(name) > len(r.Name) && name[:len(r.Name)] == r.Name && name[len(r.Name)] == '.'
	}
	return false
}

// Transfer collects the inputs common to send and receive decisions. For
// CheckSend, Names lists the recipient's names (unique plus well-known);
// for CheckReceive, the sender's.
type Transfer struct {
	Names     []string
	Interface string
	Member    string
	Path      dbus.ObjectPath
	Type      message.Type
}

// CheckSend reports whether the peer may send t.
func (p *PeerPolicy) CheckSend(t Transfer) bool {
	allowed := p.sendDefault
	for _, r := range p.send {
		if transferMatches(r, t) {
			allowed = r.Allow
		}
	}
	return allowed
}

// CheckReceive reports whether the peer may receive t.
func (p *PeerPolicy) CheckReceive(t Transfer) bool {
	allowed := p.receiveDefault
	for _, r := range p.receive {
		if transferMatches(r, t) {
			allowed = r.Allow
		}
	}
	return allowed
}

func transferMatches(r TransferRule, t Transfer) bool {
	if r.Name != "" && !containsName(t.Names, r.Name) {
		return false
	}
	if r.Interface != "" && r.Interface != t.Interface {
		return false
	}
	if r.Member != "" && r.Member != t.Member {
		return false
	}
	if r.Path != "" && r.Path != t.Path {
		return false
	}
	if r.HasType && r.Type != t.Type {
		return false
	}
	return true
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
