// Package bus implements the broker core: peer lifecycle, the message
// router (unicast calls and replies, broadcast fan-out with per-
// transaction dedup, eavesdrop and monitor delivery), the goodbye
// cascade that unwinds a disconnecting peer, and the in-process driver
// service behind org.freedesktop.DBus.
//
// The dispatch model is single-threaded: every registry mutation happens
// under one dispatch lock, taken per inbound event. Per-connection
// ingress goroutines (ServePeer) decode messages and feed them through
// HandleMessage one at a time, which preserves FIFO ordering from any
// source peer to any destination; cross-source ordering is serialized by
// the lock, with each broadcast tagged by a monotonically increasing
// transaction id.
package bus

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/match"
	"github.com/wirebus/gobusd/internal/message"
	busmetrics "github.com/wirebus/gobusd/internal/metrics"
	"github.com/wirebus/gobusd/internal/names"
	"github.com/wirebus/gobusd/internal/policy"
	"github.com/wirebus/gobusd/internal/reply"
	"github.com/wirebus/gobusd/internal/transport"
)

// DriverName is the reserved bus name of the built-in driver service.
const DriverName = "org.freedesktop.DBus"

// Sentinel errors surfaced to the accept path and the admin API.
var (
	// ErrConnectionRefused is returned by AddPeer when the connect
	// policy denies the credentials.
	ErrConnectionRefused = errors.New("bus: connection refused by policy")

	// ErrBusClosed is returned by AddPeer after Shutdown.
	ErrBusClosed = errors.New("bus: shut down")

	// ErrPeerNotFound is returned by admin operations naming an unknown
	// peer.
	ErrPeerNotFound = errors.New("bus: peer not found")
)

// Bus owns every registry and serializes all mutation under one
// dispatch lock.
type Bus struct {
	mu sync.Mutex

	logger  *slog.Logger
	metrics *busmetrics.Collector
	guid    string

	// ownerUID is the uid the broker runs as; it (and root) may become
	// monitors.
	ownerUID uint32

	users   *accounting.Registry
	names   *names.Registry
	replies *reply.Registry
	policy  *policy.Engine

	// wildcardMatches holds subscriptions with no sender key, plus rules
	// whose unique-id sender has not been allocated yet.
	wildcardMatches match.Registry

	// driverMatches holds subscriptions with the driver's name as sender.
	driverMatches match.Registry

	// monitors holds every monitor peer's rules; they observe all routed
	// traffic that matches.
	monitors match.List

	// nameMatches holds per-well-known-name registries for rules whose
	// sender is a bus name; each linked rule pins the names.Name record.
	nameMatches map[string]*match.Registry

	peers      map[uint64]*Peer
	ownerPeers map[*match.Owner]*Peer

	nextPeerID uint64
	nextTxID   uint64

	// signalSerial numbers broadcast driver signals, which share one
	// message across recipients.
	signalSerial uint32

	machineID string
	closed    bool
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithMetrics wires a Prometheus collector into the routing hot paths.
func WithMetrics(c *busmetrics.Collector) Option {
	return func(b *Bus) { b.metrics = c }
}

// WithPolicy installs the access-control engine. Without it every
// decision is allowed.
func WithPolicy(e *policy.Engine) Option {
	return func(b *Bus) { b.policy = e }
}

// WithLimits installs per-user accounting limits, with optional per-UID
// overrides.
func WithLimits(def accounting.Limits, perUID map[uint32]accounting.Limits) Option {
	return func(b *Bus) { b.users = accounting.NewRegistry(def, perUID) }
}

// WithOwnerUID records the uid operating the bus, which is privileged
// for BecomeMonitor.
func WithOwnerUID(uid uint32) Option {
	return func(b *Bus) { b.ownerUID = uid }
}

// New creates an empty bus with a freshly generated server GUID.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:      logger.With(slog.String("component", "bus")),
		guid:        newGUID(),
		names:       names.NewRegistry(),
		replies:     reply.NewRegistry(),
		policy:      policy.NewEngine(policy.AllowAll()),
		nameMatches: make(map[string]*match.Registry),
		peers:       make(map[uint64]*Peer),
		ownerPeers:  make(map[*match.Owner]*Peer),
		nextPeerID:  1,
		ownerUID:    uint32(os.Getuid()),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.users == nil {
		b.users = accounting.NewRegistry(accounting.DefaultLimits(), nil)
	}
	return b
}

// newGUID generates the 32-hex-digit server GUID advertised in the SASL
// handshake and by GetId.
func newGUID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// rand.Read never fails on supported platforms.
		panic(fmt.Sprintf("generate bus guid: %v", err))
	}
	return hex.EncodeToString(raw[:])
}

// GUID returns the bus's server GUID.
func (b *Bus) GUID() string { return b.guid }

// AddPeer admits an authenticated connection: checks the connect policy,
// allocates the next peer id, references the per-UID accounting record,
// and registers the peer in Authenticating state. The caller feeds
// inbound traffic via ServePeer (or HandleMessage directly).
func (b *Bus) AddPeer(codec transport.Codec, creds transport.Credentials) (*Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	if !b.policy.CheckConnect(creds.UID, creds.Groups, creds.SecLabel) {
		if b.metrics != nil {
			b.metrics.IncPolicyDenied("connect")
		}
		return nil, fmt.Errorf("uid %d: %w", creds.UID, ErrConnectionRefused)
	}

	id := b.nextPeerID
	b.nextPeerID++

	user := b.users.RefUser(creds.UID)
	objCharge, err := accounting.NewCharge(user, accounting.SlotObjects, 1)
	if err != nil {
		b.users.UnrefUser(user)
		if b.metrics != nil {
			b.metrics.IncQuotaDenied(accounting.SlotObjects.String())
		}
		return nil, err
	}

	p := &Peer{
		id:           id,
		uniqueName:   message.FormatUniqueName(id),
		creds:        creds,
		user:         user,
		codec:        codec,
		policy:       b.policy.Snapshot(creds.UID, creds.Groups),
		state:        StateAuthenticating,
		objCharge:    objCharge,
		ownedNames:   make(map[string]struct{}),
		ownedMatches: match.NewOwner(),
	}
	p.logger = b.logger.With(
		slog.Uint64("peer_id", id),
		slog.String("unique_name", p.uniqueName),
		slog.Uint64("uid", uint64(creds.UID)),
	)

	b.peers[id] = p
	b.ownerPeers[p.ownedMatches] = p

	if b.metrics != nil {
		b.metrics.PeerConnected()
	}
	p.logger.Info("peer connected", slog.Int64("pid", int64(creds.PID)))

	return p, nil
}

// ServePeer pumps inbound messages from the peer's codec into the
// router until hang-up or a protocol violation. It blocks; run it in a
// goroutine per connection.
func (b *Bus) ServePeer(p *Peer) {
	for {
		m, err := p.codec.Dequeue()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Debug("peer hung up")
			} else {
				p.logger.Warn("peer stream error", slog.String("error", err.Error()))
			}
			b.DisconnectPeer(p)
			return
		}
		b.HandleMessage(p, m)

		b.mu.Lock()
		gone := p.state == StateDisconnecting || p.state == StateFreed
		b.mu.Unlock()
		if gone {
			return
		}
	}
}

// DisconnectPeer runs the goodbye cascade for p: names released (with
// NameLost/NameOwnerChanged signals), pending replies answered with
// errors, match rules dropped, then the peer freed.
func (b *Bus) DisconnectPeer(p *Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.goodbye(p, false)
}

// Shutdown tears down every peer silently (no goodbye signals) and
// refuses new connections. Intended for process exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, p := range b.peers {
		b.goodbye(p, true)
	}
}

// goodbye unwinds one peer. Step order matters: names release before
// match rules so the ownership-change signals can still reach
// subscribers attached to those names. Callers hold b.mu.
func (b *Bus) goodbye(p *Peer, silent bool) {
	if p.state == StateDisconnecting || p.state == StateFreed {
		return
	}
	wasRegistered := p.registered()
	p.state = StateDisconnecting

	// Flush every owned name, chaining promotion signals.
	owned := make([]string, 0, len(p.ownedNames))
	for name := range p.ownedNames {
		owned = append(owned, name)
	}
	sort.Strings(owned)
	for _, name := range owned {
		res, change, err := b.names.Release(name, p.id)
		if err != nil || res != names.ReleaseResultReleased {
			continue
		}
		delete(p.ownedNames, name)
		if !silent {
			b.applyNameChange(change)
		} else if change != nil && b.metrics != nil && !change.HasNewOwner {
			b.metrics.NameReleased()
		}
	}

	// Answer every caller still waiting on this peer.
	for _, pending := range b.replies.DropCallee(p.id) {
		if silent {
			continue
		}
		caller := b.peers[pending.CallerID]
		if caller == nil {
			continue
		}
		b.driverSendError(caller, pending.Serial, message.ErrNameNoReply, "peer disconnected without replying")
	}

	// Reclaim the quota of calls this peer was itself waiting on.
	b.replies.DropCaller(p.id)

	// Drop every subscription this peer owned.
	rules := make([]*match.Rule, 0, p.ownedMatches.Len())
	p.ownedMatches.Each(func(r *match.Rule) { rules = append(rules, r) })
	for _, r := range rules {
		b.dropRule(r)
	}

	// Rules other peers aimed at this identity become sender-gone.
	p.matches.UnlinkAll()

	if wasRegistered && !silent {
		b.emitNameOwnerChanged(p.uniqueName, p.uniqueName, "")
	}

	delete(b.peers, p.id)
	delete(b.ownerPeers, p.ownedMatches)
	p.objCharge.Release()
	b.users.UnrefUser(p.user)
	p.state = StateFreed

	if b.metrics != nil {
		b.metrics.PeerDisconnected()
	}
	p.logger.Info("peer freed")

	_ = p.codec.Close()
}

// dropRule fully releases one owned rule regardless of its refcount,
// cleaning up an emptied per-name registry. Callers hold b.mu.
func (b *Bus) dropRule(r *match.Rule) {
	sender := r.Key.Sender
	for !match.Deref(r) {
	}
	if b.metrics != nil {
		b.metrics.MatchRuleRemoved()
	}
	b.pruneNameMatches(sender)
}

// pruneNameMatches drops the per-name registry for sender once no rules
// remain linked in it.
func (b *Bus) pruneNameMatches(sender string) {
	if sender == "" || message.IsUniqueName(sender) || sender == DriverName {
		return
	}
	reg, ok := b.nameMatches[sender]
	if !ok {
		return
	}
	if reg.Rules.Len() == 0 && reg.Eavesdrops.Len() == 0 {
		delete(b.nameMatches, sender)
	}
}

// -------------------------------------------------------------------------
// Admin snapshots
// -------------------------------------------------------------------------

// PeerInfo is a point-in-time view of one peer for the admin API.
type PeerInfo struct {
	ID         uint64
	UniqueName string
	UID        uint32
	PID        int32
	State      string
	OwnedNames []string
	MatchRules int
}

// Peers returns a snapshot of every live peer, ordered by id.
func (b *Bus) Peers() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		owned := make([]string, 0, len(p.ownedNames))
		for name := range p.ownedNames {
			owned = append(owned, name)
		}
		sort.Strings(owned)
		out = append(out, PeerInfo{
			ID:         p.id,
			UniqueName: p.uniqueName,
			UID:        p.creds.UID,
			PID:        p.creds.PID,
			State:      p.state.String(),
			OwnedNames: owned,
			MatchRules: p.ownedMatches.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NameInfo is a point-in-time view of one owned well-known name.
type NameInfo struct {
	Name     string
	Owner    string
	QueueLen int
}

// Names returns a snapshot of every owned well-known name, sorted.
func (b *Bus) Names() []NameInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []NameInfo
	for _, name := range b.names.List() {
		ownerID, ok := b.names.Owner(name)
		if !ok {
			continue
		}
		info := NameInfo{Name: name, Owner: message.FormatUniqueName(ownerID)}
		if n, ok := b.names.Lookup(name); ok {
			info.QueueLen = n.QueueLen()
		}
		out = append(out, info)
	}
	return out
}

// Stats is a point-in-time summary of bus-wide counters.
type Stats struct {
	PeersActive        int
	NextPeerID         uint64
	BroadcastTxCount   uint64
	OutstandingReplies int
	OwnedNames         int
}

// Stats returns bus-wide counters for the admin API.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		PeersActive:        len(b.peers),
		NextPeerID:         b.nextPeerID,
		BroadcastTxCount:   b.nextTxID,
		OutstandingReplies: b.replies.Len(),
		OwnedNames:         len(b.names.List()),
	}
}

// ReloadQuota installs new default limits for future users and applies
// the per-UID overrides to live and future accounting records.
func (b *Bus) ReloadQuota(def accounting.Limits, overrides map[uint32]accounting.Limits) {
	b.users.SetDefaultLimits(def)
	for uid, limits := range overrides {
		b.users.SetUserLimits(uid, limits)
	}
}

// ReloadPolicy swaps the access-control engine. Existing peers keep
// their connection-time policy snapshot; only new connections see the
// reloaded ruleset.
func (b *Bus) ReloadPolicy(e *policy.Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = e
}

// KillPeer force-disconnects the peer with the given unique name.
func (b *Bus) KillPeer(uniqueName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := message.ParseUniqueName(uniqueName)
	if !ok {
		return fmt.Errorf("%q: %w", uniqueName, ErrPeerNotFound)
	}
	p, ok := b.peers[id]
	if !ok {
		return fmt.Errorf("%q: %w", uniqueName, ErrPeerNotFound)
	}
	p.logger.Warn("peer killed by administrator")
	b.goodbye(p, false)
	return nil
}
