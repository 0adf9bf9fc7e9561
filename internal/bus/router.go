package bus

import (
	"errors"
	"log/slog"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/match"
	"github.com/wirebus/gobusd/internal/message"
	"github.com/wirebus/gobusd/internal/policy"
	"github.com/wirebus/gobusd/internal/reply"
)

// HandleMessage routes one inbound message from p. It is the single
// dispatch entry point: driver calls are answered synchronously within
// the same lock hold, so a driver request and its reply never straddle
// dispatch turns.
func (b *Bus) HandleMessage(p *Peer, m *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.state == StateDisconnecting || p.state == StateFreed {
		return
	}
	if p.state == StateMonitor {
		b.violation(p, "message from monitor")
		return
	}
	if m.Serial == message.InvalidSerial {
		b.violation(p, "message with serial zero")
		return
	}

	// The bus owns the sender field; clients may not forge it.
	m.Sender = p.uniqueName

	if m.Destination == DriverName {
		b.dispatchDriver(p, m)
		return
	}

	if p.state != StateRegistered {
		b.violation(p, "traffic before Hello")
		return
	}

	switch m.Type {
	case message.TypeMethodCall:
		b.routeCall(p, m)
	case message.TypeMethodReply, message.TypeError:
		b.routeReply(p, m)
	case message.TypeSignal:
		if m.Destination != "" {
			b.routeUnicastSignal(p, m)
		} else {
			b.routeBroadcastSignal(p, m)
		}
	default:
		b.violation(p, "unknown message type")
	}
}

// violation disconnects a peer over a protocol violation; no error reply
// is sent.
func (b *Bus) violation(p *Peer, reason string) {
	p.logger.Warn("protocol violation", slog.String("reason", reason))
	b.goodbye(p, false)
}

// routeCall delivers a method call to its addressed peer: reply slot
// first (so the quota check precedes any visible effect), then both
// policy directions, then the receiver's outbox, then eavesdroppers.
func (b *Bus) routeCall(sender *Peer, m *message.Message) {
	recv, ok := b.resolvePeer(m.Destination)
	if !ok {
		if m.WantsReply() {
			b.driverSendError(sender, m.Serial, message.ErrNameServiceUnknown,
				"the name "+m.Destination+" has no owner")
		}
		return
	}

	slotMade := false
	if m.WantsReply() {
		_, err := b.replies.New(m.Serial, sender.id, recv.id, sender.user)
		switch {
		case errors.Is(err, reply.ErrExists):
			// Serial reuse while the first call is still outstanding.
			b.violation(sender, "duplicate method-call serial")
			return
		case errors.Is(err, accounting.ErrQuota):
			if b.metrics != nil {
				b.metrics.IncQuotaDenied(accounting.SlotReplies.String())
			}
			b.driverSendError(sender, m.Serial, message.ErrNameLimitsExceeded,
				"too many outstanding method calls")
			return
		case err != nil:
			b.driverSendError(sender, m.Serial, message.ErrNameFailed, err.Error())
			return
		}
		slotMade = true
	}

	if !b.checkTransfer(sender, recv, m) {
		if slotMade {
			b.replies.Take(recv.id, sender.id, m.Serial)
		}
		if m.WantsReply() {
			b.driverSendError(sender, m.Serial, message.ErrNameAccessDenied,
				"message rejected by policy")
		}
		return
	}

	if err := b.enqueue(recv, m, 0, sender.user); err != nil {
		if slotMade {
			b.replies.Take(recv.id, sender.id, m.Serial)
		}
		if m.WantsReply() {
			b.driverSendError(sender, m.Serial, message.ErrNameLimitsExceeded,
				"destination outbox quota exhausted")
		}
		return
	}

	if b.metrics != nil {
		b.metrics.IncRouted(message.TypeKeyword(m.Type))
	}
	b.broadcast(sender, m, recv)
}

// routeReply delivers a method return or error. The slot is looked up
// by the reply's destination (the waiting caller) alongside the callee
// and serial, so a forged reply cannot burn another caller's slot.
func (b *Bus) routeReply(sender *Peer, m *message.Message) {
	destID, destOK := b.resolveID(m.Destination)
	if !destOK || !b.replies.Lookup(sender.id, destID, m.ReplySerial) {
		b.violation(sender, "unexpected reply")
		return
	}
	b.replies.Take(sender.id, destID, m.ReplySerial)

	caller, ok := b.peers[destID]
	if !ok || !caller.alive() {
		return
	}

	// A policy denial on the reply path drops silently; the slot is
	// already consumed either way.
	if !b.checkTransfer(sender, caller, m) {
		return
	}

	if err := b.enqueue(caller, m, 0, sender.user); err != nil {
		// Never fail the reply path back to the replier; the stalled
		// destination is shut down instead.
		b.shutdownPeer(caller)
		return
	}

	if b.metrics != nil {
		b.metrics.IncRouted(message.TypeKeyword(m.Type))
	}
	b.broadcast(sender, m, caller)
}

// routeUnicastSignal delivers a directed signal; denials and unknown
// destinations drop silently.
func (b *Bus) routeUnicastSignal(sender *Peer, m *message.Message) {
	recv, ok := b.resolvePeer(m.Destination)
	if !ok {
		return
	}
	if !b.checkTransfer(sender, recv, m) {
		return
	}
	if err := b.enqueue(recv, m, 0, sender.user); err != nil {
		b.shutdownPeer(recv)
		return
	}
	if b.metrics != nil {
		b.metrics.IncRouted(message.TypeKeyword(m.Type))
	}
	b.broadcast(sender, m, recv)
}

// routeBroadcastSignal fans an undirected signal out to subscribers.
func (b *Bus) routeBroadcastSignal(sender *Peer, m *message.Message) {
	if b.metrics != nil {
		b.metrics.IncRouted(message.TypeKeyword(m.Type))
	}
	b.broadcast(sender, m, nil)
}

// broadcast starts a new delivery transaction and walks every registry
// that can reach a subscriber: the wildcard registry, rules aimed at the
// sender's identity, rules aimed at each name the sender holds primary
// on (or the driver registry for broker-originated traffic), and the
// monitor list. addressed, when non-nil, is the unicast recipient that
// already received the message and is skipped here; for such messages
// only eavesdrop sublists fire. Per-recipient dedup by transaction id
// makes delivery at-most-once no matter how many rules match.
func (b *Bus) broadcast(sender *Peer, m *message.Message, addressed *Peer) {
	b.nextTxID++
	txid := b.nextTxID
	if b.metrics != nil {
		b.metrics.IncBroadcast()
	}

	f := match.Filter{
		Msg:         m,
		Unicast:     m.Destination != "",
		ResolveName: b.names.Owner,
	}
	if sender != nil {
		f.SenderID = sender.id
		f.HasSenderID = true
	}
	if destID, ok := b.resolveID(m.Destination); ok {
		f.DestID = destID
		f.HasDestID = true
	}

	// Collect first, deliver after: a delivery can shut a recipient down,
	// which unlinks rules from the very lists being walked.
	var matched []*match.Rule
	visit := func(r *match.Rule) bool {
		matched = append(matched, r)
		return true
	}

	b.wildcardMatches.Visit(f, visit)

	if sender != nil {
		sender.matches.Visit(f, visit)
		for name := range sender.ownedNames {
			ownerID, ok := b.names.Owner(name)
			if !ok || ownerID != sender.id {
				continue
			}
			if reg, ok := b.nameMatches[name]; ok {
				reg.Visit(f, visit)
			}
		}
	} else {
		b.driverMatches.Visit(f, visit)
	}

	// Monitors observe everything their rules match, unicast included.
	b.monitors.Each(func(r *match.Rule) bool {
		if match.Evaluate(r, f) {
			matched = append(matched, r)
		}
		return true
	})

	for _, r := range matched {
		b.deliverMatched(r, sender, m, addressed, txid)
	}
}

// deliverMatched enqueues one matched rule's message to the rule's
// owner, applying both policy directions. A quota failure shuts the
// overwhelmed recipient down rather than failing the broadcast.
func (b *Bus) deliverMatched(r *match.Rule, sender *Peer, m *message.Message, addressed *Peer, txid uint64) {
	owner := b.ownerPeers[r.Owner()]
	if owner == nil || owner == addressed || !owner.alive() {
		return
	}

	if sender != nil && owner.state != StateMonitor {
		if !b.checkTransfer(sender, owner, m) {
			return
		}
	}

	actor := sender
	if actor == nil {
		actor = owner
	}
	if err := b.enqueue(owner, m, txid, actor.user); err != nil {
		b.shutdownPeer(owner)
	}
}

// checkTransfer evaluates send policy for the sender against the
// recipient's names and receive policy for the recipient against the
// sender's names.
func (b *Bus) checkTransfer(sender, recv *Peer, m *message.Message) bool {
	t := policy.Transfer{
		Interface: m.Interface,
		Member:    m.Member,
		Path:      m.Path,
		Type:      m.Type,
	}

	t.Names = b.peerNames(recv)
	if !sender.policy.CheckSend(t) {
		if b.metrics != nil {
			b.metrics.IncPolicyDenied("send")
		}
		return false
	}

	t.Names = b.peerNames(sender)
	if !recv.policy.CheckReceive(t) {
		if b.metrics != nil {
			b.metrics.IncPolicyDenied("receive")
		}
		return false
	}
	return true
}

// peerNames lists a peer's unique name plus every well-known name it
// holds primary ownership on, the name set policy rules match against.
func (b *Bus) peerNames(p *Peer) []string {
	out := make([]string, 0, 1+len(p.ownedNames))
	out = append(out, p.uniqueName)
	for name := range p.ownedNames {
		if ownerID, ok := b.names.Owner(name); ok && ownerID == p.id {
			out = append(out, name)
		}
	}
	return out
}

// resolvePeer maps a destination string (unique or well-known) to a
// live registered peer.
func (b *Bus) resolvePeer(dest string) (*Peer, bool) {
	id, ok := b.resolveID(dest)
	if !ok {
		return nil, false
	}
	p, ok := b.peers[id]
	if !ok || !p.registered() {
		return nil, false
	}
	return p, true
}

// resolveID maps a destination string to a peer id without checking
// liveness.
func (b *Bus) resolveID(dest string) (uint64, bool) {
	if dest == "" {
		return 0, false
	}
	if message.IsUniqueName(dest) {
		return message.ParseUniqueName(dest)
	}
	return b.names.Owner(dest)
}

// enqueue charges actor for the message's footprint and hands it to the
// peer's codec. Transaction-tagged deliveries dedup per peer: a second
// enqueue within one broadcast transaction is a no-op.
func (b *Bus) enqueue(p *Peer, m *message.Message, txid uint64, actor *accounting.User) error {
	if !p.alive() {
		return nil
	}
	if txid != 0 && p.lastTxID == txid {
		return nil
	}

	charge, err := accounting.NewCharge(actor, accounting.SlotBytes, m.EstimatedSize())
	if err != nil {
		if b.metrics != nil {
			b.metrics.IncQuotaDenied(accounting.SlotBytes.String())
		}
		return err
	}

	if txid != 0 {
		p.lastTxID = txid
	}
	if err := p.codec.Queue(m, txid, charge.Release); err != nil {
		// The codec already ran the release hook.
		return err
	}
	return nil
}

// shutdownPeer force-disconnects a peer that can no longer keep up with
// its inbound queue.
func (b *Bus) shutdownPeer(p *Peer) {
	p.logger.Warn("peer outbox over quota, shutting down")
	b.goodbye(p, false)
}
