package bus

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/match"
	"github.com/wirebus/gobusd/internal/message"
	"github.com/wirebus/gobusd/internal/names"
)

// DriverPath is the object path the driver answers on.
const DriverPath = "/org/freedesktop/DBus"

const (
	driverInterface         = "org.freedesktop.DBus"
	monitoringInterface     = "org.freedesktop.DBus.Monitoring"
	peerInterface           = "org.freedesktop.DBus.Peer"
	introspectableInterface = "org.freedesktop.DBus.Introspectable"
)

// RequestName / StartServiceByName wire result codes.
const (
	requestNameReplyPrimaryOwner uint32 = 1
	requestNameReplyInQueue      uint32 = 2
	requestNameReplyExists       uint32 = 3
	requestNameReplyAlreadyOwner uint32 = 4

	releaseNameReplyReleased    uint32 = 1
	releaseNameReplyNonExistent uint32 = 2
	releaseNameReplyNotOwner    uint32 = 3

	startReplyAlreadyRunning uint32 = 2
)

// dispatchDriver handles a message addressed to org.freedesktop.DBus.
// Replies are synthesized and enqueued within the current dispatch turn.
// Callers hold b.mu.
func (b *Bus) dispatchDriver(p *Peer, m *message.Message) {
	switch m.Type {
	case message.TypeMethodCall:
	case message.TypeMethodReply, message.TypeError:
		// The driver never waits on a peer; stray replies drop.
		return
	default:
		// Signals addressed to the driver are not an error; they drop.
		return
	}

	// Driver traffic is observable by eavesdroppers and monitors like
	// any other routed message.
	b.broadcast(p, m, nil)

	if p.state == StateAuthenticating && m.Member != "Hello" {
		b.violation(p, "driver call before Hello")
		return
	}

	switch m.Interface {
	case "", driverInterface:
		b.dispatchDriverBusMethod(p, m)
	case monitoringInterface:
		if m.Member == "BecomeMonitor" {
			b.driverBecomeMonitor(p, m)
		} else {
			b.driverUnknownMethod(p, m)
		}
	case peerInterface:
		switch m.Member {
		case "Ping":
			b.driverReply(p, m, "", nil)
		case "GetMachineId":
			b.driverReply(p, m, "s", []any{b.machineIdent()})
		default:
			b.driverUnknownMethod(p, m)
		}
	case introspectableInterface:
		if m.Member == "Introspect" {
			b.driverReply(p, m, "s", []any{driverIntrospectXML})
		} else {
			b.driverUnknownMethod(p, m)
		}
	default:
		b.driverUnknownMethod(p, m)
	}
}

func (b *Bus) dispatchDriverBusMethod(p *Peer, m *message.Message) {
	switch m.Member {
	case "Hello":
		b.driverHello(p, m)
	case "RequestName":
		b.driverRequestName(p, m)
	case "ReleaseName":
		b.driverReleaseName(p, m)
	case "AddMatch":
		b.driverAddMatch(p, m)
	case "RemoveMatch":
		b.driverRemoveMatch(p, m)
	case "GetNameOwner":
		b.driverGetNameOwner(p, m)
	case "NameHasOwner":
		b.driverNameHasOwner(p, m)
	case "ListNames":
		b.driverReply(p, m, "as", []any{b.listNames()})
	case "ListActivatableNames":
		b.driverReply(p, m, "as", []any{[]string{DriverName}})
	case "ListQueuedOwners":
		b.driverListQueuedOwners(p, m)
	case "StartServiceByName":
		b.driverStartServiceByName(p, m)
	case "GetConnectionUnixUser":
		b.driverGetConnectionUnixUser(p, m)
	case "GetConnectionUnixProcessID":
		b.driverGetConnectionUnixProcessID(p, m)
	case "GetConnectionCredentials":
		b.driverGetConnectionCredentials(p, m)
	case "GetId":
		b.driverReply(p, m, "s", []any{b.guid})
	case "BecomeMonitor":
		b.driverBecomeMonitor(p, m)
	default:
		b.driverUnknownMethod(p, m)
	}
}

// -------------------------------------------------------------------------
// Registration
// -------------------------------------------------------------------------

func (b *Bus) driverHello(p *Peer, m *message.Message) {
	if p.state != StateAuthenticating {
		b.violation(p, "repeated Hello")
		return
	}
	p.state = StateRegistered

	b.driverReply(p, m, "s", []any{p.uniqueName})
	b.driverSignalTo(p, "NameAcquired", "s", []any{p.uniqueName})
	b.emitNameOwnerChanged(p.uniqueName, "", p.uniqueName)

	p.logger.Info("peer registered")
}

// -------------------------------------------------------------------------
// Name ownership
// -------------------------------------------------------------------------

func (b *Bus) driverRequestName(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	flags, ok2 := argUint32(m, 1)
	if !ok || !ok2 {
		b.driverInvalidArgs(p, m)
		return
	}

	if name == DriverName {
		b.driverSendErrorFor(p, m, message.ErrNameInvalidArgs,
			"the name "+DriverName+" is reserved")
		return
	}
	if !validWellKnownName(name) {
		b.driverSendErrorFor(p, m, message.ErrNameInvalidArgs,
			"requested name is not a valid bus name")
		return
	}
	if !p.policy.CheckOwn(name) {
		if b.metrics != nil {
			b.metrics.IncPolicyDenied("own")
		}
		b.driverSendErrorFor(p, m, message.ErrNameAccessDenied,
			"owning the name "+name+" is denied by policy")
		return
	}

	res, change, err := b.names.Request(name, p.id, p.user, names.RequestFlags(flags))
	switch {
	case errors.Is(err, names.ErrUnique):
		b.driverSendErrorFor(p, m, message.ErrNameInvalidArgs,
			"unique names cannot be requested")
		return
	case errors.Is(err, accounting.ErrQuota):
		if b.metrics != nil {
			b.metrics.IncQuotaDenied(accounting.SlotNames.String())
		}
		b.driverSendErrorFor(p, m, message.ErrNameLimitsExceeded,
			"per-user name quota exhausted")
		return
	case err != nil:
		b.driverSendErrorFor(p, m, message.ErrNameFailed, err.Error())
		return
	}

	var code uint32
	switch res {
	case names.ResultPrimaryOwner:
		code = requestNameReplyPrimaryOwner
	case names.ResultInQueue:
		code = requestNameReplyInQueue
	case names.ResultExists:
		code = requestNameReplyExists
	case names.ResultAlreadyOwner:
		code = requestNameReplyAlreadyOwner
	}
	if res == names.ResultPrimaryOwner || res == names.ResultInQueue {
		p.ownedNames[name] = struct{}{}
	}

	b.driverReply(p, m, "u", []any{code})
	b.applyNameChange(change)
}

func (b *Bus) driverReleaseName(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}
	if name == DriverName {
		b.driverSendErrorFor(p, m, message.ErrNameInvalidArgs,
			"the name "+DriverName+" is reserved")
		return
	}

	res, change, err := b.names.Release(name, p.id)
	if errors.Is(err, names.ErrUnique) {
		b.driverSendErrorFor(p, m, message.ErrNameInvalidArgs,
			"unique names cannot be released")
		return
	}

	var code uint32
	switch res {
	case names.ReleaseResultReleased:
		code = releaseNameReplyReleased
		delete(p.ownedNames, name)
	case names.ReleaseResultNonExistent:
		code = releaseNameReplyNonExistent
	case names.ReleaseResultNotOwner:
		code = releaseNameReplyNotOwner
	}

	b.driverReply(p, m, "u", []any{code})
	b.applyNameChange(change)
}

// applyNameChange turns an ownership transition into the targeted
// NameLost/NameAcquired signals and the NameOwnerChanged broadcast.
func (b *Bus) applyNameChange(change *names.Change) {
	if change == nil {
		return
	}

	oldName, newName := "", ""
	if change.HasOldOwner {
		oldName = message.FormatUniqueName(change.OldOwner)
		if old, ok := b.peers[change.OldOwner]; ok {
			// A demoted primary that was replaced loses its whole claim.
			delete(old.ownedNames, change.Name)
			b.driverSignalTo(old, "NameLost", "s", []any{change.Name})
		}
	}
	if change.HasNewOwner {
		newName = message.FormatUniqueName(change.NewOwner)
		if nw, ok := b.peers[change.NewOwner]; ok {
			b.driverSignalTo(nw, "NameAcquired", "s", []any{change.Name})
		}
	}

	if b.metrics != nil {
		switch {
		case change.HasNewOwner && !change.HasOldOwner:
			b.metrics.NameAcquired()
		case change.HasOldOwner && !change.HasNewOwner:
			b.metrics.NameReleased()
		}
	}

	b.emitNameOwnerChanged(change.Name, oldName, newName)
}

// -------------------------------------------------------------------------
// Match rules
// -------------------------------------------------------------------------

func (b *Bus) driverAddMatch(p *Peer, m *message.Message) {
	raw, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}

	key, err := match.Parse(raw)
	if err != nil {
		b.driverSendErrorFor(p, m, message.ErrNameMatchRuleInvalid, err.Error())
		return
	}

	rule, err := match.NewRule(p.ownedMatches, key, raw, p.user)
	if errors.Is(err, accounting.ErrQuota) {
		if b.metrics != nil {
			b.metrics.IncQuotaDenied(accounting.SlotMatches.String())
		}
		b.driverSendErrorFor(p, m, message.ErrNameLimitsExceeded,
			"per-user match-rule quota exhausted")
		return
	}
	if err != nil {
		b.driverSendErrorFor(p, m, message.ErrNameFailed, err.Error())
		return
	}

	if rule.RefCount() == 1 {
		b.linkRule(rule)
		if b.metrics != nil {
			b.metrics.MatchRuleAdded()
		}
	}

	b.driverReply(p, m, "", nil)
}

// linkRule places a freshly created rule into its target registry per
// the sender key: no sender -> wildcard; the driver's name -> driver
// registry; a live unique id -> that peer's identity registry; a
// not-yet-allocated unique id -> wildcard (the peer may appear later); a
// dead unique id -> tracked but unlinked (it can never fire); a
// well-known name -> that name's registry, pinning the name record.
func (b *Bus) linkRule(rule *match.Rule) {
	sender := rule.Key.Sender

	target := func(reg *match.Registry) *match.List {
		if rule.Eavesdrop() {
			return &reg.Eavesdrops
		}
		return &reg.Rules
	}

	switch {
	case sender == "":
		match.Link(rule, target(&b.wildcardMatches), nil)

	case sender == DriverName:
		match.Link(rule, target(&b.driverMatches), nil)

	case message.IsUniqueName(sender):
		id, ok := message.ParseUniqueName(sender)
		if !ok {
			// Unique-name syntax from another generation; it can never
			// match a peer of this bus instance.
			match.Link(rule, nil, nil)
			return
		}
		if peer, live := b.peers[id]; live {
			match.Link(rule, target(&peer.matches), nil)
			return
		}
		if id >= b.nextPeerID {
			// Not allocated yet; park in the wildcard registry where the
			// sender filter still gates evaluation.
			match.Link(rule, target(&b.wildcardMatches), nil)
			return
		}
		// Allocated once, now gone, never reused: track but never fire.
		match.Link(rule, nil, nil)

	default:
		reg, ok := b.nameMatches[sender]
		if !ok {
			reg = &match.Registry{}
			b.nameMatches[sender] = reg
		}
		match.Link(rule, target(reg), b.names.Pin(sender))
	}
}

func (b *Bus) driverRemoveMatch(p *Peer, m *message.Message) {
	raw, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}

	key, err := match.Parse(raw)
	if err != nil {
		b.driverSendErrorFor(p, m, message.ErrNameMatchRuleInvalid, err.Error())
		return
	}

	rule, found := p.ownedMatches.Find(key.Canonical())
	if !found {
		b.driverSendErrorFor(p, m, message.ErrNameMatchRuleNotFound,
			"no such match rule")
		return
	}

	sender := rule.Key.Sender
	if match.Deref(rule) {
		if b.metrics != nil {
			b.metrics.MatchRuleRemoved()
		}
		b.pruneNameMatches(sender)
	}

	b.driverReply(p, m, "", nil)
}

// -------------------------------------------------------------------------
// Introspection of peers and names
// -------------------------------------------------------------------------

func (b *Bus) driverGetNameOwner(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}
	if name == DriverName {
		b.driverReply(p, m, "s", []any{DriverName})
		return
	}
	if target, ok := b.resolvePeer(name); ok {
		b.driverReply(p, m, "s", []any{target.uniqueName})
		return
	}
	b.driverSendErrorFor(p, m, message.ErrNameNameHasNoOwner,
		"the name "+name+" has no owner")
}

func (b *Bus) driverNameHasOwner(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}
	_, owned := b.resolvePeer(name)
	b.driverReply(p, m, "b", []any{owned || name == DriverName})
}

func (b *Bus) listNames() []string {
	out := []string{DriverName}
	for _, p := range b.peers {
		if p.registered() {
			out = append(out, p.uniqueName)
		}
	}
	out = append(out, b.names.List()...)
	sort.Strings(out)
	return out
}

func (b *Bus) driverListQueuedOwners(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}
	n, found := b.names.Lookup(name)
	if !found || !n.HasOwner() {
		b.driverSendErrorFor(p, m, message.ErrNameNameHasNoOwner,
			"the name "+name+" has no owner")
		return
	}
	queued := make([]string, 0, n.QueueLen())
	for _, id := range n.QueuedOwners() {
		queued = append(queued, message.FormatUniqueName(id))
	}
	b.driverReply(p, m, "as", []any{queued})
}

func (b *Bus) driverStartServiceByName(p *Peer, m *message.Message) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return
	}
	// No activation support: running services report as already running,
	// everything else is unknown.
	if _, owned := b.resolvePeer(name); owned || name == DriverName {
		b.driverReply(p, m, "u", []any{startReplyAlreadyRunning})
		return
	}
	b.driverSendErrorFor(p, m, message.ErrNameServiceUnknown,
		"service "+name+" is not activatable")
}

func (b *Bus) driverGetConnectionUnixUser(p *Peer, m *message.Message) {
	target, ok := b.driverResolveNameArg(p, m)
	if !ok {
		return
	}
	b.driverReply(p, m, "u", []any{target.creds.UID})
}

func (b *Bus) driverGetConnectionUnixProcessID(p *Peer, m *message.Message) {
	target, ok := b.driverResolveNameArg(p, m)
	if !ok {
		return
	}
	b.driverReply(p, m, "u", []any{uint32(target.creds.PID)})
}

func (b *Bus) driverGetConnectionCredentials(p *Peer, m *message.Message) {
	target, ok := b.driverResolveNameArg(p, m)
	if !ok {
		return
	}
	creds := map[string]any{
		"UnixUserID": target.creds.UID,
		"ProcessID":  uint32(target.creds.PID),
	}
	if target.creds.SecLabel != "" {
		// The LinuxSecurityLabel convention includes a trailing NUL.
		creds["LinuxSecurityLabel"] = append([]byte(target.creds.SecLabel), 0)
	}
	b.driverReply(p, m, "a{sv}", []any{creds})
}

// driverResolveNameArg resolves the bus-name argument common to the
// GetConnection* methods, emitting the error reply on failure.
func (b *Bus) driverResolveNameArg(p *Peer, m *message.Message) (*Peer, bool) {
	name, ok := argString(m, 0)
	if !ok {
		b.driverInvalidArgs(p, m)
		return nil, false
	}
	target, ok := b.resolvePeer(name)
	if !ok {
		b.driverSendErrorFor(p, m, message.ErrNameNameHasNoOwner,
			"the name "+name+" has no owner")
		return nil, false
	}
	return target, true
}

// -------------------------------------------------------------------------
// Monitoring
// -------------------------------------------------------------------------

// driverBecomeMonitor performs the one-way monitor promotion: the reply
// goes out first as ordinary traffic, then the peer's names are
// released, its subscriptions are replaced (an empty rule list means
// match-everything) and moved to the monitor list, and the peer is
// muted. Once rule movement begins the transition cannot fail back to a
// regular peer.
func (b *Bus) driverBecomeMonitor(p *Peer, m *message.Message) {
	if p.creds.UID != 0 && p.creds.UID != b.ownerUID {
		if b.metrics != nil {
			b.metrics.IncPolicyDenied("send")
		}
		b.driverSendErrorFor(p, m, message.ErrNameAccessDenied,
			"monitoring requires privileges")
		return
	}
	if p.state != StateRegistered {
		b.violation(p, "BecomeMonitor before Hello")
		return
	}

	var rules []string
	if arg, ok := argStringSlice(m, 0); ok {
		rules = arg
	}
	if len(rules) == 0 {
		// An empty rule set observes everything.
		rules = []string{""}
	}

	keys := make([]match.Key, 0, len(rules))
	for _, raw := range rules {
		key, err := match.Parse(raw)
		if err != nil {
			b.driverSendErrorFor(p, m, message.ErrNameMatchRuleInvalid, err.Error())
			return
		}
		keys = append(keys, key)
	}

	b.driverReply(p, m, "", nil)

	// Point of no return: release names, replace subscriptions, mute.
	owned := make([]string, 0, len(p.ownedNames))
	for name := range p.ownedNames {
		owned = append(owned, name)
	}
	sort.Strings(owned)
	for _, name := range owned {
		res, change, err := b.names.Release(name, p.id)
		if err == nil && res == names.ReleaseResultReleased {
			delete(p.ownedNames, name)
			b.applyNameChange(change)
		}
	}

	existing := make([]*match.Rule, 0, p.ownedMatches.Len())
	p.ownedMatches.Each(func(r *match.Rule) { existing = append(existing, r) })
	for _, r := range existing {
		b.dropRule(r)
	}

	for i, key := range keys {
		rule, err := match.NewRule(p.ownedMatches, key, rules[i], p.user)
		if err != nil {
			// Mid-transition failures are fatal for the peer; it cannot
			// be demoted back.
			p.logger.Error("monitor rule allocation failed",
				slog.String("error", err.Error()))
			b.goodbye(p, false)
			return
		}
		if rule.RefCount() == 1 {
			match.Link(rule, &b.monitors, nil)
			if b.metrics != nil {
				b.metrics.MatchRuleAdded()
			}
		}
	}

	p.state = StateMonitor
	p.logger.Info("peer became monitor")
}

// -------------------------------------------------------------------------
// Driver egress
// -------------------------------------------------------------------------

// driverReply answers a method call unless the caller opted out of
// replies.
func (b *Bus) driverReply(p *Peer, call *message.Message, sig string, body []any) {
	if !call.WantsReply() {
		return
	}
	m := &message.Message{
		Type:        message.TypeMethodReply,
		ReplySerial: call.Serial,
		Sender:      DriverName,
		Destination: p.uniqueName,
		Body:        body,
	}
	if sig != "" {
		m.Signature = mustSignature(sig)
	}
	b.driverSend(p, m)
}

// driverSendErrorFor answers a method call with a wire error unless the
// caller opted out of replies.
func (b *Bus) driverSendErrorFor(p *Peer, call *message.Message, errName, text string) {
	if !call.WantsReply() {
		return
	}
	b.driverSendError(p, call.Serial, errName, text)
}

// driverSendError synthesizes a wire error addressed to p answering the
// given serial.
func (b *Bus) driverSendError(p *Peer, replySerial uint32, errName, text string) {
	m := &message.Message{
		Type:        message.TypeError,
		ReplySerial: replySerial,
		Sender:      DriverName,
		Destination: p.uniqueName,
		ErrorName:   errName,
		Signature:   mustSignature("s"),
		Body:        []any{text},
	}
	b.driverSend(p, m)
}

func (b *Bus) driverInvalidArgs(p *Peer, call *message.Message) {
	b.driverSendErrorFor(p, call, message.ErrNameInvalidArgs,
		"invalid arguments for "+call.Member)
}

func (b *Bus) driverUnknownMethod(p *Peer, call *message.Message) {
	b.driverSendErrorFor(p, call, message.ErrNameUnknownMethod,
		"unknown method "+call.Member)
}

// driverSignalTo sends a targeted driver signal (NameAcquired/NameLost)
// to one peer.
func (b *Bus) driverSignalTo(p *Peer, member, sig string, body []any) {
	if !p.registered() && p.state != StateDisconnecting {
		return
	}
	m := &message.Message{
		Type:        message.TypeSignal,
		Sender:      DriverName,
		Destination: p.uniqueName,
		Path:        dbus.ObjectPath(DriverPath),
		Interface:   driverInterface,
		Member:      member,
		Body:        body,
	}
	if sig != "" {
		m.Signature = mustSignature(sig)
	}
	b.driverSend(p, m)
}

// emitNameOwnerChanged broadcasts the canonical ownership-transition
// signal. Empty strings stand for "no owner".
func (b *Bus) emitNameOwnerChanged(name, oldOwner, newOwner string) {
	m := &message.Message{
		Type:      message.TypeSignal,
		Sender:    DriverName,
		Path:      dbus.ObjectPath(DriverPath),
		Interface: driverInterface,
		Member:    "NameOwnerChanged",
		Signature: mustSignature("sss"),
		Body:      []any{name, oldOwner, newOwner},
	}
	b.signalSerial++
	if b.signalSerial == 0 {
		b.signalSerial = 1
	}
	m.Serial = b.signalSerial
	b.broadcast(nil, m, nil)
}

// driverSend enqueues a broker-originated message to p and copies it to
// driver eavesdroppers and monitors.
func (b *Bus) driverSend(p *Peer, m *message.Message) {
	m.Serial = p.nextSendSerial()
	if err := b.enqueue(p, m, 0, p.user); err != nil {
		b.shutdownPeer(p)
		return
	}
	b.broadcast(nil, m, p)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func argString(m *message.Message, n int) (string, bool) {
	if n >= len(m.Body) {
		return "", false
	}
	s, ok := m.Body[n].(string)
	return s, ok
}

func argUint32(m *message.Message, n int) (uint32, bool) {
	if n >= len(m.Body) {
		return 0, false
	}
	v, ok := m.Body[n].(uint32)
	return v, ok
}

func argStringSlice(m *message.Message, n int) ([]string, bool) {
	if n >= len(m.Body) {
		return nil, false
	}
	v, ok := m.Body[n].([]string)
	return v, ok
}

func mustSignature(s string) dbus.Signature {
	sig, err := dbus.ParseSignature(s)
	if err != nil {
		panic("bus: bad driver signature " + s + ": " + err.Error())
	}
	return sig
}

// validWellKnownName applies the bus-name grammar: at least two
// '.'-separated elements, each starting with a non-digit name character.
func validWellKnownName(name string) bool {
	if len(name) == 0 || len(name) > 255 || strings.HasPrefix(name, ":") {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" {
			return false
		}
		for i := 0; i < len(e); i++ {
			c := e[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
			case c >= '0' && c <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// machineIdent lazily resolves the machine id reported by
// org.freedesktop.DBus.Peer.GetMachineId, falling back to the bus GUID
// when /etc/machine-id is unavailable.
func (b *Bus) machineIdent() string {
	if b.machineID != "" {
		return b.machineID
	}
	raw, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			b.machineID = id
			return id
		}
	}
	b.machineID = b.guid
	return b.guid
}

// driverIntrospectXML is the static introspection document for the
// driver object.
const driverIntrospectXML = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
  <interface name="org.freedesktop.DBus">
    <method name="Hello"><arg direction="out" type="s"/></method>
    <method name="RequestName"><arg direction="in" type="s"/><arg direction="in" type="u"/><arg direction="out" type="u"/></method>
    <method name="ReleaseName"><arg direction="in" type="s"/><arg direction="out" type="u"/></method>
    <method name="AddMatch"><arg direction="in" type="s"/></method>
    <method name="RemoveMatch"><arg direction="in" type="s"/></method>
    <method name="GetNameOwner"><arg direction="in" type="s"/><arg direction="out" type="s"/></method>
    <method name="NameHasOwner"><arg direction="in" type="s"/><arg direction="out" type="b"/></method>
    <method name="ListNames"><arg direction="out" type="as"/></method>
    <method name="ListActivatableNames"><arg direction="out" type="as"/></method>
    <method name="ListQueuedOwners"><arg direction="in" type="s"/><arg direction="out" type="as"/></method>
    <method name="StartServiceByName"><arg direction="in" type="s"/><arg direction="in" type="u"/><arg direction="out" type="u"/></method>
    <method name="GetConnectionUnixUser"><arg direction="in" type="s"/><arg direction="out" type="u"/></method>
    <method name="GetConnectionUnixProcessID"><arg direction="in" type="s"/><arg direction="out" type="u"/></method>
    <method name="GetConnectionCredentials"><arg direction="in" type="s"/><arg direction="out" type="a{sv}"/></method>
    <method name="GetId"><arg direction="out" type="s"/></method>
    <signal name="NameOwnerChanged"><arg type="s"/><arg type="s"/><arg type="s"/></signal>
    <signal name="NameAcquired"><arg type="s"/></signal>
    <signal name="NameLost"><arg type="s"/></signal>
  </interface>
  <interface name="org.freedesktop.DBus.Monitoring">
    <method name="BecomeMonitor"><arg direction="in" type="as"/><arg direction="in" type="u"/></method>
  </interface>
  <interface name="org.freedesktop.DBus.Peer">
    <method name="Ping"/>
    <method name="GetMachineId"><arg direction="out" type="s"/></method>
  </interface>
  <interface name="org.freedesktop.DBus.Introspectable">
    <method name="Introspect"><arg direction="out" type="s"/></method>
  </interface>
</node>
`
