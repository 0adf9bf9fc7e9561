// Package names implements well-known bus name ownership: request/release
// queues, primary-owner tracking, and the reference a match rule pins
// when it targets a name that may not exist yet.
//
// Request and Release return plain result values instead of acting on
// the world directly; the caller (internal/bus) decides what signals an
// ownership change implies.
package names

import (
	"errors"
	"sort"
	"sync"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/message"
)

// RequestFlags mirrors the wire RequestName flag bits.
type RequestFlags uint32

const (
	FlagAllowReplacement RequestFlags = 1 << iota
	FlagReplaceExisting
	FlagDoNotQueue
)

// RequestResult is the outcome of a RequestName call.
type RequestResult int

const (
	ResultPrimaryOwner RequestResult = 1 + iota
	ResultInQueue
	ResultExists
	ResultAlreadyOwner
)

// ReleaseResult is the outcome of a ReleaseName call.
type ReleaseResult int

const (
	ReleaseResultReleased ReleaseResult = 1 + iota
	ReleaseResultNonExistent
	ReleaseResultNotOwner
)

// ErrUnique is returned when RequestName/ReleaseName is called with a
// unique connection name (one starting with ':'), which a peer may never
// request or release explicitly.
var ErrUnique = errors.New("names: unique connection names cannot be requested or released")

// Change describes an ownership transition a caller should turn into
// NameOwnerChanged (and, for the new/old primary owner, NameAcquired /
// NameLost) signals. A nil *Change means the queue changed with no
// visible ownership transition (e.g. a non-primary queue entry was added
// or removed).
type Change struct {
	Name string

	HasOldOwner bool
	OldOwner    uint64

	HasNewOwner bool
	NewOwner    uint64
}

type claimant struct {
	peerID           uint64
	allowReplacement bool
	charge           *accounting.Charge
}

// Name is one well-known bus name's ownership queue. The zero value is
// not usable; obtain one from a Registry.
type Name struct {
	mu       sync.Mutex
	registry *Registry
	name     string
	queue    []*claimant
	pins     uint32
}

// Owner returns the current primary owner's peer id, if any.
func (n *Name) Owner() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return 0, false
	}
	return n.queue[0].peerID, true
}

// QueueLen reports how many peers (owner included) hold a claim on the
// name, for introspection and diagnostics.
func (n *Name) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// QueuedOwners returns every claimant's peer id in acquisition order,
// primary first.
func (n *Name) QueuedOwners() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uint64, 0, len(n.queue))
	for _, c := range n.queue {
		out = append(out, c.peerID)
	}
	return out
}

// Ref pins the name so it survives even while unowned (a match rule
// targeting a not-yet-existing well-known name holds such a pin).
func (n *Name) Ref() {
	n.mu.Lock()
	n.pins++
	n.mu.Unlock()
}

// Unref releases a pin taken by Ref. Implements match.Unreffer
// structurally without this package importing match.
func (n *Name) Unref() {
	n.mu.Lock()
	if n.pins > 0 {
		n.pins--
	}
	empty := len(n.queue) == 0 && n.pins == 0
	n.mu.Unlock()

	if empty {
		n.registry.remove(n)
	}
}

// Registry tracks every well-known name with at least one claimant or
// pin. The driver's own reserved name is not held here.
type Registry struct {
	mu    sync.Mutex
	names map[string]*Name
}

// NewRegistry creates an empty name registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]*Name)}
}

func (r *Registry) lookupOrCreate(name string) *Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.names[name]
	if !ok {
		n = &Name{registry: r, name: name}
		r.names[name] = n
	}
	return n
}

func (r *Registry) remove(n *Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 && n.pins == 0 {
		delete(r.names, n.name)
	}
}

// Pin returns (creating if necessary) the Name record for name and takes
// a reference on it, for a match rule that targets a name which may not
// exist yet. The returned handle satisfies match.Unreffer.
func (r *Registry) Pin(name string) *Name {
	n := r.lookupOrCreate(name)
	n.Ref()
	return n
}

// Lookup returns the existing Name record for name, without creating one.
func (r *Registry) Lookup(name string) (*Name, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.names[name]
	return n, ok
}

// Owner returns the current primary owner's peer id for name.
func (r *Registry) Owner(name string) (uint64, bool) {
	n, ok := r.Lookup(name)
	if !ok {
		return 0, false
	}
	return n.Owner()
}

// HasOwner reports whether name currently has a primary owner.
func (r *Registry) HasOwner(name string) bool {
	_, ok := r.Owner(name)
	return ok
}

// List returns every currently owned well-known name, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.names))
	for name, n := range r.names {
		if n.HasOwner() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasOwner reports whether n currently has a primary owner. Exported on
// Name (not just Registry) since bus needs it when iterating names it
// already holds a pointer to.
func (n *Name) HasOwner() bool {
	_, ok := n.Owner()
	return ok
}

// Request implements RequestName: actor is charged one SlotNames unit
// for a newly taken primary-owner or queued slot; charges already held
// by a replaced owner are released back to that owner's own actor.
func (r *Registry) Request(name string, peerID uint64, actor *accounting.User, flags RequestFlags) (RequestResult, *Change, error) {
	if message.IsUniqueName(name) {
		return 0, nil, ErrUnique
	}

	n := r.lookupOrCreate(name)
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) == 0 {
		charge, err := accounting.NewCharge(actor, accounting.SlotNames, 1)
		if err != nil {
			return 0, nil, err
		}
		n.queue = append(n.queue, &claimant{peerID: peerID, allowReplacement: flags&FlagAllowReplacement != 0, charge: charge})
		return ResultPrimaryOwner, &Change{Name: name, HasNewOwner: true, NewOwner: peerID}, nil
	}

	primary := n.queue[0]
	if primary.peerID == peerID {
		primary.allowReplacement = flags&FlagAllowReplacement != 0
		return ResultAlreadyOwner, nil, nil
	}

	if primary.allowReplacement && flags&FlagReplaceExisting != 0 {
		charge, err := accounting.NewCharge(actor, accounting.SlotNames, 1)
		if err != nil {
			return 0, nil, err
		}
		primary.charge.Release()
		n.queue = n.queue[1:]
		n.queue = append([]*claimant{{peerID: peerID, allowReplacement: flags&FlagAllowReplacement != 0, charge: charge}}, n.queue...)
		return ResultPrimaryOwner, &Change{Name: name, HasOldOwner: true, OldOwner: primary.peerID, HasNewOwner: true, NewOwner: peerID}, nil
	}

	if flags&FlagDoNotQueue != 0 {
		return ResultExists, nil, nil
	}

	charge, err := accounting.NewCharge(actor, accounting.SlotNames, 1)
	if err != nil {
		return 0, nil, err
	}
	n.queue = append(n.queue, &claimant{peerID: peerID, allowReplacement: flags&FlagAllowReplacement != 0, charge: charge})
	return ResultInQueue, nil, nil
}

// Release implements ReleaseName for a single name.
func (r *Registry) Release(name string, peerID uint64) (ReleaseResult, *Change, error) {
	if message.IsUniqueName(name) {
		return 0, nil, ErrUnique
	}

	n, ok := r.Lookup(name)
	if !ok {
		return ReleaseResultNonExistent, nil, nil
	}

	n.mu.Lock()
	idx := -1
	for i, c := range n.queue {
		if c.peerID == peerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		n.mu.Unlock()
		return ReleaseResultNotOwner, nil, nil
	}

	released := n.queue[idx]
	n.queue = append(n.queue[:idx], n.queue[idx+1:]...)
	released.charge.Release()

	var change *Change
	if idx == 0 {
		change = &Change{Name: name, HasOldOwner: true, OldOwner: peerID}
		if len(n.queue) > 0 {
			change.HasNewOwner = true
			change.NewOwner = n.queue[0].peerID
		}
	}
	empty := len(n.queue) == 0 && n.pins == 0
	n.mu.Unlock()

	if empty {
		r.remove(n)
	}

	return ReleaseResultReleased, change, nil
}

// ReleaseAllOwnedBy releases every claim peerID holds across the
// registry, e.g. during the goodbye cascade when a peer disconnects.
// owned should list the well-known names the caller has tracked that
// peer as holding a claim on; the bus package maintains that list rather
// than this package reverse-indexing every peer.
func (r *Registry) ReleaseAllOwnedBy(peerID uint64, owned []string) []*Change {
	var changes []*Change
	for _, name := range owned {
		_, change, err := r.Release(name, peerID)
		if err == nil && change != nil {
			changes = append(changes, change)
		}
	}
	return changes
}
