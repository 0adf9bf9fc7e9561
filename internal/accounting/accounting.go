// Package accounting implements per-UID resource accounting for the bus.
//
// Every object the bus allocates on behalf of a connection — an outbox
// byte, a queued file descriptor, a match rule, an object reference, a
// held name, an outstanding reply slot — is charged against some User's
// quota before it is linked into any registry, and the charge is released
// only after the object is unlinked. This ordering (charge-before-link,
// release-after-unlink) keeps the sum of live charges equal to the usage
// counter even when a multi-step registration aborts partway through.
//
// Charges are move-only tokens rather than bare counters because the
// party a charge is attributed to (the sender causing the load) and the
// object holding the resource (the recipient's queue entry) can belong
// to different peers.
package accounting

import (
	"errors"
	"fmt"
	"sync"
)

// SlotKind identifies one of the six quota-bounded resource kinds a User
// accrues.
type SlotKind int

const (
	SlotBytes SlotKind = iota
	SlotFDs
	SlotMatches
	SlotObjects
	SlotNames
	SlotReplies

	numSlots
)

// String returns the human-readable slot name, used in log fields and
// LimitsExceeded error messages.
func (k SlotKind) String() string {
	switch k {
	case SlotBytes:
		return "bytes"
	case SlotFDs:
		return "fds"
	case SlotMatches:
		return "matches"
	case SlotObjects:
		return "objects"
	case SlotNames:
		return "names"
	case SlotReplies:
		return "replies"
	default:
		return "unknown"
	}
}

// ErrQuota is returned when a charge would exceed the User's configured
// limit for that slot kind. Maps to the wire error LimitsExceeded.
var ErrQuota = errors.New("resource quota exceeded")

// Limits holds the per-slot ceilings applied to a User. Zero means
// "unlimited" is NOT assumed — a zero limit simply admits zero charges;
// callers populate Limits from configured defaults (internal/config).
type Limits [numSlots]uint64

// DefaultLimits returns generous but bounded per-UID ceilings suitable as
// a fallback when no configuration overrides a UID.
func DefaultLimits() Limits {
	return Limits{
		SlotBytes:   64 * 1024 * 1024,
		SlotFDs:     256,
		SlotMatches: 512,
		SlotObjects: 8192,
		SlotNames:   1024,
		SlotReplies: 1024,
	}
}

// User is the per-UID accounting record. It is reference-counted by the
// number of live Peers for that UID; the Registry frees it when the count
// reaches zero. Nothing here persists across a restart.
type User struct {
	mu     sync.Mutex
	uid    uint32
	limits Limits
	usage  [numSlots]uint64
	refs   int
}

// UID returns the UNIX user ID this record accounts for.
func (u *User) UID() uint32 { return u.uid }

// Usage returns the current usage for a slot kind.
func (u *User) Usage(slot SlotKind) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage[slot]
}

// Limit returns the configured ceiling for a slot kind.
func (u *User) Limit(slot SlotKind) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.limits[slot]
}

// SetLimits replaces the configured ceilings, e.g. on SIGHUP config
// reload. Already-held charges are left untouched; they may temporarily
// exceed a lowered limit until released.
func (u *User) SetLimits(limits Limits) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.limits = limits
}

func (u *User) tryCharge(slot SlotKind, amount uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.usage[slot]+amount > u.limits[slot] {
		return false
	}
	u.usage[slot] += amount
	return true
}

func (u *User) release(slot SlotKind, amount uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if amount > u.usage[slot] {
		// Defensive: never go negative. This can only indicate a caller
		// bug (double release), which the Charge API prevents via its
		// released flag.
		u.usage[slot] = 0
		return
	}
	u.usage[slot] -= amount
}

// Charge is a move-only token representing one outstanding reservation
// against a User's quota. Release is idempotent: releasing an
// already-released (or zero-value) Charge is a no-op, so a charge only
// ever refunds its User once, and only if it was actually granted.
type Charge struct {
	user     *User
	slot     SlotKind
	amount   uint64
	released bool
}

// Release refunds the charge to its User. Safe to call multiple times
// and on a nil Charge.
func (c *Charge) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.user.release(c.slot, c.amount)
}

// Slot reports which resource kind this charge holds, for diagnostics.
func (c *Charge) Slot() SlotKind { return c.slot }

// Registry tracks one User record per UID, ref-counted by live Peers.
type Registry struct {
	mu      sync.Mutex
	users   map[uint32]*User
	limits  Limits
	perUser map[uint32]Limits
}

// NewRegistry creates an empty Registry. defaultLimits applies to any UID
// without a more specific entry in perUserOverrides (which may be nil).
func NewRegistry(defaultLimits Limits, perUserOverrides map[uint32]Limits) *Registry {
	overrides := make(map[uint32]Limits, len(perUserOverrides))
	for uid, l := range perUserOverrides {
		overrides[uid] = l
	}
	return &Registry{
		users:   make(map[uint32]*User),
		limits:  defaultLimits,
		perUser: overrides,
	}
}

// RefUser returns the User record for uid, creating it (with configured
// limits) if this is the first live reference, and increments its
// reference count. Pair with UnrefUser when the referencing Peer is freed.
func (r *Registry) RefUser(uid uint32) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[uid]
	if !ok {
		limits := r.limits
		if override, ok := r.perUser[uid]; ok {
			limits = override
		}
		u = &User{uid: uid, limits: limits}
		r.users[uid] = u
	}
	u.refs++
	return u
}

// UnrefUser decrements u's reference count, removing it from the registry
// once no Peer references it. Callers must release every charge they
// hold against u before the last Unref, or the usage counters removed
// here would no longer reconcile against any live Charge.
func (r *Registry) UnrefUser(u *User) {
	if u == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u.refs--
	if u.refs <= 0 {
		delete(r.users, u.uid)
	}
}

// SetDefaultLimits replaces the default limits applied to Users created
// after this call, e.g. on SIGHUP config reload. Existing Users keep
// their limits unless overridden individually.
func (r *Registry) SetDefaultLimits(limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}

// SetUserLimits installs a limits override for uid, applied to the live
// User record if one exists and to any future RefUser call.
func (r *Registry) SetUserLimits(uid uint32, limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perUser[uid] = limits
	if u, ok := r.users[uid]; ok {
		u.SetLimits(limits)
	}
}

// NewCharge attempts to reserve amount units of slot against user's quota.
// On success it returns a Charge token that MUST be linked into the
// caller's object before any other registry mutation, and released only
// after that object is unlinked. On failure it returns ErrQuota and
// user's usage is left unchanged.
func NewCharge(user *User, slot SlotKind, amount uint64) (*Charge, error) {
	if user == nil {
		return nil, fmt.Errorf("charge %s: %w", slot, errNilUser)
	}
	if !user.tryCharge(slot, amount) {
		return nil, fmt.Errorf("charge %d %s for uid %d: %w", amount, slot, user.uid, ErrQuota)
	}
	return &Charge{user: user, slot: slot, amount: amount}, nil
}

var errNilUser = errors.New("accounting: nil user")
