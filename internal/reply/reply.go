// Package reply tracks outstanding method-call reply slots: one per
// in-flight method call that still expects a method_return or error,
// keyed by the serial the calling peer assigned and the callee that owes
// the reply.
//
// The registry keeps secondary per-caller and per-callee indexes in
// sync with the primary (callee, caller, serial) map so disconnect-time
// cleanup does not scan every slot.
package reply

import (
	"errors"
	"sync"

	"github.com/wirebus/gobusd/internal/accounting"
)

// ErrExists is returned when a reply slot is already registered for the
// same (callee, caller, serial) triple, which would only happen for a
// caller reusing a serial number against the same callee before the
// first reply lands. Serials are per-sender, so distinct callers never
// collide with each other.
var ErrExists = errors.New("reply: slot already exists")

type key struct {
	calleeID uint64
	callerID uint64
	serial   uint32
}

// Slot is one outstanding reply obligation.
type Slot struct {
	Serial   uint32
	CallerID uint64
	CalleeID uint64

	charge *accounting.Charge
}

// Registry tracks every outstanding reply slot, indexed both by the
// (callee, caller, serial) triple a method_return/error is matched
// against and by caller/callee id for bulk cleanup on disconnect.
type Registry struct {
	mu       sync.Mutex
	bySlot   map[key]*Slot
	byCaller map[uint64]map[key]*Slot
	byCallee map[uint64]map[key]*Slot
}

// NewRegistry creates an empty reply-slot registry.
func NewRegistry() *Registry {
	return &Registry{
		bySlot:   make(map[key]*Slot),
		byCaller: make(map[uint64]map[key]*Slot),
		byCallee: make(map[uint64]map[key]*Slot),
	}
}

// New registers a reply slot for a method call with the given serial,
// sent by callerID to calleeID, charging one SlotReplies unit against
// actor (the caller's accounting record). Returns ErrExists if a slot is
// already outstanding for the same (calleeID, callerID, serial) triple.
func (r *Registry) New(serial uint32, callerID, calleeID uint64, actor *accounting.User) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{calleeID: calleeID, callerID: callerID, serial: serial}
	if _, exists := r.bySlot[k]; exists {
		return nil, ErrExists
	}

	charge, err := accounting.NewCharge(actor, accounting.SlotReplies, 1)
	if err != nil {
		return nil, err
	}

	slot := &Slot{Serial: serial, CallerID: callerID, CalleeID: calleeID, charge: charge}
	r.bySlot[k] = slot
	r.index(callerID, calleeID, k, slot)

	return slot, nil
}

func (r *Registry) index(callerID, calleeID uint64, k key, slot *Slot) {
	if r.byCaller[callerID] == nil {
		r.byCaller[callerID] = make(map[key]*Slot)
	}
	r.byCaller[callerID][k] = slot

	if r.byCallee[calleeID] == nil {
		r.byCallee[calleeID] = make(map[key]*Slot)
	}
	r.byCallee[calleeID][k] = slot
}

func (r *Registry) unindex(slot *Slot, k key) {
	delete(r.bySlot, k)

	if m := r.byCaller[slot.CallerID]; m != nil {
		delete(m, k)
		if len(m) == 0 {
			delete(r.byCaller, slot.CallerID)
		}
	}
	if m := r.byCallee[slot.CalleeID]; m != nil {
		delete(m, k)
		if len(m) == 0 {
			delete(r.byCallee, slot.CalleeID)
		}
	}
}

// Lookup reports whether callerID is still waiting on (calleeID,
// serial), without consuming the slot, so the router can validate a
// reply's destination before committing to it.
func (r *Registry) Lookup(calleeID, callerID uint64, serial uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.bySlot[key{calleeID: calleeID, callerID: callerID, serial: serial}]
	return exists
}

// Take consumes the reply slot for a method_return or error arriving
// from calleeID, addressed to callerID, with the given reply_serial,
// releasing its charge. ok is false if no such slot is outstanding (a
// stray or duplicate reply).
func (r *Registry) Take(calleeID, callerID uint64, serial uint32) (ok bool) {
	r.mu.Lock()
	k := key{calleeID: calleeID, callerID: callerID, serial: serial}
	slot, exists := r.bySlot[k]
	if !exists {
		r.mu.Unlock()
		return false
	}
	r.unindex(slot, k)
	r.mu.Unlock()

	slot.charge.Release()
	return true
}

// Pending identifies one caller still waiting on a dropped callee: the
// router synthesizes a NoReply error addressed to CallerID carrying
// Serial as its reply_serial.
type Pending struct {
	CallerID uint64
	Serial   uint32
}

// DropCallee releases every slot awaiting a reply from calleeID (the
// callee disconnected before replying) and returns the waiting callers
// with the serials of their unanswered calls, so the router can
// synthesize a NoReply error for each.
func (r *Registry) DropCallee(calleeID uint64) []Pending {
	r.mu.Lock()
	m := r.byCallee[calleeID]
	slots := make([]*Slot, 0, len(m))
	for k, slot := range m {
		slots = append(slots, slot)
		r.unindex(slot, k)
	}
	r.mu.Unlock()

	pending := make([]Pending, 0, len(slots))
	for _, slot := range slots {
		slot.charge.Release()
		pending = append(pending, Pending{CallerID: slot.CallerID, Serial: slot.Serial})
	}
	return pending
}

// DropCaller releases every slot callerID is waiting on (the caller
// disconnected, so no reply delivery will ever happen). There is no one
// left to notify; this purely reclaims the quota.
func (r *Registry) DropCaller(callerID uint64) {
	r.mu.Lock()
	m := r.byCaller[callerID]
	slots := make([]*Slot, 0, len(m))
	for k, slot := range m {
		slots = append(slots, slot)
		r.unindex(slot, k)
	}
	r.mu.Unlock()

	for _, slot := range slots {
		slot.charge.Release()
	}
}

// Len reports the number of outstanding reply slots, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySlot)
}
