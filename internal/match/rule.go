package match

import (
	"container/list"

	"github.com/wirebus/gobusd/internal/accounting"
)

// Unreffer is implemented by the handle a Rule pins when it links against
// a well-known name's registry: linking holds one additional reference on
// that name, released when the rule is dropped. internal/names.Name
// implements this; match does not import names to avoid a package cycle
// (bus orchestrates both).
type Unreffer interface {
	Unref()
}

// Rule is one parsed, charged, and (possibly) linked match-rule
// subscription.
type Rule struct {
	Key Key
	Raw string

	owner    *Owner
	canon    string
	refcount uint32

	byteCharge  *accounting.Charge
	matchCharge *accounting.Charge
	nameRef     Unreffer

	linkedList *List
	elem       *list.Element
}

// Eavesdrop reports whether this rule was marked eavesdrop='true', which
// routes it into a target's Eavesdrops sublist instead of Rules.
func (r *Rule) Eavesdrop() bool {
	return r.Key.HasEavesdrop && r.Key.Eavesdrop
}

// Owner returns the MatchOwner this rule belongs to.
func (r *Rule) Owner() *Owner { return r.owner }

// RefCount returns the current subscriber-refcount (>1 means the same
// canonical rule string was added more than once).
func (r *Rule) RefCount() uint32 { return r.refcount }

// Linked reports whether the rule is currently linked into some target
// List (false for a "sender gone" rule, which stays tracked in its Owner
// but can never fire).
func (r *Rule) Linked() bool { return r.linkedList != nil }

// -------------------------------------------------------------------------
// List / Registry — ordered per-target collections
// -------------------------------------------------------------------------

// List is a simple insertion-ordered collection of linked rules.
type List struct {
	l list.List
}

// Each visits every rule in insertion order, stopping early if fn returns
// false.
func (s *List) Each(fn func(*Rule) bool) {
	for e := s.l.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*Rule)) {
			return
		}
	}
}

// Len returns the number of linked rules.
func (s *List) Len() int { return s.l.Len() }

// Registry groups the ordinary-subscriber and eavesdropper sublists for
// one broadcast target: the bus wildcard, the driver, a single Name, or a
// single Peer's own identity.
type Registry struct {
	Rules      List
	Eavesdrops List
}

// Visit walks Eavesdrops then Rules, stopping after Eavesdrops when
// f.Unicast is set, invoking visit for every rule whose filter evaluation
// matches. visit may return false to stop early.
func (reg *Registry) Visit(f Filter, visit func(*Rule) bool) {
	stop := false
	reg.Eavesdrops.Each(func(r *Rule) bool {
		if Evaluate(r, f) {
			if !visit(r) {
				stop = true
				return false
			}
		}
		return true
	})
	if stop || f.Unicast {
		return
	}
	reg.Rules.Each(func(r *Rule) bool {
		if Evaluate(r, f) {
			return visit(r)
		}
		return true
	})
}

// -------------------------------------------------------------------------
// Owner — per-subscriber rule index
// -------------------------------------------------------------------------

// Owner is the per-subscriber index of rules, keyed by canonical key
// string so identical subscriptions coalesce.
type Owner struct {
	rules map[string]*Rule
}

// NewOwner creates an empty Owner.
func NewOwner() *Owner {
	return &Owner{rules: make(map[string]*Rule)}
}

// Find looks up a previously added rule by its canonical key.
func (o *Owner) Find(canon string) (*Rule, bool) {
	r, ok := o.rules[canon]
	return r, ok
}

// Len returns the number of distinct rules this owner holds.
func (o *Owner) Len() int { return len(o.rules) }

// Each visits every rule this owner holds, in unspecified order.
func (o *Owner) Each(fn func(*Rule)) {
	for _, r := range o.rules {
		fn(r)
	}
}

// NewRule constructs a new Rule from a parsed key, charges it against the
// actor's byte and match-slot quota, and indexes it under owner. It does
// NOT link the rule into any target List — call Link separately once the
// target has been resolved; placement is a distinct step from indexing.
//
// On quota failure the Owner and actor's usage are left unchanged.
func NewRule(owner *Owner, key Key, raw string, actor *accounting.User) (*Rule, error) {
	canon := key.Canonical()
	if existing, ok := owner.Find(canon); ok {
		existing.refcount++
		return existing, nil
	}

	byteCharge, err := accounting.NewCharge(actor, accounting.SlotBytes, uint64(len(raw)))
	if err != nil {
		return nil, err
	}
	matchCharge, err := accounting.NewCharge(actor, accounting.SlotMatches, 1)
	if err != nil {
		byteCharge.Release()
		return nil, err
	}

	r := &Rule{
		Key:         key,
		Raw:         raw,
		owner:       owner,
		canon:       canon,
		refcount:    1,
		byteCharge:  byteCharge,
		matchCharge: matchCharge,
	}
	owner.rules[canon] = r

	return r, nil
}

// Link places rule into target, recording the element so Unlink can
// remove it again. A nil target leaves the rule indexed in its Owner but
// unreachable from any broadcast (the "sender gone" case). nameRef, if
// non-nil, is Unref'd when the rule is later dropped.
func Link(rule *Rule, target *List, nameRef Unreffer) {
	rule.nameRef = nameRef
	if target == nil {
		return
	}
	rule.linkedList = target
	rule.elem = target.l.PushBack(rule)
}

// Unlink removes rule from whatever List it is linked into (a no-op if
// it was never linked) and releases any pinned Name reference.
func Unlink(rule *Rule) {
	if rule.linkedList != nil {
		rule.linkedList.l.Remove(rule.elem)
		rule.linkedList = nil
		rule.elem = nil
	}
	if rule.nameRef != nil {
		rule.nameRef.Unref()
		rule.nameRef = nil
	}
}

// UnlinkAll unlinks every rule linked into reg, leaving each tracked in
// its owner but reachable from no broadcast (the "sender gone" state).
// Used when the target the registry belongs to disappears.
func (reg *Registry) UnlinkAll() {
	for _, l := range []*List{&reg.Eavesdrops, &reg.Rules} {
		for {
			e := l.l.Front()
			if e == nil {
				break
			}
			Unlink(e.Value.(*Rule))
		}
	}
}

// Deref decrements the rule's subscriber refcount. When it reaches zero
// the rule is unlinked, removed from its owner's index, and its charges
// released; the caller must discard any remaining references to rule
// afterward. Returns true when the rule was fully dropped.
func Deref(rule *Rule) bool {
	rule.refcount--
	if rule.refcount > 0 {
		return false
	}

	Unlink(rule)
	delete(rule.owner.rules, rule.canon)
	rule.byteCharge.Release()
	rule.matchCharge.Release()

	return true
}
