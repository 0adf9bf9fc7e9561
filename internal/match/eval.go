package match

import (
	"strings"

	"github.com/wirebus/gobusd/internal/message"
)

// Filter is the resolved, already-name-looked-up view of one message the
// router evaluates match rules against. Unlike Key, Filter's sender and
// destination are numeric unique ids (when resolvable) so Evaluate never
// needs to consult the name registry itself.
type Filter struct {
	Msg *message.Message

	SenderID    uint64
	HasSenderID bool

	DestID    uint64
	HasDestID bool

	// ResolveName maps a well-known name to its current primary owner's
	// id, for rules whose sender/destination key is a bus name while the
	// message carries the resolved unique name. Nil when the caller has
	// no name registry in reach.
	ResolveName func(name string) (uint64, bool)

	// Unicast is true for messages addressed to a specific peer (method
	// calls, replies, errors, and any signal sent with an explicit
	// destination). Registry.Visit stops after the eavesdrop list for
	// these; ordinary broadcast signals continue into the plain Rules
	// list too.
	Unicast bool
}

// Evaluate reports whether rule matches f. A zero-value (unset) key field
// always matches; every set field must match for the rule as a whole to
// match.
func Evaluate(rule *Rule, f Filter) bool {
	k := rule.Key
	m := f.Msg

	if k.HasType && k.Type != m.Type {
		return false
	}

	if k.Sender != "" && !matchesSender(k.Sender, f) {
		return false
	}
	if k.Destination != "" && !matchesDestination(k.Destination, f) {
		return false
	}

	if k.Interface != "" && k.Interface != m.Interface {
		return false
	}
	if k.Member != "" && k.Member != m.Member {
		return false
	}

	if k.HasPath && k.Path != m.Path {
		return false
	}
	if k.HasPathNamespace && !pathInNamespace(string(m.Path), k.PathNamespace) {
		return false
	}

	if k.HasArg0Namespace {
		arg0, ok := m.StringArg(0)
		if !ok || !dotNamespacePrefix(arg0, k.Arg0Namespace) {
			return false
		}
	}

	for n, want := range k.Args {
		got, ok := m.StringArg(int(n))
		if !ok || got != want {
			return false
		}
	}

	for n, want := range k.ArgPaths {
		got, ok := m.StringArg(int(n))
		if !ok || !pathPrefixEither(got, want) {
			return false
		}
	}

	return true
}

// matchesSender compares a match key's sender value against the message.
// A unique-name key compares numerically against the resolved sender id.
// A well-known-name key never equals the message's Sender field directly
// (the bus stamps the unique name on ingress, and only the driver sends
// under its own well-known name), so it resolves the key to the name's
// current primary owner and compares ids; without a resolver, placement
// is trusted — such a key only links into that name's own Registry,
// which the router visits only while the message's sender holds the name.
func matchesSender(keyVal string, f Filter) bool {
	if message.IsUniqueName(keyVal) {
		keyID, ok := message.ParseUniqueName(keyVal)
		if ok && f.HasSenderID {
			return keyID == f.SenderID
		}
		return keyVal == f.Msg.Sender
	}
	if keyVal == f.Msg.Sender {
		return true
	}
	if f.ResolveName != nil {
		if !f.HasSenderID {
			return false
		}
		id, ok := f.ResolveName(keyVal)
		return ok && id == f.SenderID
	}
	return true
}

// matchesDestination compares a match key's destination value against
// the message. Unlike the sender field there is no placement gating, so
// a well-known-name key must either equal the literal destination the
// message was addressed to or resolve to the same peer the router
// resolved the destination to.
func matchesDestination(keyVal string, f Filter) bool {
	if message.IsUniqueName(keyVal) {
		keyID, ok := message.ParseUniqueName(keyVal)
		if ok && f.HasDestID {
			return keyID == f.DestID
		}
		return keyVal == f.Msg.Destination
	}
	if keyVal == f.Msg.Destination {
		return true
	}
	if f.ResolveName != nil && f.HasDestID {
		id, ok := f.ResolveName(keyVal)
		return ok && id == f.DestID
	}
	return false
}

// pathInNamespace reports whether path equals ns or is a '/'-delimited
// descendant of it.
func pathInNamespace(path, ns string) bool {
	if path == ns {
		return true
	}
	if ns == "/" {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, ns+"/")
}

// dotNamespacePrefix reports whether value equals ns or is a
// '.'-delimited descendant of it, e.g. "com.example.Backend1" is in
// namespace "com.example".
func dotNamespacePrefix(value, ns string) bool {
	if value == ns {
		return true
	}
	return strings.HasPrefix(value, ns+".")
}

// pathPrefixEither reports whether a and b are equal, or one is a
// '/'-delimited path prefix of the other, matching argNpath's
// bidirectional comparison (a rule value of "/a/" matches an argument of
// "/a/b" and a rule value of "/a/b" matches an argument of "/a/").
func pathPrefixEither(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, dirPrefix(b)) || strings.HasPrefix(b, dirPrefix(a))
}

// dirPrefix returns s with a single trailing '/' appended if it doesn't
// already end in one, so "/a/b" and "/a/b/" both compare as the directory
// prefix "/a/b/".
func dirPrefix(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

// VisitAll unconditionally visits every rule in the list with no filter
// evaluation. The router does not use it for the monitor list: monitor
// rules are evaluated against each message like any other rule.
func (s *List) VisitAll(visit func(*Rule) bool) {
	s.Each(visit)
}
