// Package match implements the D-Bus match-rule subscription subsystem:
// parsing rule strings into a canonical key set, indexing those keys
// per-subscriber for coalescing, linking rules into the ordered
// per-target registries the router broadcasts against, and evaluating a
// rule against an incoming message.
//
// Parsing is a pure function over the rule string with explicit
// validation at every key, and Evaluate is a pure function over a Rule
// and a Filter; all linking state lives in the Owner and List types.
package match

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/wirebus/gobusd/internal/message"
)

// ErrInvalid is returned for any syntactically or semantically malformed
// match rule string; callers map it to the wire error MatchRuleInvalid.
var ErrInvalid = errors.New("invalid match rule")

// MaxArgIndex is the highest permitted argN/argNpath index: arg63path is
// accepted, arg64path is rejected.
const MaxArgIndex = 63

// Key is the parsed, validated key set of one match rule. Two Keys that
// compare Canonical()-equal coalesce into a single stored Rule with an
// incremented reference count.
type Key struct {
	HasType bool
	Type    message.Type

	Sender      string
	Destination string

	Interface string
	Member    string

	HasPath bool
	Path    dbus.ObjectPath

	HasPathNamespace bool
	PathNamespace    string

	HasArg0Namespace bool
	Arg0Namespace    string

	HasEavesdrop bool
	Eavesdrop    bool

	// Args holds argN exact-match values, keyed by N (0..63).
	Args map[uint8]string

	// ArgPaths holds argNpath values, keyed by N (0..63).
	ArgPaths map[uint8]string
}

// Canonical returns a deterministic string encoding of the key set,
// stable under field order, used as the subscriber-local dedup index:
// two keys parsed from rule strings that mean the same thing canonicalize
// identically.
func (k Key) Canonical() string {
	var b strings.Builder

	fmt.Fprintf(&b, "type=%v:%v;", k.HasType, k.Type)
	fmt.Fprintf(&b, "sender=%q;", k.Sender)
	fmt.Fprintf(&b, "dest=%q;", k.Destination)
	fmt.Fprintf(&b, "iface=%q;", k.Interface)
	fmt.Fprintf(&b, "member=%q;", k.Member)
	fmt.Fprintf(&b, "path=%v:%q;", k.HasPath, k.Path)
	fmt.Fprintf(&b, "pathns=%v:%q;", k.HasPathNamespace, k.PathNamespace)
	fmt.Fprintf(&b, "arg0ns=%v:%q;", k.HasArg0Namespace, k.Arg0Namespace)
	fmt.Fprintf(&b, "eavesdrop=%v:%v;", k.HasEavesdrop, k.Eavesdrop)

	writeArgMap(&b, "args", k.Args)
	writeArgMap(&b, "argpaths", k.ArgPaths)

	return b.String()
}

func writeArgMap(b *strings.Builder, label string, m map[uint8]string) {
	b.WriteString(label)
	b.WriteByte('=')
	if len(m) == 0 {
		b.WriteString(";")
		return
	}
	idx := make([]int, 0, len(m))
	for n := range m {
		idx = append(idx, int(n))
	}
	sort.Ints(idx)
	for _, n := range idx {
		fmt.Fprintf(b, "%d:%q,", n, m[uint8(n)])
	}
	b.WriteByte(';')
}

// -------------------------------------------------------------------------
// Grammar: comma-separated key=value pairs, with single-quoted values.
// -------------------------------------------------------------------------

type rawPair struct {
	key   string
	value string
}

// splitPairs tokenizes a rule string into raw key/value pairs, honoring
// single-quoting. Inside quotes a backslash is a literal character (the
// only way to exit quote mode is an unescaped closing quote). Outside
// quotes, "\'" yields a literal quote and any other backslash is kept
// literally. A comma outside quotes ends the current value.
func splitPairs(s string) ([]rawPair, error) {
	var pairs []rawPair

	i := 0
	n := len(s)
	for i < n {
		// Parse key up to '='.
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: missing '=' in %q", ErrInvalid, s[i:])
		}
		key := strings.TrimSpace(s[i : i+eq])
		if key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalid)
		}
		i += eq + 1

		// Strip whitespace immediately after '='.
		for i < n && (s[i] == ' ' || s[i] == '\t') {
			i++
		}

		value, next, err := scanValue(s, i)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, rawPair{key: key, value: value})
		i = next

		if i < n {
			if s[i] != ',' {
				return nil, fmt.Errorf("%w: trailing garbage after value for key %q", ErrInvalid, key)
			}
			i++ // skip comma
		}
	}

	return pairs, nil
}

// scanValue scans one value starting at s[i], returning the decoded value
// and the index of the first byte after it (either a top-level comma or
// len(s)).
func scanValue(s string, i int) (string, int, error) {
	var b strings.Builder
	n := len(s)
	inQuote := false

	for i < n {
		c := s[i]
		switch {
		case inQuote && c == '\'':
			inQuote = false
			i++
		case inQuote:
			b.WriteByte(c)
			i++
		case c == '\'':
			inQuote = true
			i++
		case c == '\\' && i+1 < n && s[i+1] == '\'':
			b.WriteByte('\'')
			i += 2
		case c == ',':
			return b.String(), i, nil
		default:
			b.WriteByte(c)
			i++
		}
	}

	if inQuote {
		return "", 0, fmt.Errorf("%w: unterminated quote", ErrInvalid)
	}

	return b.String(), i, nil
}

// -------------------------------------------------------------------------
// Parse — string -> validated Key
// -------------------------------------------------------------------------

// Parse validates and parses a D-Bus match rule string into a Key.
// Returns ErrInvalid (wrapped with context) for any grammar or semantic
// violation.
func Parse(rule string) (Key, error) {
	pairs, err := splitPairs(rule)
	if err != nil {
		return Key{}, err
	}

	var k Key
	seen := make(map[string]bool, len(pairs))

	for _, p := range pairs {
		if seen[p.key] {
			return Key{}, fmt.Errorf("%w: duplicate key %q", ErrInvalid, p.key)
		}
		seen[p.key] = true

		if err := applyPair(&k, p.key, p.value); err != nil {
			return Key{}, err
		}
	}

	if k.HasPath && k.HasPathNamespace {
		return Key{}, fmt.Errorf("%w: path and path_namespace are mutually exclusive", ErrInvalid)
	}
	if _, hasArg0 := k.Args[0]; hasArg0 && k.HasArg0Namespace {
		return Key{}, fmt.Errorf("%w: arg0 and arg0namespace are mutually exclusive", ErrInvalid)
	}

	return k, nil
}

func applyPair(k *Key, key, value string) error {
	switch {
	case key == "type":
		t, ok := message.ParseTypeKeyword(value)
		if !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalid, value)
		}
		k.HasType, k.Type = true, t

	case key == "sender":
		k.Sender = value

	case key == "destination":
		k.Destination = value

	case key == "interface":
		k.Interface = value

	case key == "member":
		k.Member = value

	case key == "path":
		k.HasPath, k.Path = true, dbus.ObjectPath(value)

	case key == "path_namespace":
		k.HasPathNamespace, k.PathNamespace = true, value

	case key == "arg0namespace":
		k.HasArg0Namespace, k.Arg0Namespace = true, value

	case key == "eavesdrop":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: eavesdrop must be true/false, got %q", ErrInvalid, value)
		}
		k.HasEavesdrop, k.Eavesdrop = true, b

	case strings.HasPrefix(key, "arg"):
		return applyArgKey(k, key, value)

	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}

	return nil
}

// applyArgKey parses "argN" or "argNpath" keys (0 <= N <= 63).
func applyArgKey(k *Key, key, value string) error {
	rest := key[len("arg"):]
	isPath := strings.HasSuffix(rest, "path")
	if isPath {
		rest = strings.TrimSuffix(rest, "path")
	}

	if rest == "" {
		return fmt.Errorf("%w: malformed arg key %q", ErrInvalid, key)
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 || idx > MaxArgIndex {
		return fmt.Errorf("%w: arg index out of range in key %q", ErrInvalid, key)
	}

	n := uint8(idx)
	if isPath {
		if k.ArgPaths == nil {
			k.ArgPaths = make(map[uint8]string)
		}
		k.ArgPaths[n] = value
	} else {
		if k.Args == nil {
			k.Args = make(map[uint8]string)
		}
		k.Args[n] = value
	}

	return nil
}
