package match_test

import (
	"errors"
	"testing"

	"github.com/wirebus/gobusd/internal/match"
	"github.com/wirebus/gobusd/internal/message"
)

func TestParseBasicFields(t *testing.T) {
	t.Parallel()

	k, err := match.Parse("type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !k.HasType || k.Type != message.TypeSignal {
		t.Fatalf("type = %+v, want signal", k)
	}
	if k.Sender != "org.freedesktop.DBus" {
		t.Fatalf("sender = %q", k.Sender)
	}
	if k.Member != "NameOwnerChanged" {
		t.Fatalf("member = %q", k.Member)
	}
}

func TestParseArgIndexRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rule    string
		wantErr bool
	}{
		{name: "arg0 accepted", rule: "arg0='foo'", wantErr: false},
		{name: "arg63 accepted", rule: "arg63='foo'", wantErr: false},
		{name: "arg63path accepted", rule: "arg63path='/foo'", wantErr: false},
		{name: "arg64 rejected", rule: "arg64='foo'", wantErr: true},
		{name: "arg64path rejected", rule: "arg64path='/foo'", wantErr: true},
		{name: "negative index rejected", rule: "arg-1='foo'", wantErr: true},
		{name: "malformed arg key rejected", rule: "argpath='/foo'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := match.Parse(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.rule, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, match.ErrInvalid) {
				t.Fatalf("Parse(%q) err = %v, want wrapping ErrInvalid", tt.rule, err)
			}
		})
	}
}

func TestParseMutualExclusion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule string
	}{
		{name: "path and path_namespace", rule: "path='/a',path_namespace='/a'"},
		{name: "arg0 and arg0namespace", rule: "arg0='com.example',arg0namespace='com.example'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := match.Parse(tt.rule); !errors.Is(err, match.ErrInvalid) {
				t.Fatalf("Parse(%q) err = %v, want ErrInvalid", tt.rule, err)
			}
		})
	}
}

func TestParseDuplicateKeyRejected(t *testing.T) {
	t.Parallel()

	if _, err := match.Parse("member='Foo',member='Bar'"); !errors.Is(err, match.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestParseQuotingAndEscapes(t *testing.T) {
	t.Parallel()

	// A literal single quote is written \' outside quotes (closing and
	// reopening the quoted run around it), and a comma that appears inside
	// quotes does not end the value.
	k, err := match.Parse(`member='Foo'\''s,Bar'`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.Member != "Foo's,Bar" {
		t.Fatalf("member = %q, want %q", k.Member, "Foo's,Bar")
	}
}

func TestParseUnterminatedQuote(t *testing.T) {
	t.Parallel()

	if _, err := match.Parse("member='unterminated"); !errors.Is(err, match.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestParseUnknownKeyRejected(t *testing.T) {
	t.Parallel()

	if _, err := match.Parse("bogus='value'"); !errors.Is(err, match.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestCanonicalStableAcrossFieldOrder(t *testing.T) {
	t.Parallel()

	a, err := match.Parse("type='signal',interface='com.example.Foo',member='Bar'")
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := match.Parse("member='Bar',interface='com.example.Foo',type='signal'")
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}

	if a.Canonical() != b.Canonical() {
		t.Fatalf("Canonical mismatch:\na=%q\nb=%q", a.Canonical(), b.Canonical())
	}
}

func TestCanonicalDistinguishesArgIndices(t *testing.T) {
	t.Parallel()

	a, err := match.Parse("arg0='foo',arg1='bar'")
	if err != nil {
		t.Fatalf("Parse a: %v", err)
	}
	b, err := match.Parse("arg1='foo',arg0='bar'")
	if err != nil {
		t.Fatalf("Parse b: %v", err)
	}

	if a.Canonical() == b.Canonical() {
		t.Fatalf("expected distinct canonical forms, got %q for both", a.Canonical())
	}
}
