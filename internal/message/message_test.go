package message_test

import (
	"testing"

	"github.com/wirebus/gobusd/internal/message"
)

func TestUniqueNameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   uint64
		name string
	}{
		{1, ":1.1"},
		{42, ":1.42"},
		{18446744073709551615, ":1.18446744073709551615"},
	}
	for _, tt := range tests {
		if got := message.FormatUniqueName(tt.id); got != tt.name {
			t.Errorf("FormatUniqueName(%d) = %q, want %q", tt.id, got, tt.name)
		}
		id, ok := message.ParseUniqueName(tt.name)
		if !ok || id != tt.id {
			t.Errorf("ParseUniqueName(%q) = (%d, %v), want (%d, true)", tt.name, id, ok, tt.id)
		}
	}
}

func TestParseUniqueNameRejections(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"com.example.X", ":2.1", ":1.", ":1.x", ""} {
		if _, ok := message.ParseUniqueName(name); ok {
			t.Errorf("ParseUniqueName(%q) accepted", name)
		}
	}

	if !message.IsUniqueName(":2.1") {
		t.Error("IsUniqueName(:2.1) = false; any leading colon is unique-name syntax")
	}
	if message.IsUniqueName("com.example.X") {
		t.Error("IsUniqueName(com.example.X) = true")
	}
}

func TestTypeKeywordRoundTrip(t *testing.T) {
	t.Parallel()

	for _, typ := range []message.Type{
		message.TypeMethodCall,
		message.TypeMethodReply,
		message.TypeError,
		message.TypeSignal,
	} {
		kw := message.TypeKeyword(typ)
		if kw == "" {
			t.Fatalf("TypeKeyword(%v) empty", typ)
		}
		back, ok := message.ParseTypeKeyword(kw)
		if !ok || back != typ {
			t.Errorf("ParseTypeKeyword(%q) = (%v, %v), want (%v, true)", kw, back, ok, typ)
		}
	}

	if _, ok := message.ParseTypeKeyword("reply"); ok {
		t.Error("ParseTypeKeyword accepted a non-keyword")
	}
}

func TestWantsReply(t *testing.T) {
	t.Parallel()

	call := message.Message{Type: message.TypeMethodCall}
	if !call.WantsReply() {
		t.Error("plain method call should want a reply")
	}

	call.Flags = message.FlagNoReplyExpected
	if call.WantsReply() {
		t.Error("NoReplyExpected call should not want a reply")
	}

	sig := message.Message{Type: message.TypeSignal}
	if sig.WantsReply() {
		t.Error("signals never want replies")
	}
}

func TestStringArg(t *testing.T) {
	t.Parallel()

	m := message.Message{Body: []any{"first", uint32(2), "third"}}

	if s, ok := m.StringArg(0); !ok || s != "first" {
		t.Errorf("StringArg(0) = (%q, %v)", s, ok)
	}
	if _, ok := m.StringArg(1); ok {
		t.Error("StringArg(1) accepted a uint32")
	}
	if _, ok := m.StringArg(3); ok {
		t.Error("StringArg(3) accepted an out-of-range index")
	}
}

func TestEstimatedSizeGrowsWithContent(t *testing.T) {
	t.Parallel()

	small := message.Message{Member: "M"}
	big := message.Message{
		Member:  "M",
		RawBody: make([]byte, 4096),
		Body:    []any{"some string payload"},
	}
	if small.EstimatedSize() >= big.EstimatedSize() {
		t.Errorf("EstimatedSize: small %d >= big %d", small.EstimatedSize(), big.EstimatedSize())
	}
	if small.EstimatedSize() == 0 {
		t.Error("EstimatedSize must include fixed overhead")
	}
}
