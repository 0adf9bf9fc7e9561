package reply_test

import (
	"errors"
	"testing"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/reply"
)

func newUser(t *testing.T, repliesLimit uint64) *accounting.User {
	t.Helper()
	var l accounting.Limits
	l[accounting.SlotReplies] = repliesLimit
	reg := accounting.NewRegistry(l, nil)
	return reg.RefUser(1000)
}

func TestNewAndTake(t *testing.T) {
	t.Parallel()

	r := reply.NewRegistry()
	u := newUser(t, 8)

	if _, err := r.New(7, 1, 2, u); err != nil {
		t.Fatalf("New(serial=7): %v", err)
	}
	if got := u.Usage(accounting.SlotReplies); got != 1 {
		t.Errorf("usage after New = %d, want 1", got)
	}

	if !r.Lookup(2, 1, 7) {
		t.Fatal("Lookup(callee=2, caller=1, serial=7) = not found, want slot")
	}
	if !r.Take(2, 1, 7) {
		t.Fatal("Take(callee=2, caller=1, serial=7) = not found, want slot")
	}
	if got := u.Usage(accounting.SlotReplies); got != 0 {
		t.Errorf("usage after Take = %d, want 0 (charge refunded)", got)
	}

	// A second take of the same serial is a stray reply.
	if r.Take(2, 1, 7) {
		t.Error("Take of consumed slot succeeded, want not found")
	}
}

func TestDuplicateSerial(t *testing.T) {
	t.Parallel()

	r := reply.NewRegistry()
	u := newUser(t, 8)

	if _, err := r.New(7, 1, 2, u); err != nil {
		t.Fatalf("first New: %v", err)
	}

	// Same (callee, caller, serial) while the first is in flight: the
	// caller is required to use unique serials per outstanding call.
	if _, err := r.New(7, 1, 2, u); !errors.Is(err, reply.ErrExists) {
		t.Errorf("duplicate New error = %v, want ErrExists", err)
	}
	if got := u.Usage(accounting.SlotReplies); got != 1 {
		t.Errorf("usage after rejected duplicate = %d, want 1", got)
	}

	// Serials are per-sender: a different caller may use the same serial
	// against the same callee without colliding.
	if _, err := r.New(7, 3, 2, u); err != nil {
		t.Errorf("New with same serial, different caller: %v", err)
	}

	// And the same caller may reuse the serial against a different callee.
	if _, err := r.New(7, 1, 3, u); err != nil {
		t.Errorf("New with same serial, different callee: %v", err)
	}
}

func TestQuota(t *testing.T) {
	t.Parallel()

	r := reply.NewRegistry()
	u := newUser(t, 1)

	if _, err := r.New(1, 1, 2, u); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := r.New(2, 1, 2, u); !errors.Is(err, accounting.ErrQuota) {
		t.Errorf("over-quota New error = %v, want ErrQuota", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len after rejected New = %d, want 1 (no partial state)", r.Len())
	}
}

func TestDropCallee(t *testing.T) {
	t.Parallel()

	r := reply.NewRegistry()
	u := newUser(t, 8)

	// Two callers waiting on callee 9, one on callee 10.
	mustNew(t, r, 7, 1, 9, u)
	mustNew(t, r, 8, 2, 9, u)
	mustNew(t, r, 9, 1, 10, u)

	pending := r.DropCallee(9)
	if len(pending) != 2 {
		t.Fatalf("DropCallee returned %d pending, want 2", len(pending))
	}
	bySerial := make(map[uint32]uint64, len(pending))
	for _, p := range pending {
		bySerial[p.Serial] = p.CallerID
	}
	if bySerial[7] != 1 || bySerial[8] != 2 {
		t.Errorf("pending = %v, want caller 1 serial 7 and caller 2 serial 8", pending)
	}

	if r.Len() != 1 {
		t.Errorf("Len after DropCallee = %d, want 1", r.Len())
	}
	if got := u.Usage(accounting.SlotReplies); got != 1 {
		t.Errorf("usage after DropCallee = %d, want 1", got)
	}
}

func TestDropCaller(t *testing.T) {
	t.Parallel()

	r := reply.NewRegistry()
	u := newUser(t, 8)

	mustNew(t, r, 7, 1, 9, u)
	mustNew(t, r, 8, 1, 10, u)
	mustNew(t, r, 9, 2, 9, u)

	r.DropCaller(1)

	if r.Len() != 1 {
		t.Errorf("Len after DropCaller = %d, want 1", r.Len())
	}
	if got := u.Usage(accounting.SlotReplies); got != 1 {
		t.Errorf("usage after DropCaller = %d, want 1", got)
	}

	// The surviving slot still resolves.
	if !r.Take(9, 2, 9) {
		t.Error("Take(callee=9, caller=2, serial=9) = not found, want slot")
	}
}

func mustNew(t *testing.T, r *reply.Registry, serial uint32, caller, callee uint64, u *accounting.User) {
	t.Helper()
	if _, err := r.New(serial, caller, callee, u); err != nil {
		t.Fatalf("New(serial=%d, caller=%d, callee=%d): %v", serial, caller, callee, err)
	}
}
