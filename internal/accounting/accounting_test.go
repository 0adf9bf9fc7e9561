package accounting_test

import (
	"errors"
	"testing"

	"github.com/wirebus/gobusd/internal/accounting"
)

func testLimits() accounting.Limits {
	var l accounting.Limits
	l[accounting.SlotBytes] = 1024
	l[accounting.SlotMatches] = 3
	l[accounting.SlotNames] = 2
	l[accounting.SlotReplies] = 1
	return l
}

func TestChargeAndRelease(t *testing.T) {
	t.Parallel()

	reg := accounting.NewRegistry(testLimits(), nil)
	u := reg.RefUser(1000)

	c1, err := accounting.NewCharge(u, accounting.SlotMatches, 2)
	if err != nil {
		t.Fatalf("Charge(matches, 2): %v", err)
	}
	if got := u.Usage(accounting.SlotMatches); got != 2 {
		t.Errorf("usage after charge = %d, want 2", got)
	}

	c1.Release()
	if got := u.Usage(accounting.SlotMatches); got != 0 {
		t.Errorf("usage after release = %d, want 0", got)
	}

	// Release is idempotent: a second release must not underflow or
	// refund twice.
	c1.Release()
	if got := u.Usage(accounting.SlotMatches); got != 0 {
		t.Errorf("usage after double release = %d, want 0", got)
	}
}

func TestChargeQuotaExceeded(t *testing.T) {
	t.Parallel()

	reg := accounting.NewRegistry(testLimits(), nil)
	u := reg.RefUser(1000)

	c, err := accounting.NewCharge(u, accounting.SlotNames, 2)
	if err != nil {
		t.Fatalf("Charge(names, 2): %v", err)
	}

	// One over the limit: must fail with ErrQuota and leave usage alone.
	if _, err := accounting.NewCharge(u, accounting.SlotNames, 1); !errors.Is(err, accounting.ErrQuota) {
		t.Errorf("over-limit charge error = %v, want ErrQuota", err)
	}
	if got := u.Usage(accounting.SlotNames); got != 2 {
		t.Errorf("usage after failed charge = %d, want 2 (unchanged)", got)
	}

	c.Release()
	if _, err := accounting.NewCharge(u, accounting.SlotNames, 2); err != nil {
		t.Errorf("charge after release: %v", err)
	}
}

func TestActorAttribution(t *testing.T) {
	t.Parallel()

	reg := accounting.NewRegistry(testLimits(), nil)
	sender := reg.RefUser(1000)
	receiver := reg.RefUser(1001)

	// A message queued into the receiver's outbox is charged to the
	// sender's quota, so a flood by the sender cannot consume the
	// receiver's budget for its own traffic.
	c, err := accounting.NewCharge(sender, accounting.SlotBytes, 512)
	if err != nil {
		t.Fatalf("Charge(bytes, 512): %v", err)
	}
	defer c.Release()

	if got := sender.Usage(accounting.SlotBytes); got != 512 {
		t.Errorf("sender usage = %d, want 512", got)
	}
	if got := receiver.Usage(accounting.SlotBytes); got != 0 {
		t.Errorf("receiver usage = %d, want 0", got)
	}
}

func TestPerUserOverrides(t *testing.T) {
	t.Parallel()

	var tight accounting.Limits
	tight[accounting.SlotMatches] = 1

	reg := accounting.NewRegistry(testLimits(), map[uint32]accounting.Limits{42: tight})

	def := reg.RefUser(1000)
	if got := def.Limit(accounting.SlotMatches); got != 3 {
		t.Errorf("default matches limit = %d, want 3", got)
	}

	overridden := reg.RefUser(42)
	if got := overridden.Limit(accounting.SlotMatches); got != 1 {
		t.Errorf("overridden matches limit = %d, want 1", got)
	}
}

func TestUserRefCounting(t *testing.T) {
	t.Parallel()

	reg := accounting.NewRegistry(testLimits(), nil)

	u1 := reg.RefUser(1000)
	u2 := reg.RefUser(1000)
	if u1 != u2 {
		t.Fatal("RefUser returned distinct records for the same uid")
	}

	reg.UnrefUser(u1)

	// Still referenced once: same record comes back.
	if u3 := reg.RefUser(1000); u3 != u1 {
		t.Error("record dropped while still referenced")
	}
	reg.UnrefUser(u1)
	reg.UnrefUser(u1)

	// Fully unreferenced: a fresh RefUser builds a new record with
	// clean usage counters.
	c, err := accounting.NewCharge(u1, accounting.SlotBytes, 1)
	if err != nil {
		t.Fatalf("charge on stale record: %v", err)
	}
	c.Release()

	fresh := reg.RefUser(1000)
	if got := fresh.Usage(accounting.SlotBytes); got != 0 {
		t.Errorf("fresh record usage = %d, want 0", got)
	}
}

func TestSetUserLimitsAppliesToLiveUser(t *testing.T) {
	t.Parallel()

	reg := accounting.NewRegistry(testLimits(), nil)
	u := reg.RefUser(7)

	var raised accounting.Limits
	raised[accounting.SlotReplies] = 10
	reg.SetUserLimits(7, raised)

	if got := u.Limit(accounting.SlotReplies); got != 10 {
		t.Errorf("live limit after SetUserLimits = %d, want 10", got)
	}
}
