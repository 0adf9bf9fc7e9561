package names_test

import (
	"testing"

	"github.com/wirebus/gobusd/internal/accounting"
	"github.com/wirebus/gobusd/internal/names"
)

func newActor(t *testing.T) *accounting.User {
	t.Helper()
	reg := accounting.NewRegistry(accounting.DefaultLimits(), nil)
	return reg.RefUser(1000)
}

func TestRequestFirstClaimantBecomesPrimary(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	result, change, err := reg.Request("com.example.Service", 1, actor, 0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if result != names.ResultPrimaryOwner {
		t.Fatalf("result = %v, want PrimaryOwner", result)
	}
	if change == nil || !change.HasNewOwner || change.NewOwner != 1 || change.HasOldOwner {
		t.Fatalf("change = %+v, want new owner 1 with no old owner", change)
	}

	owner, ok := reg.Owner("com.example.Service")
	if !ok || owner != 1 {
		t.Fatalf("Owner = (%d, %v), want (1, true)", owner, ok)
	}
}

func TestRequestAlreadyOwner(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	if _, _, err := reg.Request("com.example.Service", 1, actor, 0); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	result, change, err := reg.Request("com.example.Service", 1, actor, 0)
	if err != nil {
		t.Fatalf("Request 2: %v", err)
	}
	if result != names.ResultAlreadyOwner {
		t.Fatalf("result = %v, want AlreadyOwner", result)
	}
	if change != nil {
		t.Fatalf("change = %+v, want nil", change)
	}
}

func TestRequestQueuesWithoutDoNotQueue(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	if _, _, err := reg.Request("com.example.Service", 1, actor, 0); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	result, change, err := reg.Request("com.example.Service", 2, actor, 0)
	if err != nil {
		t.Fatalf("Request 2: %v", err)
	}
	if result != names.ResultInQueue {
		t.Fatalf("result = %v, want InQueue", result)
	}
	if change != nil {
		t.Fatalf("change = %+v, want nil (no ownership transition while queued)", change)
	}

	owner, _ := reg.Owner("com.example.Service")
	if owner != 1 {
		t.Fatalf("Owner = %d, want 1 (unchanged)", owner)
	}
}

func TestRequestDoNotQueueReturnsExists(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	if _, _, err := reg.Request("com.example.Service", 1, actor, 0); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	result, change, err := reg.Request("com.example.Service", 2, actor, names.FlagDoNotQueue)
	if err != nil {
		t.Fatalf("Request 2: %v", err)
	}
	if result != names.ResultExists {
		t.Fatalf("result = %v, want Exists", result)
	}
	if change != nil {
		t.Fatalf("change = %+v, want nil", change)
	}
}

func TestRequestReplaceExisting(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	if _, _, err := reg.Request("com.example.Service", 1, actor, names.FlagAllowReplacement); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	result, change, err := reg.Request("com.example.Service", 2, actor, names.FlagReplaceExisting)
	if err != nil {
		t.Fatalf("Request 2: %v", err)
	}
	if result != names.ResultPrimaryOwner {
		t.Fatalf("result = %v, want PrimaryOwner", result)
	}
	if change == nil || !change.HasOldOwner || change.OldOwner != 1 || !change.HasNewOwner || change.NewOwner != 2 {
		t.Fatalf("change = %+v, want old=1 new=2", change)
	}
}

func TestRequestReplaceRefusedWithoutAllowReplacement(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	if _, _, err := reg.Request("com.example.Service", 1, actor, 0); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	result, _, err := reg.Request("com.example.Service", 2, actor, names.FlagReplaceExisting)
	if err != nil {
		t.Fatalf("Request 2: %v", err)
	}
	if result != names.ResultInQueue {
		t.Fatalf("result = %v, want InQueue (primary did not allow replacement)", result)
	}
}

func TestReleasePromotesNextInQueue(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	reg.Request("com.example.Service", 1, actor, 0)
	reg.Request("com.example.Service", 2, actor, 0)

	result, change, err := reg.Release("com.example.Service", 1)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result != names.ReleaseResultReleased {
		t.Fatalf("result = %v, want Released", result)
	}
	if change == nil || !change.HasOldOwner || change.OldOwner != 1 || !change.HasNewOwner || change.NewOwner != 2 {
		t.Fatalf("change = %+v, want old=1 new=2", change)
	}
}

func TestReleaseLastOwnerRemovesName(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	reg.Request("com.example.Service", 1, actor, 0)
	result, change, err := reg.Release("com.example.Service", 1)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result != names.ReleaseResultReleased {
		t.Fatalf("result = %v, want Released", result)
	}
	if change == nil || change.HasNewOwner {
		t.Fatalf("change = %+v, want no new owner", change)
	}
	if reg.HasOwner("com.example.Service") {
		t.Fatalf("HasOwner = true after last release")
	}
	if _, ok := reg.Lookup("com.example.Service"); ok {
		t.Fatalf("name record still present after last release and no pins")
	}
}

func TestReleaseNonExistentAndNotOwner(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	result, _, err := reg.Release("com.example.Never", 1)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result != names.ReleaseResultNonExistent {
		t.Fatalf("result = %v, want NonExistent", result)
	}

	reg.Request("com.example.Service", 1, actor, 0)
	result, _, err = reg.Release("com.example.Service", 2)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if result != names.ReleaseResultNotOwner {
		t.Fatalf("result = %v, want NotOwner", result)
	}
}

func TestReleaseUniqueNameRejected(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	if _, _, err := reg.Release(":1.5", 1); err != names.ErrUnique {
		t.Fatalf("err = %v, want ErrUnique", err)
	}
	if _, _, err := reg.Request(":1.5", 1, newActor(t), 0); err != names.ErrUnique {
		t.Fatalf("err = %v, want ErrUnique", err)
	}
}

func TestPinKeepsUnownedNameAlive(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()

	n := reg.Pin("com.example.NotYetOwned")
	if n.HasOwner() {
		t.Fatalf("HasOwner = true for never-requested name")
	}

	n.Unref()
	if _, ok := reg.Lookup("com.example.NotYetOwned"); ok {
		t.Fatalf("name record still present after last unref with no owner")
	}
}

func TestPinSurvivesOwnerRelease(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	reg.Request("com.example.Service", 1, actor, 0)
	n := reg.Pin("com.example.Service")

	if _, _, err := reg.Release("com.example.Service", 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := reg.Lookup("com.example.Service"); !ok {
		t.Fatalf("name record removed while a pin is still held")
	}

	n.Unref()
	if _, ok := reg.Lookup("com.example.Service"); ok {
		t.Fatalf("name record still present after final unref")
	}
}

func TestReleaseAllOwnedBy(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	reg.Request("com.example.A", 1, actor, 0)
	reg.Request("com.example.B", 1, actor, 0)

	changes := reg.ReleaseAllOwnedBy(1, []string{"com.example.A", "com.example.B"})
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if reg.HasOwner("com.example.A") || reg.HasOwner("com.example.B") {
		t.Fatalf("names still owned after ReleaseAllOwnedBy")
	}
}

func TestListSortedOwnedNamesOnly(t *testing.T) {
	t.Parallel()

	reg := names.NewRegistry()
	actor := newActor(t)

	reg.Request("com.example.Zeta", 1, actor, 0)
	reg.Request("com.example.Alpha", 1, actor, 0)
	reg.Pin("com.example.Unowned")

	got := reg.List()
	want := []string{"com.example.Alpha", "com.example.Zeta"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("List = %v, want %v", got, want)
	}
}
