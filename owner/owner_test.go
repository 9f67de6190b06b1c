package owner_test

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/owner"
)

const (
	basePFN = 0x40000
	nPages  = 1024
	guest   = owner.Domain(3)
)

func TestNewTableOwnedByHost(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)

	if got := tbl.Count(owner.Hostvisor); got != nPages {
		t.Fatalf("hostvisor owns %d pages, want %d", got, nPages)
	}

	if tbl.Covers(basePFN+nPages) || tbl.Covers(basePFN-1) {
		t.Fatal("table covers frames outside RAM")
	}
}

func TestAssign(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)

	tbl.Assign(guest, 0x80, basePFN+1, owner.Hostvisor)

	if got := tbl.OwnerOf(basePFN + 1); got != guest {
		t.Fatalf("owner = %d, want %d", got, guest)
	}

	if got := tbl.GFN(basePFN + 1); got != 0x80 {
		t.Fatalf("gfn = %#x, want 0x80", got)
	}

	// re-installing the same mapping is accepted
	tbl.Assign(guest, 0x80, basePFN+1, owner.Hostvisor)

	if f := fault.Run(func() { tbl.Assign(guest, 0x81, basePFN+1, owner.Hostvisor) }); f == nil {
		t.Fatal("assigning an owned page at a second gfn did not halt")
	}

	if f := fault.Run(func() { tbl.Assign(guest+1, 0x80, basePFN+1, owner.Hostvisor) }); f == nil {
		t.Fatal("assigning another guest's page did not halt")
	}

	if f := fault.Run(func() { tbl.Assign(guest, 0, basePFN+nPages, owner.Hostvisor) }); f == nil {
		t.Fatal("assigning a frame outside RAM did not halt")
	}
}

func TestTransfer(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)

	tbl.Transfer(basePFN, owner.Hostvisor, owner.Corevisor)

	if got := tbl.OwnerOf(basePFN); got != owner.Corevisor {
		t.Fatalf("owner = %d, want corevisor", got)
	}

	if f := fault.Run(func() { tbl.Transfer(basePFN, owner.Hostvisor, owner.Corevisor) }); f == nil {
		t.Fatal("double donation did not halt")
	}
}

// Granting then revoking restores the pre-grant access state, and revoke
// is idempotent.
func TestGrantRevokeRoundTrip(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)
	pfn := uint64(basePFN + 7)

	tbl.Assign(guest, 1, pfn, owner.Hostvisor)

	if tbl.HostAccessible(pfn) {
		t.Fatal("guest page accessible to host before grant")
	}

	tbl.Grant(guest, pfn)
	tbl.Grant(guest, pfn)

	if !tbl.HostAccessible(pfn) || tbl.Shared(pfn) != 2 {
		t.Fatalf("after grant: accessible=%v share=%d", tbl.HostAccessible(pfn), tbl.Shared(pfn))
	}

	for i := 0; i < 3; i++ {
		tbl.Revoke(guest, pfn)

		if tbl.HostAccessible(pfn) || tbl.Shared(pfn) != 0 {
			t.Fatalf("revoke %d: accessible=%v share=%d", i, tbl.HostAccessible(pfn), tbl.Shared(pfn))
		}
	}

	if got := tbl.OwnerOf(pfn); got != guest {
		t.Fatalf("grant/revoke changed owner to %d", got)
	}
}

func TestGrantIgnoresForeignPages(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)

	tbl.Grant(guest, basePFN)

	if tbl.Shared(basePFN) != 0 {
		t.Fatal("grant on a hostvisor page changed its share count")
	}
}

func TestGrantSaturates(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)
	tbl.Assign(guest, 0, basePFN, owner.Hostvisor)

	for i := 0; i < owner.MaxShareCount+10; i++ {
		tbl.Grant(guest, basePFN)
	}

	if got := tbl.Shared(basePFN); got != owner.MaxShareCount {
		t.Fatalf("share = %d, want %d", got, owner.MaxShareCount)
	}
}

// Concurrent transfers of the same frame: exactly one wins, the rest halt.
func TestSingleOwnerUnderContention(t *testing.T) {
	t.Parallel()

	tbl := owner.New(basePFN, nPages)

	var g errgroup.Group

	wins := make([]bool, 8)

	for i := range wins {
		i := i

		g.Go(func() error {
			f := fault.Run(func() {
				tbl.Assign(owner.Domain(i+1), 0, basePFN, owner.Hostvisor)
			})
			wins[i] = f == nil

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	n := 0

	for _, w := range wins {
		if w {
			n++
		}
	}

	if n != 1 {
		t.Fatalf("%d concurrent assigns succeeded, want 1", n)
	}

	if tbl.Count(owner.Hostvisor) != nPages-1 {
		t.Fatal("uninvolved pages changed owner")
	}
}

func TestIsGuest(t *testing.T) {
	t.Parallel()

	if owner.IsGuest(owner.Hostvisor) || owner.IsGuest(owner.Corevisor) {
		t.Fatal("sentinels classified as guests")
	}

	if !owner.IsGuest(1) || !owner.IsGuest(owner.Corevisor-1) {
		t.Fatal("guest range misclassified")
	}
}
