// Package owner is the single source of truth for page ownership: a flat
// table, indexed by frame, recording which domain may touch each page of
// RAM.
//
// The table does not know about VM locks. Multi-step callers (donation,
// mapping installation, image loading) must hold the VM lock of the domain
// they act for, plus the core lock when pages come from the hostvisor.
// Each single-page update is still atomic on its own, so two transfers of
// the same frame issued under different VM locks cannot both succeed.
package owner

import (
	"sync"

	"github.com/gohypsec/hypsec/fault"
)

// Domain identifies the hostvisor, the corevisor or a guest VM.
type Domain uint32

const (
	Hostvisor Domain = 0
	Corevisor Domain = 16

	// MaxVMID is the largest domain id tracked by the core.
	MaxVMID = Corevisor

	// InvalidGFN marks a page with no guest-frame mapping.
	InvalidGFN = ^uint64(0)

	// MaxShareCount bounds nested grants of a single page.
	MaxShareCount = 100

	stripes = 64
)

// IsGuest reports whether d lies strictly between the two reserved ids.
func IsGuest(d Domain) bool { return Hostvisor < d && d < Corevisor }

type page struct {
	owner Domain
	share uint32
	gfn   uint64
}

// Table maps each frame of RAM to its owner.
type Table struct {
	basePFN uint64
	pages   []page
	locks   [stripes]sync.Mutex
}

// New returns a table covering n frames starting at basePFN, all owned by
// the hostvisor.
func New(basePFN, n uint64) *Table {
	t := &Table{
		basePFN: basePFN,
		pages:   make([]page, n),
	}

	for i := range t.pages {
		t.pages[i] = page{owner: Hostvisor, gfn: InvalidGFN}
	}

	return t
}

// Covers reports whether pfn is a frame of managed RAM.
func (t *Table) Covers(pfn uint64) bool {
	return pfn >= t.basePFN && pfn-t.basePFN < uint64(len(t.pages))
}

func (t *Table) lock(pfn uint64) (*page, func()) {
	if !t.Covers(pfn) {
		fault.Halt("s2page", 0, "pfn %#x outside managed memory", pfn)
	}

	idx := pfn - t.basePFN
	mu := &t.locks[idx%stripes]
	mu.Lock()

	return &t.pages[idx], mu.Unlock
}

// OwnerOf returns the domain that owns pfn.
func (t *Table) OwnerOf(pfn uint64) Domain {
	p, unlock := t.lock(pfn)
	defer unlock()

	return p.owner
}

// GFN returns the guest frame recorded for pfn, or InvalidGFN.
func (t *Table) GFN(pfn uint64) uint64 {
	p, unlock := t.lock(pfn)
	defer unlock()

	return p.gfn
}

// Shared returns the grant count of pfn.
func (t *Table) Shared(pfn uint64) uint32 {
	p, unlock := t.lock(pfn)
	defer unlock()

	return p.share
}

// HostAccessible reports whether the hostvisor may touch pfn, either
// because it owns it or because the owning guest granted it.
func (t *Table) HostAccessible(pfn uint64) bool {
	p, unlock := t.lock(pfn)
	defer unlock()

	return p.owner == Hostvisor || p.share > 0
}

// Transfer moves pfn from one domain to another. A page not owned by from
// is a fatal isolation violation.
func (t *Table) Transfer(pfn uint64, from, to Domain) {
	p, unlock := t.lock(pfn)
	defer unlock()

	if p.owner != from {
		fault.Halt("transfer", uint32(to), "pfn %#x owned by %d, expected %d", pfn, p.owner, from)
	}

	p.owner = to
	p.share = 0
	p.gfn = InvalidGFN
}

// Assign hands pfn to vmid and records that vmid sees it at gfn. The page
// must currently belong to from; re-assigning a page the VM already owns
// at the same gfn is accepted.
func (t *Table) Assign(vmid Domain, gfn, pfn uint64, from Domain) {
	p, unlock := t.lock(pfn)
	defer unlock()

	switch {
	case p.owner == from:
		p.owner = vmid
		p.share = 0
		p.gfn = gfn
	case p.owner == vmid && p.gfn == gfn:
	case p.owner == vmid:
		fault.Halt("assign", uint32(vmid), "pfn %#x already mapped at gfn %#x, not %#x", pfn, p.gfn, gfn)
	default:
		fault.Halt("assign", uint32(vmid), "pfn %#x owned by %d, expected %d", pfn, p.owner, from)
	}
}

// Grant shares a page vmid owns with the hostvisor.
func (t *Table) Grant(vmid Domain, pfn uint64) {
	p, unlock := t.lock(pfn)
	defer unlock()

	if p.owner == vmid && p.share < MaxShareCount {
		p.share++
	}
}

// Revoke withdraws every grant of a page vmid owns.
func (t *Table) Revoke(vmid Domain, pfn uint64) {
	p, unlock := t.lock(pfn)
	defer unlock()

	if p.owner == vmid {
		p.share = 0
	}
}

// Count returns the number of frames owned by d.
func (t *Table) Count(d Domain) int {
	n := 0

	for pfn := t.basePFN; pfn < t.basePFN+uint64(len(t.pages)); pfn++ {
		if t.OwnerOf(pfn) == d {
			n++
		}
	}

	return n
}
