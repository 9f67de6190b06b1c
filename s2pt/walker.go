package s2pt

import (
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/memory"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/pool"
)

// Mapping levels accepted by Map.
const (
	LevelBlock = 2
	LevelPage  = 3
)

// Pools resolves the node allocator of a VM.
type Pools interface {
	Pools(vmid owner.Domain) *pool.Set
}

// Walker reads and writes stage-2 tables stored in RAM.
type Walker struct {
	mem   *memory.Physical
	pools Pools
}

func NewWalker(mem *memory.Physical, pools Pools) *Walker {
	return &Walker{mem: mem, pools: pools}
}

func (w *Walker) load(node, idx uint64) Entry {
	return Entry(w.mem.Load64(node + idx*8))
}

func (w *Walker) store(node, idx uint64, e Entry) {
	w.mem.Store64(node+idx*8, uint64(e))
}

// walk loads the entry at idx of node; an empty slot is filled with a
// fresh node from pool l when alloc is set.
func (w *Walker) walk(vmid owner.Domain, node, idx uint64, alloc bool, l pool.Level) Entry {
	e := w.load(node, idx)

	if e.Frame() == 0 && alloc {
		pa := w.pools.Pools(vmid).Alloc(uint32(vmid), l)
		e = Entry(pa) | TypeTable
		w.store(node, idx, e)
	}

	return e
}

// WalkTop resolves the root entry for addr. vttbr carries the root node in
// its address field.
func (w *Walker) WalkTop(vmid owner.Domain, vttbr, addr uint64, alloc bool) Entry {
	root := mm.PhysPage(vttbr)
	if root == 0 {
		return 0
	}

	return w.walk(vmid, root, mm.PGDIndex(addr), alloc, pool.PUD)
}

// WalkMidPGD resolves the PUD-level entry for addr below pgd.
func (w *Walker) WalkMidPGD(vmid owner.Domain, pgd Entry, addr uint64, alloc bool) Entry {
	if pgd.Frame() == 0 {
		return 0
	}

	return w.walk(vmid, pgd.Frame(), mm.PUDIndex(addr), alloc, pool.PMD)
}

// WalkMidPMD resolves the PMD-level entry for addr below pud. The result is
// either a table pointer, a block leaf or empty.
func (w *Walker) WalkMidPMD(vmid owner.Domain, pud Entry, addr uint64, alloc bool) Entry {
	if pud.Frame() == 0 {
		return 0
	}

	return w.walk(vmid, pud.Frame(), mm.PMDIndex(addr), alloc, pool.PTE)
}

// WalkLeaf reads the page-level entry for addr below pmd. It never
// allocates.
func (w *Walker) WalkLeaf(_ owner.Domain, pmd Entry, addr uint64) Entry {
	if pmd.Frame() == 0 {
		return 0
	}

	return w.load(pmd.Frame(), mm.PTEIndex(addr))
}

// SetPMD stores a block leaf below pud.
func (w *Walker) SetPMD(_ owner.Domain, pud Entry, addr uint64, pmd Entry) {
	w.store(pud.Frame(), mm.PMDIndex(addr), pmd|PMDMark)
}

// SetPTE stores a page leaf below pmd.
func (w *Walker) SetPTE(_ owner.Domain, pmd Entry, addr uint64, pte Entry) {
	w.store(pmd.Frame(), mm.PTEIndex(addr), pte|PTEMark)
}

// Walk returns the leaf translating addr: a block entry, a page entry, or
// zero when nothing is mapped.
func (w *Walker) Walk(vmid owner.Domain, vttbr, addr uint64) Entry {
	pgd := w.WalkTop(vmid, vttbr, addr, false)
	pud := w.WalkMidPGD(vmid, pgd, addr, false)
	pmd := w.WalkMidPMD(vmid, pud, addr, false)

	if pmd.IsBlock() {
		return pmd
	}

	return w.WalkLeaf(vmid, pmd, addr)
}

// Resolve translates addr to the backing frame, accounting for the
// sub-block offset of block leaves.
func (w *Walker) Resolve(vmid owner.Domain, vttbr, addr uint64) (uint64, bool) {
	e := w.Walk(vmid, vttbr, addr)
	if e.Frame() == 0 {
		return 0, false
	}

	pfn := e.PFN()
	if e.IsBlock() {
		pfn += (addr & (mm.PMDSize - 1)) / mm.PageSize
	}

	return pfn, true
}

// Map installs pte for addr at the given level, allocating intermediate
// nodes as needed.
func (w *Walker) Map(vmid owner.Domain, vttbr, addr uint64, pte Entry, level uint32) {
	pgd := w.WalkTop(vmid, vttbr, addr, true)
	pud := w.WalkMidPGD(vmid, pgd, addr, true)

	if level == LevelBlock {
		cur := w.load(pud.Frame(), mm.PMDIndex(addr))
		if cur.IsTable() {
			fault.Halt("map_pfn_vm", uint32(vmid), "block at %#x would orphan table %#x", addr, cur.Frame())
		}

		w.SetPMD(vmid, pud, addr, pte)

		return
	}

	pmd := w.WalkMidPMD(vmid, pud, addr, true)
	if pmd.IsBlock() {
		fault.Halt("map_pfn_vm", uint32(vmid), "page at %#x inside block %#x", addr, pmd.Frame())
	}

	w.SetPTE(vmid, pmd, addr, pte)
}

// Clear removes the page leaf for addr and returns what it held.
func (w *Walker) Clear(vmid owner.Domain, vttbr, addr uint64) Entry {
	pgd := w.WalkTop(vmid, vttbr, addr, false)
	pud := w.WalkMidPGD(vmid, pgd, addr, false)
	pmd := w.WalkMidPMD(vmid, pud, addr, false)

	if pmd.IsBlock() {
		fault.Halt("clear_s2pt", uint32(vmid), "cannot clear page %#x inside block", addr)
	}

	old := w.WalkLeaf(vmid, pmd, addr)
	if old != 0 {
		w.store(pmd.Frame(), mm.PTEIndex(addr), 0)
	}

	return old
}

// Visit calls fn for every leaf reachable from vttbr, in address order.
func (w *Walker) Visit(vmid owner.Domain, vttbr uint64, fn func(addr uint64, e Entry)) {
	root := mm.PhysPage(vttbr)
	if root == 0 {
		return
	}

	for i := uint64(0); i < mm.PTRSPerTable; i++ {
		pgd := w.load(root, i)
		if pgd.Frame() == 0 {
			continue
		}

		for j := uint64(0); j < mm.PTRSPerTable; j++ {
			pud := w.load(pgd.Frame(), j)
			if pud.Frame() == 0 {
				continue
			}

			for k := uint64(0); k < mm.PTRSPerTable; k++ {
				pmd := w.load(pud.Frame(), k)
				base := i<<mm.PGDShift | j<<mm.PUDShift | k<<mm.PMDShift

				switch {
				case pmd.Frame() == 0:
				case pmd.IsBlock():
					fn(base, pmd)
				default:
					w.visitLeaves(pmd, base, fn)
				}
			}
		}
	}
}

func (w *Walker) visitLeaves(pmd Entry, base uint64, fn func(addr uint64, e Entry)) {
	for l := uint64(0); l < mm.PTRSPerTable; l++ {
		if pte := w.load(pmd.Frame(), l); pte.Frame() != 0 {
			fn(base|l<<mm.PTEShift, pte)
		}
	}
}
