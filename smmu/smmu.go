// Package smmu mirrors the IOMMU translation contexts the core mediates.
//
// The core only decides whether a device mapping may change; the Mirror
// records the resulting translation per context bank.
package smmu

import (
	"sync"

	"github.com/google/btree"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
)

const (
	// MaxSMMUs is the number of SMMU instances.
	MaxSMMUs = 2
	// MaxContextBanks is the number of context banks per SMMU.
	MaxContextBanks = 8

	degree = 16
)

// Mirror is the IOMMU page-table mirror driven by the core.
type Mirror interface {
	InitContext(vmid owner.Domain, cbndx, index uint32)
	UpdatePage(vmid owner.Domain, cbndx, index uint32, iova, pte uint64)
	UnmapPage(cbndx, index uint32, iova uint64)
}

// Mapping is one device translation.
type Mapping struct {
	IOVA uint64
	PTE  uint64
}

func less(a, b Mapping) bool { return a.IOVA < b.IOVA }

type key struct {
	cbndx, index uint32
}

type bank struct {
	vmid owner.Domain
	tree *btree.BTreeG[Mapping]
}

// Tree keeps each context's translations in iova order.
type Tree struct {
	mu   sync.Mutex
	ctxs map[key]*bank
}

func NewTree() *Tree {
	return &Tree{ctxs: make(map[key]*bank)}
}

func checkBank(op string, vmid owner.Domain, cbndx, index uint32) key {
	if cbndx >= MaxContextBanks || index >= MaxSMMUs {
		fault.Halt(op, uint32(vmid), "context bank %d of smmu %d out of range", cbndx, index)
	}

	return key{cbndx, index}
}

// InitContext binds a fresh, empty context bank to vmid.
func (t *Tree) InitContext(vmid owner.Domain, cbndx, index uint32) {
	k := checkBank("init_smmu_context", vmid, cbndx, index)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctxs[k] = &bank{vmid: vmid, tree: btree.NewG(degree, less)}
}

// UpdatePage maps the page holding iova to pte in the context bank.
func (t *Tree) UpdatePage(vmid owner.Domain, cbndx, index uint32, iova, pte uint64) {
	k := checkBank("update_smmu_page", vmid, cbndx, index)

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.ctxs[k]
	if !ok {
		fault.Halt("update_smmu_page", uint32(vmid), "context bank %d of smmu %d not allocated", cbndx, index)
	}

	if c.vmid != vmid {
		fault.Halt("update_smmu_page", uint32(vmid), "context bank %d of smmu %d belongs to %d", cbndx, index, c.vmid)
	}

	c.tree.ReplaceOrInsert(Mapping{IOVA: mm.AlignDown(iova, mm.PageSize), PTE: pte})
}

// UnmapPage drops the translation of iova, if any.
func (t *Tree) UnmapPage(cbndx, index uint32, iova uint64) {
	k := checkBank("unmap_smmu_page", 0, cbndx, index)

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.ctxs[k]; ok {
		c.tree.Delete(Mapping{IOVA: mm.AlignDown(iova, mm.PageSize)})
	}
}

// Lookup returns the descriptor mapped at iova.
func (t *Tree) Lookup(cbndx, index uint32, iova uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.ctxs[key{cbndx, index}]
	if !ok {
		return 0, false
	}

	m, ok := c.tree.Get(Mapping{IOVA: mm.AlignDown(iova, mm.PageSize)})

	return m.PTE, ok
}

// Mappings lists a context's translations in iova order.
func (t *Tree) Mappings(cbndx, index uint32) []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.ctxs[key{cbndx, index}]
	if !ok {
		return nil
	}

	out := make([]Mapping, 0, c.tree.Len())
	c.tree.Ascend(func(m Mapping) bool {
		out = append(out, m)

		return true
	})

	return out
}
