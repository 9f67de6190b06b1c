package core

import (
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/vm"
)

// frozen halts when op would change the device view of a verified guest.
func (c *Core) frozen(op string, vmid owner.Domain) {
	if owner.IsGuest(vmid) {
		fault.Assert(c.vms.Get(vmid).State != vm.Verified, op, uint32(vmid), "vm already verified")
	}
}

// AllocSMMU binds context bank cbndx of SMMU index to vmid.
func (c *Core) AllocSMMU(vmid owner.Domain, cbndx, index uint32) {
	const op = "alloc_smmu"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.frozen(op, vmid)
	c.iommu.InitContext(vmid, cbndx, index)
}

// AssignSMMU gives a host page to a guest that will reach it through a
// device. Host ids keep their pages and the call does nothing.
func (c *Core) AssignSMMU(vmid owner.Domain, pfn, gfn uint64) {
	const op = "assign_smmu"

	if !owner.IsGuest(vmid) {
		return
	}

	c.vms.LockCore()
	defer c.vms.UnlockCore()

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.frozen(op, vmid)
	c.owners.Assign(vmid, gfn, pfn, owner.Hostvisor)

	c.metrics.pagesAssigned.Add(1)
}

// MapSMMU installs a device translation of iova in the context bank. A RAM
// frame must belong to vmid; MMIO frames are not checked.
func (c *Core) MapSMMU(vmid owner.Domain, cbndx, index uint32, iova, pte uint64) {
	const op = "map_smmu"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.frozen(op, vmid)

	pfn := mm.PFN(mm.PhysPage(pte))
	if c.owners.Covers(pfn) {
		if o := c.owners.OwnerOf(pfn); o != vmid {
			fault.Halt(op, uint32(vmid), "pfn %#x owned by %d", pfn, o)
		}
	}

	c.iommu.UpdatePage(vmid, cbndx, index, iova, pte)

	c.metrics.deviceMappings.Add(1)
}

// ClearSMMU removes a device translation. It is allowed in every state.
func (c *Core) ClearSMMU(vmid owner.Domain, cbndx, index uint32, iova uint64) {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.iommu.UnmapPage(cbndx, index, iova)
}
