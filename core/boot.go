package core

import (
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/pool"
	"github.com/gohypsec/hypsec/vm"
)

// RegisterKVM creates a guest from eight 1MB regions of host memory, which
// become its stage-2 node pools. Every region is checked before any page
// changes hands, so a rejected request leaves ownership untouched.
func (c *Core) RegisterKVM(regions [mm.RegionCount]uint64) owner.Domain {
	const op = "register_kvm"

	c.vms.LockCore()
	defer c.vms.UnlockCore()

	c.checkRegions(op, regions)

	vmid := c.vms.GenVMID()

	for _, base := range regions {
		for pfn := mm.PFN(base); pfn < mm.PFN(base+mm.SZ1M); pfn++ {
			c.owners.Transfer(pfn, owner.Hostvisor, owner.Corevisor)
		}

		c.mem.ZeroRange(base, mm.SZ1M)
	}

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.vms.Get(vmid)
	if rec.State != vm.Unused {
		fault.Halt(op, uint32(vmid), "vm is %v", rec.State)
	}

	rec.Pools = pool.Carve(regions)
	rec.VTTBR = rec.Pools.Alloc(uint32(vmid), pool.PGD) | uint64(vmid)<<48
	rec.PublicKey = append([]byte(nil), c.key...)
	rec.IncExe = false
	rec.KVM = c.shared.KVM(vmid)
	rec.State = vm.Ready

	c.metrics.vmsRegistered.Add(1)
	c.opLog(op, vmid).WithField("vttbr", rec.VTTBR).Info("vm registered")

	return vmid
}

func (c *Core) checkRegions(op string, regions [mm.RegionCount]uint64) {
	for i, base := range regions {
		if base == 0 || !mm.IsAligned(base, mm.SZ1M) {
			fault.Halt(op, 0, "region %d at %#x is not a 1MB aligned address", i, base)
		}

		if !c.mem.Contains(base, mm.SZ1M) {
			fault.Halt(op, 0, "region %d at %#x is outside ram", i, base)
		}

		for j := 0; j < i; j++ {
			if regions[j] == base {
				fault.Halt(op, 0, "regions %d and %d overlap at %#x", j, i, base)
			}
		}

		for pfn := mm.PFN(base); pfn < mm.PFN(base+mm.SZ1M); pfn++ {
			if o := c.owners.OwnerOf(pfn); o != owner.Hostvisor {
				fault.Halt(op, 0, "region %d: pfn %#x owned by %d", i, pfn, o)
			}
		}
	}
}

// SetBootInfo reserves the next image slot of vmid. It returns
// InvalidLoadIdx when the VM is not READY, the table is full or loadAddr is
// not page aligned.
func (c *Core) SetBootInfo(vmid owner.Domain, loadAddr, size uint64) uint32 {
	const op = "set_boot_info"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	log := c.opLog(op, vmid)

	if rec.State != vm.Ready {
		log.Warnf("vm is %v", rec.State)

		return InvalidLoadIdx
	}

	idx := rec.NextLoadIdx
	if int(idx) >= len(rec.Loads) {
		log.Warn("load info table full")

		return InvalidLoadIdx
	}

	if !mm.IsAligned(loadAddr, mm.PageSize) {
		log.Warnf("load address %#x not page aligned", loadAddr)

		return InvalidLoadIdx
	}

	if size > c.remapEnd-c.cfg.RemapBase || loadAddr+size < loadAddr {
		log.Warnf("image of %#x bytes at %#x does not fit the remap window", size, loadAddr)

		return InvalidLoadIdx
	}

	rec.Loads[idx] = vm.LoadInfo{
		LoadAddr:  loadAddr,
		Size:      size,
		RemapAddr: c.allocRemap(vmid, mm.PageCount(size)),
		Signature: c.manifest.Signature(idx),
	}
	rec.NextLoadIdx++

	c.metrics.imagesStaged.Add(1)
	log.WithField("slot", idx).Debugf("image at %#x, %d bytes", loadAddr, size)

	return idx
}

// RemapVMImage moves one host page into the remap window of slot loadIdx.
func (c *Core) RemapVMImage(vmid owner.Domain, pfn uint64, loadIdx uint32) {
	const op = "remap_vm_image"

	c.vms.LockCore()
	defer c.vms.UnlockCore()

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	if rec.State != vm.Ready {
		fault.Halt(op, uint32(vmid), "vm is %v", rec.State)
	}

	if loadIdx >= rec.NextLoadIdx {
		c.opLog(op, vmid).Warnf("slot %d not reserved", loadIdx)

		return
	}

	li := &rec.Loads[loadIdx]
	if li.MappedPages >= mm.PageCount(li.Size) {
		return
	}

	c.owners.Transfer(pfn, owner.Hostvisor, owner.Corevisor)
	c.mapCorevisor(li.RemapAddr+li.MappedPages*mm.PageSize, pfn)
	li.MappedPages++

	c.metrics.pagesRemapped.Add(1)
}

// VerifyAndLoadImages loads every staged image into the guest and checks
// its signature. A failed check halts; on success the VM is VERIFIED and
// can run.
func (c *Core) VerifyAndLoadImages(vmid owner.Domain) {
	const op = "verify_and_load_images"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	if rec.State != vm.Ready {
		fault.Halt(op, uint32(vmid), "vm is %v", rec.State)
	}

	for idx := uint32(0); idx < rec.NextLoadIdx; idx++ {
		li := rec.Loads[idx]

		c.loader.Load(vmid, li.LoadAddr, li.RemapAddr, li.MappedPages)

		if !c.verifier.Verify(vmid, idx) {
			fault.Halt(op, uint32(vmid), "image %d failed verification", idx)
		}

		c.metrics.imagesVerified.Add(1)
	}

	rec.State = vm.Verified

	c.opLog(op, vmid).Infof("%d images verified", rec.NextLoadIdx)
}

// RegisterVCPU binds the shared context of vcpuid. It is accepted while
// the VM is READY or for a vCPU that was never registered.
func (c *Core) RegisterVCPU(vmid owner.Domain, vcpuid uint32) {
	const op = "register_vcpu"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	v := c.vms.VCPU(vmid, vcpuid)

	if rec.State != vm.Ready && v.State != vm.VCPUUnused {
		fault.Halt(op, uint32(vmid), "vcpu %d is %v in a %v vm", vcpuid, v.State, rec.State)
	}

	v.Context = c.shared.VCPU(vmid, vcpuid)
	v.ShadowDirty = vm.InvalidU64
	v.State = vm.VCPUReady
}

// SetVCPUActive marks vcpuid as running. Only a READY vCPU of a VERIFIED
// VM may be entered.
func (c *Core) SetVCPUActive(vmid owner.Domain, vcpuid uint32) {
	const op = "set_vcpu_active"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	v := c.vms.VCPU(vmid, vcpuid)

	if rec.State != vm.Verified || v.State != vm.VCPUReady {
		fault.Halt(op, uint32(vmid), "vcpu %d is %v in a %v vm", vcpuid, v.State, rec.State)
	}

	v.State = vm.VCPUActive

	c.metrics.vcpuEntries.Add(1)
}

// SetVCPUInactive returns an ACTIVE vCPU to READY on exit.
func (c *Core) SetVCPUInactive(vmid owner.Domain, vcpuid uint32) {
	const op = "set_vcpu_inactive"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.guest(op, vmid)

	v := c.vms.VCPU(vmid, vcpuid)
	if v.State != vm.VCPUActive {
		fault.Halt(op, uint32(vmid), "vcpu %d is %v", vcpuid, v.State)
	}

	v.State = vm.VCPUReady
}

// BootFromIncExe marks vmid as booting from incrementally verified images.
func (c *Core) BootFromIncExe(vmid owner.Domain) {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.guest("boot_from_inc_exe", vmid).IncExe = true
}

// VMIsIncExe reports whether BootFromIncExe was called for vmid.
func (c *Core) VMIsIncExe(vmid owner.Domain) bool {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	return c.guest("vm_is_inc_exe", vmid).IncExe
}

// SearchLoadInfo translates addr, inside a staged image, to the matching
// address of the remap window. Overlapping images resolve to the slot
// staged last. It returns 0 when no image covers addr.
func (c *Core) SearchLoadInfo(vmid owner.Domain, addr uint64) uint64 {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest("v_search_load_info", vmid)

	var ret uint64

	for _, li := range rec.Loads[:rec.NextLoadIdx] {
		if addr >= li.LoadAddr && addr < li.LoadAddr+li.Size {
			ret = li.RemapAddr + (addr - li.LoadAddr)
		}
	}

	return ret
}
