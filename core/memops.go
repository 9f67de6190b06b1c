package core

import (
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/s2pt"
	"github.com/gohypsec/hypsec/vm"
)

// MapPFN resolves a stage-2 fault of vmid: the frame pte points to is
// taken from the host and mapped at addr. A level 2 request maps the whole
// 2MB block around addr and takes all 512 frames of it.
func (c *Core) MapPFN(vmid owner.Domain, addr, pte uint64, level uint32) {
	const op = "map_pfn_vm"

	if pte == 0 {
		return
	}

	c.vms.LockCore()
	defer c.vms.UnlockCore()

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	if rec.State == vm.Unused {
		fault.Halt(op, uint32(vmid), "vm not registered")
	}

	e := s2pt.Entry(pte).AsPage()
	gfn, pfn, num := mm.PFN(addr), e.PFN(), uint64(1)

	if level == s2pt.LevelBlock {
		e = e.AsBlock()
		gfn = mm.AlignDown(gfn, mm.PMDPageNum)
		pfn = mm.AlignDown(pfn, mm.PMDPageNum)
		num = mm.PMDPageNum
	} else {
		level = s2pt.LevelPage
	}

	for i := uint64(0); i < num; i++ {
		c.owners.Assign(vmid, gfn+i, pfn+i, owner.Hostvisor)
	}

	c.walker.Map(vmid, rec.VTTBR, mm.Addr(gfn), e, level)

	c.metrics.pagesAssigned.Add(num)
}

// GrantRange shares the pages backing [addr, addr+size) of vmid with the
// host. Unmapped pages in the range are skipped.
func (c *Core) GrantRange(vmid owner.Domain, addr, size uint64) {
	n := c.shareRange("grant_stage2_sg_gpa", vmid, addr, size, c.owners.Grant)
	c.metrics.pagesGranted.Add(n)
}

// RevokeRange withdraws the grants of [addr, addr+size).
func (c *Core) RevokeRange(vmid owner.Domain, addr, size uint64) {
	n := c.shareRange("revoke_stage2_sg_gpa", vmid, addr, size, c.owners.Revoke)
	c.metrics.pagesRevoked.Add(n)
}

func (c *Core) shareRange(op string, vmid owner.Domain, addr, size uint64, fn func(owner.Domain, uint64)) uint64 {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	done := uint64(0)

	for i := uint64(0); i < mm.PageCount(size); i++ {
		pfn, ok := c.walker.Resolve(vmid, rec.VTTBR, addr+i*mm.PageSize)
		if !ok {
			c.metrics.shareGaps.Add(1)

			continue
		}

		fn(vmid, pfn)
		done++
	}

	return done
}

// MapIO maps the device frame pa at gpa of vmid. pa must lie outside RAM.
func (c *Core) MapIO(vmid owner.Domain, gpa, pa uint64) {
	const op = "map_io"

	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.guest(op, vmid)
	if rec.State == vm.Unused {
		fault.Halt(op, uint32(vmid), "vm not registered")
	}

	if c.owners.Covers(mm.PFN(pa)) {
		fault.Halt(op, uint32(vmid), "%#x is ram", pa)
	}

	c.walker.Map(vmid, rec.VTTBR, gpa, s2pt.NewPage(pa, s2pt.PageDevice), s2pt.LevelPage)

	c.metrics.ioMappings.Add(1)
}

// Translate walks the stage-2 table of vmid.
func (c *Core) Translate(vmid owner.Domain, addr uint64) (uint64, bool) {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	rec := c.vms.Get(vmid)

	pfn, ok := c.walker.Resolve(vmid, rec.VTTBR, addr)
	if !ok {
		return 0, false
	}

	return mm.Addr(pfn) | addr&mm.PageMask, true
}
