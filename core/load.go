package core

import (
	"github.com/gohypsec/hypsec/attest"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/s2pt"
)

// imageLoader unmaps staged pages from the remap window and maps them at
// the image's load address in the guest.
type imageLoader struct {
	c *Core
}

func (l imageLoader) Load(vmid owner.Domain, loadAddr, remapAddr, mapped uint64) {
	c := l.c
	rec := c.vms.Get(vmid)
	gfn := mm.PFN(loadAddr)

	for i := uint64(0); i < mapped; i++ {
		pfn := c.unmapCorevisor(vmid, remapAddr+i*mm.PageSize)

		c.owners.Assign(vmid, gfn+i, pfn, owner.Corevisor)
		c.walker.Map(vmid, rec.VTTBR, mm.Addr(gfn+i), s2pt.NewPage(mm.Addr(pfn), s2pt.PageNormalRW), s2pt.LevelPage)
	}
}

// signatureVerifier checks an image, read back through the guest's own
// stage-2 table, against the trusted signature of its slot.
type signatureVerifier struct {
	c *Core
}

func (v signatureVerifier) Verify(vmid owner.Domain, idx uint32) bool {
	c := v.c
	rec := c.vms.Get(vmid)
	li := rec.Loads[idx]

	if li.Size > li.MappedPages*mm.PageSize {
		c.opLog("verify_image", vmid).Warnf("image %d not fully remapped", idx)

		return false
	}

	img, ok := c.readGuest(vmid, rec.VTTBR, li.LoadAddr, li.Size)
	if !ok {
		c.opLog("verify_image", vmid).Warnf("image %d not fully loaded", idx)

		return false
	}

	return attest.Verify(rec.PublicKey, img, li.Signature)
}

// readGuest copies size bytes at guest address addr. It fails when a page
// of the range is not mapped.
func (c *Core) readGuest(vmid owner.Domain, vttbr, addr, size uint64) ([]byte, bool) {
	out := make([]byte, size)

	for off := uint64(0); off < size; {
		cur := addr + off

		pfn, ok := c.walker.Resolve(vmid, vttbr, cur)
		if !ok {
			return nil, false
		}

		n := min(mm.PageSize-cur&mm.PageMask, size-off)
		c.mem.Read(mm.Addr(pfn)+cur&mm.PageMask, out[off:off+n])
		off += n
	}

	return out, true
}

// Shared contexts live in a fixed window of the corevisor, one page for
// each VM followed by one page per vCPU.
const (
	sharedBase   = 0xffff_8000_0000_0000
	sharedStride = 64 * mm.PageSize
)

type sharedPages struct{}

func (sharedPages) KVM(vmid owner.Domain) uint64 {
	return sharedBase + uint64(vmid)*sharedStride
}

func (sharedPages) VCPU(vmid owner.Domain, vcpuid uint32) uint64 {
	return sharedBase + uint64(vmid)*sharedStride + uint64(vcpuid+1)*mm.PageSize
}
