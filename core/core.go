// Package core implements the trusted part of the hypervisor: it owns every
// page of RAM, every stage-2 table and every VM record, and it is the only
// code allowed to move a page from one domain to another.
//
// Each exported method corresponds to one hypercall. Invariant violations
// never return an error; they halt through package fault and the caller
// (normally hvc.Dispatcher) is expected to stop issuing calls.
package core

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/gohypsec/hypsec/attest"
	"github.com/gohypsec/hypsec/config"
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/memory"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/pool"
	"github.com/gohypsec/hypsec/s2pt"
	"github.com/gohypsec/hypsec/smmu"
	"github.com/gohypsec/hypsec/vm"
)

// InvalidLoadIdx is returned by SetBootInfo when no slot was reserved.
const InvalidLoadIdx = ^uint32(0)

// Verifier checks the image at slot idx of vmid after it was loaded. It is
// called with the VM lock of vmid held.
type Verifier interface {
	Verify(vmid owner.Domain, idx uint32) bool
}

// Loader moves the staged pages of one image from the corevisor's remap
// window into the guest's address space. It is called with the VM lock of
// vmid held.
type Loader interface {
	Load(vmid owner.Domain, loadAddr, remapAddr, mapped uint64)
}

// Shared hands out the addresses of the contexts shared with the host.
type Shared interface {
	KVM(vmid owner.Domain) uint64
	VCPU(vmid owner.Domain, vcpuid uint32) uint64
}

// Core is the corevisor state.
type Core struct {
	cfg      config.Config
	mem      *memory.Physical
	owners   *owner.Table
	vms      *vm.Table
	walker   *s2pt.Walker
	iommu    smmu.Mirror
	verifier Verifier
	loader   Loader
	shared   Shared
	key      []byte
	manifest attest.Manifest

	remapNext atomic.Uint64
	remapEnd  uint64

	log     *logrus.Entry
	metrics counters
}

// Option customizes a Core.
type Option func(*Core)

func WithVerifier(v Verifier) Option { return func(c *Core) { c.verifier = v } }

func WithLoader(l Loader) Option { return func(c *Core) { c.loader = l } }

func WithShared(s Shared) Option { return func(c *Core) { c.shared = s } }

// WithMirror replaces the default in-memory SMMU mirror.
func WithMirror(m smmu.Mirror) Option { return func(c *Core) { c.iommu = m } }

func WithLogger(l *logrus.Logger) Option {
	return func(c *Core) { c.log = l.WithField("component", "core") }
}

// New builds the core for cfg: it maps RAM, hands every page to the
// hostvisor and sets up the corevisor's own stage-2 table.
func New(cfg config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	manifest, err := cfg.Manifest()
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(cfg.PhysBase, uint64(cfg.PhysSize))
	if err != nil {
		return nil, fmt.Errorf("ram: %w", err)
	}

	vms := vm.NewTable(cfg.MaxLoadInfo, cfg.VCPUsPerVM)

	c := &Core{
		cfg:      cfg,
		mem:      mem,
		owners:   owner.New(mem.BasePFN(), mem.Pages()),
		vms:      vms,
		walker:   s2pt.NewWalker(mem, vms),
		iommu:    smmu.NewTree(),
		key:      cfg.Key(),
		manifest: manifest,
		remapEnd: cfg.RemapBase + uint64(cfg.RemapSize),
		log:      logrus.StandardLogger().WithField("component", "core"),
	}

	c.remapNext.Store(cfg.RemapBase)
	c.verifier = signatureVerifier{c}
	c.loader = imageLoader{c}
	c.shared = sharedPages{}

	for _, o := range opts {
		o(c)
	}

	if err := c.initCorevisor(); err != nil {
		mem.Close()

		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"ram":   fmt.Sprintf("%#x+%#x", cfg.PhysBase, uint64(cfg.PhysSize)),
		"remap": fmt.Sprintf("%#x+%#x", cfg.RemapBase, uint64(cfg.RemapSize)),
	}).Info("corevisor initialized")

	return c, nil
}

// initCorevisor takes the corevisor's reserved regions away from the host
// and builds the root of its stage-2 table.
func (c *Core) initCorevisor() (err error) {
	defer fault.Catch(&err)

	r := c.cfg.CorevisorRange()

	var regions [mm.RegionCount]uint64
	for i := range regions {
		regions[i] = r.Start + uint64(i)*mm.SZ1M
	}

	for pfn := mm.PFN(r.Start); pfn < mm.PFN(r.End()); pfn++ {
		c.owners.Transfer(pfn, owner.Hostvisor, owner.Corevisor)
	}

	c.mem.ZeroRange(r.Start, r.Size)

	c.vms.Lock(owner.Corevisor)
	defer c.vms.Unlock(owner.Corevisor)

	rec := c.vms.Get(owner.Corevisor)
	rec.Pools = pool.Carve(regions)
	rec.VTTBR = rec.Pools.Alloc(uint32(owner.Corevisor), pool.PGD) | uint64(owner.Corevisor)<<48

	return nil
}

// Close releases RAM. The core must not be used afterwards.
func (c *Core) Close() error {
	return c.mem.Close()
}

// Memory exposes RAM, as the host sees it when filling pages it owns.
func (c *Core) Memory() *memory.Physical { return c.mem }

// Owners exposes the ownership table for inspection.
func (c *Core) Owners() *owner.Table { return c.owners }

// VM returns a detached copy of the record of vmid.
func (c *Core) VM(vmid owner.Domain) vm.VM { return c.vms.Info(vmid) }

// guest returns the record of a guest vmid. The caller holds its lock.
func (c *Core) guest(op string, vmid owner.Domain) *vm.VM {
	if !owner.IsGuest(vmid) {
		fault.Halt(op, uint32(vmid), "not a guest id")
	}

	return c.vms.Get(vmid)
}

// allocRemap reserves pages of the corevisor's remap window.
func (c *Core) allocRemap(vmid owner.Domain, pages uint64) uint64 {
	size := pages * mm.PageSize

	end := c.remapNext.Add(size)
	if end > c.remapEnd || end < size {
		fault.Halt("alloc_remap_addr", uint32(vmid), "remap window exhausted")
	}

	return end - size
}

// mapCorevisor installs a page of the remap window. It takes the
// corevisor's lock, which nests inside any guest lock.
func (c *Core) mapCorevisor(addr, pfn uint64) {
	c.vms.Lock(owner.Corevisor)
	defer c.vms.Unlock(owner.Corevisor)

	cv := c.vms.Get(owner.Corevisor)
	c.walker.Map(owner.Corevisor, cv.VTTBR, addr, s2pt.NewPage(mm.Addr(pfn), s2pt.PageNormal), s2pt.LevelPage)
}

// unmapCorevisor removes a page of the remap window and returns its frame.
func (c *Core) unmapCorevisor(vmid owner.Domain, addr uint64) uint64 {
	c.vms.Lock(owner.Corevisor)
	defer c.vms.Unlock(owner.Corevisor)

	cv := c.vms.Get(owner.Corevisor)

	old := c.walker.Clear(owner.Corevisor, cv.VTTBR, addr)
	if old.Frame() == 0 {
		fault.Halt("unmap_image_from_cv", uint32(vmid), "remap address %#x not mapped", addr)
	}

	return old.PFN()
}

func (c *Core) opLog(op string, vmid owner.Domain) *logrus.Entry {
	return c.log.WithFields(logrus.Fields{"op": op, "vmid": uint32(vmid)})
}
