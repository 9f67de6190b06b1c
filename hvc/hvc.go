// Package hvc is the hypercall boundary of the corevisor. A host trap is an
// HVC #0 instruction with the call id in x0 and up to eight arguments in
// x1..x8; the result is written back to x0.
//
// The first fatal fault stops the dispatcher: the diagnostic is logged once
// and every later trap fails with ErrHalted.
package hvc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/gohypsec/hypsec/core"
	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/owner"
)

var (
	ErrHalted      = errors.New("corevisor halted")
	ErrUnknownCall = errors.New("unknown hypercall")
	ErrNotHVC      = errors.New("not an hvc #0 instruction")
	errTooManyArgs = errors.New("too many arguments")
)

// HVC0 is the encoding of HVC #0.
const (
	HVC0    uint32 = 0xd400_0002
	hvcMask uint32 = 0xffe0_001f
)

// Invalid is returned in x0 for an address with no translation.
const Invalid = ^uint64(0)

// Trap is the register state of a trapped hypercall.
type Trap struct {
	Insn uint32
	X    [9]uint64
}

type Call uint64

const (
	RegisterKVM Call = iota
	SetBootInfo
	RemapVMImage
	VerifyAndLoadImages
	RegisterVCPU
	SetVCPUActive
	SetVCPUInactive
	BootFromIncExe
	VMIsIncExe
	SearchLoadInfo
	AllocSMMU
	AssignSMMU
	MapSMMU
	ClearSMMU
	MapIO
	MapPFN
	GrantRange
	RevokeRange
	Translate
	numCalls
)

var callNames = [numCalls]string{
	"register_kvm",
	"set_boot_info",
	"remap_vm_image",
	"verify_and_load_images",
	"register_vcpu",
	"set_vcpu_active",
	"set_vcpu_inactive",
	"boot_from_inc_exe",
	"vm_is_inc_exe",
	"v_search_load_info",
	"alloc_smmu",
	"assign_smmu",
	"map_smmu",
	"clear_smmu",
	"map_io",
	"map_pfn",
	"grant_range",
	"revoke_range",
	"translate",
}

func (c Call) String() string {
	if c < numCalls {
		return callNames[c]
	}

	return fmt.Sprintf("Call(%d)", uint64(c))
}

// Stats counts the traps handled by a Dispatcher.
type Stats struct {
	Calls    uint64 `json:"calls"`
	Rejected uint64 `json:"rejected"`
	Faults   uint64 `json:"faults"`
}

// Dispatcher routes traps to the core.
type Dispatcher struct {
	core   *core.Core
	log    *logrus.Entry
	halted atomic.Pointer[fault.Fault]

	calls    atomic.Uint64
	rejected atomic.Uint64
	faults   atomic.Uint64
}

func New(c *core.Core, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		core: c,
		log:  logger.WithField("component", "hvc"),
	}
}

// Halted returns the fault that stopped the dispatcher, or nil.
func (d *Dispatcher) Halted() *fault.Fault { return d.halted.Load() }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Calls:    d.calls.Load(),
		Rejected: d.rejected.Load(),
		Faults:   d.faults.Load(),
	}
}

// Call issues call id with args through an HVC #0 trap.
func (d *Dispatcher) Call(id Call, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("%v: %d: %w", id, len(args), errTooManyArgs)
	}

	t := Trap{Insn: HVC0}
	t.X[0] = uint64(id)
	copy(t.X[1:], args)

	if err := d.Handle(&t); err != nil {
		return 0, err
	}

	return t.X[0], nil
}

// Handle services one trap and stores the result in t.X[0].
func (d *Dispatcher) Handle(t *Trap) (err error) {
	if f := d.halted.Load(); f != nil {
		return fmt.Errorf("%w: %w", ErrHalted, f)
	}

	if err := decode(t.Insn); err != nil {
		d.rejected.Add(1)

		return err
	}

	id := Call(t.X[0])
	if id >= numCalls {
		d.rejected.Add(1)

		return fmt.Errorf("%#x: %w", t.X[0], ErrUnknownCall)
	}

	d.calls.Add(1)

	defer func() {
		var f *fault.Fault
		if errors.As(err, &f) {
			d.halt(id, f)
		}
	}()
	defer fault.Catch(&err)

	t.X[0] = d.dispatch(id, t.X[1:])

	return nil
}

func (d *Dispatcher) halt(id Call, f *fault.Fault) {
	d.faults.Add(1)

	if d.halted.CompareAndSwap(nil, f) {
		d.log.WithFields(logrus.Fields{
			"call": id.String(),
			"op":   f.Op,
			"vmid": f.VMID,
		}).Error(f.Msg)
	}
}

// decode accepts HVC #0 only. Any other trapped instruction is
// disassembled for the error.
func decode(insn uint32) error {
	switch {
	case insn == HVC0:
		return nil
	case insn&hvcMask == HVC0:
		return fmt.Errorf("hvc #%d: %w", insn>>5&0xffff, ErrNotHVC)
	}

	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], insn)

	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return fmt.Errorf("%#08x: %w", insn, ErrNotHVC)
	}

	return fmt.Errorf("%s: %w", arm64asm.GNUSyntax(inst), ErrNotHVC)
}

// dom narrows a register to a domain id. Values past the tracked range are
// clamped so the core rejects them instead of aliasing a valid id.
func dom(x uint64) owner.Domain {
	if x > uint64(owner.MaxVMID) {
		return owner.MaxVMID + 1
	}

	return owner.Domain(x)
}

func u32(x uint64) uint32 {
	if x > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(x)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func (d *Dispatcher) dispatch(id Call, a []uint64) uint64 {
	c := d.core
	vmid := dom(a[0])

	switch id {
	case RegisterKVM:
		var r [mm.RegionCount]uint64

		copy(r[:], a)

		return uint64(c.RegisterKVM(r))
	case SetBootInfo:
		return uint64(c.SetBootInfo(vmid, a[1], a[2]))
	case RemapVMImage:
		c.RemapVMImage(vmid, a[1], u32(a[2]))
	case VerifyAndLoadImages:
		c.VerifyAndLoadImages(vmid)
	case RegisterVCPU:
		c.RegisterVCPU(vmid, u32(a[1]))
	case SetVCPUActive:
		c.SetVCPUActive(vmid, u32(a[1]))
	case SetVCPUInactive:
		c.SetVCPUInactive(vmid, u32(a[1]))
	case BootFromIncExe:
		c.BootFromIncExe(vmid)
	case VMIsIncExe:
		return b2u(c.VMIsIncExe(vmid))
	case SearchLoadInfo:
		return c.SearchLoadInfo(vmid, a[1])
	case AllocSMMU:
		c.AllocSMMU(vmid, u32(a[1]), u32(a[2]))
	case AssignSMMU:
		c.AssignSMMU(vmid, a[1], a[2])
	case MapSMMU:
		c.MapSMMU(vmid, u32(a[1]), u32(a[2]), a[3], a[4])
	case ClearSMMU:
		c.ClearSMMU(vmid, u32(a[1]), u32(a[2]), a[3])
	case MapIO:
		c.MapIO(vmid, a[1], a[2])
	case MapPFN:
		c.MapPFN(vmid, a[1], a[2], u32(a[3]))
	case GrantRange:
		c.GrantRange(vmid, a[1], a[2])
	case RevokeRange:
		c.RevokeRange(vmid, a[1], a[2])
	case Translate:
		if pa, ok := c.Translate(vmid, a[1]); ok {
			return pa
		}

		return Invalid
	}

	return 0
}
