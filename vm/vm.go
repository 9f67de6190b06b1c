// Package vm holds the per-domain records of the core: lifecycle state,
// staged images, node pools and vCPUs, together with the lock of each
// domain and the core-wide lock.
//
// Lock order is core lock, then a guest's lock, then the corevisor's lock.
// The corevisor's lock guards its own stage-2 table (the remap window) and
// is never held while acquiring another lock.
package vm

import (
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/pool"
)

// State is the lifecycle state of a VM.
type State uint32

const (
	Unused State = iota
	Ready
	Verified
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Ready:
		return "READY"
	case Verified:
		return "VERIFIED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// VCPUState is the state of one virtual CPU.
type VCPUState uint32

const (
	VCPUUnused VCPUState = iota
	VCPUReady
	VCPUActive
)

func (s VCPUState) String() string {
	switch s {
	case VCPUUnused:
		return "UNUSED"
	case VCPUReady:
		return "READY"
	case VCPUActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("VCPUState(%d)", uint32(s))
	}
}

// InvalidU64 marks a shadow context that must be reloaded on next entry.
const InvalidU64 = ^uint64(0)

// LoadInfo describes one image staged by the host.
type LoadInfo struct {
	LoadAddr    uint64
	Size        uint64
	RemapAddr   uint64
	MappedPages uint64
	Signature   []byte
}

type VCPU struct {
	State       VCPUState
	Context     uint64
	ShadowDirty uint64
}

// VM is the record of one domain.
type VM struct {
	State       State
	IncExe      bool
	PublicKey   []byte
	VTTBR       uint64
	KVM         uint64
	NextLoadIdx uint32
	Loads       []LoadInfo
	Pools       pool.Set
	VCPUs       []VCPU
}

// Table holds every domain record, one lock per domain, and the core lock.
type Table struct {
	core   sync.Mutex
	locks  [owner.MaxVMID + 1]sync.Mutex
	vms    [owner.MaxVMID + 1]VM
	nextID owner.Domain
}

// NewTable returns records for all domains with room for maxLoads images
// and vcpus vCPUs each.
func NewTable(maxLoads, vcpus int) *Table {
	t := &Table{}

	for i := range t.vms {
		t.vms[i].Loads = make([]LoadInfo, maxLoads)
		t.vms[i].VCPUs = make([]VCPU, vcpus)
	}

	return t
}

func check(vmid owner.Domain) {
	if vmid > owner.MaxVMID {
		fault.Halt("vm", uint32(vmid), "domain id out of range")
	}
}

// Lock acquires the lock of vmid.
func (t *Table) Lock(vmid owner.Domain) {
	check(vmid)
	t.locks[vmid].Lock()
}

func (t *Table) Unlock(vmid owner.Domain) {
	t.locks[vmid].Unlock()
}

// LockCore acquires the core lock. It must be taken before any VM lock.
func (t *Table) LockCore()   { t.core.Lock() }
func (t *Table) UnlockCore() { t.core.Unlock() }

// Get returns the record of vmid. The caller must hold its lock.
func (t *Table) Get(vmid owner.Domain) *VM {
	check(vmid)

	return &t.vms[vmid]
}

// Pools returns the node allocator of vmid. The caller must hold its lock.
func (t *Table) Pools(vmid owner.Domain) *pool.Set {
	return &t.Get(vmid).Pools
}

// VCPU returns the vCPU record of vmid, halting on an unknown vcpuid.
func (t *Table) VCPU(vmid owner.Domain, vcpuid uint32) *VCPU {
	v := t.Get(vmid)
	if int(vcpuid) >= len(v.VCPUs) {
		fault.Halt("vcpu", uint32(vmid), "vcpu %d out of range", vcpuid)
	}

	return &v.VCPUs[vcpuid]
}

// GenVMID hands out the next guest id. The caller must hold the core lock.
func (t *Table) GenVMID() owner.Domain {
	t.nextID++
	if !owner.IsGuest(t.nextID) {
		fault.Halt("gen_vmid", uint32(t.nextID), "no guest ids left")
	}

	return t.nextID
}

// Info returns a detached copy of the record of vmid.
func (t *Table) Info(vmid owner.Domain) VM {
	t.Lock(vmid)
	defer t.Unlock(vmid)

	return deepcopy.Copy(t.vms[vmid]).(VM) //nolint:forcetypeassert
}
