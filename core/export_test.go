package core

import (
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/vm"
)

// ForceState overwrites the lifecycle state of vmid and one of its vCPUs.
func ForceState(c *Core, vmid owner.Domain, s vm.State, vcpuid uint32, vs vm.VCPUState) {
	c.vms.Lock(vmid)
	defer c.vms.Unlock(vmid)

	c.vms.Get(vmid).State = s
	c.vms.VCPU(vmid, vcpuid).State = vs
}
