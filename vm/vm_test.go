package vm_test

import (
	"testing"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/owner"
	"github.com/gohypsec/hypsec/vm"
)

func TestGenVMID(t *testing.T) {
	t.Parallel()

	tbl := vm.NewTable(5, 8)

	tbl.LockCore()
	defer tbl.UnlockCore()

	for want := owner.Domain(1); want < owner.Corevisor; want++ {
		if got := tbl.GenVMID(); got != want {
			t.Fatalf("GenVMID = %d, want %d", got, want)
		}
	}

	if f := fault.Run(func() { tbl.GenVMID() }); f == nil {
		t.Fatal("vmid generation past the guest range did not halt")
	}
}

func TestInfoIsDetached(t *testing.T) {
	t.Parallel()

	tbl := vm.NewTable(2, 1)

	tbl.Lock(1)
	rec := tbl.Get(1)
	rec.State = vm.Ready
	rec.PublicKey = []byte{1, 2, 3}
	rec.Loads[0].Signature = []byte{9}
	tbl.Unlock(1)

	info := tbl.Info(1)
	info.PublicKey[0] = 0xff
	info.Loads[0].Signature[0] = 0xff

	tbl.Lock(1)
	defer tbl.Unlock(1)

	if rec.PublicKey[0] != 1 || rec.Loads[0].Signature[0] != 9 {
		t.Fatal("Info shares memory with the live record")
	}

	if info.State != vm.Ready {
		t.Fatalf("Info state = %v", info.State)
	}
}

func TestBounds(t *testing.T) {
	t.Parallel()

	tbl := vm.NewTable(1, 2)

	if f := fault.Run(func() { tbl.Get(owner.MaxVMID + 1) }); f == nil {
		t.Fatal("out-of-range domain did not halt")
	}

	if f := fault.Run(func() { tbl.VCPU(1, 2) }); f == nil {
		t.Fatal("out-of-range vcpu did not halt")
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	if vm.Verified.String() != "VERIFIED" || vm.VCPUActive.String() != "ACTIVE" {
		t.Fatal("unexpected state names")
	}
}
