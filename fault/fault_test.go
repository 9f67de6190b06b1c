package fault_test

import (
	"errors"
	"testing"

	"github.com/gohypsec/hypsec/fault"
)

func TestCatch(t *testing.T) {
	t.Parallel()

	call := func() (err error) {
		defer fault.Catch(&err)

		fault.Halt("set_vcpu_active", 3, "vcpu %d not ready", 1)

		return nil
	}

	err := call()
	if !errors.Is(err, fault.ErrFault) {
		t.Fatalf("got %v, want fault", err)
	}

	var f *fault.Fault
	if !errors.As(err, &f) {
		t.Fatalf("got %T, want *fault.Fault", err)
	}

	if f.Op != "set_vcpu_active" || f.VMID != 3 || f.Msg != "vcpu 1 not ready" {
		t.Errorf("unexpected fault %+v", f)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	if f := fault.Run(func() {}); f != nil {
		t.Fatalf("unexpected fault %v", f)
	}

	f := fault.Run(func() { fault.Assert(false, "register_kvm", 0, "null region") })
	if f == nil || f.Op != "register_kvm" {
		t.Fatalf("got %v, want register_kvm fault", f)
	}
}

func TestForeignPanicPropagates(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()

	fault.Run(func() { panic("boom") })
}
