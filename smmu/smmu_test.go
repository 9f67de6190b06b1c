package smmu_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/smmu"
)

func TestUpdateLookupUnmap(t *testing.T) {
	t.Parallel()

	tr := smmu.NewTree()
	tr.InitContext(2, 1, 0)

	tr.UpdatePage(2, 1, 0, 0x3000, 0x4100_0753)
	tr.UpdatePage(2, 1, 0, 0x1000, 0x4200_0753)
	tr.UpdatePage(2, 1, 0, 0x1fff, 0x4300_0753) // same page as 0x1000

	want := []smmu.Mapping{
		{IOVA: 0x1000, PTE: 0x4300_0753},
		{IOVA: 0x3000, PTE: 0x4100_0753},
	}

	if diff := cmp.Diff(want, tr.Mappings(1, 0)); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}

	tr.UnmapPage(1, 0, 0x3000)

	if _, ok := tr.Lookup(1, 0, 0x3000); ok {
		t.Fatal("unmapped iova still translates")
	}

	if pte, ok := tr.Lookup(1, 0, 0x1234); !ok || pte != 0x4300_0753 {
		t.Fatalf("Lookup = %#x, %v", pte, ok)
	}

	// unmapping from a never-allocated bank is harmless
	tr.UnmapPage(3, 1, 0x1000)
}

func TestContextIsolation(t *testing.T) {
	t.Parallel()

	tr := smmu.NewTree()
	tr.InitContext(2, 0, 0)

	if f := fault.Run(func() { tr.UpdatePage(3, 0, 0, 0x1000, 1) }); f == nil {
		t.Fatal("update of another domain's context did not halt")
	}

	if f := fault.Run(func() { tr.UpdatePage(2, 4, 0, 0x1000, 1) }); f == nil {
		t.Fatal("update of an unallocated context did not halt")
	}

	if f := fault.Run(func() { tr.InitContext(2, smmu.MaxContextBanks, 0) }); f == nil {
		t.Fatal("out-of-range context bank did not halt")
	}
}
