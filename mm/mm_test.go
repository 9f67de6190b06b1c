package mm_test

import (
	"testing"

	"github.com/gohypsec/hypsec/mm"
)

func TestIndices(t *testing.T) {
	t.Parallel()

	addr := uint64(3)<<mm.PGDShift | uint64(5)<<mm.PUDShift |
		uint64(7)<<mm.PMDShift | uint64(11)<<mm.PTEShift | 0x123

	if got := mm.PGDIndex(addr); got != 3 {
		t.Errorf("PGDIndex = %d, want 3", got)
	}

	if got := mm.PUDIndex(addr); got != 5 {
		t.Errorf("PUDIndex = %d, want 5", got)
	}

	if got := mm.PMDIndex(addr); got != 7 {
		t.Errorf("PMDIndex = %d, want 7", got)
	}

	if got := mm.PTEIndex(addr); got != 11 {
		t.Errorf("PTEIndex = %d, want 11", got)
	}
}

func TestPageCount(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		size, want uint64
	}{
		{0, 0},
		{1, 1},
		{mm.PageSize, 1},
		{mm.PageSize + 1, 2},
		{0x2000, 2},
	} {
		if got := mm.PageCount(tc.size); got != tc.want {
			t.Errorf("PageCount(%#x) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestPhysPage(t *testing.T) {
	t.Parallel()

	v := uint64(0x40000000000753) | 0x4567_8000 | 1<<55

	if got := mm.PhysPage(v); got != 0x4567_8000 {
		t.Errorf("PhysPage = %#x, want 0x45678000", got)
	}

	if mm.PMDPageNum != 512 {
		t.Errorf("PMDPageNum = %d, want 512", mm.PMDPageNum)
	}
}
