package pool_test

import (
	"testing"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
	"github.com/gohypsec/hypsec/pool"
)

func regions() [mm.RegionCount]uint64 {
	var r [mm.RegionCount]uint64

	for i := range r {
		r[i] = 0x4000_0000 + uint64(i)*mm.SZ1M
	}

	return r
}

func TestCarveGeometry(t *testing.T) {
	t.Parallel()

	s := pool.Carve(regions())

	for _, tc := range []struct {
		level pool.Level
		nodes uint64
	}{
		{pool.PGD, 1},
		{pool.PUD, 16},
		{pool.PMD, mm.RegionPages - 17 + mm.RegionPages},
		{pool.PTE, pool.PTESegments * mm.RegionPages},
	} {
		if got := s.Remaining(tc.level); got != tc.nodes {
			t.Errorf("%s: %d nodes, want %d", tc.level, got, tc.nodes)
		}
	}
}

func TestCarveNoOverlap(t *testing.T) {
	t.Parallel()

	s := pool.Carve(regions())

	var all []pool.Segment

	for _, p := range s.Pools {
		all = append(all, p.Segments...)
	}

	for i, a := range all {
		for j, b := range all {
			if i != j && a.Start < b.End && b.Start < a.End {
				t.Errorf("segments %d %+v and %d %+v overlap", i, a, j, b)
			}
		}
	}
}

// Cursors only move forward, cross segment boundaries and halt once the
// last segment is drained.
func TestAllocMonotonicAndExhaustion(t *testing.T) {
	t.Parallel()

	r := regions()
	s := pool.Carve(r)

	total := s.Remaining(pool.PMD)

	var prev uint64

	for i := uint64(0); i < total; i++ {
		got := s.Alloc(1, pool.PMD)

		if i > 0 && got <= prev {
			t.Fatalf("alloc %d returned %#x after %#x", i, got, prev)
		}

		if i == mm.RegionPages-17 && got != r[1] {
			t.Fatalf("second segment starts at %#x, want %#x", got, r[1])
		}

		prev = got
	}

	if s.Used(pool.PMD) != total || s.Remaining(pool.PMD) != 0 {
		t.Fatalf("used %d remaining %d", s.Used(pool.PMD), s.Remaining(pool.PMD))
	}

	f := fault.Run(func() { s.Alloc(1, pool.PMD) })
	if f == nil {
		t.Fatal("allocating past the pool end did not halt")
	}

	if f.Op != "alloc_s2pt_pmd" {
		t.Errorf("fault op %q", f.Op)
	}
}

func TestRootIsSinglePage(t *testing.T) {
	t.Parallel()

	r := regions()
	s := pool.Carve(r)

	if got := s.Alloc(2, pool.PGD); got != r[0] {
		t.Fatalf("root at %#x, want %#x", got, r[0])
	}

	if f := fault.Run(func() { s.Alloc(2, pool.PGD) }); f == nil {
		t.Fatal("second root allocation did not halt")
	}

	if got := s.Alloc(2, pool.PUD); got != r[0]+pool.PGDBase {
		t.Fatalf("first pud node at %#x", got)
	}
}
