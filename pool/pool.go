// Package pool implements the per-VM bump allocators that hand out
// stage-2 table nodes.
//
// Nodes are never freed. A VM's pools are carved once, at registration,
// from the eight 1MB regions the host donated:
//
//	region 0  +------------------+ page 0
//	          |  PGD (root)      |
//	          +------------------+ page 1
//	          |  PUD pool        |
//	          +------------------+ page 17
//	          |  PMD pool [0]    |
//	          +------------------+ page 256
//	region 1  |  PMD pool [1]    |
//	          +------------------+
//	region 2  |  PTE pool [0]    |
//	  ...     |  ...             |
//	region 7  |  PTE pool [5]    |
//	          +------------------+
package pool

import (
	"fmt"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
)

// Level names the translation level a node is allocated for.
type Level uint8

const (
	PGD Level = iota
	PUD
	PMD
	PTE

	numLevels
)

const (
	// PGDBase is the page offset of the PUD pool inside region 0.
	PGDBase = 1 * mm.PageSize
	// PUDBase is the page offset of the first PMD segment inside region 0.
	PUDBase = 17 * mm.PageSize

	// PTESegments is the number of whole regions backing leaf tables.
	PTESegments = mm.RegionCount - 2
)

func (l Level) String() string {
	switch l {
	case PGD:
		return "pgd"
	case PUD:
		return "pud"
	case PMD:
		return "pmd"
	case PTE:
		return "pte"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Segment is one contiguous range of node storage.
type Segment struct {
	Start uint64
	Next  uint64
	End   uint64
}

// Pool is an ordered list of segments consumed front to back.
type Pool struct {
	Segments []Segment
	Index    int
}

// Alloc returns the next free node address. Exhausting the last segment is
// fatal: a half-finished walk cannot be rolled back.
func (p *Pool) Alloc(vmid uint32, l Level) uint64 {
	for p.Index < len(p.Segments) {
		s := &p.Segments[p.Index]

		if s.Next+mm.PageSize <= s.End {
			next := s.Next
			s.Next += mm.PageSize

			return next
		}

		p.Index++
	}

	fault.Halt("alloc_s2pt_"+l.String(), vmid, "used all s2 %s pages", l)

	return 0
}

// Used returns the number of nodes handed out.
func (p *Pool) Used() uint64 {
	var n uint64

	for _, s := range p.Segments {
		n += (s.Next - s.Start) / mm.PageSize
	}

	return n
}

// Remaining returns the number of nodes still available.
func (p *Pool) Remaining() uint64 {
	var n uint64

	for _, s := range p.Segments {
		n += (s.End - s.Next) / mm.PageSize
	}

	return n
}

// Set is the allocator state of one VM.
type Set struct {
	Pools [numLevels]Pool
}

// Alloc hands out one node of level l.
func (s *Set) Alloc(vmid uint32, l Level) uint64 {
	return s.Pools[l].Alloc(vmid, l)
}

func (s *Set) Used(l Level) uint64      { return s.Pools[l].Used() }
func (s *Set) Remaining(l Level) uint64 { return s.Pools[l].Remaining() }

// Carve lays the four pools out over the donated regions. The regions must
// already be owned by the corevisor.
func Carve(regions [mm.RegionCount]uint64) Set {
	r0 := regions[0]

	var s Set

	s.Pools[PGD].Segments = []Segment{seg(r0, r0+PGDBase)}
	s.Pools[PUD].Segments = []Segment{seg(r0+PGDBase, r0+PUDBase)}
	s.Pools[PMD].Segments = []Segment{
		seg(r0+PUDBase, r0+mm.SZ1M),
		seg(regions[1], regions[1]+mm.SZ1M),
	}

	for i := 0; i < PTESegments; i++ {
		r := regions[2+i]
		s.Pools[PTE].Segments = append(s.Pools[PTE].Segments, seg(r, r+mm.SZ1M))
	}

	return s
}

func seg(start, end uint64) Segment {
	return Segment{Start: start, Next: start, End: end}
}
