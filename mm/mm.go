// Package mm holds the address arithmetic shared by the stage-2 core:
// page geometry, translation-level index extraction and frame masks for a
// 4KB-granule, 48-bit, four-level arm64 stage-2 layout.
package mm

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// PTRSPerTable is the number of 64-bit entries in one table node.
	PTRSPerTable = PageSize / 8

	PGDShift = 39
	PUDShift = 30
	PMDShift = 21
	PTEShift = PageShift

	PMDSize    = 1 << PMDShift
	PMDPageNum = PMDSize / PageSize

	SZ1M        = 1 << 20
	RegionPages = SZ1M / PageSize

	// RegionCount is the number of 1MB regions a host donates per guest.
	RegionCount = 8

	// PhysMask selects the output-address field of a descriptor.
	PhysMask uint64 = 0x0000_ffff_ffff_f000

	indexMask = PTRSPerTable - 1
)

// PhysPage strips attribute and tag bits from v, leaving the frame address.
func PhysPage(v uint64) uint64 { return v & PhysMask }

func PGDIndex(addr uint64) uint64 { return (addr >> PGDShift) & indexMask }
func PUDIndex(addr uint64) uint64 { return (addr >> PUDShift) & indexMask }
func PMDIndex(addr uint64) uint64 { return (addr >> PMDShift) & indexMask }
func PTEIndex(addr uint64) uint64 { return (addr >> PTEShift) & indexMask }

// PFN returns the frame number containing addr.
func PFN(addr uint64) uint64 { return addr >> PageShift }

// Addr returns the first byte address of frame pfn.
func Addr(pfn uint64) uint64 { return pfn << PageShift }

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size uint64) uint64 { return (size + PageSize - 1) / PageSize }

// AlignDown rounds v down to a multiple of a, which must be a power of two.
func AlignDown(v, a uint64) uint64 { return v &^ (a - 1) }

// IsAligned reports whether v is a multiple of a (a power of two).
func IsAligned(v, a uint64) bool { return v&(a-1) == 0 }
