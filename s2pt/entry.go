// Package s2pt walks and populates the four-level stage-2 translation
// tables of a VM.
//
// Tables live in RAM, inside the node pools of the owning VM. The walker
// never frees a node and never checks page ownership: callers transfer
// ownership first and install the mapping afterwards.
package s2pt

import (
	"fmt"

	"github.com/gohypsec/hypsec/mm"
)

// Entry is one 64-bit stage-2 descriptor.
type Entry uint64

const (
	typeMask  Entry = 0b11
	typeBlock Entry = 0b01

	// TypeTable tags a descriptor that points to the next-level node.
	TypeTable Entry = 0b11

	// PMDMark and PTEMark are software bits tagging block and page leaves.
	PMDMark Entry = 1 << 55
	PTEMark Entry = 1 << 56

	AttrXN   Entry = 1 << 54
	AttrAF   Entry = 1 << 10
	AttrSH   Entry = 0b11 << 8
	AttrS2RO Entry = 0b01 << 6
	AttrS2RW Entry = 0b11 << 6

	attrNormal Entry = 0b0100 << 2
	attrDevice Entry = 0b0001 << 2

	// PageNormal is the attribute set of a read-only, non-executable RAM
	// page, as installed in the corevisor remap window.
	PageNormal = AttrXN | AttrAF | AttrSH | AttrS2RO | attrNormal | 0b11

	// PageNormalRW is PageNormal with write access, for guest memory.
	PageNormalRW = AttrXN | AttrAF | AttrSH | AttrS2RW | attrNormal | 0b11

	// PageDevice is the attribute set of an MMIO page.
	PageDevice = AttrXN | AttrAF | AttrS2RW | attrDevice | 0b11

	markMask = PMDMark | PTEMark
)

// NewPage builds a page descriptor for frame pa with attributes attrs.
func NewPage(pa uint64, attrs Entry) Entry {
	return Entry(mm.PhysPage(pa)) | attrs
}

// Frame is the output address of the descriptor.
func (e Entry) Frame() uint64 { return mm.PhysPage(uint64(e)) }

// PFN is the frame number of the output address.
func (e Entry) PFN() uint64 { return mm.PFN(e.Frame()) }

// Valid reports whether the descriptor is present.
func (e Entry) Valid() bool { return e&1 != 0 }

// IsTable reports whether e points to a next-level node.
func (e Entry) IsTable() bool { return e&markMask == 0 && e&typeMask == TypeTable }

// IsBlock reports a 2MB leaf installed by SetPMD.
func (e Entry) IsBlock() bool { return e&PMDMark != 0 }

// IsPage reports a 4KB leaf installed by SetPTE.
func (e Entry) IsPage() bool { return e&PTEMark != 0 }

// Attrs returns every bit outside the output address.
func (e Entry) Attrs() Entry { return e &^ Entry(mm.PhysMask) }

// AsBlock rewrites e into a block descriptor: type bits 0b01, frame aligned
// to the block size.
func (e Entry) AsBlock() Entry {
	frame := mm.AlignDown(e.Frame(), mm.PMDSize)

	return Entry(frame) | (e.Attrs()&^typeMask)&^markMask | typeBlock
}

// AsPage rewrites e into a page descriptor, dropping any leaf tag.
func (e Entry) AsPage() Entry {
	return e&^markMask | TypeTable
}

func (e Entry) String() string {
	kind := "empty"

	switch {
	case e.IsBlock():
		kind = "block"
	case e.IsPage():
		kind = "page"
	case e.IsTable():
		kind = "table"
	case e.Frame() != 0:
		kind = "raw"
	}

	return fmt.Sprintf("%s(%#x attrs %#x)", kind, e.Frame(), uint64(e.Attrs()&^markMask))
}
