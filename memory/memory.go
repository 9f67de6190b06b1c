package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gohypsec/hypsec/fault"
	"github.com/gohypsec/hypsec/mm"
)

var (
	errUnaligned = errors.New("physical memory must be page aligned")
	errEmpty     = errors.New("physical memory size must be non-zero")
)

// Physical models the machine's RAM: Size bytes starting at physical
// address Base, backed by an anonymous mapping.
type Physical struct {
	Base uint64
	Size uint64
	Buf  []byte
}

// New maps size bytes of anonymous memory as RAM at physical address base.
func New(base, size uint64) (*Physical, error) {
	if size == 0 {
		return nil, errEmpty
	}

	if !mm.IsAligned(base, mm.PageSize) || !mm.IsAligned(size, mm.PageSize) {
		return nil, fmt.Errorf("base %#x size %#x: %w", base, size, errUnaligned)
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}

	return &Physical{Base: base, Size: size, Buf: buf}, nil
}

// Close releases the backing mapping.
func (p *Physical) Close() error {
	if p.Buf == nil {
		return nil
	}

	err := unix.Munmap(p.Buf)
	p.Buf = nil

	return err
}

// Contains reports whether [pa, pa+n) lies inside RAM.
func (p *Physical) Contains(pa, n uint64) bool {
	return pa >= p.Base && n <= p.Size && pa-p.Base <= p.Size-n
}

// BasePFN is the first frame number of RAM.
func (p *Physical) BasePFN() uint64 { return mm.PFN(p.Base) }

// Pages is the number of frames in RAM.
func (p *Physical) Pages() uint64 { return p.Size / mm.PageSize }

func (p *Physical) offset(pa, n uint64) uint64 {
	if !p.Contains(pa, n) {
		fault.Halt("memory", 0, "access %#x+%#x outside RAM [%#x, %#x)", pa, n, p.Base, p.Base+p.Size)
	}

	return pa - p.Base
}

// Load64 reads the little-endian table entry at pa.
func (p *Physical) Load64(pa uint64) uint64 {
	off := p.offset(pa, 8)

	return binary.LittleEndian.Uint64(p.Buf[off:])
}

// Store64 writes a little-endian table entry at pa.
func (p *Physical) Store64(pa, v uint64) {
	off := p.offset(pa, 8)
	binary.LittleEndian.PutUint64(p.Buf[off:], v)
}

// Page returns the backing bytes of frame pfn.
func (p *Physical) Page(pfn uint64) []byte {
	off := p.offset(mm.Addr(pfn), mm.PageSize)

	return p.Buf[off : off+mm.PageSize]
}

// Read copies len(b) bytes starting at pa into b.
func (p *Physical) Read(pa uint64, b []byte) {
	off := p.offset(pa, uint64(len(b)))
	copy(b, p.Buf[off:])
}

// Write copies b into RAM at pa.
func (p *Physical) Write(pa uint64, b []byte) {
	off := p.offset(pa, uint64(len(b)))
	copy(p.Buf[off:], b)
}

// ZeroRange clears n bytes starting at pa.
func (p *Physical) ZeroRange(pa, n uint64) {
	off := p.offset(pa, n)
	clear(p.Buf[off : off+n])
}
