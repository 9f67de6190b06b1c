// Package memory provides the physical memory model of the machine and the
// bookkeeping of the fixed ranges carved out of it at boot.
package memory

import (
	"errors"
	"fmt"
)

var (
	errRangeOccupied = errors.New("address range occupied")
	errNoSpace       = errors.New("no free range")
)

// Range is a named, half-open physical or intermediate-physical range.
type Range struct {
	Name  string
	Start uint64
	Size  uint64
}

func (r Range) End() uint64 { return r.Start + r.Size }

func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Layout records the ranges reserved from an address space and refuses
// overlapping reservations.
type Layout struct {
	Name   string
	Ranges []Range
}

func NewLayout(name string) *Layout {
	return &Layout{Name: name}
}

// Reserve records r, failing when it overlaps an earlier reservation.
func (l *Layout) Reserve(r Range) error {
	if o, busy := l.overlap(r); busy {
		return fmt.Errorf("%s: %s [%#x, %#x) overlaps %s: %w",
			l.Name, r.Name, r.Start, r.End(), o.Name, errRangeOccupied)
	}

	l.Ranges = append(l.Ranges, r)

	return nil
}

func (l *Layout) overlap(r Range) (Range, bool) {
	for _, o := range l.Ranges {
		if o.Overlaps(r) {
			return o, true
		}
	}

	return Range{}, false
}

// Alloc reserves the lowest free range of size bytes inside within, with
// its start aligned to align.
func (l *Layout) Alloc(name string, size, align uint64, within Range) (Range, error) {
	r := Range{Name: name, Start: alignUp(within.Start, align), Size: size}

	for r.End() <= within.End() {
		o, busy := l.overlap(r)
		if !busy {
			l.Ranges = append(l.Ranges, r)

			return r, nil
		}

		r.Start = alignUp(o.End(), align)
	}

	return Range{}, fmt.Errorf("%s: %s of %#x bytes: %w", l.Name, name, size, errNoSpace)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
