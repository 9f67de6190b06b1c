// Package fault implements the fatal-halt model of the core.
//
// An invariant violation (wrong lifecycle state, pool exhaustion, donation
// of a page the host does not own, ...) must never be turned into an error
// code that a caller could ignore. Halt raises a *Fault as a panic; nothing
// inside the core recovers it. The hypercall dispatcher installs Catch as
// the single top-level handler, which stops the core.
package fault

import (
	"errors"
	"fmt"
)

// ErrFault is matched by every *Fault through errors.Is.
var ErrFault = errors.New("fatal invariant violation")

// Fault describes a fatal invariant violation.
type Fault struct {
	Op   string
	VMID uint32
	Msg  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: vmid %d: %s", f.Op, f.VMID, f.Msg)
}

func (f *Fault) Is(target error) bool { return target == ErrFault }

// Halt stops forward progress of the calling operation.
func Halt(op string, vmid uint32, format string, args ...any) {
	panic(&Fault{Op: op, VMID: vmid, Msg: fmt.Sprintf(format, args...)})
}

// Assert halts with msg when cond is false.
func Assert(cond bool, op string, vmid uint32, msg string) {
	if !cond {
		Halt(op, vmid, "%s", msg)
	}
}

// Catch converts a Fault panic into *errp. It must be deferred directly.
// Any other panic value is re-raised.
func Catch(errp *error) {
	r := recover()
	if r == nil {
		return
	}

	f, ok := r.(*Fault)
	if !ok {
		panic(r)
	}

	*errp = f
}

// Run calls fn and returns the Fault it raised, if any.
func Run(fn func()) (f *Fault) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if f, ok = r.(*Fault); !ok {
				panic(r)
			}
		}
	}()

	fn()

	return nil
}
