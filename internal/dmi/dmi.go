// Package dmi defines the Debug Module Interface the DM back end is
// parameterized over, and a same-process simulator implementing it for
// tests and the CLI's --dmi=sim mode.
//
// spec.md §9: "File-level polymorphism between gdbstub_dmi.h (a linker
// seam for the transport) becomes an explicit transport abstraction: a
// two-method capability the back end is parameterized over."
package dmi

import "github.com/aykevl/riscv-gdbstub/internal/dmreg"

// Transport is the only thing the DM back end knows about the physical
// link to the target: two primitives, no error channel beyond the two
// calls themselves (per spec.md §6, hardware errors are observed by
// reading back status registers, not through this interface).
type Transport interface {
	Read(addr dmreg.Addr) (uint32, error)
	Write(addr dmreg.Addr, data uint32) error
}
