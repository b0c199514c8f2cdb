package dm

import (
	"fmt"

	"github.com/aykevl/riscv-gdbstub/internal/dmreg"
)

// ErrKind enumerates the error kinds named in spec.md §7. The RSP
// dispatcher maps these onto the nearest meaningful RSP response; the
// back end never talks RSP directly.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrWireFraming
	ErrChecksumMismatch
	ErrTimeout
	ErrDMCmd
	ErrSysBus
	ErrUnalignedAccess
	ErrBadRegister
	ErrBadArguments
	ErrTransportClosed
)

// Error is the uniform error type every back-end call returns on
// failure (spec.md §7: "every back-end call returns a uniform
// two-valued status").
type Error struct {
	Kind    ErrKind
	CmdErr  dmreg.CmdErr
	SBErr   dmreg.SBErr
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ErrTimeout:
		return "timeout"
	case ErrDMCmd:
		return fmt.Sprintf("abstract command error: %s", e.CmdErr)
	case ErrSysBus:
		return fmt.Sprintf("system bus error: %s", e.SBErr)
	case ErrUnalignedAccess:
		return "unaligned access"
	case ErrBadRegister:
		return "bad register number"
	case ErrBadArguments:
		return "bad arguments"
	case ErrTransportClosed:
		return "transport closed"
	default:
		return "unknown error"
	}
}

func errTimeout(msg string) *Error { return &Error{Kind: ErrTimeout, Message: msg} }

func errDMCmd(c dmreg.CmdErr) *Error { return &Error{Kind: ErrDMCmd, CmdErr: c} }

func errSysBus(s dmreg.SBErr) *Error { return &Error{Kind: ErrSysBus, SBErr: s} }

func errUnaligned(msg string) *Error { return &Error{Kind: ErrUnalignedAccess, Message: msg} }

func errBadRegister(msg string) *Error { return &Error{Kind: ErrBadRegister, Message: msg} }

func errBadArguments(msg string) *Error { return &Error{Kind: ErrBadArguments, Message: msg} }

// NewBadArguments and NewBadRegister let callers outside the package —
// chiefly the RSP dispatcher, which validates wire-level syntax the
// back end never sees — report the same error kinds the back end uses
// internally, so sendErr's Exx mapping stays uniform regardless of
// which layer caught the problem.
func NewBadArguments(msg string) *Error { return errBadArguments(msg) }

func NewBadRegister(msg string) *Error { return errBadRegister(msg) }
