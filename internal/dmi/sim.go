package dmi

import (
	"fmt"
	"sync"

	"github.com/aykevl/riscv-gdbstub/internal/dmreg"
)

// Simulator is an in-memory stand-in for a RISC-V hart plus its Debug
// Module, implementing Transport directly (no socket, no JTAG). It
// exists so the DM back end and the RSP dispatcher above it can be
// exercised and tested without real hardware — the same role the
// teacher's cgo `machine_t` played, minus the cgo boundary (spec.md
// explicitly scopes the real DMI transport out; SPEC_FULL.md wires this
// simulator in its place so the rest of the system has something to
// drive end to end).
type Simulator struct {
	mu sync.Mutex

	dmActive bool
	halted   bool
	haveReset bool
	resumeAck bool

	gpr [32]uint64
	fpr [32]uint64
	pc  uint64
	dcsr dmreg.DCSR

	data [12]uint32

	abstractBusy  bool
	abstractErr   dmreg.CmdErr

	sbcs    dmreg.SBCS
	sbAddr  uint64
	sbError dmreg.SBErr

	verbosity uint32

	mem map[uint32]byte
}

// NewSimulator returns a halted simulator with zeroed register state and
// empty memory.
func NewSimulator() *Simulator {
	return &Simulator{
		dmActive: true,
		halted:   true,
		mem:      make(map[uint32]byte),
		sbcs: dmreg.SBCS{
			SBVersion: 1,
			SBASize:   32,
			SBAccess32: true,
		},
	}
}

// LoadMemory copies buf into simulated memory starting at addr, bypassing
// the DMI. Used by tests to seed memory directly.
func (s *Simulator) LoadMemory(addr uint32, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range buf {
		s.mem[addr+uint32(i)] = b
	}
}

// PeekMemory returns a copy of len bytes at addr, for test assertions.
func (s *Simulator) PeekMemory(addr uint32, length int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, length)
	for i := range out {
		out[i] = s.mem[addr+uint32(i)]
	}
	return out
}

// Halted reports whether the simulated hart is currently halted.
func (s *Simulator) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Read implements Transport.
func (s *Simulator) Read(addr dmreg.Addr) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch addr {
	case dmreg.AddrDMControl:
		var c dmreg.DMControl
		c.DMActive = s.dmActive
		return c.Pack(), nil
	case dmreg.AddrDMStatus:
		st := dmreg.DMStatus{
			Version:       2,
			Authenticated: true,
			AllHalted:    s.halted,
			AnyHalted:    s.halted,
			AllRunning:   !s.halted,
			AnyRunning:   !s.halted,
			AllHaveReset: s.haveReset,
			AnyHaveReset: s.haveReset,
			AllResumeAck: s.resumeAck,
			AnyResumeAck: s.resumeAck,
		}
		return dmstatusPack(st), nil
	case dmreg.AddrAbstractCS:
		a := dmreg.AbstractCS{Busy: s.abstractBusy, CmdErr: s.abstractErr, DataCount: 2}
		return abstractCSPack(a), nil
	case dmreg.AddrSBCS:
		sb := s.sbcs
		sb.SBBusy = false
		sb.SBError = s.sbError
		return sb.Pack(), nil
	case dmreg.AddrSBAddress0:
		return uint32(s.sbAddr), nil
	case dmreg.AddrSBAddress1:
		return uint32(s.sbAddr >> 32), nil
	case dmreg.AddrSBData0:
		v := s.readWord(uint32(s.sbAddr))
		if s.sbcs.SBReadOnData && s.sbcs.SBAutoIncrement {
			s.sbAddr += 4
		}
		return v, nil
	case dmreg.AddrVerbosity:
		return s.verbosity, nil
	default:
		if addr >= dmreg.AddrData0 && addr <= dmreg.AddrData11 {
			return s.data[dataIndex(addr)], nil
		}
		return 0, fmt.Errorf("dmi: read from unmapped address 0x%x", uint16(addr))
	}
}

// Write implements Transport.
func (s *Simulator) Write(addr dmreg.Addr, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch addr {
	case dmreg.AddrDMControl:
		c := dmreg.UnpackDMControl(v)
		if c.AckHaveReset {
			s.haveReset = false
		}
		if c.HaltReq {
			// A halt request on an already halted hart leaves dcsr.cause
			// as it was; only entering debug mode records a new cause.
			if !s.halted {
				s.dcsr.Cause = dmreg.DCSRCauseHaltReq
			}
			s.halted = true
			s.resumeAck = false
		}
		if c.ResumeReq && !c.HaltReq && s.halted {
			s.halted = false
			s.resumeAck = true
			if s.dcsr.Step {
				// A real hart executes exactly one instruction and
				// re-traps; the simulator has no instruction
				// interpreter (out of scope, per spec.md §1), so it
				// fast-forwards straight to the post-step halt.
				s.pc += 4
				s.halted = true
				s.dcsr.Cause = dmreg.DCSRCauseStep
			}
		}
		if c.NdmReset || c.HartReset {
			s.haveReset = true
			s.halted = true
			s.pc = 0
			for i := range s.gpr {
				s.gpr[i] = 0
			}
		}
		s.dmActive = c.DMActive
		return nil
	case dmreg.AddrAbstractCS:
		a := dmreg.UnpackAbstractCS(v)
		if a.CmdErr == 0b111 {
			s.abstractErr = dmreg.CmdErrNone
		}
		return nil
	case dmreg.AddrCommand:
		s.execCommand(dmreg.UnpackCommand(v))
		return nil
	case dmreg.AddrSBCS:
		sb := dmreg.UnpackSBCS(v)
		s.sbcs.SBReadOnAddr = sb.SBReadOnAddr
		s.sbcs.SBReadOnData = sb.SBReadOnData
		s.sbcs.SBAutoIncrement = sb.SBAutoIncrement
		s.sbcs.SBAccess = sb.SBAccess
		if sb.SBBusyError {
			// W1C, nothing to clear: the simulator never reports busy.
			_ = sb.SBBusyError
		}
		if v&(0b111<<12) == (0b111 << 12) {
			s.sbError = dmreg.SBErrNone
		}
		return nil
	case dmreg.AddrSBAddress0:
		s.sbAddr = (s.sbAddr &^ 0xFFFFFFFF) | uint64(v)
		if s.sbcs.SBReadOnAddr {
			// Priming a read is a no-op here: reads are computed live
			// from s.mem on the following AddrSBData0 read.
		}
		return nil
	case dmreg.AddrSBAddress1:
		s.sbAddr = (s.sbAddr &^ (0xFFFFFFFF << 32)) | (uint64(v) << 32)
		return nil
	case dmreg.AddrSBData0:
		s.writeWord(uint32(s.sbAddr), v)
		if s.sbcs.SBAutoIncrement {
			s.sbAddr += 4
		}
		return nil
	case dmreg.AddrVerbosity:
		s.verbosity = v
		return nil
	default:
		if addr >= dmreg.AddrData0 && addr <= dmreg.AddrData11 {
			s.data[dataIndex(addr)] = v
			return nil
		}
		return fmt.Errorf("dmi: write to unmapped address 0x%x", uint16(addr))
	}
}

func (s *Simulator) execCommand(cmd dmreg.Command) {
	if cmd.CmdType != dmreg.CmdTypeAccessReg {
		s.abstractErr = dmreg.CmdErrNotSupport
		return
	}
	if !cmd.Transfer {
		return
	}
	regno := cmd.RegNo
	switch {
	case regno >= dmreg.RegNoGPRBase && regno <= dmreg.RegNoGPRMax:
		s.accessScalar(&s.gpr[regno-dmreg.RegNoGPRBase], cmd)
	case regno >= dmreg.RegNoFPRBase && regno <= dmreg.RegNoFPRMax:
		s.accessScalar(&s.fpr[regno-dmreg.RegNoFPRBase], cmd)
	case regno == uint16(dmreg.CSRDCSR):
		if !s.halted {
			s.abstractErr = dmreg.CmdErrHaltResume
			return
		}
		if cmd.Write {
			s.dcsr = dmreg.UnpackDCSR(s.data[0])
		} else {
			s.data[0] = s.dcsr.Pack()
			s.data[1] = 0
		}
	case regno == uint16(dmreg.CSRDPC):
		if !s.halted {
			s.abstractErr = dmreg.CmdErrHaltResume
			return
		}
		s.accessScalar(&s.pc, cmd)
	case regno <= dmreg.RegNoCSRMax:
		s.abstractErr = dmreg.CmdErrNotSupport
	default:
		s.abstractErr = dmreg.CmdErrException
	}
}

func (s *Simulator) accessScalar(reg *uint64, cmd dmreg.Command) {
	if !s.halted {
		s.abstractErr = dmreg.CmdErrHaltResume
		return
	}
	if cmd.Write {
		v := uint64(s.data[0])
		if cmd.Size == dmreg.AccessSize64 {
			v |= uint64(s.data[1]) << 32
		}
		*reg = v
	} else {
		s.data[0] = uint32(*reg)
		if cmd.Size == dmreg.AccessSize64 {
			s.data[1] = uint32(*reg >> 32)
		}
	}
}

func (s *Simulator) readWord(addr uint32) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(s.mem[addr+uint32(i)]) << (8 * i)
	}
	return v
}

func (s *Simulator) writeWord(addr uint32, v uint32) {
	for i := 0; i < 4; i++ {
		s.mem[addr+uint32(i)] = byte(v >> (8 * i))
	}
}

func dataIndex(addr dmreg.Addr) int {
	switch addr {
	case dmreg.AddrData0:
		return 0
	case dmreg.AddrData1:
		return 1
	case dmreg.AddrData2:
		return 2
	case dmreg.AddrData3:
		return 3
	case dmreg.AddrData4:
		return 4
	case dmreg.AddrData5:
		return 5
	case dmreg.AddrData6:
		return 6
	case dmreg.AddrData7:
		return 7
	case dmreg.AddrData8:
		return 8
	case dmreg.AddrData9:
		return 9
	case dmreg.AddrData10:
		return 10
	default:
		return 11
	}
}

// dmstatusPack/abstractCSPack are small local packers: dmreg only
// exports Unpack for these two registers because real back-end code
// never needs to construct one (it only ever reads them), but the
// simulator sits on the hardware side and has to produce wire values.
func dmstatusPack(s dmreg.DMStatus) uint32 {
	var v uint32
	set := func(b bool, bit uint) {
		if b {
			v |= 1 << bit
		}
	}
	set(s.ImpEBreak, 22)
	set(s.AllHaveReset, 19)
	set(s.AnyHaveReset, 18)
	set(s.AllResumeAck, 17)
	set(s.AnyResumeAck, 16)
	set(s.AllNonExistent, 15)
	set(s.AnyNonExistent, 14)
	set(s.AllUnavail, 13)
	set(s.AnyUnavail, 12)
	set(s.AllRunning, 11)
	set(s.AnyRunning, 10)
	set(s.AllHalted, 9)
	set(s.AnyHalted, 8)
	set(s.Authenticated, 7)
	set(s.AuthBusy, 6)
	set(s.HasResetHaltReq, 5)
	set(s.ConfStrPtrValid, 4)
	v |= uint32(s.Version) & 0xF
	return v
}

func abstractCSPack(a dmreg.AbstractCS) uint32 {
	var v uint32
	v |= uint32(a.ProgBufSize&0x1F) << 24
	if a.Busy {
		v |= 1 << 12
	}
	v |= uint32(a.CmdErr&0x7) << 8
	v |= uint32(a.DataCount & 0x1F)
	return v
}
