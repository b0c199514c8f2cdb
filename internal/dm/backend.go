// Package dm implements the Debug Module back end: spec.md §4.3
// translates abstract read/write register/memory operations into
// sequences of DMI register writes and reads against the DM register
// map in internal/dmreg.
//
// spec.md §9: "Global state in the C source (the initialized flag,
// static logfile_fp, static run_mode, static mem_buf, static
// command_num) becomes a back-end instance that owns these fields; the
// dispatcher holds a reference." Backend is that instance, generalized
// from the teacher's Machine (aykevl-emculator/machine.go), which held
// the same shape of state (a halted flag, a handle to the simulated
// target, register/memory accessors) over a cgo boundary instead of a
// DMI transport.
package dm

import (
	"fmt"
	"io"
	"time"

	"github.com/aykevl/riscv-gdbstub/internal/dmi"
	"github.com/aykevl/riscv-gdbstub/internal/dmreg"
	"github.com/aykevl/riscv-gdbstub/internal/elfload"
	"github.com/sirupsen/logrus"
)

const (
	pollBudgetIterations = 1_000_000
	pollSleep            = time.Microsecond
	// haltCheckBudget bounds how long GetStopReason will report Running
	// before it gives up and reports Timeout, per spec.md §4.3. It is
	// independent of pollBudgetIterations, which bounds the short,
	// blocking DMI polls inside a single register/memory operation.
	haltCheckBudget = 5 * time.Second
)

// RunState is the outcome of a GetStopReason poll.
type RunState int

const (
	StateRunning RunState = iota
	StateTimeout
	StateHalted
)

// StopReason is what GetStopReason reports.
type StopReason struct {
	State RunState
	Cause dmreg.DCSRCause
}

// Backend is one DM back-end instance, parameterized over a DMI
// transport. It owns XLEN, the "initialized" flag and the
// waiting-for-stop-reason timing budget; spec.md §3 keeps these
// session-local, so one Backend belongs to exactly one Session.
type Backend struct {
	transport dmi.Transport
	log       *logrus.Logger

	initialized bool
	xlen        int

	runStartedAt time.Time
}

// NewBackend returns an uninitialized Backend wrapping transport. Every
// operation is a safe no-op until Init is called, per spec.md §4.3.
func NewBackend(transport dmi.Transport) *Backend {
	return &Backend{transport: transport, xlen: 64, log: logrus.StandardLogger()}
}

// Init enables the backend. Idempotent.
//
// The original gdbstub_be_init (spec.md §9's third design note) took a
// second autoClose argument governing whether Final released transport
// resources on the caller's behalf. dmi.Transport (spec.md §9: "an
// explicit transport abstraction: a two-method capability") has no
// Close, so there is nothing for such a flag to trigger here; it is
// dropped rather than kept as a field nothing reads.
func (b *Backend) Init(logSink io.Writer) error {
	if logSink != nil {
		log := logrus.New()
		log.SetOutput(logSink)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		b.log = log
	}
	b.initialized = true
	return nil
}

// Final disables the backend. Idempotent.
func (b *Backend) Final() error {
	b.initialized = false
	return nil
}

// XLEN returns the current word width, 32 or 64.
func (b *Backend) XLEN() int { return b.xlen }

// SetXLEN overrides the word width, e.g. from the `monitor xlen` command.
func (b *Backend) SetXLEN(n int) error {
	if n != 32 && n != 64 {
		return errBadArguments(fmt.Sprintf("xlen must be 32 or 64, got %d", n))
	}
	b.xlen = n
	return nil
}

func (b *Backend) accessSize() dmreg.AccessSize {
	if b.xlen == 64 {
		return dmreg.AccessSize64
	}
	return dmreg.AccessSize32
}

// --- reset / verbosity -----------------------------------------------

// DMReset pulses dmcontrol.dmactive low then high, reinitializing the DM
// itself (not the hart).
func (b *Backend) DMReset() error {
	if !b.initialized {
		return nil
	}
	if err := b.transport.Write(dmreg.AddrDMControl, dmreg.DMControl{DMActive: false}.Pack()); err != nil {
		return err
	}
	return b.transport.Write(dmreg.AddrDMControl, dmreg.DMControl{DMActive: true}.Pack())
}

// NDMReset pulses dmcontrol.ndmreset, resetting everything except the
// debug module, then waits for the reset to be observed and acks it.
func (b *Backend) NDMReset(haltAfter bool) error {
	if !b.initialized {
		return nil
	}
	return b.pulseReset(func(c *dmreg.DMControl) { c.NdmReset = true }, haltAfter)
}

// HartReset pulses dmcontrol.hartreset, resetting only the selected hart.
func (b *Backend) HartReset(haltAfter bool) error {
	if !b.initialized {
		return nil
	}
	return b.pulseReset(func(c *dmreg.DMControl) { c.HartReset = true }, haltAfter)
}

func (b *Backend) pulseReset(setBit func(*dmreg.DMControl), haltAfter bool) error {
	c := dmreg.DMControl{DMActive: true}
	if haltAfter {
		c.HaltReq = true
	}
	setBit(&c)
	if err := b.transport.Write(dmreg.AddrDMControl, c.Pack()); err != nil {
		return err
	}
	if err := b.pollUntil(func() (bool, error) {
		v, err := b.transport.Read(dmreg.AddrDMStatus)
		if err != nil {
			return false, err
		}
		return dmreg.UnpackDMStatus(v).AnyHaveReset, nil
	}); err != nil {
		return err
	}

	ack := dmreg.DMControl{DMActive: true, AckHaveReset: true}
	if haltAfter {
		ack.HaltReq = true
	}
	return b.transport.Write(dmreg.AddrDMControl, ack.Pack())
}

// Verbosity writes the non-standard verbosity register.
func (b *Backend) Verbosity(n uint32) error {
	if !b.initialized {
		return nil
	}
	return b.transport.Write(dmreg.AddrVerbosity, n)
}

// --- ELF load -----------------------------------------------------------

// ElfLoad delegates to internal/elfload, records XLEN, streams the
// resulting image into target memory via MemWrite, and writes
// symbol_table.txt when the image resolved any symbols, per spec.md §6.
func (b *Backend) ElfLoad(path string) error {
	if !b.initialized {
		return nil
	}
	img, err := elfload.Load(path)
	if err != nil {
		return &Error{Kind: ErrBadArguments, Message: err.Error()}
	}
	b.xlen = img.XLEN
	if err := b.MemWrite(img.MinAddr, img.Buffer); err != nil {
		return err
	}
	if len(img.Symbols) > 0 {
		if err := elfload.WriteSymbolTable(img, "symbol_table.txt"); err != nil {
			b.log.WithError(err).Warn("could not write symbol_table.txt")
		}
	}
	return nil
}

// --- run control ----------------------------------------------------

// Continue resumes the hart, optionally first setting PC to addr.
func (b *Backend) Continue(addr *uint64) error {
	if !b.initialized {
		return nil
	}
	return b.resume(addr, false)
}

// Step resumes the hart for exactly one instruction, optionally first
// setting PC to addr, and waits for it to re-halt.
func (b *Backend) Step(addr *uint64) error {
	if !b.initialized {
		return nil
	}
	if err := b.resume(addr, true); err != nil {
		return err
	}
	return b.pollUntil(func() (bool, error) {
		v, err := b.transport.Read(dmreg.AddrDMStatus)
		if err != nil {
			return false, err
		}
		return dmreg.UnpackDMStatus(v).AllHalted, nil
	})
}

// Resume is the non-blocking run-control primitive the RSP dispatcher
// uses for both `c` and `s`: it sets PC (if addr is non-nil), sets or
// clears dcsr.step, and issues resumereq without waiting for the hart
// to halt again. The dispatcher's waiting-for-stop-reason loop (spec.md
// §4.6) observes the re-halt itself, whether it was a full run or a
// single instruction.
func (b *Backend) Resume(addr *uint64, step bool) error {
	if !b.initialized {
		return nil
	}
	return b.resume(addr, step)
}

func (b *Backend) resume(addr *uint64, step bool) error {
	if addr != nil {
		if err := b.PCWrite(*addr); err != nil {
			return err
		}
	}
	d, err := b.readDCSR()
	if err != nil {
		return err
	}
	d.Step = step
	if err := b.writeDCSR(d); err != nil {
		return err
	}
	if err := b.transport.Write(dmreg.AddrDMControl, dmreg.DMControl{ResumeReq: true, DMActive: true}.Pack()); err != nil {
		return err
	}
	b.runStartedAt = time.Now()
	return nil
}

// Stop requests a halt and waits for it to take effect.
func (b *Backend) Stop() error {
	if !b.initialized {
		return nil
	}
	if err := b.transport.Write(dmreg.AddrDMControl, dmreg.DMControl{HaltReq: true, DMActive: true}.Pack()); err != nil {
		return err
	}
	return b.pollUntil(func() (bool, error) {
		v, err := b.transport.Read(dmreg.AddrDMStatus)
		if err != nil {
			return false, err
		}
		return dmreg.UnpackDMStatus(v).AllHalted, nil
	})
}

// GetStopReason is the non-blocking poll the RSP dispatcher's
// waiting-for-stop-reason loop calls repeatedly (spec.md §4.6): it takes
// a single DMI snapshot and returns immediately rather than blocking
// until the hart halts.
func (b *Backend) GetStopReason() (StopReason, error) {
	if !b.initialized {
		return StopReason{State: StateRunning}, nil
	}
	v, err := b.transport.Read(dmreg.AddrDMStatus)
	if err != nil {
		return StopReason{}, err
	}
	if dmreg.UnpackDMStatus(v).AllHalted {
		d, err := b.readDCSR()
		if err != nil {
			return StopReason{}, err
		}
		return StopReason{State: StateHalted, Cause: d.Cause}, nil
	}
	if time.Since(b.runStartedAt) > haltCheckBudget {
		return StopReason{State: StateTimeout}, nil
	}
	return StopReason{State: StateRunning}, nil
}

// --- register access --------------------------------------------------

// accessReg implements the shared algorithm from spec.md §4.3: marshal
// to data0/data1, compose and issue an access_reg command, poll for
// completion, surface cmderr, unmarshal the result.
func (b *Backend) accessReg(regno uint16, write bool, value uint64) (uint64, error) {
	if write {
		if err := b.transport.Write(dmreg.AddrData0, uint32(value)); err != nil {
			return 0, err
		}
		if b.xlen == 64 {
			if err := b.transport.Write(dmreg.AddrData1, uint32(value>>32)); err != nil {
				return 0, err
			}
		}
	}

	cmd := dmreg.Command{
		CmdType:  dmreg.CmdTypeAccessReg,
		Size:     b.accessSize(),
		Transfer: true,
		Write:    write,
		RegNo:    regno,
	}
	if err := b.transport.Write(dmreg.AddrCommand, cmd.Pack()); err != nil {
		return 0, err
	}

	var cs dmreg.AbstractCS
	if err := b.pollUntil(func() (bool, error) {
		v, err := b.transport.Read(dmreg.AddrAbstractCS)
		if err != nil {
			return false, err
		}
		cs = dmreg.UnpackAbstractCS(v)
		return !cs.Busy, nil
	}); err != nil {
		return 0, err
	}

	if cs.CmdErr != dmreg.CmdErrNone {
		cmderr := cs.CmdErr
		if err := b.transport.Write(dmreg.AddrAbstractCS, dmreg.AbstractCSClearCmdErr()); err != nil {
			return 0, err
		}
		return 0, errDMCmd(cmderr)
	}

	if write {
		return value, nil
	}

	lo, err := b.transport.Read(dmreg.AddrData0)
	if err != nil {
		return 0, err
	}
	result := uint64(lo)
	if b.xlen == 64 {
		hi, err := b.transport.Read(dmreg.AddrData1)
		if err != nil {
			return 0, err
		}
		result |= uint64(hi) << 32
	}
	return result, nil
}

func (b *Backend) readDCSR() (dmreg.DCSR, error) {
	v, err := b.accessReg(uint16(dmreg.CSRDCSR), false, 0)
	if err != nil {
		return dmreg.DCSR{}, err
	}
	return dmreg.UnpackDCSR(uint32(v)), nil
}

func (b *Backend) writeDCSR(d dmreg.DCSR) error {
	_, err := b.accessReg(uint16(dmreg.CSRDCSR), true, uint64(d.Pack()))
	return err
}

// PCRead reads dpc.
func (b *Backend) PCRead() (uint64, error) {
	if !b.initialized {
		return 0, nil
	}
	return b.accessReg(uint16(dmreg.CSRDPC), false, 0)
}

// PCWrite writes dpc.
func (b *Backend) PCWrite(v uint64) error {
	if !b.initialized {
		return nil
	}
	_, err := b.accessReg(uint16(dmreg.CSRDPC), true, v)
	return err
}

// GPRRead/GPRWrite access general-purpose register n (0..31).
func (b *Backend) GPRRead(n int) (uint64, error) {
	if !b.initialized {
		return 0, nil
	}
	if n < 0 || n > 31 {
		return 0, errBadRegister(fmt.Sprintf("gpr %d out of range", n))
	}
	return b.accessReg(dmreg.GPRRegNo(n), false, 0)
}

func (b *Backend) GPRWrite(n int, v uint64) error {
	if !b.initialized {
		return nil
	}
	if n < 0 || n > 31 {
		return errBadRegister(fmt.Sprintf("gpr %d out of range", n))
	}
	_, err := b.accessReg(dmreg.GPRRegNo(n), true, v)
	return err
}

// FPRRead/FPRWrite access floating-point register n (0..31).
func (b *Backend) FPRRead(n int) (uint64, error) {
	if !b.initialized {
		return 0, nil
	}
	if n < 0 || n > 31 {
		return 0, errBadRegister(fmt.Sprintf("fpr %d out of range", n))
	}
	return b.accessReg(dmreg.FPRRegNo(n), false, 0)
}

func (b *Backend) FPRWrite(n int, v uint64) error {
	if !b.initialized {
		return nil
	}
	if n < 0 || n > 31 {
		return errBadRegister(fmt.Sprintf("fpr %d out of range", n))
	}
	_, err := b.accessReg(dmreg.FPRRegNo(n), true, v)
	return err
}

// CSRRead/CSRWrite access an arbitrary CSR by its regno (< 0x1000).
func (b *Backend) CSRRead(n uint16) (uint64, error) {
	if !b.initialized {
		return 0, nil
	}
	if n > dmreg.RegNoCSRMax {
		return 0, errBadRegister(fmt.Sprintf("csr 0x%x out of range", n))
	}
	return b.accessReg(n, false, 0)
}

func (b *Backend) CSRWrite(n uint16, v uint64) error {
	if !b.initialized {
		return nil
	}
	if n > dmreg.RegNoCSRMax {
		return errBadRegister(fmt.Sprintf("csr 0x%x out of range", n))
	}
	_, err := b.accessReg(n, true, v)
	return err
}

// PrivRead/PrivWrite access the privilege level, a virtual register
// encoded in dcsr.prv (spec.md §4.3).
func (b *Backend) PrivRead() (uint8, error) {
	if !b.initialized {
		return 0, nil
	}
	d, err := b.readDCSR()
	if err != nil {
		return 0, err
	}
	return d.Prv, nil
}

func (b *Backend) PrivWrite(v uint8) error {
	if !b.initialized {
		return nil
	}
	d, err := b.readDCSR()
	if err != nil {
		return err
	}
	d.Prv = v & 0x3
	return b.writeDCSR(d)
}

// --- memory access ----------------------------------------------------

// sbConfig writes sbcs with the given behavior flags, also clearing the
// sticky busyerror/sberror bits so the next poll starts from a clean
// state (spec.md §7: "DMI-level cmderr/sberror are always cleared (W1C)
// after observation").
func (b *Backend) sbConfig(readOnAddr, readOnData, autoIncrement bool) error {
	cs := dmreg.SBCS{
		SBReadOnAddr:    readOnAddr,
		SBReadOnData:    readOnData,
		SBAutoIncrement: autoIncrement,
		SBAccess:        dmreg.SBAccess32,
	}
	v := cs.Pack() | dmreg.SBCSClearError()
	return b.transport.Write(dmreg.AddrSBCS, v)
}

func (b *Backend) waitForNonBusy() error {
	return b.pollUntil(func() (bool, error) {
		v, err := b.transport.Read(dmreg.AddrSBCS)
		if err != nil {
			return false, err
		}
		return !dmreg.UnpackSBCS(v).SBBusy, nil
	})
}

func (b *Backend) sbCheckError() error {
	v, err := b.transport.Read(dmreg.AddrSBCS)
	if err != nil {
		return err
	}
	cs := dmreg.UnpackSBCS(v)
	if cs.SBBusyError || cs.SBError != dmreg.SBErrNone {
		sberr := cs.SBError
		if err := b.transport.Write(dmreg.AddrSBCS, dmreg.SBCSClearError()); err != nil {
			return err
		}
		return errSysBus(sberr)
	}
	return nil
}

func (b *Backend) sbWriteAddress(addr uint64) error {
	if b.xlen == 64 {
		if err := b.transport.Write(dmreg.AddrSBAddress1, uint32(addr>>32)); err != nil {
			return err
		}
	}
	return b.transport.Write(dmreg.AddrSBAddress0, uint32(addr))
}

// sbReadWord performs a single, non-streaming 32-bit System Bus read of
// the word at a 4-byte-aligned address.
func (b *Backend) sbReadWord(wordAddr uint64) (uint32, error) {
	if err := b.waitForNonBusy(); err != nil {
		return 0, err
	}
	if err := b.sbConfig(true, false, false); err != nil {
		return 0, err
	}
	if err := b.sbWriteAddress(wordAddr); err != nil {
		return 0, err
	}
	v, err := b.transport.Read(dmreg.AddrSBData0)
	if err != nil {
		return 0, err
	}
	if err := b.waitForNonBusy(); err != nil {
		return 0, err
	}
	if err := b.sbCheckError(); err != nil {
		return 0, err
	}
	return v, nil
}

// sbWriteWord performs a single, non-streaming 32-bit System Bus write
// of the word at a 4-byte-aligned address.
func (b *Backend) sbWriteWord(wordAddr uint64, v uint32) error {
	if err := b.waitForNonBusy(); err != nil {
		return err
	}
	if err := b.sbConfig(false, false, false); err != nil {
		return err
	}
	if err := b.sbWriteAddress(wordAddr); err != nil {
		return err
	}
	if err := b.transport.Write(dmreg.AddrSBData0, v); err != nil {
		return err
	}
	if err := b.waitForNonBusy(); err != nil {
		return err
	}
	return b.sbCheckError()
}

// MemReadSubword reads a naturally-aligned 1, 2 or 4-byte value that
// does not cross a 32-bit boundary, per spec.md §4.3.
func (b *Backend) MemReadSubword(addr uint64, length int) ([]byte, error) {
	if !b.initialized {
		return make([]byte, length), nil
	}
	if err := checkSubword(addr, length); err != nil {
		return nil, err
	}
	wordAddr := addr &^ 3
	word, err := b.sbReadWord(wordAddr)
	if err != nil {
		return nil, err
	}
	off := addr - wordAddr
	buf := wordBytes(word)
	return append([]byte(nil), buf[off:off+uint64(length)]...), nil
}

// MemWriteSubword writes a naturally-aligned 1, 2 or 4-byte value via
// read-modify-write on the enclosing word.
func (b *Backend) MemWriteSubword(addr uint64, data []byte, length int) error {
	if !b.initialized {
		return nil
	}
	if err := checkSubword(addr, length); err != nil {
		return err
	}
	return b.rmwWord(addr, data[:length])
}

// rmwWord writes the bytes in data starting at addr via read-modify-
// write on their enclosing 32-bit word. Unlike MemWriteSubword, addr
// need not be naturally aligned to len(data) — only to stay within one
// word — since MemWrite's unaligned-edge handling may need to patch an
// arbitrary 1-3 byte run at the start or end of a word (spec.md §4.3:
// "unaligned-edge read-modify-write for byte-granular memory access").
func (b *Backend) rmwWord(addr uint64, data []byte) error {
	wordAddr := addr &^ 3
	off := addr - wordAddr
	if off+uint64(len(data)) > 4 {
		return errUnaligned(fmt.Sprintf("rmw at 0x%x,%d crosses a word boundary", addr, len(data)))
	}
	old, err := b.sbReadWord(wordAddr)
	if err != nil {
		return err
	}
	buf := wordBytes(old)
	copy(buf[off:off+uint64(len(data))], data)
	return b.sbWriteWord(wordAddr, combineWord(buf[:]))
}

func checkSubword(addr uint64, length int) error {
	if length != 1 && length != 2 && length != 4 {
		return errBadArguments(fmt.Sprintf("subword length must be 1, 2 or 4, got %d", length))
	}
	if addr%uint64(length) != 0 {
		return errUnaligned(fmt.Sprintf("address 0x%x is not aligned to %d", addr, length))
	}
	if (addr &^ 3) != ((addr + uint64(length) - 1) &^ 3) {
		return errUnaligned(fmt.Sprintf("access at 0x%x,%d crosses a word boundary", addr, length))
	}
	return nil
}

// MemRead reads len bytes at addr, arbitrary alignment and length, via
// a streaming System Bus read (spec.md §4.3): a single address write
// followed by repeated sbdata0 reads, each of which auto-advances the
// target's internal address because sbreadondata is set.
func (b *Backend) MemRead(addr uint64, length int) ([]byte, error) {
	if !b.initialized {
		return make([]byte, length), nil
	}
	if length == 0 {
		return nil, nil
	}
	if err := b.waitForNonBusy(); err != nil {
		return nil, err
	}
	if err := b.sbConfig(true, true, true); err != nil {
		return nil, err
	}

	end := addr + uint64(length)
	wordAddr := addr &^ 3
	lastWordAddr := (end - 1) &^ 3
	if err := b.sbWriteAddress(wordAddr); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	for cur := wordAddr; cur <= lastWordAddr; cur += 4 {
		w, err := b.transport.Read(dmreg.AddrSBData0)
		if err != nil {
			return nil, err
		}
		buf := wordBytes(w)
		for i := uint64(0); i < 4; i++ {
			byteAddr := cur + i
			if byteAddr >= addr && byteAddr < end {
				out[byteAddr-addr] = buf[i]
			}
		}
	}

	if err := b.waitForNonBusy(); err != nil {
		return nil, err
	}
	if err := b.sbCheckError(); err != nil {
		return nil, err
	}
	return out, nil
}

// MemWrite writes data to addr, arbitrary alignment and length:
// read-modify-write on the unaligned prefix and/or suffix word, a
// streaming write for whatever full 32-bit words remain in between.
func (b *Backend) MemWrite(addr uint64, data []byte) error {
	if !b.initialized {
		return nil
	}
	n := len(data)
	if n == 0 {
		return nil
	}
	if err := b.waitForNonBusy(); err != nil {
		return err
	}

	end := addr + uint64(n)
	wordAddr := addr &^ 3
	lastWordAddr := (end - 1) &^ 3
	startOff := addr - wordAddr

	pos := 0
	cur := wordAddr

	if startOff != 0 {
		hi := uint64(4)
		if end-wordAddr < 4 {
			hi = end - wordAddr
		}
		chunkLen := int(hi - startOff)
		if err := b.rmwWord(wordAddr+startOff, data[:chunkLen]); err != nil {
			return err
		}
		pos += chunkLen
		cur = wordAddr + 4
	}

	tailStart := lastWordAddr
	tailPartial := (end % 4) != 0
	// When the whole write fit inside a single partial word, the prefix
	// RMW above already covered everything; nothing left to stream or
	// tail-write.
	if cur > lastWordAddr {
		return b.finishMemWrite()
	}
	streamEnd := lastWordAddr
	if !tailPartial {
		streamEnd = lastWordAddr + 4
	}
	if cur < streamEnd {
		if err := b.sbConfig(false, false, true); err != nil {
			return err
		}
		if err := b.sbWriteAddress(cur); err != nil {
			return err
		}
		for ; cur < streamEnd; cur += 4 {
			word := combineWord(data[pos : pos+4])
			if err := b.transport.Write(dmreg.AddrSBData0, word); err != nil {
				return err
			}
			pos += 4
		}
	}
	if tailPartial && cur == tailStart {
		remaining := data[pos:]
		if len(remaining) > 0 {
			if err := b.rmwWord(tailStart, remaining); err != nil {
				return err
			}
			pos += len(remaining)
		}
	}

	return b.finishMemWrite()
}

func (b *Backend) finishMemWrite() error {
	if err := b.waitForNonBusy(); err != nil {
		return err
	}
	return b.sbCheckError()
}

func wordBytes(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func combineWord(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

// pollUntil retries check with a microsecond sleep between attempts for
// up to pollBudgetIterations tries, per spec.md §5 ("polling loops
// inside the back end sleep in 1 µs increments with a hard
// 1,000,000-iteration (≈1s) budget").
func (b *Backend) pollUntil(check func() (bool, error)) error {
	for i := 0; i < pollBudgetIterations; i++ {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		time.Sleep(pollSleep)
	}
	return errTimeout("poll budget exceeded")
}
