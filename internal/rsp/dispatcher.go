package rsp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aykevl/riscv-gdbstub/internal/dm"
	"github.com/sirupsen/logrus"
)

// Register-number ranges used by `p`/`P`, per spec.md §4.6.
const (
	regGPRLo  = 0x00
	regGPRHi  = 0x1F
	regPC     = 0x20
	regFPRLo  = 0x21
	regFPRHi  = 0x40
	regCSRLo  = 0x41
	regCSRHi  = 0x1040
	regPriv   = 0x1041
)

// numGPR is the GPR count a `g`/`G` register dump covers, per spec.md
// §4.6: "Read all regs (GPR0..31 then PC)".
const numGPR = 32

// pollInterval is the read deadline every non-blocking receive in this
// package uses — both Serve's idle loop and stopReasonLoop — so that
// stopCh is never more than one poll away from being observed, per
// spec.md §5's 1 ms suspension-point budget.
const pollInterval = time.Millisecond

// Dispatcher parses RSP packets, drives a dm.Backend, and formats
// responses, per spec.md §4.6. It generalizes the teacher's inline
// packet switch in gdbHandle (aykevl-emculator/gdb-rsp.go) into a
// standalone type the session driver owns one of per connection.
type Dispatcher struct {
	conn    *Conn
	backend *dm.Backend
	log     *logrus.Logger

	waitingForStopReason bool
}

// NewDispatcher returns a Dispatcher for one RSP connection.
func NewDispatcher(conn *Conn, backend *dm.Backend, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{conn: conn, backend: backend, log: log}
}

// Serve runs the dispatch loop until the peer detaches, the connection
// closes, or stopCh is signaled. It returns nil on a clean detach or
// stop, and a non-nil error only on a transport failure.
//
// Per spec.md §5 ("every blocking primitive is externalized through
// select/poll with a 1 ms timeout and the stop channel as an auxiliary
// readable fd"), the idle-between-commands receive uses the same
// TryRecv-against-stopCh polling cycle as stopReasonLoop below, rather
// than Conn.Recv's unbounded blocking read — otherwise a Stop() call
// while the dispatcher is idle (no `c`/`s` pending) would never be
// observed until the peer sent more data or disconnected.
func (d *Dispatcher) Serve(stopCh <-chan struct{}) error {
	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		packet, isInterrupt, ok, err := d.conn.TryRecv(pollInterval)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if isInterrupt {
			if err := d.handleInterrupt(); err != nil {
				return err
			}
			d.waitingForStopReason = true
			done, err := d.stopReasonLoop(stopCh)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		if len(packet) == 0 {
			continue
		}

		detach, err := d.handle(packet)
		if err != nil {
			return err
		}
		if detach {
			return nil
		}

		if d.waitingForStopReason {
			done, err := d.stopReasonLoop(stopCh)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handle dispatches one packet and returns (detach, err). It writes
// exactly one response via d.conn.Send, except for commands that enter
// waiting-for-stop-reason, whose response is deferred to the loop.
func (d *Dispatcher) handle(packet []byte) (detach bool, err error) {
	cmd := string(packet)
	xlen := d.backend.XLEN()

	switch {
	case cmd == "?":
		return false, d.queryStopReason()

	case strings.HasPrefix(cmd, "c"):
		addr, hasAddr, perr := parseOptionalAddr(cmd[1:])
		if perr != nil {
			return false, d.sendErr(perr)
		}
		if err := d.backend.Resume(addrPtr(addr, hasAddr), false); err != nil {
			return false, d.sendErr(err)
		}
		d.waitingForStopReason = true
		return false, nil

	case strings.HasPrefix(cmd, "s"):
		addr, hasAddr, perr := parseOptionalAddr(cmd[1:])
		if perr != nil {
			return false, d.sendErr(perr)
		}
		if err := d.backend.Resume(addrPtr(addr, hasAddr), true); err != nil {
			return false, d.sendErr(err)
		}
		d.waitingForStopReason = true
		return false, nil

	case cmd == "D":
		if err := d.conn.Send([]byte("OK")); err != nil {
			return true, err
		}
		if err := d.backend.Final(); err != nil {
			d.log.WithError(err).Warn("rsp: error finalizing backend on detach")
		}
		return true, nil

	case cmd == "g":
		return false, d.readAllRegs(xlen)

	case strings.HasPrefix(cmd, "G"):
		return false, d.writeAllRegs(cmd[1:], xlen)

	case strings.HasPrefix(cmd, "m"):
		return false, d.readMem(cmd[1:])

	case strings.HasPrefix(cmd, "M"):
		return false, d.writeMemHex(cmd[1:])

	case strings.HasPrefix(cmd, "X"):
		return false, d.writeMemBin(cmd[1:])

	case strings.HasPrefix(cmd, "p"):
		return false, d.readReg(cmd[1:], xlen)

	case strings.HasPrefix(cmd, "P"):
		return false, d.writeReg(cmd[1:], xlen)

	case strings.HasPrefix(cmd, "qSupported"):
		return false, d.conn.Send([]byte(fmt.Sprintf("PacketSize=%x", MaxPayload)))

	case cmd == "qAttached":
		return false, d.conn.Send([]byte("1"))

	case strings.HasPrefix(cmd, "qRcmd,"):
		return false, d.monitor(cmd[len("qRcmd,"):])

	default:
		return false, d.conn.Send(nil)
	}
}

func (d *Dispatcher) queryStopReason() error {
	reason, err := d.backend.GetStopReason()
	if err != nil {
		return d.sendErr(err)
	}
	if reason.State == dm.StateHalted {
		return d.conn.Send([]byte(fmt.Sprintf("T%02x", stopSignal(reason))))
	}
	d.waitingForStopReason = true
	return nil
}

// handleInterrupt issues stop for a 0x03 received outside of
// stopReasonLoop. Per spec.md §4.6's command table, 0x03 unconditionally
// means "issue stop, enter waiting-for-stop-reason" — the caller sets
// waitingForStopReason and runs stopReasonLoop, which sends the eventual
// Txx reply, the same path `c`/`s` use.
func (d *Dispatcher) handleInterrupt() error {
	return d.backend.Stop()
}

// stopReasonLoop implements spec.md §4.6's waiting-for-stop-reason
// interleaving: a short sleep, a GetStopReason poll, and a non-blocking
// poll of both the GDB socket and the stop channel, repeated until the
// hart halts, times out, or the session is asked to stop.
func (d *Dispatcher) stopReasonLoop(stopCh <-chan struct{}) (done bool, err error) {
	for d.waitingForStopReason {
		select {
		case <-stopCh:
			d.backend.Stop()
			return true, nil
		default:
		}

		reason, err := d.backend.GetStopReason()
		if err != nil {
			return false, d.sendErr(err)
		}
		switch reason.State {
		case dm.StateHalted:
			d.waitingForStopReason = false
			return false, d.conn.Send([]byte(fmt.Sprintf("T%02x", stopSignal(reason))))
		case dm.StateTimeout:
			d.waitingForStopReason = false
			d.backend.Stop()
			return false, d.conn.Send([]byte("E01"))
		}

		packet, isInterrupt, ok, err := d.conn.TryRecv(pollInterval)
		if err != nil {
			return false, err
		}
		if ok && isInterrupt {
			if err := d.backend.Stop(); err != nil {
				return false, err
			}
			continue
		}
		if ok && len(packet) > 0 {
			d.log.WithField("packet", string(packet)).Warn("rsp: unexpected packet during run")
		}
	}
	return false, nil
}

// sendErr surfaces err as the nearest meaningful RSP response, per
// spec.md §7. Every recognized dm.Error kind except TransportClosed
// becomes an Exx reply and the session continues; TransportClosed, and
// any error that isn't a *dm.Error at all (an unexpected transport
// failure the back end didn't classify), is returned as-is so Serve
// terminates the session instead of pretending the command failed
// gracefully.
func (d *Dispatcher) sendErr(err error) error {
	if derr, ok := err.(*dm.Error); ok && derr.Kind != dm.ErrTransportClosed {
		return d.conn.Send([]byte(fmt.Sprintf("E%02x", int(derr.Kind)&0xff)))
	}
	return err
}

func (d *Dispatcher) readAllRegs(xlen int) error {
	var sb strings.Builder
	for i := 0; i < numGPR; i++ {
		v, err := d.backend.GPRRead(i)
		if err != nil {
			return d.sendErr(err)
		}
		sb.WriteString(ValToHex(v, xlen))
	}
	pc, err := d.backend.PCRead()
	if err != nil {
		return d.sendErr(err)
	}
	sb.WriteString(ValToHex(pc, xlen))
	return d.conn.Send([]byte(sb.String()))
}

func (d *Dispatcher) writeAllRegs(payload string, xlen int) error {
	digits := xlen / 4
	if len(payload) != digits*(numGPR+1) {
		return d.sendErr(dm.NewBadArguments("G payload has wrong length"))
	}
	for i := 0; i < numGPR; i++ {
		v, err := HexToVal(payload[i*digits:(i+1)*digits], xlen)
		if err != nil {
			return d.sendErr(dm.NewBadArguments(err.Error()))
		}
		if err := d.backend.GPRWrite(i, v); err != nil {
			return d.sendErr(err)
		}
	}
	pc, err := HexToVal(payload[numGPR*digits:], xlen)
	if err != nil {
		return d.sendErr(dm.NewBadArguments(err.Error()))
	}
	if err := d.backend.PCWrite(pc); err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte("OK"))
}

func (d *Dispatcher) readMem(payload string) error {
	var addr, length uint64
	if _, err := fmt.Sscanf(payload, "%x,%x", &addr, &length); err != nil {
		return d.sendErr(dm.NewBadArguments("malformed m command"))
	}
	data, err := d.backend.MemRead(addr, int(length))
	if err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte(hex.EncodeToString(data)))
}

func (d *Dispatcher) writeMemHex(payload string) error {
	header, hexData, ok := strings.Cut(payload, ":")
	if !ok {
		return d.sendErr(dm.NewBadArguments("malformed M command"))
	}
	var addr, length uint64
	if _, err := fmt.Sscanf(header, "%x,%x", &addr, &length); err != nil {
		return d.sendErr(dm.NewBadArguments("malformed M command"))
	}
	data, err := hex.DecodeString(hexData)
	if err != nil || uint64(len(data)) != length {
		return d.sendErr(dm.NewBadArguments("malformed M payload"))
	}
	if err := d.backend.MemWrite(addr, data); err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte("OK"))
}

func (d *Dispatcher) writeMemBin(payload string) error {
	header, bin, ok := strings.Cut(payload, ":")
	if !ok {
		return d.sendErr(dm.NewBadArguments("malformed X command"))
	}
	var addr, length uint64
	if _, err := fmt.Sscanf(header, "%x,%x", &addr, &length); err != nil {
		return d.sendErr(dm.NewBadArguments("malformed X command"))
	}
	data := []byte(bin)
	if uint64(len(data)) != length {
		return d.sendErr(dm.NewBadArguments("X payload length mismatch"))
	}
	if err := d.backend.MemWrite(addr, data); err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte("OK"))
}

func (d *Dispatcher) readReg(payload string, xlen int) error {
	n, err := strconv.ParseUint(payload, 16, 32)
	if err != nil {
		return d.sendErr(dm.NewBadArguments("malformed p command"))
	}
	v, err := d.readRegByNumber(int(n))
	if err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte(ValToHex(v, xlen)))
}

func (d *Dispatcher) writeReg(payload string, xlen int) error {
	nStr, vStr, ok := strings.Cut(payload, "=")
	if !ok {
		return d.sendErr(dm.NewBadArguments("malformed P command"))
	}
	n, err := strconv.ParseUint(nStr, 16, 32)
	if err != nil {
		return d.sendErr(dm.NewBadArguments("malformed P register number"))
	}
	v, err := HexToVal(vStr, xlen)
	if err != nil {
		return d.sendErr(dm.NewBadArguments(err.Error()))
	}
	if err := d.writeRegByNumber(int(n), v); err != nil {
		return d.sendErr(err)
	}
	return d.conn.Send([]byte("OK"))
}

func (d *Dispatcher) readRegByNumber(n int) (uint64, error) {
	switch {
	case n >= regGPRLo && n <= regGPRHi:
		return d.backend.GPRRead(n - regGPRLo)
	case n == regPC:
		return d.backend.PCRead()
	case n >= regFPRLo && n <= regFPRHi:
		return d.backend.FPRRead(n - regFPRLo)
	case n >= regCSRLo && n <= regCSRHi:
		return d.backend.CSRRead(uint16(n - regCSRLo))
	case n == regPriv:
		v, err := d.backend.PrivRead()
		return uint64(v), err
	default:
		return 0, dm.NewBadRegister(fmt.Sprintf("register number 0x%x out of range", n))
	}
}

func (d *Dispatcher) writeRegByNumber(n int, v uint64) error {
	switch {
	case n >= regGPRLo && n <= regGPRHi:
		return d.backend.GPRWrite(n-regGPRLo, v)
	case n == regPC:
		return d.backend.PCWrite(v)
	case n >= regFPRLo && n <= regFPRHi:
		return d.backend.FPRWrite(n-regFPRLo, v)
	case n >= regCSRLo && n <= regCSRHi:
		return d.backend.CSRWrite(uint16(n-regCSRLo), v)
	case n == regPriv:
		return d.backend.PrivWrite(uint8(v))
	default:
		return dm.NewBadRegister(fmt.Sprintf("register number 0x%x out of range", n))
	}
}

const monitorHelp = `monitor commands:
  help                show this text
  verbosity <n>       set DM verbosity register
  xlen <32|64>        set the target word width
  reset_dm            reset the debug module
  reset_ndm           reset everything but the debug module
  reset_hart          reset the selected hart
  elf_load <path>     load an ELF image into target memory
`

// monitor decodes and runs a `qRcmd,<hex>` monitor command, per
// spec.md §4.6. Console output (currently only `help`) is sent as a
// hex-encoded text packet, matching how GDB renders `monitor` output;
// everything else replies `OK`/`Exx` like any other command.
func (d *Dispatcher) monitor(hexCmd string) error {
	raw, err := hex.DecodeString(hexCmd)
	if err != nil {
		return d.sendErr(dm.NewBadArguments("malformed qRcmd payload"))
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return d.conn.Send([]byte("OK"))
	}

	switch fields[0] {
	case "help":
		return d.conn.Send([]byte(hex.EncodeToString([]byte(monitorHelp))))

	case "verbosity":
		if len(fields) != 2 {
			return d.sendErr(dm.NewBadArguments("usage: monitor verbosity <n>"))
		}
		n, err := strconv.ParseUint(fields[1], 0, 32)
		if err != nil {
			return d.sendErr(dm.NewBadArguments("bad verbosity value"))
		}
		if err := d.backend.Verbosity(uint32(n)); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	case "xlen":
		if len(fields) != 2 {
			return d.sendErr(dm.NewBadArguments("usage: monitor xlen <32|64>"))
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return d.sendErr(dm.NewBadArguments("bad xlen value"))
		}
		if err := d.backend.SetXLEN(n); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	case "reset_dm":
		if err := d.backend.DMReset(); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	case "reset_ndm":
		if err := d.backend.NDMReset(true); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	case "reset_hart":
		if err := d.backend.HartReset(true); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	case "elf_load":
		if len(fields) != 2 {
			return d.sendErr(dm.NewBadArguments("usage: monitor elf_load <path>"))
		}
		if err := d.backend.ElfLoad(fields[1]); err != nil {
			return d.sendErr(err)
		}
		return d.conn.Send([]byte("OK"))

	default:
		return d.sendErr(dm.NewBadArguments(fmt.Sprintf("unknown monitor command %q", fields[0])))
	}
}

func parseOptionalAddr(s string) (addr uint64, has bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	if _, err := fmt.Sscanf(s, "%x", &addr); err != nil {
		return 0, false, fmt.Errorf("malformed address %q", s)
	}
	return addr, true, nil
}

func addrPtr(addr uint64, has bool) *uint64 {
	if !has {
		return nil
	}
	return &addr
}

// stopSignal is the `xx` in a `Txx` stop reply: spec.md §4.6 and its
// scenario 6 (`$T03#<cs>` for a haltreq) use the raw dcsr.cause code
// directly rather than translating it into a POSIX signal number.
func stopSignal(reason dm.StopReason) int {
	return int(reason.Cause)
}
