// Package rsp implements the GDB Remote Serial Protocol wire codec and
// command dispatcher: spec.md §4.5/§4.6, generalized from the teacher's
// gdbRecvPacket/gdbSendPacket/gdbPacketChecksum
// (aykevl-emculator/gdb-rsp.go), which handled the same framing without
// escaping or a bounded receive window.
package rsp

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxPayload is the largest unescaped RSP payload accepted or emitted,
// per spec.md §4.5.
const MaxPayload = 16 * 1024

// windowSize is the fixed capacity of the sliding receive buffer:
// "2·16 KiB + 4 bytes" (spec.md §4.5), room for one payload still being
// escaped plus a second frame's worth of slack plus the `$`, `#` and
// two checksum digits.
const windowSize = 2*MaxPayload + 4

const (
	escByte   = '}'
	escXor    = 0x20
	frameHead = '$'
	frameTail = '#'
	interrupt = 0x03
	ackByte   = '+'
	nakByte   = '-'
)

func needsEscape(b byte) bool {
	return b == '$' || b == '#' || b == '*' || b == '}'
}

// Escape returns payload with every byte in the escape set `{$, #, *,
// }}` replaced by `}` followed by `byte XOR 0x20` (spec.md §4.5).
func Escape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		if needsEscape(b) {
			out = append(out, escByte, b^escXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. Malformed input (a trailing escape byte
// with nothing to XOR) passes the escape byte through unchanged.
func Unescape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		b := payload[i]
		if b == escByte && i+1 < len(payload) {
			i++
			out = append(out, payload[i]^escXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Checksum is the unsigned 8-bit sum of the given (already escaped)
// bytes, per spec.md §4.5.
func Checksum(escaped []byte) uint8 {
	var sum uint8
	for _, b := range escaped {
		sum += b
	}
	return sum
}

// EncodeFrame builds a complete outgoing frame `$<escaped>#<hex-cs>`
// from a logical, unescaped payload.
func EncodeFrame(payload []byte) []byte {
	esc := Escape(payload)
	cs := Checksum(esc)
	out := make([]byte, 0, len(esc)+4)
	out = append(out, frameHead)
	out = append(out, esc...)
	out = append(out, frameTail)
	out = append(out, fmt.Sprintf("%02x", cs)...)
	return out
}

// ValToHex renders v as XLEN/4 lowercase hex digits, little-endian by
// byte: the least-significant byte is rendered first (spec.md §4.5).
func ValToHex(v uint64, xlen int) string {
	nbytes := xlen / 8
	buf := make([]byte, 0, nbytes*2)
	for i := 0; i < nbytes; i++ {
		buf = append(buf, fmt.Sprintf("%02x", byte(v>>(8*i)))...)
	}
	return string(buf)
}

// HexToVal is the inverse of ValToHex. It requires exactly XLEN/4 hex
// characters.
func HexToVal(s string, xlen int) (uint64, error) {
	nbytes := xlen / 8
	if len(s) != nbytes*2 {
		return 0, fmt.Errorf("rsp: expected %d hex digits, got %d", nbytes*2, len(s))
	}
	var v uint64
	for i := 0; i < nbytes; i++ {
		var b uint8
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return 0, fmt.Errorf("rsp: invalid hex digit in %q: %w", s, err)
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// window is the sliding receive buffer described in spec.md §4.5: after
// every receive step, byte 0 (if present) is either `$` or 0x03; all
// leading bytes that are neither are logged and discarded.
type window struct {
	buf [windowSize]byte
	n   int
	log *logrus.Logger
}

func newWindow(log *logrus.Logger) *window {
	return &window{log: log}
}

// feed appends b to the buffer. It reports an error if doing so would
// overrun the fixed-size window — a malfunctioning or hostile peer
// sending more than a window's worth of data without a valid frame.
func (w *window) feed(b []byte) error {
	if w.n+len(b) > len(w.buf) {
		return fmt.Errorf("rsp: receive window overrun (%d + %d > %d)", w.n, len(b), len(w.buf))
	}
	copy(w.buf[w.n:], b)
	w.n += len(b)
	return nil
}

// nextResult is what a single window.next() scan produced.
type nextResult struct {
	interrupt   bool
	payload     []byte // non-nil on a checksum-valid complete frame
	checksumBad bool
	incomplete  bool
}

// next scans the buffer once for the next frame. It discards leading
// garbage bytes (logging them), and if a complete frame is present,
// validates its checksum and removes it from the buffer either way.
func (w *window) next() nextResult {
	w.discardGarbage()
	if w.n == 0 {
		return nextResult{incomplete: true}
	}
	if w.buf[0] == interrupt {
		w.consume(1)
		return nextResult{interrupt: true}
	}

	hashIdx := -1
	for i := 1; i < w.n; i++ {
		if w.buf[i] == frameTail {
			hashIdx = i
			break
		}
	}
	if hashIdx < 0 || w.n < hashIdx+3 {
		return nextResult{incomplete: true}
	}

	escaped := append([]byte(nil), w.buf[1:hashIdx]...)
	csText := string(w.buf[hashIdx+1 : hashIdx+3])
	w.consume(hashIdx + 3)

	var want uint8
	if _, err := fmt.Sscanf(csText, "%02x", &want); err != nil {
		return nextResult{checksumBad: true}
	}
	if Checksum(escaped) != want {
		return nextResult{checksumBad: true}
	}
	return nextResult{payload: Unescape(escaped)}
}

// discardGarbage drops leading bytes that are neither `$` nor 0x03,
// per spec.md §4.5's sliding-window invariant.
func (w *window) discardGarbage() {
	i := 0
	for i < w.n && w.buf[i] != frameHead && w.buf[i] != interrupt {
		i++
	}
	if i > 0 {
		if w.log != nil {
			w.log.WithField("bytes", i).Debug("rsp: discarding leading garbage from receive window")
		}
		w.consume(i)
	}
}

func (w *window) consume(n int) {
	copy(w.buf[:], w.buf[n:w.n])
	w.n -= n
}

// Conn is one RSP connection: the wire codec layered over a net.Conn,
// matching the teacher's bufio.ReadWriter wrapping of the raw socket
// but adding escaping, checksummed ack/nak, and the bounded sliding
// window spec.md §4.5 requires.
type Conn struct {
	nc  net.Conn
	win *window
	log *logrus.Logger
}

// NewConn wraps nc for RSP framing. log may be nil.
func NewConn(nc net.Conn, log *logrus.Logger) *Conn {
	return &Conn{nc: nc, win: newWindow(log), log: log}
}

// Send encodes payload as a frame, writes it, then reads exactly one
// ack byte, retransmitting on `-` and failing on anything else
// (spec.md §4.5).
func (c *Conn) Send(payload []byte) error {
	frame := EncodeFrame(payload)
	for {
		if _, err := c.nc.Write(frame); err != nil {
			return err
		}
		ack := make([]byte, 1)
		if _, err := c.nc.Read(ack); err != nil {
			return err
		}
		switch ack[0] {
		case ackByte:
			return nil
		case nakByte:
			continue
		default:
			return fmt.Errorf("rsp: unexpected ack byte 0x%02x", ack[0])
		}
	}
}

// Recv blocks until a complete frame or interrupt byte arrives, acking
// or naking frames as it goes. Dispatcher.Serve does not use this: per
// spec.md §5's select/poll-with-stop-channel requirement, it polls via
// TryRecv instead so a Stop() during an idle connection isn't blocked
// behind an unbounded read. Recv remains for callers with no stop
// channel to observe.
func (c *Conn) Recv() (payload []byte, interrupt bool, err error) {
	return c.recv(0)
}

// TryRecv performs the single non-blocking receive step spec.md §4.5
// describes ("the receive step performs at most one read"): used by
// the waiting-for-stop-reason loop to poll for an incoming 0x03
// without blocking the poll of the back end and the stop channel.
func (c *Conn) TryRecv(timeout time.Duration) (payload []byte, interrupt bool, ok bool, err error) {
	payload, interrupt, err = c.recv(timeout)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return nil, false, false, nil
		}
		return nil, false, false, err
	}
	return payload, interrupt, true, nil
}

func (c *Conn) recv(timeout time.Duration) ([]byte, bool, error) {
	readDone := false
	for {
		res := c.win.next()
		switch {
		case res.interrupt:
			return nil, true, nil
		case res.payload != nil:
			if err := c.ack(ackByte); err != nil {
				return nil, false, err
			}
			return res.payload, false, nil
		case res.checksumBad:
			if err := c.ack(nakByte); err != nil {
				return nil, false, err
			}
			continue
		}
		if readDone {
			// A bounded step reads at most once; report "no frame yet"
			// the same way a read that hit its deadline does.
			return nil, false, os.ErrDeadlineExceeded
		}

		if timeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(timeout))
		} else {
			c.nc.SetReadDeadline(time.Time{})
		}
		buf := make([]byte, 4096)
		n, err := c.nc.Read(buf)
		if n > 0 {
			if ferr := c.win.feed(buf[:n]); ferr != nil {
				return nil, false, ferr
			}
		}
		if err != nil {
			return nil, false, err
		}
		readDone = timeout > 0
	}
}

func (c *Conn) ack(b byte) error {
	_, err := c.nc.Write([]byte{b})
	return err
}
