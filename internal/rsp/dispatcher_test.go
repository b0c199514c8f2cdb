package rsp

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aykevl/riscv-gdbstub/internal/dm"
	"github.com/aykevl/riscv-gdbstub/internal/dmi"
	"github.com/stretchr/testify/require"
)

// testSession wires a Dispatcher to one end of an in-memory net.Pipe
// and a dm.Backend to a fresh dmi.Simulator, and hands the test the
// other end of the pipe plus a stop channel.
type testSession struct {
	client   net.Conn
	sim      *dmi.Simulator
	stopCh   chan struct{}
	done     chan error
	stopOnce sync.Once
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	client, server := net.Pipe()
	sim := dmi.NewSimulator()
	backend := dm.NewBackend(sim)
	require.NoError(t, backend.Init(nil))

	conn := NewConn(server, nil)
	disp := NewDispatcher(conn, backend, nil)
	stopCh := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- disp.Serve(stopCh) }()

	s := &testSession{client: client, sim: sim, stopCh: stopCh, done: done}
	t.Cleanup(func() {
		s.stop()
		client.Close()
	})

	return s
}

// stop closes stopCh exactly once, so tests that want to exercise a
// Stop()-while-idle shutdown themselves don't double-close against
// newTestSession's own cleanup.
func (s *testSession) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// send writes a request frame, requires the server's `+` ack, and
// returns its response frame's payload.
func (s *testSession) send(t *testing.T, payload []byte) []byte {
	t.Helper()
	_, err := s.client.Write(EncodeFrame(payload))
	require.NoError(t, err)

	ack := make([]byte, 1)
	_, err = s.client.Read(ack)
	require.NoError(t, err)
	require.Equal(t, byte('+'), ack[0])

	return s.readFrame(t)
}

func (s *testSession) readFrame(t *testing.T) []byte {
	t.Helper()
	w := newWindow(nil)
	for {
		res := w.next()
		if res.payload != nil {
			_, err := s.client.Write([]byte{'+'})
			require.NoError(t, err)
			return res.payload
		}
		if res.checksumBad {
			_, err := s.client.Write([]byte{'-'})
			require.NoError(t, err)
			continue
		}
		buf := make([]byte, 4096)
		s.client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := s.client.Read(buf)
		require.NoError(t, err)
		require.NoError(t, w.feed(buf[:n]))
	}
}

func TestQSupportedHandshake(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("qSupported:multiprocess+"))
	require.Equal(t, "PacketSize=4000", string(resp))
}

func TestQAttached(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("qAttached"))
	require.Equal(t, "1", string(resp))
}

func TestReadAllRegisters(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("g"))
	require.Equal(t, strings.Repeat("0", (32+1)*16), string(resp))
}

func TestWriteAndReadPC(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("P20=0000008000000000"))
	require.Equal(t, "OK", string(resp))

	resp = s.send(t, []byte("p20"))
	require.Equal(t, "0000008000000000", string(resp))
}

func TestWriteAndReadGPR(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("P0a=efcdab9078563412"))
	require.Equal(t, "OK", string(resp))
	resp = s.send(t, []byte("p0a"))
	require.Equal(t, "efcdab9078563412", string(resp))
}

func TestReadMemory(t *testing.T) {
	s := newTestSession(t)
	s.sim.LoadMemory(0x80000000, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	resp := s.send(t, []byte("m80000000,4"))
	require.Equal(t, "deadbeef", string(resp))
}

func TestUnalignedBinaryWrite(t *testing.T) {
	s := newTestSession(t)
	s.sim.LoadMemory(0x80000000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	resp := s.send(t, []byte("X80000001,3:\x01\x02\x03"))
	require.Equal(t, "OK", string(resp))
	require.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x00, 0x00, 0x00, 0x00}, s.sim.PeekMemory(0x80000000, 8))
}

func TestHexMemoryWrite(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("M80000000,4:deadbeef"))
	require.Equal(t, "OK", string(resp))
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, s.sim.PeekMemory(0x80000000, 4))
}

func TestMonitorHelp(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("qRcmd,68656c70"))
	require.Contains(t, string(resp), "6d6f6e69746f7220636f6d6d616e6473") // hex-encoded "monitor commands"
}

func TestInterruptDuringRun(t *testing.T) {
	s := newTestSession(t)

	_, err := s.client.Write(EncodeFrame([]byte("c")))
	require.NoError(t, err)
	ack := make([]byte, 1)
	_, err = s.client.Read(ack)
	require.NoError(t, err)
	require.Equal(t, byte('+'), ack[0])
	require.False(t, s.sim.Halted())

	_, err = s.client.Write([]byte{0x03})
	require.NoError(t, err)

	resp := s.readFrame(t)
	require.Equal(t, "T03", string(resp))
	require.True(t, s.sim.Halted())
}

// TestStopWhileIdleConnectionUnblocksServe guards against the idle-time
// deadlock this regresses to if Serve ever goes back to blocking on
// Conn.Recv: with no command pending and the peer silent, closing
// stopCh must still make Serve return promptly.
func TestStopWhileIdleConnectionUnblocksServe(t *testing.T) {
	s := newTestSession(t)
	s.stop()

	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop while idle")
	}
}

// TestInterruptWhileIdle covers 0x03 received with no `c`/`s` pending:
// per spec.md §4.6 it still drives a Txx reply through
// waiting-for-stop-reason, not a silent no-op.
func TestInterruptWhileIdle(t *testing.T) {
	s := newTestSession(t)
	require.True(t, s.sim.Halted())

	_, err := s.client.Write([]byte{0x03})
	require.NoError(t, err)

	resp := s.readFrame(t)
	require.Equal(t, "T00", string(resp))
}

func TestDetach(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("D"))
	require.Equal(t, "OK", string(resp))
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after detach")
	}
}

func TestUnknownCommandGetsEmptyResponse(t *testing.T) {
	s := newTestSession(t)
	resp := s.send(t, []byte("vMustReplyEmpty"))
	require.Empty(t, resp)
}
