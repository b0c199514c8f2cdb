package session

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoDispatch(conn net.Conn, stopCh <-chan struct{}) error {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if _, werr := conn.Write([]byte(line)); werr != nil {
				return werr
			}
		}
		if err != nil {
			return nil
		}
		select {
		case <-stopCh:
			return nil
		default:
		}
	}
}

func TestStartTCPAcceptsAndEchoes(t *testing.T) {
	s := NewServer(nil, echoDispatch)
	port, err := s.StartTCP(0)
	require.NoError(t, err)
	require.NotZero(t, port)
	defer func() {
		require.NoError(t, s.Stop())
		require.NoError(t, s.Join())
	}()

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf[:n]))
}

func TestStopUnblocksPendingAccept(t *testing.T) {
	s := NewServer(nil, echoDispatch)
	_, err := s.StartTCP(0)
	require.NoError(t, err)

	require.NoError(t, s.Stop())

	done := make(chan error, 1)
	go func() { done <- s.Join() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after Stop")
	}
}

func TestSecondConnectionServedAfterFirstCloses(t *testing.T) {
	s := NewServer(nil, echoDispatch)
	port, err := s.StartTCP(0)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s.Stop())
		require.NoError(t, s.Join())
	}()

	addr := "127.0.0.1:" + strconv.Itoa(port)

	for i := 0; i < 2; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		require.NoError(t, err)

		_, err = conn.Write([]byte("ping\n"))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "ping\n", string(buf[:n]))

		conn.Close()
		time.Sleep(50 * time.Millisecond)
	}
}

