package relay

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

func newTestRelay(t *testing.T) (*Relay, storage.Store, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := New(store, "127.0.0.1:0")
	go func() { _ = r.Start() }()
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool { return r.Addr() != "" },
		2*time.Second, 10*time.Millisecond)
	return r, store, r.Addr()
}

// echoListener accepts one connection and echoes everything back.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
	return ln
}

func seedVPS(t *testing.T, store storage.Store, id int64, status types.TaskStatus, sshPort int) {
	t.Helper()
	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Endpoint: "127.0.0.1:7610", Status: types.NodeOnline,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: id, Type: types.TaskVPS, Command: "ssh-ed25519 AAAA",
		TargetHostname: "n1", Status: status, SSHPort: sshPort,
	}))
}

func TestRoundTripByteFidelity(t *testing.T) {
	echo := echoListener(t)
	port := echo.Addr().(*net.TCPAddr).Port

	_, store, addr := newTestRelay(t)
	seedVPS(t, store, 7, types.StatusRunning, port)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := make([]byte, 4096)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	_, err = fmt.Fprintf(conn, "HAKU-SSH 7\n")
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestHandshakeBufferedBytesSurvive(t *testing.T) {
	echo := echoListener(t)
	port := echo.Addr().(*net.TCPAddr).Port

	_, store, addr := newTestRelay(t)
	seedVPS(t, store, 7, types.StatusRunning, port)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Handshake and payload in one write: the payload must not be lost
	// inside the relay's handshake buffer.
	_, err = conn.Write([]byte("HAKU-SSH 7\nhello after handshake"))
	require.NoError(t, err)

	got := make([]byte, len("hello after handshake"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "hello after handshake", string(got))
}

func TestPausedVPSStillReachable(t *testing.T) {
	echo := echoListener(t)
	port := echo.Addr().(*net.TCPAddr).Port

	_, store, addr := newTestRelay(t)
	seedVPS(t, store, 7, types.StatusPaused, port)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("HAKU-SSH 7\nping"))
	require.NoError(t, err)

	got := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestRefusals(t *testing.T) {
	_, store, addr := newTestRelay(t)

	require.NoError(t, store.CreateNode(&types.Node{
		Hostname: "n1", Endpoint: "127.0.0.1:7610", Status: types.NodeOnline,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 1, Type: types.TaskCommand, Command: "x",
		TargetHostname: "n1", Status: types.StatusRunning,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 2, Type: types.TaskVPS, Command: "ssh-ed25519 AAAA",
		TargetHostname: "n1", Status: types.StatusPending,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: 3, Type: types.TaskVPS, Command: "ssh-ed25519 AAAA",
		TargetHostname: "n1", Status: types.StatusRunning, SSHPort: 0,
	}))

	tests := []struct {
		name string
		line string
		want string
	}{
		{"malformed handshake", "SSH please\n", "malformed handshake"},
		{"bad task id", "HAKU-SSH abc\n", "invalid task id"},
		{"unknown task", "HAKU-SSH 99\n", "unknown task"},
		{"not a vps", "HAKU-SSH 1\n", "not a vps"},
		{"not running", "HAKU-SSH 2\n", "not reachable"},
		{"no ssh port", "HAKU-SSH 3\n", "no ssh port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()

			_, err = conn.Write([]byte(tt.line))
			require.NoError(t, err)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			reply, err := bufio.NewReader(conn).ReadString('\n')
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(reply, "ERROR "))
			assert.Contains(t, reply, tt.want)
		})
	}
}

func TestDialFailureReportsError(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	seedVPS(t, store, 7, types.StatusRunning, 1)

	r := New(store, "127.0.0.1:0")
	r.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	go func() { _ = r.Start() }()
	t.Cleanup(r.Stop)
	require.Eventually(t, func() bool { return r.Addr() != "" },
		2*time.Second, 10*time.Millisecond)
	addr := r.Addr()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("HAKU-SSH 7\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "failed to reach")
}
