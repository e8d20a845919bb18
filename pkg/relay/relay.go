package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

const (
	handshakePrefix  = "HAKU-SSH "
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 10 * time.Second
	maxHandshakeLine = 256
)

// SessionError describes why a relay session was refused.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string {
	return e.Reason
}

// Relay proxies SSH connections to VPS tasks. A client writes a single
// handshake line naming the task, the relay verifies the task is a live VPS
// and splices the connection onto the runner's recorded SSH port.
type Relay struct {
	store storage.Store
	addr  string

	// dial is swapped in tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu sync.Mutex
	ln net.Listener
}

// New builds a relay listening on addr.
func New(store storage.Store, addr string) *Relay {
	return &Relay{
		store: store,
		addr:  addr,
		dial:  net.DialTimeout,
	}
}

// Start accepts sessions until Stop. It blocks.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on relay port: %w", err)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	logger := log.WithComponent("relay")
	logger.Info().Str("addr", ln.Addr().String()).Msg("ssh relay listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("relay accept failed: %w", err)
		}
		go r.serve(conn)
	}
}

// Stop closes the listener. In-flight sessions finish on their own.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		_ = r.ln.Close()
	}
}

// Addr reports the bound address once Start has opened the listener.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Relay) serve(client net.Conn) {
	defer client.Close()

	logger := log.WithComponent("relay")

	rd := bufio.NewReaderSize(client, maxHandshakeLine)
	upstream, taskID, err := r.handshake(client, rd)
	if err != nil {
		metrics.RelaySessionsTotal.WithLabelValues("refused").Inc()
		logger.Warn().Err(err).Msg("relay session refused")
		fmt.Fprintf(client, "ERROR %s\n", err.Error())
		return
	}
	defer upstream.Close()

	metrics.RelaySessionsActive.Inc()
	defer metrics.RelaySessionsActive.Dec()
	logger.Info().Int64("task_id", taskID).
		Str("upstream", upstream.RemoteAddr().String()).
		Msg("relay session open")

	// Copy from rd, not client: the reader may hold bytes the client sent
	// right behind the handshake line.
	splice(client, rd, upstream)

	metrics.RelaySessionsTotal.WithLabelValues("closed").Inc()
	logger.Info().Int64("task_id", taskID).Msg("relay session closed")
}

// handshake reads the first line, validates the named task and dials the
// runner. On success the returned connection is ready for raw copying.
func (r *Relay) handshake(client net.Conn, rd *bufio.Reader) (net.Conn, int64, error) {
	_ = client.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, 0, &SessionError{Reason: "handshake line not received"}
	}
	_ = client.SetReadDeadline(time.Time{})

	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, handshakePrefix) {
		return nil, 0, &SessionError{Reason: "malformed handshake"}
	}

	taskID, err := strconv.ParseInt(strings.TrimSpace(line[len(handshakePrefix):]), 10, 64)
	if err != nil {
		return nil, 0, &SessionError{Reason: "invalid task id"}
	}

	task, err := r.store.GetTask(taskID)
	if err != nil {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("unknown task %d", taskID)}
	}
	if task.Type != types.TaskVPS {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("task %d is not a vps", taskID)}
	}
	if task.Status != types.StatusRunning && task.Status != types.StatusPaused {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("task %d is %s, not reachable", taskID, task.Status)}
	}
	if task.SSHPort == 0 {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("task %d has no ssh port yet", taskID)}
	}

	node, err := r.store.GetNode(task.TargetHostname)
	if err != nil {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("node %s not found", task.TargetHostname)}
	}

	host, _, err := net.SplitHostPort(node.Endpoint)
	if err != nil {
		host = node.Endpoint
	}

	upstream, err := r.dial("tcp", net.JoinHostPort(host, strconv.Itoa(task.SSHPort)), dialTimeout)
	if err != nil {
		return nil, 0, &SessionError{Reason: fmt.Sprintf("failed to reach %s:%d", host, task.SSHPort)}
	}
	return upstream, taskID, nil
}

// splice copies bytes both ways and tears both halves down together when
// either direction ends.
func splice(client net.Conn, clientRd io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientRd)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}
