package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultTCPPort is the telnet-style port serial-over-WiFi bridges listen on.
const DefaultTCPPort = 23

// TCPTransport speaks the same line protocol through a serial bridge on the
// device network instead of a local adapter.
type TCPTransport struct {
	host string
	port int

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTCPTransport(host string, port int) *TCPTransport {
	if port <= 0 {
		port = DefaultTCPPort
	}

	return &TCPTransport{host: host, port: port}
}

// Name identifies the session endpoint, here the bridge host and port.
func (t *TCPTransport) Name() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

func (t *TCPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("tcp", t.targetLocked())

	if t.conn != nil {
		logger.Debug("open skipped: already connected")
		return nil
	}
	if t.host == "" {
		return errors.New("tcp host is empty")
	}

	dialer := net.Dialer{Timeout: 6 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.targetLocked())
	if err != nil {
		logger.Warn("open failed", "error", err)
		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil

	return err
}

func (t *TCPTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, readChunkSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read tcp chunk: %w", err)
	}

	return buf[:n], nil
}

func (t *TCPTransport) Write(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, conn, payload); err != nil {
		return fmt.Errorf("write tcp payload: %w", err)
	}
	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not open")
	}

	return t.conn, nil
}

func (t *TCPTransport) targetLocked() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}
