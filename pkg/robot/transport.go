package robot

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Transport is the line-level connection to a robot controller. The
// session never sees the socket; simulators satisfy the same interface.
type Transport interface {
	// Connect (re)establishes the connection. Called for the initial
	// connect and after every fault.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call when not connected.
	Close() error

	// WriteLine sends one command line. The context deadline bounds the
	// write.
	WriteLine(ctx context.Context, line string) error

	// ReadLine reads one response line, without the trailing newline.
	// The context deadline bounds the read; its expiry is a
	// connection-loss signal.
	ReadLine(ctx context.Context) (string, error)
}

// tcpTransport speaks the line protocol over a TCP socket.
type tcpTransport struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPTransport returns a Transport connecting to addr ("host:port").
func NewTCPTransport(addr string) Transport {
	return &tcpTransport{addr: addr}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("robot: dial %s: %w", t.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}

func (t *tcpTransport) WriteLine(ctx context.Context, line string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	conn.SetWriteDeadline(deadlineOf(ctx))
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

func (t *tcpTransport) ReadLine(ctx context.Context) (string, error) {
	t.mu.Lock()
	conn, reader := t.conn, t.reader
	t.mu.Unlock()
	if conn == nil {
		return "", net.ErrClosed
	}
	conn.SetReadDeadline(deadlineOf(ctx))
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
