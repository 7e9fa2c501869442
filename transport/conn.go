package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const readBufferSize = 1024 << 6

var ErrClosed = errors.New("Connection is closed")

// ConnectionError is returned by every Conn operation that fails because the
// underlying socket failed or was closed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conn is a line/byte duplex over an already connected stream socket. It has
// no knowledge of the protocol spoken over it.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		r:      bufio.NewReaderSize(conn, readBufferSize),
		closed: make(chan struct{}),
	}
}

// Dial opens a TCP connection to addr, giving up after timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewConn(conn), nil
}

// Write writes all of data to the socket.
func (c *Conn) Write(data []byte) error {
	if !c.isRunning() {
		return &ConnectionError{Op: "write", Err: ErrClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}

	return nil
}

// ReadLine returns the next line including its terminating '\n'. When the
// stream ends it returns an empty string and a ConnectionError.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			err = io.ErrUnexpectedEOF
		}

		return "", &ConnectionError{Op: "read", Err: c.readErr(err)}
	}

	return line, nil
}

// Read returns exactly n bytes.
func (c *Conn) Read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, &ConnectionError{Op: "read", Err: c.readErr(err)}
	}

	return b, nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

// readErr reports ErrClosed for reads interrupted by our own Close, rather
// than the platform specific "use of closed network connection".
func (c *Conn) readErr(err error) error {
	if !c.isRunning() {
		return ErrClosed
	}

	return err
}

// isRunning returns true if Close has not been called
func (c *Conn) isRunning() bool {
	select {
	case <-c.closed:
		return false

	default:
		return true
	}
}
