package tcpclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrTimeout          = errors.New("operation timed out")
)

// Client is a pooled TCP client for the inference runtime's framed protocol:
// requests are raw frames, responses are prefixed with a 4-byte big-endian
// length.
type Client struct {
	address     string
	timeout     time.Duration
	maxRetries  int
	connections chan net.Conn
	log         *zap.Logger
}

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func New(address string, timeout time.Duration, poolSize int, opts ...Option) (*Client, error) {
	c := &Client{
		address:     address,
		timeout:     timeout,
		maxRetries:  3,
		connections: make(chan net.Conn, poolSize),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := 0; i < poolSize; i++ {
		conn, err := c.dial()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize connection pool: %w", err)
		}
		c.connections <- conn
	}
	return c, nil
}

func (c *Client) dial() (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	return dialer.Dial("tcp", c.address)
}

func (c *Client) getConnection() (net.Conn, error) {
	select {
	case conn, ok := <-c.connections:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return conn, nil
	case <-time.After(c.timeout):
		return nil, ErrTimeout
	}
}

func (c *Client) releaseConnection(conn net.Conn) {
	c.connections <- conn
}

// Send writes one request frame, retrying on transient failures.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	var err error
	for i := 0; i < c.maxRetries; i++ {
		if err = c.send(ctx, frame); err == nil {
			return nil
		}
		c.log.Warn("failed to send frame, retrying",
			zap.Error(err), zap.Int("attempt", i+1))
	}
	return fmt.Errorf("failed to send frame after %d attempts: %w", c.maxRetries, err)
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	conn, err := c.getConnection()
	if err != nil {
		return err
	}
	defer c.releaseConnection(conn)

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}

	w := bufio.NewWriter(conn)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return w.Flush()
}

// ReceiveFrame reads one length-prefixed response frame.
func (c *Client) ReceiveFrame(ctx context.Context) ([]byte, error) {
	conn, err := c.getConnection()
	if err != nil {
		return nil, err
	}
	defer c.releaseConnection(conn)

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	} else if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame size: %w", err)
	}

	size := binary.BigEndian.Uint32(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

func (c *Client) Close() error {
	close(c.connections)
	var firstErr error
	for conn := range c.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
