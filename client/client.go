// Package client talks to v4v-hostd over its unix-socket hypercall
// transport. It handles connection management with retry logic and wraps
// the packed request framing behind typed helpers.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/wire"
)

// clientInner holds the shared connection state that should not be copied
// between Client instances.
type clientInner struct {
	conn      net.Conn
	connMutex sync.Mutex
	path      string
	timeout   time.Duration
}

// Client is a connection to the host daemon. All calls are synchronous
// request/reply exchanges; the client serializes them on one connection.
type Client struct {
	inner *clientInner
	log   *zap.SugaredLogger
}

// ClientOption defines functional options for configuring Client instances.
type ClientOption func(*Client) error

// WithTimeout configures the default timeout for socket operations.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got: %v", timeout)
		}
		c.inner.timeout = timeout
		return nil
	}
}

// WithLog sets the client logger.
func WithLog(log *zap.SugaredLogger) ClientOption {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

// NewClient creates a client for the daemon socket at path.
func NewClient(path string, opts ...ClientOption) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("empty socket path")
	}

	c := &Client{
		inner: &clientInner{
			path:    path,
			timeout: 5 * time.Second,
		},
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return c, nil
}

// Connect dials the daemon socket, retrying with exponential backoff until
// it succeeds or the context is canceled.
func (c *Client) Connect(ctx context.Context) error {
	c.inner.connMutex.Lock()
	defer c.inner.connMutex.Unlock()

	if c.inner.conn != nil {
		return nil
	}

	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
	})
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("connecting to %s: %w (last error: %v)", c.inner.path, ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
			conn, err := net.DialTimeout("unix", c.inner.path, c.inner.timeout)
			if err != nil {
				lastErr = err
				c.log.Debugw("dial failed, retrying", zap.Error(err))
				continue
			}
			c.inner.conn = conn
			c.log.Debugw("connected", zap.String("path", c.inner.path))
			return nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.inner.connMutex.Lock()
	defer c.inner.connMutex.Unlock()

	if c.inner.conn == nil {
		return nil
	}
	err := c.inner.conn.Close()
	c.inner.conn = nil
	return err
}

// Call performs one framed request/reply exchange as the given domain and
// returns the raw rc and reply payload. A negative rc is not treated as a
// transport error.
func (c *Client) Call(domain wire.DomainID, op uint16, payload []byte) (int64, []byte, error) {
	c.inner.connMutex.Lock()
	defer c.inner.connMutex.Unlock()

	conn := c.inner.conn
	if conn == nil {
		return 0, nil, fmt.Errorf("not connected")
	}
	if err := conn.SetDeadline(time.Now().Add(c.inner.timeout)); err != nil {
		return 0, nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	req := make([]byte, wire.CallHeaderSize+len(payload))
	wire.PutCallHeader(req, wire.CallHeader{
		Magic:  wire.CallMagic,
		Op:     op,
		Domain: domain,
		Len:    uint32(len(payload)),
	})
	copy(req[wire.CallHeaderSize:], payload)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, fmt.Errorf("failed to write request: %w", err)
	}

	var rb [wire.ReplyHeaderSize]byte
	if _, err := io.ReadFull(conn, rb[:]); err != nil {
		return 0, nil, fmt.Errorf("failed to read reply header: %w", err)
	}
	hdr := wire.GetReplyHeader(rb[:])
	reply := make([]byte, hdr.Len)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, nil, fmt.Errorf("failed to read reply payload: %w", err)
	}
	return hdr.RC, reply, nil
}

// Hypercall issues one hypercall as the given domain.
func (c *Client) Hypercall(domain wire.DomainID, op uint16, a1, a2, a3, a4 uint64) (int64, error) {
	var args [wire.HypercallArgsSize]byte
	wire.PutHypercallArgs(args[:], a1, a2, a3, a4)
	rc, _, err := c.Call(domain, op, args[:])
	if err != nil {
		return 0, err
	}
	return rc, nil
}
