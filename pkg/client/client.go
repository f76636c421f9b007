// Package client connects to a device transfer server.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
	"galleryindex/pkg/protocol"
)

// ErrClosed is returned by requests on a connection that is no longer Ready.
var ErrClosed = errors.New("client: connection closed")

type State int

const (
	StateConnecting State = iota
	StateAwaitingHandshake
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	// HandshakeTimeout bounds the TCP connect plus the Hello exchange.
	HandshakeTimeout time.Duration
	Dialer           *net.Dialer
}

const defaultHandshakeTimeout = 5 * time.Second

type Client struct {
	addr string
	opts Options

	// mu serialises request/response pairs
	mu   sync.Mutex
	conn net.Conn

	stateMu sync.Mutex
	state   State
	subs    []chan State
}

// New returns an unconnected client. Call Subscribe before Connect to see
// every transition.
func New(addr string, opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	return &Client{addr: addr, opts: opts, state: StateConnecting}
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	c := New(addr, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the server and exchanges Hello packets. On any failure the
// client ends up Closed; there is no retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateConnecting {
		return ErrClosed
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, err := c.opts.Dialer.DialContext(hctx, "tcp", c.addr)
	if err != nil {
		c.setState(StateClosed)
		return c.handshakeErr(ctx, hctx, err)
	}
	c.conn = conn

	stop := context.AfterFunc(hctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.Encode(conn, protocol.Hello{Version: protocol.Version}); err != nil {
		c.closeLocked()
		return c.handshakeErr(ctx, hctx, err)
	}
	c.setState(StateAwaitingHandshake)

	reply, err := protocol.Decode(conn)
	if err != nil {
		c.closeLocked()
		return c.handshakeErr(ctx, hctx, err)
	}
	hello, ok := reply.(protocol.Hello)
	if !ok {
		c.closeLocked()
		return errors.Wrapf(common.ErrProtocolViolation, "handshake answered with %v", reply)
	}
	if hello.Version != protocol.Version {
		c.closeLocked()
		return errors.Wrapf(common.ErrProtocolViolation, "server speaks v%d, want v%d", hello.Version, protocol.Version)
	}

	if !stop() {
		// the deadline fired as the reply arrived
		c.closeLocked()
		return c.handshakeErr(ctx, hctx, context.DeadlineExceeded)
	}
	c.setState(StateReady)
	return nil
}

func (c *Client) handshakeErr(ctx, hctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if hctx.Err() != nil {
		return errors.Wrapf(common.ErrHandshakeTimeout, "%s after %s", c.addr, c.opts.HandshakeTimeout)
	}
	return errors.Wrapf(err, "transfer %s", c.addr)
}

// Ping sends PING and waits for PONG.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, protocol.Ping{})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.Pong); !ok {
		c.abort()
		return errors.Wrapf(common.ErrProtocolViolation, "ping answered with %v", resp)
	}
	return nil
}

// List asks the server for its library counts.
func (c *Client) List(ctx context.Context) (protocol.ListResponse, error) {
	resp, err := c.roundTrip(ctx, protocol.ListRequest{})
	if err != nil {
		return protocol.ListResponse{}, err
	}
	list, ok := resp.(protocol.ListResponse)
	if !ok {
		c.abort()
		return protocol.ListResponse{}, errors.Wrapf(common.ErrProtocolViolation, "list answered with %v", resp)
	}
	return list, nil
}

// roundTrip writes one packet and reads exactly one answer. Any I/O error
// closes the connection.
func (c *Client) roundTrip(ctx context.Context, req protocol.Packet) (protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateReady {
		return nil, ErrClosed
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.Encode(conn, req); err != nil {
		c.closeLocked()
		return nil, c.ioErr(ctx, err)
	}
	resp, err := protocol.Decode(conn)
	if err != nil {
		c.closeLocked()
		return nil, c.ioErr(ctx, err)
	}
	if !stop() {
		// cancelled mid-exchange; the deadline poisons the socket
		c.closeLocked()
		return nil, ctx.Err()
	}
	return resp, nil
}

func (c *Client) ioErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(err, "transfer %s", c.addr)
}

func (c *Client) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateClosed)
	return err
}

func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives the current state and then
// every transition. It is closed once the client is Closed.
func (c *Client) Subscribe() <-chan State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	// states only move forward, so four slots never fill
	ch := make(chan State, 4)
	ch <- c.state
	if c.state == StateClosed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == s || c.state == StateClosed {
		return
	}
	c.state = s
	for _, ch := range c.subs {
		ch <- s
		if s == StateClosed {
			close(ch)
		}
	}
	if s == StateClosed {
		c.subs = nil
	}
}
