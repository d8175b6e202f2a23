//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package lwsock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// StreamConn adapts a [*StreamSocket] to the [net.Conn] interface.
//
// Read blocks until the socket delivers data, so a StreamConn only makes
// progress while something drives the [*Stack], typically [*Stack.Run].
// Read returns [io.EOF] after the peer closes the connection.
//
// Deadlines follow the [net.Conn] contract. A Write interrupted by its
// deadline keeps running in the background, and later writes fail with
// [ErrWriteInProgress] until it completes.
//
// Reads and deadline changes are logged at [slog.LevelDebug] using the
// same fields as the socket events.
type StreamConn struct {
	closeonce sync.Once
	laddr     net.Addr
	sock      *StreamSocket
	stack     *Stack
	unsub     []func()
	writeMu   sync.Mutex

	// mu protects the fields below.
	mu        sync.Mutex
	buf       []byte
	closed    bool
	eof       bool
	err       error
	onClose   []func()
	raddr     net.Addr
	rdeadline time.Time
	wake      chan struct{}
	wdeadline time.Time
}

var _ net.Conn = &StreamConn{}

// NewStreamConn wraps sock into a [*StreamConn].
//
// Call NewStreamConn before the socket can receive data: before
// connecting, or from within the [*StreamSocket.OnAccept] listener for
// accepted sockets. The returned conn owns sock.
func NewStreamConn(sock *StreamSocket) *StreamConn {
	s := sock.stack
	c := &StreamConn{
		laddr: &net.TCPAddr{IP: s.netif.IP.AsSlice(), Port: int(sock.boundPort())},
		sock:  sock,
		stack: s,
		wake:  make(chan struct{}),
	}
	c.unsub = []func(){
		sock.OnData(c.onData),
		sock.OnError(c.onError),
		sock.OnClosed(c.onClosed),
	}
	return c
}

// Socket returns the underlying [*StreamSocket].
func (c *StreamConn) Socket() *StreamSocket {
	return c.sock
}

func (c *StreamConn) onData(data []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	c.broadcastLocked()
	c.mu.Unlock()
}

func (c *StreamConn) onError(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.broadcastLocked()
	c.mu.Unlock()
}

func (c *StreamConn) onClosed() {
	c.mu.Lock()
	c.eof = true
	c.broadcastLocked()
	c.mu.Unlock()
}

// broadcastLocked wakes up every goroutine blocked in Read.
func (c *StreamConn) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// afterClose registers fn to run once when the conn is closed.
func (c *StreamConn) afterClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		fn = nil
	}
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Read implements [net.Conn].
func (c *StreamConn) Read(buf []byte) (int, error) {
	t0 := c.stack.timeNow()
	c.stack.logger.Debug("readStart", c.attrs(slog.Int("ioBufferSize", len(buf)), slog.Time("t", t0))...)

	count, err := c.read(buf)

	c.stack.logger.Debug("readDone", c.attrs(append(
		[]any{slog.Int("ioBytesCount", count)}, c.stack.doneAttrs(t0, err)...)...)...)
	return count, err
}

func (c *StreamConn) read(buf []byte) (int, error) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return 0, net.ErrClosed

		case len(c.buf) > 0:
			count := copy(buf, c.buf)
			c.buf = c.buf[count:]
			if len(c.buf) <= 0 {
				c.buf = nil
			}
			c.mu.Unlock()
			return count, nil

		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return 0, err

		case c.eof:
			c.mu.Unlock()
			return 0, io.EOF
		}
		wake, deadline := c.wake, c.rdeadline
		c.mu.Unlock()

		if err := waitUntil(wake, deadline); err != nil {
			return 0, err
		}
	}
}

// waitUntil waits for wake to be closed or deadline to expire.
func waitUntil(wake <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-wake
		return nil
	}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return os.ErrDeadlineExceeded
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wake:
		return nil
	case <-timer.C:
		return os.ErrDeadlineExceeded
	}
}

// Write implements [net.Conn].
//
// Write returns once the engine has accepted the whole buffer.
func (c *StreamConn) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed, deadline := c.closed, c.wdeadline
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	if err := c.sock.Write(data).Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = os.ErrDeadlineExceeded
		}
		return 0, err
	}
	return len(data), nil
}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (c *StreamConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		for _, unsub := range c.unsub {
			unsub()
		}
		c.mu.Lock()
		c.closed = true
		hooks := c.onClose
		c.onClose = nil
		c.broadcastLocked()
		c.mu.Unlock()

		err = c.sock.Close()
		for _, fn := range hooks {
			fn()
		}
	})
	return
}

// LocalAddr implements [net.Conn].
//
// The port is known only for sockets bound to an explicit port.
func (c *StreamConn) LocalAddr() net.Addr {
	return c.laddr
}

// RemoteAddr implements [net.Conn].
func (c *StreamConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raddr == nil {
		addr, err := c.sock.RemoteAddr()
		if err != nil {
			return &net.TCPAddr{}
		}
		c.raddr = net.TCPAddrFromAddrPort(addr)
	}
	return c.raddr
}

// SetDeadline implements [net.Conn].
func (c *StreamConn) SetDeadline(t time.Time) error {
	c.logDeadline("setDeadline", t)
	return c.setDeadlines(t, true, true)
}

// SetReadDeadline implements [net.Conn].
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	c.logDeadline("setReadDeadline", t)
	return c.setDeadlines(t, true, false)
}

// SetWriteDeadline implements [net.Conn].
func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	c.logDeadline("setWriteDeadline", t)
	return c.setDeadlines(t, false, true)
}

func (c *StreamConn) setDeadlines(t time.Time, read, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if read {
		c.rdeadline = t
	}
	if write {
		c.wdeadline = t
	}
	// readers re-evaluate their deadline
	c.broadcastLocked()
	return nil
}

func (c *StreamConn) logDeadline(event string, t time.Time) {
	c.stack.logger.Debug(event, c.attrs(slog.Time("deadline", t), slog.Time("t", c.stack.timeNow()))...)
}

func (c *StreamConn) attrs(extra ...any) []any {
	return c.stack.spanAttrs("tcp", c.sock.currentHandle(), c.sock.spanID, extra...)
}

// boundPort returns the port passed to a successful Bind, or zero.
func (sock *StreamSocket) boundPort() uint16 {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	return sock.localPort
}

// currentHandle returns the handle, or zero once the socket is closed.
func (sock *StreamSocket) currentHandle() Handle {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	return sock.handle
}

// DialStream connects to an IPv4 address and port and returns the
// connection once established.
//
// The Stack must be driven concurrently, for example with [*Stack.Run],
// otherwise DialStream blocks until ctx is done. When ctx is done first,
// the socket is closed and the context error is returned.
func (s *Stack) DialStream(ctx context.Context, address netip.AddrPort) (*StreamConn, error) {
	if !address.Addr().Is4() {
		return nil, ErrInvalidAddress
	}
	sock, err := s.NewStreamSocket()
	if err != nil {
		return nil, err
	}
	conn := NewStreamConn(sock)
	future, err := sock.Connect(address.Addr().String(), address.Port())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// DialContext implements [Dialer] for the "tcp" and "tcp4" networks.
//
// The address must be a literal IPv4 address and port, such as
// "192.168.1.1:80". Host names are not resolved.
func (s *Stack) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4":
	default:
		return nil, net.UnknownNetworkError(network)
	}
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, errors.Join(ErrInvalidAddress, err)
	}
	conn, err := s.DialStream(ctx, addrport)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
