// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"net"
	"net/netip"
	"sync"

	"github.com/eapache/queue"
)

// StreamListener adapts a listening [*StreamSocket] to [net.Listener].
//
// Accepted connections are wrapped into [*StreamConn] as soon as the
// engine reports them and queued until [*StreamListener.Accept] picks
// them up. As with [*StreamConn], progress requires a driven [*Stack].
type StreamListener struct {
	addr      *net.TCPAddr
	cancel    func()
	closeonce sync.Once
	sock      *StreamSocket

	// mu protects the fields below.
	mu      sync.Mutex
	closed  bool
	pending *queue.Queue
	wake    chan struct{}
}

var _ net.Listener = &StreamListener{}

// Listen creates a stream socket bound to the given IPv4 address and
// port and starts listening.
func (s *Stack) Listen(address string, port uint16) (*StreamListener, error) {
	ip, err := ParseIPv4(address)
	if err != nil {
		return nil, err
	}
	sock, err := s.NewStreamSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(address, port); err != nil {
		sock.Close()
		return nil, err
	}
	ln := &StreamListener{
		addr:    net.TCPAddrFromAddrPort(netip.AddrPortFrom(unpackIPv4(ip), port)),
		sock:    sock,
		pending: queue.New(),
		wake:    make(chan struct{}),
	}
	ln.cancel = sock.OnAccept(ln.onAccept)
	if err := sock.Listen(); err != nil {
		ln.cancel()
		sock.Close()
		return nil, err
	}
	return ln, nil
}

func (ln *StreamListener) onAccept(child *StreamSocket) {
	conn := NewStreamConn(child)
	ln.mu.Lock()
	if ln.closed {
		ln.mu.Unlock()
		conn.Close()
		return
	}
	ln.pending.Add(conn)
	close(ln.wake)
	ln.wake = make(chan struct{})
	ln.mu.Unlock()
}

// Accept implements [net.Listener].
func (ln *StreamListener) Accept() (net.Conn, error) {
	conn, err := ln.AcceptStream()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AcceptStream is like Accept but returns a [*StreamConn].
func (ln *StreamListener) AcceptStream() (*StreamConn, error) {
	for {
		ln.mu.Lock()
		if ln.closed {
			ln.mu.Unlock()
			return nil, net.ErrClosed
		}
		if ln.pending.Length() > 0 {
			conn := ln.pending.Remove().(*StreamConn)
			ln.mu.Unlock()
			return conn, nil
		}
		wake := ln.wake
		ln.mu.Unlock()
		<-wake
	}
}

// Close implements [net.Listener].
//
// Connections accepted but not yet returned by Accept are closed.
// Subsequent calls return [net.ErrClosed].
func (ln *StreamListener) Close() (err error) {
	err = net.ErrClosed
	ln.closeonce.Do(func() {
		ln.cancel()
		ln.mu.Lock()
		ln.closed = true
		var conns []*StreamConn
		for ln.pending.Length() > 0 {
			conns = append(conns, ln.pending.Remove().(*StreamConn))
		}
		close(ln.wake)
		ln.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		err = ln.sock.Close()
	})
	return
}

// Addr implements [net.Listener].
func (ln *StreamListener) Addr() net.Addr {
	return ln.addr
}
