// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the context
// is done (cancelled or deadline exceeded). Closing a [*StreamConn] closes
// the underlying [*StreamSocket], which rejects a pending write and wakes
// up blocked readers, so the caller does not need per-operation deadlines.
//
// For a [*StreamConn] the watcher is attached to the conn itself, which is
// returned unchanged, and closing it unregisters the watcher. Any other
// [net.Conn] is wrapped so that closing the wrapper unregisters the
// watcher and closes the underlying connection. Either way no goroutine
// leaks if the context is never cancelled.
//
// Do not use this primitive when the connection may outlive the context.
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc].
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	if sc, ok := conn.(*StreamConn); ok {
		sc.afterClose(func() { stop() })
		return sc, nil
	}
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
