// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "unbound", StateUnbound.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestStreamSocketNew(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())

	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	assert.Equal(t, StateUnbound, sock.State())

	engine.TCPNewFunc = func() Handle { return 0 }
	sock, err = s.NewStreamSocket()
	require.ErrorIs(t, err, ErrAllocationFailed)
	assert.Nil(t, sock)
}

func TestStreamSocketBind(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)

	require.ErrorIs(t, sock.Bind("192.168.1", 80), ErrInvalidAddress)
	assert.Equal(t, StateUnbound, sock.State())

	require.NoError(t, sock.Bind("0.0.0.0", 80))
	assert.Equal(t, StateBound, sock.State())
	assert.Contains(t, engine.calls, "TCPBind(1, 0.0.0.0, 80)")
	assert.Equal(t, uint16(80), sock.boundPort())
}

// Listening moves the socket to the handle returned by the engine.
func TestStreamSocketListen(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	require.NoError(t, sock.Bind("0.0.0.0", 80))

	require.NoError(t, sock.Listen())

	assert.Equal(t, StateListening, sock.State())
	assert.Equal(t, Handle(2), sock.currentHandle())
	s.mu.Lock()
	_, oldFound := s.tcp.resolve(1)
	_, newFound := s.tcp.resolve(2)
	s.unlock()
	assert.False(t, oldFound)
	assert.True(t, newFound)

	// events for the pre-listen handle reach no listener
	var delivered []string
	sock.OnData(func(data []byte) { delivered = append(delivered, "data") })
	sock.OnError(func(err error) { delivered = append(delivered, "error") })
	sock.OnClosed(func() { delivered = append(delivered, "closed") })
	var statuses []Status
	fire(t, s, engine, func() {
		engine.load([]byte("stale"))
		statuses = append(statuses,
			engine.fireTCP(1, EventRecv, int(StatusOK), 0),
			engine.fireTCP(1, EventRecv, int(StatusClosed), 0),
			engine.fireTCP(1, EventErr, int(StatusReset), 0),
		)
	})
	assert.Equal(t, []Status{StatusOK, StatusOK, StatusOK}, statuses)
	assert.Empty(t, delivered)
	assert.NotContains(t, engine.calls, "TCPRecved(1, 5)")
	assert.Equal(t, StateListening, sock.State())
}

// A failed listen leaves the socket untouched.
func TestStreamSocketListenFailure(t *testing.T) {
	engine := newFuncEngine(1500)
	engine.TCPListenFunc = func(Handle) Handle { return 0 }
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	require.NoError(t, sock.Bind("0.0.0.0", 80))

	require.ErrorIs(t, sock.Listen(), ErrAllocationFailed)

	assert.Equal(t, StateBound, sock.State())
	assert.Equal(t, Handle(1), sock.currentHandle())
}

// Accepted connections are delivered connected, and the events the
// engine reports for them reach listeners subscribed in OnAccept.
func TestStreamSocketAccept(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	require.NoError(t, sock.Bind("0.0.0.0", 80))
	require.NoError(t, sock.Listen())

	var (
		children []*StreamSocket
		data     []string
	)
	sock.OnAccept(func(child *StreamSocket) {
		children = append(children, child)
		child.OnData(func(b []byte) { data = append(data, string(b)) })
	})

	fire(t, s, engine, func() {
		require.Equal(t, StatusOK, engine.fireTCP(2, EventAccept, int(StatusOK), 10))
		engine.load([]byte("hello"))
		require.Equal(t, StatusOK, engine.fireTCP(10, EventRecv, int(StatusOK), 0))
	})

	require.Len(t, children, 1)
	assert.Equal(t, StateConnected, children[0].State())
	assert.Equal(t, []string{"hello"}, data)
	assert.Contains(t, engine.calls, "TCPRecved(10, 5)")

	// events for the pre-listen handle no longer reach the socket
	fire(t, s, engine, func() {
		engine.fireTCP(1, EventAccept, int(StatusOK), 11)
	})
	assert.Len(t, children, 1)
	assert.Contains(t, engine.calls, "TCPClose(11)")
}

// A failed accept is reported as an error.
func TestStreamSocketAcceptFailure(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	require.NoError(t, sock.Listen())

	var errs []error
	sock.OnError(func(err error) { errs = append(errs, err) })
	var accepted int
	sock.OnAccept(func(*StreamSocket) { accepted++ })

	fire(t, s, engine, func() {
		engine.fireTCP(2, EventAccept, int(StatusNoMemory), 0)
		engine.fireTCP(2, EventAccept, int(StatusOK), 0)
	})

	assert.Zero(t, accepted)
	require.Len(t, errs, 2)
	for _, err := range errs {
		var engineErr *EngineError
		require.ErrorAs(t, err, &engineErr)
		assert.Equal(t, "accept", engineErr.Op)
		assert.Equal(t, StatusNoMemory, engineErr.Status)
	}
	assert.Equal(t, StateListening, sock.State())
}

func TestStreamSocketConnect(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)

	future, err := sock.Connect("10.0.0.2", 80)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, sock.State())
	assert.Contains(t, engine.calls, "TCPConnect(1, 10.0.0.2, 80)")
	assert.False(t, future.Settled())

	fire(t, s, engine, func() {
		engine.fireTCP(1, EventConnected, int(StatusOK), 0)
	})

	require.NoError(t, future.Wait(context.Background()))
	assert.Equal(t, StateConnected, sock.State())
}

// A connect issued while another is pending is rejected without
// reaching the engine, and the pending one still settles.
func TestStreamSocketConnectInProgress(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)

	first, err := sock.Connect("10.0.0.2", 80)
	require.NoError(t, err)
	second, err := sock.Connect("10.0.0.3", 80)

	require.ErrorIs(t, err, ErrConnectInProgress)
	assert.Nil(t, second)
	assert.NotContains(t, engine.calls, "TCPConnect(1, 10.0.0.3, 80)")
	assert.Equal(t, StateConnecting, sock.State())

	fire(t, s, engine, func() {
		engine.fireTCP(1, EventConnected, int(StatusOK), 0)
	})
	require.True(t, first.Settled())
	assert.NoError(t, first.Err())
}

// The engine may report the outcome before TCPConnect returns.
func TestStreamSocketConnectSynchronousOutcome(t *testing.T) {
	engine := newFuncEngine(1500)
	engine.TCPConnectFunc = func(h Handle, ip uint32, port uint16) Status {
		engine.fireTCP(h, EventConnected, int(StatusOK), 0)
		return StatusOK
	}
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)

	future, err := sock.Connect("10.0.0.2", 80)

	require.NoError(t, err)
	require.True(t, future.Settled())
	assert.NoError(t, future.Err())
	assert.Equal(t, StateConnected, sock.State())
}

// A synchronous failure is returned and restores the previous state.
func TestStreamSocketConnectFailure(t *testing.T) {
	engine := newFuncEngine(1500)
	engine.TCPConnectFunc = func(Handle, uint32, uint16) Status { return StatusRouting }
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	require.NoError(t, sock.Bind("0.0.0.0", 1234))

	future, err := sock.Connect("10.0.0.2", 80)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "connect", engineErr.Op)
	assert.Nil(t, future)
	assert.Equal(t, StateBound, sock.State())

	_, err = sock.Connect("10.0.0.256", 80)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

// An error while connecting rejects the connect instead of reaching OnError.
func TestStreamSocketConnectRefused(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	var errs []error
	sock.OnError(func(err error) { errs = append(errs, err) })

	future, err := sock.Connect("10.0.0.2", 80)
	require.NoError(t, err)
	fire(t, s, engine, func() {
		engine.fireTCP(1, EventErr, int(StatusReset), 0)
	})

	err = future.Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.Empty(t, errs)
	assert.Equal(t, StateAborted, sock.State())

	// the engine already released the handle
	require.NoError(t, sock.Close())
	assert.NotContains(t, engine.calls, "TCPClose(1)")
	assert.NotContains(t, engine.calls, "TCPAbort(1)")
}

// An error on an established connection reaches OnError.
func TestStreamSocketErrorEvent(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)
	var errs []error
	sock.OnError(func(err error) { errs = append(errs, err) })

	fire(t, s, engine, func() {
		engine.fireTCP(1, EventErr, int(StatusTimeout), 0)
	})

	require.Len(t, errs, 1)
	var engineErr *EngineError
	require.ErrorAs(t, errs[0], &engineErr)
	assert.Equal(t, StatusTimeout, engineErr.Status)
	_, err := sock.RemoteAddr()
	assert.ErrorIs(t, err, ErrNotConnected)
}

// connectedSocket returns a socket connected through handle 1.
func connectedSocket(t *testing.T, s *Stack, engine *funcEngine) *StreamSocket {
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	future, err := sock.Connect("10.0.0.2", 80)
	require.NoError(t, err)
	fire(t, s, engine, func() {
		engine.fireTCP(sock.handle, EventConnected, int(StatusOK), 0)
	})
	require.NoError(t, future.Wait(context.Background()))
	return sock
}

func TestStreamSocketRemoteAddr(t *testing.T) {
	engine := newFuncEngine(1500)
	engine.TCPRemoteFunc = func(Handle) (uint32, uint16) {
		ip, _ := ParseIPv4("10.0.0.2")
		return ip, 80
	}
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	addr, err := sock.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:80"), addr)
	ip, err := sock.RemoteIP()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", ip)
	port, err := sock.RemotePort()
	require.NoError(t, err)
	assert.Equal(t, uint16(80), port)

	require.NoError(t, sock.Close())
	_, err = sock.RemoteIP()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = sock.RemotePort()
	assert.ErrorIs(t, err, ErrNotConnected)
}

// A peer close closes the socket and notifies OnClosed.
func TestStreamSocketPeerClosed(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)
	var closed int
	sock.OnClosed(func() { closed++ })

	var status Status
	fire(t, s, engine, func() {
		status = engine.fireTCP(1, EventRecv, int(StatusClosed), 0)
	})

	assert.Equal(t, StatusOK, status)
	assert.Equal(t, 1, closed)
	assert.Equal(t, StateClosed, sock.State())
	assert.Equal(t, 1, countCalls(engine, "TCPClose(1)"))
}

// When the graceful close fails inside a callback, the callback reports
// that it aborted the control block.
func TestStreamSocketAbortInsideCallback(t *testing.T) {
	engine := newFuncEngine(1500)
	engine.TCPCloseFunc = func(Handle) Status { return StatusIllegalValue }
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	var statuses []Status
	fire(t, s, engine, func() {
		statuses = append(statuses, engine.fireTCP(1, EventRecv, int(StatusClosed), 0))
	})

	assert.Equal(t, []Status{StatusAborted}, statuses)
	assert.Equal(t, StateAborted, sock.State())
	assert.Equal(t, 1, countCalls(engine, "TCPAbort(1)"))
}

// Unexpected events are logged and otherwise ignored.
func TestStreamSocketUnexpectedEvents(t *testing.T) {
	engine := newFuncEngine(1500)
	logger, records := newCapturingLogger()
	s, _ := newTestStack(t, engine, logger)
	sock := connectedSocket(t, s, engine)

	fire(t, s, engine, func() {
		engine.fireTCP(1, EventRecv, int(StatusBuffer), 0)
		engine.fireTCP(1, EventKind(99), 0, 0)
		engine.fireTCP(1, EventSent, 100, 0)
	})

	assert.Equal(t, []string{"unexpectedRecv", "unexpectedEvent"}, messages(*records, slog.LevelWarn))
	assert.Contains(t, messages(*records, slog.LevelDebug), "sent")
	assert.Equal(t, StateConnected, sock.State())
}

// Close is idempotent and operations on a closed socket fail.
func TestStreamSocketClose(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())

	assert.Equal(t, 1, countCalls(engine, "TCPClose(1)"))
	assert.Equal(t, StateClosed, sock.State())
	assert.ErrorIs(t, sock.Bind("0.0.0.0", 80), ErrAlreadyClosed)
	assert.ErrorIs(t, sock.Listen(), ErrAlreadyClosed)
	_, err := sock.Connect("10.0.0.2", 80)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.ErrorIs(t, sock.Write([]byte("x")).Err(), ErrConnectionClosed)
}

// Closing while connecting abandons the connect.
func TestStreamSocketCloseWhileConnecting(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock, err := s.NewStreamSocket()
	require.NoError(t, err)
	future, err := sock.Connect("10.0.0.2", 80)
	require.NoError(t, err)

	require.NoError(t, sock.Close())
	fire(t, s, engine, func() {
		engine.fireTCP(1, EventConnected, int(StatusOK), 0)
	})

	assert.False(t, future.Settled())
	assert.Equal(t, StateClosed, sock.State())
}
