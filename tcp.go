// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"log/slog"
	"net/netip"
	"runtime"
	"strconv"
	"time"
)

// State is the state of a [*StreamSocket].
type State int

// Stream socket states.
const (
	StateUnbound State = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateAborted
)

var stateNames = [...]string{
	StateUnbound:    "unbound",
	StateBound:      "bound",
	StateListening:  "listening",
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateAborted:    "aborted",
}

// String implements [fmt.Stringer].
func (st State) String() string {
	if st >= 0 && int(st) < len(stateNames) {
		return stateNames[st]
	}
	return "state(" + strconv.Itoa(int(st)) + ")"
}

// StreamSocket is a TCP socket driven by a [*Stack].
//
// Construct using [*Stack.NewStreamSocket]. Sockets created by a listener
// are delivered through [*StreamSocket.OnAccept] already connected.
//
// Events are delivered to the listeners registered with OnAccept, OnData,
// OnError and OnClosed in the order in which the engine reports them.
// Methods are safe for concurrent use.
type StreamSocket struct {
	accepts   emitter[*StreamSocket]
	cleanup   runtime.Cleanup
	closes    emitter[struct{}]
	connect   *Future
	connectT0 time.Time
	data      emitter[[]byte]
	didAbort  bool
	errs      emitter[error]
	handle    Handle
	localPort uint16
	spanID    string
	stack     *Stack
	state     State
	write     *writeOp
}

// NewStreamSocket allocates a new [*StreamSocket] in [StateUnbound].
//
// Returns [ErrAllocationFailed] if the engine cannot allocate a control block.
func (s *Stack) NewStreamSocket() (*StreamSocket, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrStackClosed
	}
	h := s.engine.TCPNew()
	if h == 0 {
		s.logger.Info("socketNewFailed", slog.String("protocol", "tcp"), slog.Time("t", s.timeNow()))
		return nil, ErrAllocationFailed
	}
	return s.newStreamSocketLocked(h, StateUnbound), nil
}

// newStreamSocketLocked wraps a handle the caller owns.
func (s *Stack) newStreamSocketLocked(h Handle, state State) *StreamSocket {
	sock := &StreamSocket{handle: h, spanID: NewSpanID(), stack: s, state: state}
	sock.track(s.tcp.register(h, sock))
	s.logger.Info("socketNew", sock.attrs(slog.String("state", state.String()), slog.Time("t", s.timeNow()))...)
	return sock
}

// track arranges for the current handle to be reclaimed if the socket leaks.
func (sock *StreamSocket) track(gen uint64) {
	ticket := reclaimTicket{proto: "tcp", handle: sock.handle, gen: gen}
	sock.cleanup = runtime.AddCleanup(sock, sock.stack.queueReclaim, ticket)
}

// State returns the current state.
func (sock *StreamSocket) State() State {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	return sock.state
}

func (sock *StreamSocket) setStateLocked(next State) {
	if sock.state == next {
		return
	}
	s := sock.stack
	s.logger.Debug("stateChange", sock.attrs(
		slog.String("from", sock.state.String()),
		slog.String("to", next.String()),
		slog.Time("t", s.timeNow()),
	)...)
	sock.state = next
}

// Bind binds the socket to a local IPv4 address and port.
func (sock *StreamSocket) Bind(address string, port uint16) error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Info("bindStart", sock.attrs(slog.String("bindAddr", address), slog.Int("bindPort", int(port)), slog.Time("t", t0))...)
	err := sock.bindLocked(address, port)
	s.logger.Info("bindDone", sock.attrs(s.doneAttrs(t0, err)...)...)
	return err
}

func (sock *StreamSocket) bindLocked(address string, port uint16) error {
	if sock.handle == 0 {
		return ErrAlreadyClosed
	}
	ip, err := ParseIPv4(address)
	if err != nil {
		return err
	}
	if err := newEngineError("bind", sock.stack.engine.TCPBind(sock.handle, ip, port)); err != nil {
		return err
	}
	sock.localPort = port
	sock.setStateLocked(StateBound)
	return nil
}

// Listen turns the socket into a listening socket.
//
// The engine replaces the control block when listening, so the socket
// handle changes. Events for the old handle no longer reach the socket.
//
// Returns [ErrAllocationFailed] if the engine cannot allocate the
// listening control block, in which case the socket is unchanged.
func (sock *StreamSocket) Listen() error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Info("listenStart", sock.attrs(slog.Time("t", t0))...)
	err := sock.listenLocked()
	s.logger.Info("listenDone", sock.attrs(s.doneAttrs(t0, err)...)...)
	return err
}

func (sock *StreamSocket) listenLocked() error {
	oldh := sock.handle
	if oldh == 0 {
		return ErrAlreadyClosed
	}
	s := sock.stack
	newh := s.engine.TCPListen(oldh)
	if newh == 0 {
		return ErrAllocationFailed
	}
	sock.cleanup.Stop()
	gen := s.tcp.replace(oldh, newh, sock)
	sock.handle = newh
	sock.track(gen)
	sock.setStateLocked(StateListening)
	return nil
}

// Connect starts connecting to the given IPv4 address and port.
//
// Returns [ErrConnectInProgress] while a previous connect is pending.
// A synchronous engine failure is returned as an error. Otherwise the
// returned [*Future] settles with nil once the connection is established
// or with an [*EngineError] if the engine reports an error first. Closing
// the socket abandons the Future, which then never settles.
func (sock *StreamSocket) Connect(address string, port uint16) (*Future, error) {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Info("connectStart", sock.attrs(slog.String("remoteAddr", address), slog.Int("remotePort", int(port)), slog.Time("t", t0))...)
	future, err := sock.connectLocked(address, port, t0)
	if err != nil {
		s.logger.Info("connectDone", sock.attrs(s.doneAttrs(t0, err)...)...)
		return nil, err
	}
	return future, nil
}

func (sock *StreamSocket) connectLocked(address string, port uint16, t0 time.Time) (*Future, error) {
	if sock.handle == 0 {
		return nil, ErrAlreadyClosed
	}
	if sock.connect != nil {
		return nil, ErrConnectInProgress
	}
	ip, err := ParseIPv4(address)
	if err != nil {
		return nil, err
	}

	// The engine may report the outcome before TCPConnect returns.
	future := newFuture()
	prevFuture, prevState := sock.connect, sock.state
	sock.connect, sock.connectT0 = future, t0
	sock.setStateLocked(StateConnecting)

	if err := newEngineError("connect", sock.stack.engine.TCPConnect(sock.handle, ip, port)); err != nil {
		if sock.connect == future {
			sock.connect = prevFuture
			sock.setStateLocked(prevState)
		}
		return nil, err
	}
	return future, nil
}

// settleConnectLocked settles the pending connect, if any, and returns
// whether there was one.
func (sock *StreamSocket) settleConnectLocked(err error) bool {
	future := sock.connect
	if future == nil {
		return false
	}
	sock.connect = nil
	future.settle(err)
	s := sock.stack
	s.logger.Info("connectDone", sock.attrs(s.doneAttrs(sock.connectT0, err)...)...)
	return true
}

// Close closes the socket.
//
// Close first attempts a graceful shutdown and falls back to aborting the
// connection when the engine refuses it. Either way the socket becomes
// terminal: a pending write rejects with [ErrConnectionClosed] and a
// pending connect is abandoned. Calling Close more than once is a no-op
// and Close always returns nil.
func (sock *StreamSocket) Close() error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	sock.closeLocked()
	return nil
}

func (sock *StreamSocket) closeLocked() {
	h := sock.handle
	if h == 0 {
		return
	}
	s := sock.stack
	t0 := s.timeNow()
	s.logger.Info("closeStart", sock.attrs(slog.String("state", sock.state.String()), slog.Time("t", t0))...)

	sock.setStateLocked(StateClosing)
	s.tcp.unregister(h)
	sock.cleanup.Stop()
	sock.handle = 0

	aborted := s.releaseTCPLocked(h)
	if aborted {
		sock.didAbort = true
		sock.setStateLocked(StateAborted)
	} else {
		sock.setStateLocked(StateClosed)
	}

	sock.connect = nil
	sock.rejectWriteLocked(&EngineError{Op: "write", Status: StatusClosed})

	s.logger.Info("closeDone", s.spanAttrs("tcp", h, sock.spanID,
		append([]any{slog.Bool("aborted", aborted)}, s.doneAttrs(t0, nil)...)...)...)
}

// dropHandleLocked forgets a handle the engine already released.
func (sock *StreamSocket) dropHandleLocked() {
	h := sock.handle
	if h == 0 {
		return
	}
	s := sock.stack
	s.tcp.unregister(h)
	sock.cleanup.Stop()
	sock.handle = 0
	sock.setStateLocked(StateAborted)
}

// RemoteIP returns the remote IPv4 address in dotted-quad notation.
//
// Returns [ErrNotConnected] once the socket no longer holds a handle.
func (sock *StreamSocket) RemoteIP() (string, error) {
	addr, err := sock.RemoteAddr()
	if err != nil {
		return "", err
	}
	return addr.Addr().String(), nil
}

// RemotePort returns the remote port.
//
// Returns [ErrNotConnected] once the socket no longer holds a handle.
func (sock *StreamSocket) RemotePort() (uint16, error) {
	addr, err := sock.RemoteAddr()
	if err != nil {
		return 0, err
	}
	return addr.Port(), nil
}

// RemoteAddr returns the remote address and port.
//
// Returns [ErrNotConnected] once the socket no longer holds a handle.
func (sock *StreamSocket) RemoteAddr() (netip.AddrPort, error) {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	if sock.handle == 0 {
		return netip.AddrPort{}, ErrNotConnected
	}
	ip := unpackIPv4(s.engine.TCPRemoteIP(sock.handle))
	return netip.AddrPortFrom(ip, s.engine.TCPRemotePort(sock.handle)), nil
}

// OnAccept registers fn to receive the connections accepted by a
// listening socket.
//
// The accepted socket is already connected. Subscribe to its events from
// within fn to observe all the data it receives.
func (sock *StreamSocket) OnAccept(fn func(child *StreamSocket)) (cancel func()) {
	return sock.accepts.subscribe(fn)
}

// OnError registers fn to receive asynchronous errors.
//
// An error reported while a connect is pending rejects the connect
// [*Future] instead of reaching these listeners.
func (sock *StreamSocket) OnError(fn func(err error)) (cancel func()) {
	return sock.errs.subscribe(fn)
}

// OnData registers fn to receive inbound data. The slice is owned by the listener.
func (sock *StreamSocket) OnData(fn func(data []byte)) (cancel func()) {
	return sock.data.subscribe(fn)
}

// OnClosed registers fn to be called when the peer closes the connection.
func (sock *StreamSocket) OnClosed(fn func()) (cancel func()) {
	return sock.closes.subscribe(func(struct{}) { fn() })
}

// onEventLocked runs inside the engine stream callback and returns
// [StatusAborted] if and only if it aborted the control block.
func (sock *StreamSocket) onEventLocked(kind EventKind, arg int, newHandle Handle) Status {
	sock.didAbort = false
	s := sock.stack

	switch kind {
	case EventErr:
		err := &EngineError{Op: "event", Status: Status(arg)}
		s.logger.Info("errorEvent", sock.attrs(s.doneAttrs(s.timeNow(), err)...)...)
		sock.dropHandleLocked()
		if !sock.settleConnectLocked(err) {
			s.enqueue(func() {
				sock.errs.emit(s.logger, "error", err)
			})
		}
		sock.rejectWriteLocked(err)

	case EventConnected:
		sock.setStateLocked(StateConnected)
		sock.settleConnectLocked(nil)

	case EventRecv:
		sock.onRecvLocked(Status(arg))

	case EventSent:
		s.logger.Debug("sent", sock.attrs(slog.Int("ioBytesCount", arg), slog.Time("t", s.timeNow()))...)

	case EventAccept:
		sock.onAcceptLocked(Status(arg), newHandle)

	default:
		s.logger.Warn("unexpectedEvent", sock.attrs(slog.Int("kind", int(kind)), slog.Int("arg", arg), slog.Time("t", s.timeNow()))...)
	}

	if sock.didAbort {
		return StatusAborted
	}
	return StatusOK
}

func (sock *StreamSocket) onRecvLocked(status Status) {
	s := sock.stack
	switch status {
	case StatusClosed:
		s.logger.Info("peerClosed", sock.attrs(slog.Time("t", s.timeNow()))...)
		sock.closeLocked()
		s.enqueue(func() {
			sock.closes.emit(s.logger, "closed", struct{}{})
		})

	case StatusOK:
		data := bufferGet(s.engine)
		if sock.handle != 0 {
			s.engine.TCPRecved(sock.handle, len(data))
		}
		s.logger.Debug("recv", sock.attrs(slog.Int("ioBytesCount", len(data)), slog.Time("t", s.timeNow()))...)
		s.enqueue(func() {
			sock.data.emit(s.logger, "data", data)
		})

	default:
		s.logger.Warn("unexpectedRecv", sock.attrs(slog.Int("status", int(status)), slog.Time("t", s.timeNow()))...)
	}
}

func (sock *StreamSocket) onAcceptLocked(status Status, newHandle Handle) {
	s := sock.stack
	if status == StatusOK && newHandle == 0 {
		status = StatusNoMemory
	}
	if status != StatusOK {
		err := &EngineError{Op: "accept", Status: status}
		s.logger.Info("acceptFailed", sock.attrs(s.doneAttrs(s.timeNow(), err)...)...)
		s.enqueue(func() {
			sock.errs.emit(s.logger, "error", err)
		})
		return
	}
	child := s.newStreamSocketLocked(newHandle, StateConnected)
	s.logger.Info("accept", sock.attrs(slog.Uint64("childHandle", uint64(newHandle)), slog.String("childSpanID", child.spanID), slog.Time("t", s.timeNow()))...)
	s.enqueue(func() {
		sock.accepts.emit(s.logger, "accept", child)
	})
}

func (sock *StreamSocket) attrs(extra ...any) []any {
	return sock.stack.spanAttrs("tcp", sock.handle, sock.spanID, extra...)
}
