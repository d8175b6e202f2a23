// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"log/slog"
	"runtime"
)

// Message is a datagram received by a [*DatagramSocket].
type Message struct {
	// Data is the payload, owned by the listener.
	Data []byte

	// Address is the sender IPv4 address in dotted-quad notation.
	Address string

	// Port is the sender port.
	Port uint16
}

// DatagramSocket is a UDP socket driven by a [*Stack].
//
// Construct using [*Stack.NewDatagramSocket]. A socket that becomes
// unreachable without being closed has its handle released by the Stack
// at a later tick. Methods are safe for concurrent use.
type DatagramSocket struct {
	cleanup  runtime.Cleanup
	handle   Handle
	messages emitter[Message]
	spanID   string
	stack    *Stack
}

// NewDatagramSocket allocates a new [*DatagramSocket].
//
// Returns [ErrAllocationFailed] if the engine cannot allocate a control block.
func (s *Stack) NewDatagramSocket() (*DatagramSocket, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrStackClosed
	}

	h := s.engine.UDPNew()
	if h == 0 {
		s.logger.Info("socketNewFailed", slog.String("protocol", "udp"), slog.Time("t", s.timeNow()))
		return nil, ErrAllocationFailed
	}

	sock := &DatagramSocket{handle: h, spanID: NewSpanID(), stack: s}
	gen := s.udp.register(h, sock)
	sock.cleanup = runtime.AddCleanup(sock, s.queueReclaim, reclaimTicket{proto: "udp", handle: h, gen: gen})
	s.logger.Info("socketNew", sock.attrs(slog.Time("t", s.timeNow()))...)
	return sock, nil
}

// Bind binds the socket to a local IPv4 address and port.
func (sock *DatagramSocket) Bind(address string, port uint16) error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Info("bindStart", sock.attrs(slog.String("bindAddr", address), slog.Int("bindPort", int(port)), slog.Time("t", t0))...)
	err := sock.bindLocked(address, port)
	s.logger.Info("bindDone", sock.attrs(s.doneAttrs(t0, err)...)...)
	return err
}

func (sock *DatagramSocket) bindLocked(address string, port uint16) error {
	if sock.handle == 0 {
		return ErrAlreadyClosed
	}
	ip, err := ParseIPv4(address)
	if err != nil {
		return err
	}
	return newEngineError("bind", sock.stack.engine.UDPBind(sock.handle, ip, port))
}

// Connect sets the default destination used by [*DatagramSocket.Send].
//
// No packet is exchanged: the association is local to the engine.
func (sock *DatagramSocket) Connect(address string, port uint16) error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Info("connectStart", sock.attrs(slog.String("remoteAddr", address), slog.Int("remotePort", int(port)), slog.Time("t", t0))...)
	err := sock.connectLocked(address, port)
	s.logger.Info("connectDone", sock.attrs(s.doneAttrs(t0, err)...)...)
	return err
}

func (sock *DatagramSocket) connectLocked(address string, port uint16) error {
	if sock.handle == 0 {
		return ErrAlreadyClosed
	}
	ip, err := ParseIPv4(address)
	if err != nil {
		return err
	}
	return newEngineError("connect", sock.stack.engine.UDPConnect(sock.handle, ip, port))
}

// Disconnect clears the default destination.
func (sock *DatagramSocket) Disconnect() error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	if sock.handle == 0 {
		return ErrAlreadyClosed
	}
	s.engine.UDPDisconnect(sock.handle)
	s.logger.Info("disconnect", sock.attrs(slog.Time("t", s.timeNow()))...)
	return nil
}

// Send sends data to the default destination set by [*DatagramSocket.Connect].
//
// Payloads larger than the shared buffer are rejected with an error
// wrapping [ErrCapacityExceeded] and never reach the engine.
func (sock *DatagramSocket) Send(data []byte) error {
	return sock.send(data, "", 0, false)
}

// SendTo sends data to the given IPv4 address and port.
//
// Payloads larger than the shared buffer are rejected with an error
// wrapping [ErrCapacityExceeded] and never reach the engine.
func (sock *DatagramSocket) SendTo(data []byte, address string, port uint16) error {
	return sock.send(data, address, port, true)
}

func (sock *DatagramSocket) send(data []byte, address string, port uint16, explicit bool) error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	t0 := s.timeNow()
	s.logger.Debug("sendStart", sock.attrs(
		slog.Int("ioBufferSize", len(data)),
		slog.String("remoteAddr", address),
		slog.Int("remotePort", int(port)),
		slog.Time("t", t0),
	)...)
	err := sock.sendLocked(data, address, port, explicit)
	s.logger.Debug("sendDone", sock.attrs(s.doneAttrs(t0, err)...)...)
	return err
}

func (sock *DatagramSocket) sendLocked(data []byte, address string, port uint16, explicit bool) error {
	if sock.handle == 0 {
		return ErrAlreadyClosed
	}
	var ip uint32
	if explicit {
		var err error
		if ip, err = ParseIPv4(address); err != nil {
			return err
		}
	}
	engine := sock.stack.engine
	if err := bufferSet(engine, data); err != nil {
		return err
	}
	if explicit {
		return newEngineError("sendto", engine.UDPSendTo(sock.handle, ip, port))
	}
	return newEngineError("send", engine.UDPSend(sock.handle))
}

// Close releases the handle. Calling Close more than once is a no-op
// and always returns nil.
func (sock *DatagramSocket) Close() error {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()
	sock.closeLocked()
	return nil
}

func (sock *DatagramSocket) closeLocked() {
	h := sock.handle
	if h == 0 {
		return
	}
	s := sock.stack
	t0 := s.timeNow()
	s.logger.Info("closeStart", sock.attrs(slog.Time("t", t0))...)

	s.udp.unregister(h)
	sock.cleanup.Stop()
	sock.handle = 0
	s.engine.UDPRemove(h)

	s.logger.Info("closeDone", s.spanAttrs("udp", h, sock.spanID, s.doneAttrs(t0, nil)...)...)
}

// OnMessage registers fn to receive the inbound datagrams.
func (sock *DatagramSocket) OnMessage(fn func(msg Message)) (cancel func()) {
	return sock.messages.subscribe(fn)
}

// onRecvLocked runs inside the engine datagram callback.
func (sock *DatagramSocket) onRecvLocked(addr uint32, port uint16) {
	s := sock.stack
	msg := Message{
		Data:    bufferGet(s.engine),
		Address: FormatIPv4(addr),
		Port:    port,
	}
	s.logger.Debug("recv", sock.attrs(
		slog.Int("ioBytesCount", len(msg.Data)),
		slog.String("remoteAddr", msg.Address),
		slog.Int("remotePort", int(msg.Port)),
		slog.Time("t", s.timeNow()),
	)...)
	s.enqueue(func() {
		sock.messages.emit(s.logger, "message", msg)
	})
}

func (sock *DatagramSocket) attrs(extra ...any) []any {
	return sock.stack.spanAttrs("udp", sock.handle, sock.spanID, extra...)
}

