// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Stack is an engine session exposing event-based sockets.
//
// A Stack owns the [Engine], the handle registries, and the continuations
// scheduled by in-flight stream writes. Every engine call and every engine
// callback runs with the Stack lock held, which serializes access to the
// shared buffer. Socket events are queued while the lock is held and
// delivered in order once it is released, so listeners may freely call
// back into the socket API. Listeners must not block.
//
// Call [*Stack.Tick] periodically, or run [*Stack.Run] in a goroutine, to
// advance the engine and drain outbound link frames.
type Stack struct {
	engine         Engine
	errClassifier  ErrClassifier
	interval       time.Duration
	logger         SLogger
	netif          NetifConfig
	timeNow        func() time.Time
	writeQuota     int
	writeRetryFast time.Duration
	writeRetrySlow time.Duration

	// mu protects the fields below and serializes engine access.
	mu         sync.Mutex
	closed     bool
	delivering bool
	events     *queue.Queue
	timers     timerList
	tcp        *registry[StreamSocket]
	udp        *registry[DatagramSocket]

	// reclaimMu protects reclaims, which cleanup functions fill from the
	// runtime cleanup goroutine.
	reclaimMu sync.Mutex
	reclaims  *queue.Queue

	frames  emitter[[]byte]
	running atomic.Bool
}

// reclaimTicket identifies a handle whose owning socket became unreachable.
type reclaimTicket struct {
	proto  string
	handle Handle
	gen    uint64
}

// NewStack initializes the engine network interface and returns a [*Stack].
//
// The cfg argument contains the common configuration.
//
// The engine argument is the [Engine] to drive. The returned Stack takes
// ownership of the engine callbacks.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewStack(cfg *Config, engine Engine, logger SLogger) (*Stack, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	s := &Stack{
		engine:         engine,
		errClassifier:  cfg.ErrClassifier,
		interval:       cfg.Interval,
		logger:         logger,
		netif:          cfg.Netif,
		timeNow:        cfg.TimeNow,
		writeQuota:     cfg.WriteQuota,
		writeRetryFast: cfg.WriteRetryFast,
		writeRetrySlow: cfg.WriteRetrySlow,
		events:         queue.New(),
		tcp:            newRegistry[StreamSocket](),
		udp:            newRegistry[DatagramSocket](),
		reclaims:       queue.New(),
	}

	t0 := s.timeNow()
	s.logger.Info(
		"netifUpStart",
		slog.String("hardwareAddr", cfg.Netif.HardwareAddress.String()),
		slog.String("localAddr", cfg.Netif.IP.String()),
		slog.Time("t", t0),
	)
	err := engine.Init(cfg.Netif)
	s.logger.Info(
		"netifUpDone",
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("hardwareAddr", cfg.Netif.HardwareAddress.String()),
		slog.String("localAddr", cfg.Netif.IP.String()),
		slog.Time("t0", t0),
		slog.Time("t", s.timeNow()),
	)
	if err != nil {
		return nil, err
	}

	engine.SetUDPCallback(s.onUDPRecv)
	engine.SetTCPCallback(s.onTCPEvent)
	return s, nil
}

// LocalIP returns the IPv4 address of the network interface.
func (s *Stack) LocalIP() string {
	return s.netif.IP.String()
}

// BufferCapacity returns the capacity of the shared transfer buffer, which
// is the largest datagram [*DatagramSocket.Send] accepts.
func (s *Stack) BufferCapacity() int {
	s.mu.Lock()
	defer s.unlock()
	return bufferCapacity(s.engine)
}

// Tick runs one step of the event pump.
//
// It releases handles of leaked sockets, resumes due stream writes,
// advances the engine clock, and drains outbound link frames to the
// [*Stack.OnFrame] listeners. Socket events raised by the engine during
// the step are delivered before Tick returns, unless another goroutine
// is already delivering them.
func (s *Stack) Tick() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.reclaimLocked()
	for _, fn := range s.timers.popDue(s.timeNow()) {
		fn()
	}
	s.engine.Tick()
	s.drainLinkLocked()
}

// Run calls [*Stack.Tick] every configured interval until ctx is done.
//
// Returns [ErrRunning] if another Run is in progress, otherwise the
// context error.
func (s *Stack) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	t0 := s.timeNow()
	s.logger.Info(
		"runStart",
		slog.Duration("interval", s.interval),
		slog.String("localAddr", s.netif.IP.String()),
		slog.Time("t", t0),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	var err error
	for err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}

	s.logger.Info(
		"runDone",
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.Duration("interval", s.interval),
		slog.String("localAddr", s.netif.IP.String()),
		slog.Time("t0", t0),
		slog.Time("t", s.timeNow()),
	)
	return err
}

// OnFrame registers fn to receive the outbound link frames.
//
// The frame passed to fn is a copy owned by the listener.
func (s *Stack) OnFrame(fn func(frame []byte)) (cancel func()) {
	return s.frames.subscribe(fn)
}

// InjectFrame feeds an inbound link frame to the engine.
//
// Returns an error wrapping [ErrCapacityExceeded] when the frame does
// not fit into the shared buffer and an [*EngineError] when the engine
// rejects it.
func (s *Stack) InjectFrame(frame []byte) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrStackClosed
	}
	if err := bufferSet(s.engine, frame); err != nil {
		return err
	}
	s.logger.Debug(
		"linkRecv",
		slog.Int("ioBytesCount", len(frame)),
		slog.String("localAddr", s.netif.IP.String()),
		slog.Time("t", s.timeNow()),
	)
	return newEngineError("linkSend", s.engine.LinkSend())
}

// Close releases every handle still registered and disables the Stack.
//
// Sockets belonging to the Stack become closed: their pending writes
// reject, and further operations fail with [ErrAlreadyClosed]. Calling
// Close more than once is a no-op.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, h := range s.udp.handles() {
		if sock, found := s.udp.resolve(h); found {
			sock.closeLocked()
			continue
		}
		s.udp.unregister(h)
		s.engine.UDPRemove(h)
	}
	for _, h := range s.tcp.handles() {
		if sock, found := s.tcp.resolve(h); found {
			sock.closeLocked()
			continue
		}
		s.tcp.unregister(h)
		s.releaseTCPLocked(h)
	}
	s.timers = timerList{}
	s.logger.Info(
		"stackClosed",
		slog.String("localAddr", s.netif.IP.String()),
		slog.Time("t", s.timeNow()),
	)
	return nil
}

// unlock releases the lock and delivers queued events in order.
//
// Only one goroutine delivers at a time. Events queued while another
// goroutine is delivering are picked up by that goroutine.
func (s *Stack) unlock() {
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for s.events.Length() > 0 {
		fn := s.events.Remove().(func())
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// enqueue defers fn until the lock is released.
func (s *Stack) enqueue(fn func()) {
	s.events.Add(fn)
}

func (s *Stack) drainLinkLocked() {
	for {
		switch status := s.engine.LinkRecv(); status {
		case StatusOK:
			frame := bufferGet(s.engine)
			s.logger.Debug(
				"linkSend",
				slog.Int("ioBytesCount", len(frame)),
				slog.String("localAddr", s.netif.IP.String()),
				slog.Time("t", s.timeNow()),
			)
			s.enqueue(func() {
				s.frames.emit(s.logger, "frame", frame)
			})
		case StatusBuffer:
			s.logger.Warn(
				"linkFrameDropped",
				slog.String("localAddr", s.netif.IP.String()),
				slog.Time("t", s.timeNow()),
			)
		default:
			return
		}
	}
}

// releaseTCPLocked closes h, aborting it when graceful close fails, and
// returns whether it aborted.
func (s *Stack) releaseTCPLocked(h Handle) bool {
	if s.engine.TCPClose(h) != StatusOK {
		s.engine.TCPAbort(h)
		return true
	}
	return false
}

// queueReclaim runs on the runtime cleanup goroutine.
func (s *Stack) queueReclaim(ticket reclaimTicket) {
	s.reclaimMu.Lock()
	s.reclaims.Add(ticket)
	s.reclaimMu.Unlock()
}

func (s *Stack) reclaimLocked() {
	s.reclaimMu.Lock()
	var tickets []reclaimTicket
	for s.reclaims.Length() > 0 {
		tickets = append(tickets, s.reclaims.Remove().(reclaimTicket))
	}
	s.reclaimMu.Unlock()

	for _, ticket := range tickets {
		s.reclaimOneLocked(ticket)
	}
}

func (s *Stack) reclaimOneLocked(ticket reclaimTicket) {
	switch ticket.proto {
	case "udp":
		if gen, found := s.udp.generation(ticket.handle); !found || gen != ticket.gen {
			return
		}
		s.udp.unregister(ticket.handle)
		s.engine.UDPRemove(ticket.handle)

	case "tcp":
		if gen, found := s.tcp.generation(ticket.handle); !found || gen != ticket.gen {
			return
		}
		s.tcp.unregister(ticket.handle)
		s.releaseTCPLocked(ticket.handle)
	}

	s.logger.Warn(
		"socketLeaked",
		slog.Uint64("handle", uint64(ticket.handle)),
		slog.String("protocol", ticket.proto),
		slog.Time("t", s.timeNow()),
	)
}

// onUDPRecv is the engine datagram callback.
func (s *Stack) onUDPRecv(h Handle, addr uint32, port uint16) Status {
	sock, found := s.udp.resolve(h)
	if !found {
		return StatusOK
	}
	sock.onRecvLocked(addr, port)
	return StatusOK
}

// onTCPEvent is the engine stream callback.
func (s *Stack) onTCPEvent(h Handle, kind EventKind, arg int, newHandle Handle) Status {
	sock, found := s.tcp.resolve(h)
	if found {
		return sock.onEventLocked(kind, arg, newHandle)
	}

	// Nobody can take ownership of a connection accepted by a listener
	// that no longer exists, so release it right away.
	if kind == EventAccept && Status(arg) == StatusOK && newHandle != 0 {
		s.logger.Warn(
			"acceptOrphaned",
			slog.Uint64("handle", uint64(newHandle)),
			slog.String("protocol", "tcp"),
			slog.Time("t", s.timeNow()),
		)
		if s.releaseTCPLocked(newHandle) {
			return StatusAborted
		}
	}
	return StatusOK
}

// spanAttrs returns the fields shared by all the log events of a socket.
func (s *Stack) spanAttrs(proto string, h Handle, spanID string, extra ...any) []any {
	attrs := []any{
		slog.Uint64("handle", uint64(h)),
		slog.String("localAddr", s.netif.IP.String()),
		slog.String("protocol", proto),
		slog.String("spanID", spanID),
	}
	return append(attrs, extra...)
}

// doneAttrs returns the fields closing a span started at t0.
func (s *Stack) doneAttrs(t0 time.Time, err error) []any {
	return []any{
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", s.timeNow()),
	}
}
