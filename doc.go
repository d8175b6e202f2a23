// SPDX-License-Identifier: GPL-3.0-or-later

// Package lwsock provides event-based sockets on top of a callback-driven,
// handle-based protocol engine modeled after lwIP's raw API.
//
// # Core Abstraction
//
// The engine is anything implementing [Engine]: it owns protocol control
// blocks identified by opaque [Handle] values, exchanges payloads through
// a single shared transfer buffer, and reports progress by invoking the
// registered [UDPCallback] and [TCPCallback]. The engine is not safe for
// concurrent use and must be ticked periodically.
//
// A [*Stack] owns one engine and turns it into sockets:
//
//   - [*DatagramSocket]: bind, connect, send, and per-message listeners
//     registered with [*DatagramSocket.OnMessage]
//   - [*StreamSocket]: a state machine (see [State]) with bind, listen,
//     connect, flow-controlled write, and listeners for accepted
//     connections, inbound data, errors, and peer close
//
// Asynchronous outcomes are reported using [*Future], which settles
// exactly once and can be awaited with a context.
//
// # Event Pump
//
// [*Stack.Tick] advances the engine by one step: it releases the handles
// of sockets garbage collected without Close, resumes pending stream
// writes, ticks the engine, and drains outbound link frames to the
// [*Stack.OnFrame] listeners. [*Stack.InjectFrame] feeds inbound frames.
// [*Stack.Run] calls Tick at the configured interval until the context
// is done.
//
// Engine callbacks run while the Stack holds its lock. Socket events are
// queued and delivered in order once the lock is released, so listeners
// may freely call back into the Stack, for example to reply to a message
// or close a socket.
//
// # Flow-Controlled Writes
//
// [*StreamSocket.Write] copies the payload and pushes it into the engine
// in iterations bounded by the engine send buffer, the shared buffer
// capacity, and [Config.WriteQuota]. An iteration that leaves data behind
// schedules the next one after [Config.WriteRetryFast] or, when it made
// no progress, after [Config.WriteRetrySlow]. A socket runs one write at
// a time: further writes reject with [ErrWriteInProgress].
//
// # Standard Library Adapters
//
// [*StreamConn] and [*StreamListener] adapt stream sockets to [net.Conn]
// and [net.Listener]. The Stack implements [Dialer] through
// [*Stack.DialContext], so it plugs into [*DialFunc], which parses an
// IPv4 endpoint, connects, and binds the conn to the context:
//
//	conn, err := NewDialFunc(cfg, stack, logger).Call(ctx, "10.0.0.2:80")
//
// These adapters block until the Stack makes progress, so someone must
// drive the Stack concurrently, typically with [*Stack.Run].
//
// # Errors
//
// Failures reported by the engine surface as [*EngineError], which carries
// the operation and the engine [Status]. Use [errors.Is] with
// [ErrConnectionClosed] and [ErrAborted] to test for the terminal outcomes
// of a connection. Errors detected before reaching the engine use the
// sentinel errors, such as [ErrInvalidAddress] and [ErrCapacityExceeded].
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled.
//
// Lifecycle events are emitted as *Start/*Done pairs at [slog.LevelInfo],
// per-I/O events at [slog.LevelDebug], and conditions indicating a bug in
// the caller or in the engine at [slog.LevelWarn]. Every socket event
// carries the protocol, the handle, the local address, a spanID generated
// with [NewSpanID], and t (timestamp). Completion events additionally
// include t0, err, and errClass, as computed by [Config.ErrClassifier].
//
// # Design Boundaries
//
// The package supports IPv4 only, does not resolve host names, and does
// not implement the protocols itself: the engine does.
package lwsock
