// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"net"
	"net/netip"
	"strconv"
)

// Handle is an opaque identifier for a protocol control block.
//
// Handles are issued by the [Engine]. This package only compares them and
// passes them back to the engine; it never owns the memory they denote.
//
// The zero value means "no handle" and is what the engine returns when it
// cannot allocate a control block.
type Handle uintptr

// EventKind is the kind of stream event reported through a [TCPCallback].
type EventKind int

// Stream event kinds, using the engine numbering.
const (
	EventErr       EventKind = 1
	EventConnected EventKind = 2
	EventRecv      EventKind = 3
	EventSent      EventKind = 4
	EventAccept    EventKind = 5
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case EventErr:
		return "err"
	case EventConnected:
		return "connected"
	case EventRecv:
		return "recv"
	case EventSent:
		return "sent"
	case EventAccept:
		return "accept"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// UDPCallback is invoked by the engine when a datagram arrives.
//
// Before invoking the callback, the engine loads the payload into the shared
// buffer. The addr argument is the sender IPv4 address packed as described
// in [ParseIPv4] and port is the sender port.
type UDPCallback func(h Handle, addr uint32, port uint16) Status

// TCPCallback is invoked by the engine when a stream changes state.
//
// The meaning of arg depends on kind: a [Status] for [EventErr],
// [EventConnected], [EventRecv] and [EventAccept], a byte count for
// [EventSent]. The newHandle argument is only meaningful for [EventAccept].
//
// The returned status must be [StatusAborted] if and only if the callback
// aborted the control block the event is about: h for most events, and
// newHandle for [EventAccept], where the callback may abort the accepted
// connection without touching the listener h. lwIP follows the same
// convention for its accept callback.
type TCPCallback func(h Handle, kind EventKind, arg int, newHandle Handle) Status

// NetifConfig configures the network interface of an [Engine].
type NetifConfig struct {
	// HardwareAddress is the MAC address of the interface.
	HardwareAddress net.HardwareAddr

	// IP is the IPv4 address of the interface.
	IP netip.Addr

	// Netmask is the IPv4 netmask of the interface.
	Netmask netip.Addr

	// Gateway is the IPv4 default gateway.
	Gateway netip.Addr
}

// Engine is the handle-oriented surface of a packet-level TCP/UDP stack.
//
// The engine is not safe for concurrent use. A [*Stack] serializes every
// call it makes and expects callbacks to fire only from within those calls.
//
// Payload bytes cross the boundary exclusively through the shared buffer
// returned by Buffer: outbound operations read Buffer()[:BufferLen()] and
// inbound events write into it before invoking a callback.
type Engine interface {
	// Init configures the network interface.
	Init(netif NetifConfig) error

	// Tick advances the engine timers.
	Tick()

	// LinkRecv moves the next outbound link frame into the shared buffer.
	//
	// Returns [StatusOK] when a frame has been loaded, [StatusBuffer] when the
	// next frame was too large and has been dropped, and any other status
	// (typically [StatusWouldBlock]) when there are no more frames.
	LinkRecv() Status

	// LinkSend feeds the frame in the shared buffer to the engine input path.
	LinkSend() Status

	// Buffer returns the shared transfer buffer. Its length is the capacity.
	Buffer() []byte

	// BufferLen returns the number of valid bytes in the shared buffer.
	BufferLen() int

	// SetBufferLen sets the number of valid bytes in the shared buffer.
	SetBufferLen(n int)

	// SetUDPCallback registers the process-wide datagram callback.
	SetUDPCallback(fn UDPCallback)

	// UDPNew allocates a datagram control block, returning 0 on failure.
	UDPNew() Handle

	// UDPRemove releases a datagram control block.
	UDPRemove(h Handle)

	// UDPBind binds a datagram control block to a local address.
	UDPBind(h Handle, ip uint32, port uint16) Status

	// UDPConnect sets the default remote address of a datagram control block.
	UDPConnect(h Handle, ip uint32, port uint16) Status

	// UDPDisconnect clears the default remote address.
	UDPDisconnect(h Handle)

	// UDPSend sends the shared buffer to the default remote address.
	UDPSend(h Handle) Status

	// UDPSendTo sends the shared buffer to the given remote address.
	UDPSendTo(h Handle, ip uint32, port uint16) Status

	// SetTCPCallback registers the process-wide stream callback.
	SetTCPCallback(fn TCPCallback)

	// TCPNew allocates a stream control block, returning 0 on failure.
	TCPNew() Handle

	// TCPClose requests a graceful close. On success the handle is no
	// longer valid. On failure the caller should use TCPAbort.
	TCPClose(h Handle) Status

	// TCPAbort releases a stream control block, resetting the connection.
	TCPAbort(h Handle)

	// TCPBind binds a stream control block to a local address.
	TCPBind(h Handle, ip uint32, port uint16) Status

	// TCPListen converts a bound control block into a listening one. The
	// engine releases h and returns the replacement, or 0 on failure, in
	// which case h remains valid.
	TCPListen(h Handle) Handle

	// TCPRecved tells the engine that n received bytes have been consumed.
	TCPRecved(h Handle, n int)

	// TCPConnect starts the opening handshake.
	TCPConnect(h Handle, ip uint32, port uint16) Status

	// TCPWrite enqueues the shared buffer for sending. The more flag tells
	// the engine that more data follows immediately.
	TCPWrite(h Handle, more bool) Status

	// TCPSndBuf returns the space currently available in the send buffer.
	TCPSndBuf(h Handle) int

	// TCPOutput flushes enqueued data.
	TCPOutput(h Handle) Status

	// TCPRemoteIP returns the remote IPv4 address packed as in [ParseIPv4].
	TCPRemoteIP(h Handle) uint32

	// TCPRemotePort returns the remote port.
	TCPRemotePort(h Handle) uint16
}
