// SPDX-License-Identifier: GPL-3.0-or-later

// Package simengine implements an in-memory lwIP-like protocol engine.
//
// The [*Engine] satisfies [lwsock.Engine]. It exchanges raw IPv4 datagrams
// on its link, supports UDP, and implements enough of TCP (handshake,
// sliding window, send buffer accounting, FIN and RST) to exercise the
// stream socket semantics over a lossless, in-order [*Wire].
//
// The engine is not safe for concurrent use, which matches the contract
// of [lwsock.Engine]: the owning [*lwsock.Stack] serializes every call.
package simengine

import (
	"errors"
	"maps"
	"net/netip"
	"slices"

	"github.com/bassosimone/lwsock"
	"github.com/eapache/queue"
)

// Config contains the engine tunables.
type Config struct {
	// BufferSize is the capacity of the shared transfer buffer.
	//
	// Set by [NewConfig] to 32768.
	BufferSize int

	// MaxPCBs bounds the number of live control blocks, with zero
	// meaning unbounded. Allocations beyond the limit fail.
	//
	// Set by [NewConfig] to 0.
	MaxPCBs int

	// MSS is the maximum TCP segment size.
	//
	// Set by [NewConfig] to 1460.
	MSS int

	// OutputQueueSize bounds the number of outbound link frames waiting
	// to be drained. Frames beyond the limit are dropped.
	//
	// Set by [NewConfig] to 256.
	OutputQueueSize int

	// SendBufferSize is the per-connection TCP send buffer size.
	//
	// Set by [NewConfig] to 16 times the MSS.
	SendBufferSize int

	// Window is the TCP receive window.
	//
	// Set by [NewConfig] to 65535.
	Window int
}

// NewConfig returns a [*Config] with defaults matching a typical lwIP build.
func NewConfig() *Config {
	return &Config{
		BufferSize:      32768,
		MaxPCBs:         0,
		MSS:             1460,
		OutputQueueSize: 256,
		SendBufferSize:  1460 * 16,
		Window:          0xffff,
	}
}

// ErrNotIPv4 indicates a network interface configured with a non-IPv4 address.
var ErrNotIPv4 = errors.New("simengine: netif requires IPv4 addresses")

// Engine is an in-memory [lwsock.Engine].
//
// Construct using [New].
type Engine struct {
	buf      []byte
	buflen   int
	cfg      Config
	ipid     int
	iss      uint32
	netif    lwsock.NetifConfig
	nexth    lwsock.Handle
	nextport uint16
	out      *queue.Queue
	tcp      map[lwsock.Handle]*tcpPCB
	tcpcb    lwsock.TCPCallback
	udp      map[lwsock.Handle]*udpPCB
	udpcb    lwsock.UDPCallback

	// Dropped counts inbound frames dropped because malformed or not
	// addressed to this engine, and outbound frames dropped because the
	// output queue was full.
	Dropped int
}

var _ lwsock.Engine = &Engine{}

// New creates a new [*Engine].
func New(cfg *Config) *Engine {
	return &Engine{
		buf:      make([]byte, cfg.BufferSize),
		cfg:      *cfg,
		iss:      6510,
		nextport: ephemeralStart,
		out:      queue.New(),
		tcp:      make(map[lwsock.Handle]*tcpPCB),
		udp:      make(map[lwsock.Handle]*udpPCB),
	}
}

// ephemeralStart is the first port used for implicit binds.
const ephemeralStart = 0xc000

// Init implements [lwsock.Engine].
func (e *Engine) Init(netif lwsock.NetifConfig) error {
	if !netif.IP.Is4() || !netif.Netmask.Is4() || !netif.Gateway.Is4() {
		return ErrNotIPv4
	}
	e.netif = netif
	return nil
}

// Tick implements [lwsock.Engine].
//
// Connections lingering in TIME-WAIT are released after a few ticks.
func (e *Engine) Tick() {
	for _, h := range sortedHandles(e.tcp) {
		pcb := e.tcp[h]
		if pcb.state != stateTimeWait {
			continue
		}
		if pcb.linger--; pcb.linger <= 0 {
			delete(e.tcp, h)
		}
	}
}

// LinkRecv implements [lwsock.Engine].
func (e *Engine) LinkRecv() lwsock.Status {
	if e.out.Length() <= 0 {
		return lwsock.StatusWouldBlock
	}
	frame := e.out.Remove().([]byte)
	if len(frame) > len(e.buf) {
		return lwsock.StatusBuffer
	}
	e.buflen = copy(e.buf, frame)
	return lwsock.StatusOK
}

// LinkSend implements [lwsock.Engine].
//
// Returns [lwsock.StatusIllegalValue] for a frame that is not a valid
// IPv4 datagram. Datagrams for other hosts are silently dropped.
func (e *Engine) LinkSend() lwsock.Status {
	frame := slices.Clone(e.buf[:e.buflen])
	pkt, err := parseIPv4(frame)
	if err != nil {
		e.Dropped++
		return lwsock.StatusIllegalValue
	}
	if pkt.dst != e.netif.IP {
		e.Dropped++
		return lwsock.StatusOK
	}
	switch pkt.proto {
	case protoUDP:
		e.udpInput(pkt)
	case protoTCP:
		e.tcpInput(pkt)
	default:
		e.Dropped++
	}
	return lwsock.StatusOK
}

// Buffer implements [lwsock.Engine].
func (e *Engine) Buffer() []byte {
	return e.buf
}

// BufferLen implements [lwsock.Engine].
func (e *Engine) BufferLen() int {
	return e.buflen
}

// SetBufferLen implements [lwsock.Engine].
func (e *Engine) SetBufferLen(n int) {
	e.buflen = min(max(n, 0), len(e.buf))
}

// PCBs returns the number of live control blocks.
func (e *Engine) PCBs() int {
	return len(e.udp) + len(e.tcp)
}

// loadBuffer copies data into the shared buffer, truncating it if needed.
func (e *Engine) loadBuffer(data []byte) {
	e.buflen = copy(e.buf, data)
}

// payload returns a copy of the shared buffer contents.
func (e *Engine) payload() []byte {
	return slices.Clone(e.buf[:e.buflen])
}

// output queues an outbound IPv4 datagram.
func (e *Engine) output(proto int, dst netip.Addr, payload []byte) {
	if e.out.Length() >= e.cfg.OutputQueueSize {
		e.Dropped++
		return
	}
	e.ipid++
	e.out.Add(marshalIPv4(e.ipid, proto, e.netif.IP, dst, payload))
}

// allocHandle returns a fresh handle or zero when the limit is reached.
func (e *Engine) allocHandle() lwsock.Handle {
	if e.cfg.MaxPCBs > 0 && e.PCBs() >= e.cfg.MaxPCBs {
		return 0
	}
	e.nexth++
	return e.nexth
}

// ephemeralPort returns an unused local port.
func (e *Engine) ephemeralPort(inUse func(port uint16) bool) uint16 {
	for {
		port := e.nextport
		e.nextport++
		if e.nextport == 0 {
			e.nextport = ephemeralStart
		}
		if !inUse(port) {
			return port
		}
	}
}

// matchesLocal reports whether a pcb bound to local accepts traffic for dst.
func matchesLocal(local, dst netip.Addr) bool {
	return !local.IsValid() || local.IsUnspecified() || local == dst
}

func sortedHandles[T any](m map[lwsock.Handle]T) []lwsock.Handle {
	return slices.Sorted(maps.Keys(m))
}
