// SPDX-License-Identifier: GPL-3.0-or-later

package simengine

import (
	"net/netip"

	"github.com/bassosimone/lwsock"
)

type udpPCB struct {
	connected  bool
	localIP    netip.Addr
	localPort  uint16
	remoteIP   netip.Addr
	remotePort uint16
}

// SetUDPCallback implements [lwsock.Engine].
func (e *Engine) SetUDPCallback(fn lwsock.UDPCallback) {
	e.udpcb = fn
}

// UDPNew implements [lwsock.Engine].
func (e *Engine) UDPNew() lwsock.Handle {
	h := e.allocHandle()
	if h != 0 {
		e.udp[h] = &udpPCB{}
	}
	return h
}

// UDPRemove implements [lwsock.Engine].
func (e *Engine) UDPRemove(h lwsock.Handle) {
	delete(e.udp, h)
}

// UDPBind implements [lwsock.Engine].
func (e *Engine) UDPBind(h lwsock.Handle, ip uint32, port uint16) lwsock.Status {
	pcb := e.udp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if port == 0 {
		port = e.ephemeralPort(e.udpPortInUse)
	} else if e.udpPortInUse(port) {
		return lwsock.StatusAddrInUse
	}
	pcb.localIP, pcb.localPort = unpackIPv4(ip), port
	return lwsock.StatusOK
}

func (e *Engine) udpPortInUse(port uint16) bool {
	for _, pcb := range e.udp {
		if pcb.localPort == port {
			return true
		}
	}
	return false
}

// UDPConnect implements [lwsock.Engine].
func (e *Engine) UDPConnect(h lwsock.Handle, ip uint32, port uint16) lwsock.Status {
	pcb := e.udp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if pcb.localPort == 0 {
		pcb.localPort = e.ephemeralPort(e.udpPortInUse)
	}
	pcb.connected = true
	pcb.remoteIP, pcb.remotePort = unpackIPv4(ip), port
	return lwsock.StatusOK
}

// UDPDisconnect implements [lwsock.Engine].
func (e *Engine) UDPDisconnect(h lwsock.Handle) {
	if pcb := e.udp[h]; pcb != nil {
		pcb.connected = false
		pcb.remoteIP, pcb.remotePort = netip.Addr{}, 0
	}
}

// UDPSend implements [lwsock.Engine].
func (e *Engine) UDPSend(h lwsock.Handle) lwsock.Status {
	pcb := e.udp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if !pcb.connected {
		return lwsock.StatusNotConnected
	}
	return e.udpSend(pcb, pcb.remoteIP, pcb.remotePort)
}

// UDPSendTo implements [lwsock.Engine].
func (e *Engine) UDPSendTo(h lwsock.Handle, ip uint32, port uint16) lwsock.Status {
	pcb := e.udp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if pcb.localPort == 0 {
		pcb.localPort = e.ephemeralPort(e.udpPortInUse)
	}
	return e.udpSend(pcb, unpackIPv4(ip), port)
}

func (e *Engine) udpSend(pcb *udpPCB, dst netip.Addr, port uint16) lwsock.Status {
	if !dst.Is4() || dst.IsUnspecified() || port == 0 {
		return lwsock.StatusIllegalValue
	}
	e.output(protoUDP, dst, marshalUDP(pcb.localPort, port, e.payload()))
	return lwsock.StatusOK
}

func (e *Engine) udpInput(pkt *packet) {
	dgram, err := parseUDP(pkt.payload)
	if err != nil {
		e.Dropped++
		return
	}
	h, found := e.udpDemux(pkt, dgram)
	if !found || e.udpcb == nil {
		e.Dropped++
		return
	}
	e.loadBuffer(dgram.payload)
	e.udpcb(h, packIPv4(pkt.src), dgram.srcPort)
}

// udpDemux prefers a connected pcb matching the sender over a bound one.
func (e *Engine) udpDemux(pkt *packet, dgram *udpDatagram) (lwsock.Handle, bool) {
	var (
		fallback lwsock.Handle
		found    bool
	)
	for _, h := range sortedHandles(e.udp) {
		pcb := e.udp[h]
		if pcb.localPort != dgram.dstPort || !matchesLocal(pcb.localIP, pkt.dst) {
			continue
		}
		if !pcb.connected {
			if !found {
				fallback, found = h, true
			}
			continue
		}
		if pcb.remoteIP == pkt.src && pcb.remotePort == dgram.srcPort {
			return h, true
		}
	}
	return fallback, found
}
