// SPDX-License-Identifier: GPL-3.0-or-later

package simengine

import (
	"net/netip"

	"github.com/bassosimone/lwsock"
)

type tcpState int

const (
	stateClosed tcpState = iota
	stateListen
	stateSynSent
	stateSynRcvd
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateClosing
	stateLastAck
	stateTimeWait
)

// timeWaitTicks is the number of ticks a connection lingers in TIME-WAIT.
const timeWaitTicks = 2

// issIncrement spaces the initial sequence numbers of new connections.
const issIncrement = 64000

type tcpPCB struct {
	ackPending bool
	detached   bool
	finAcked   bool
	finPending bool
	finSent    bool
	inflight   int
	linger     int
	listener   lwsock.Handle
	localIP    netip.Addr
	localPort  uint16
	push       bool
	rcvNxt     uint32
	remoteIP   netip.Addr
	remotePort uint16
	sndNxt     uint32
	sndUna     uint32
	sndWnd     uint32
	state      tcpState
	unread     int
	unsent     []byte
}

// synchronized reports whether the handshake completed and the
// connection still occupies sequence space on both sides.
func (pcb *tcpPCB) synchronized() bool {
	switch pcb.state {
	case stateSynRcvd, stateEstablished, stateFinWait1, stateFinWait2,
		stateCloseWait, stateClosing, stateLastAck:
		return true
	default:
		return false
	}
}

func (pcb *tcpPCB) canRecv() bool {
	switch pcb.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
		return true
	default:
		return false
	}
}

func (pcb *tcpPCB) rcvWnd(window int) uint16 {
	return uint16(min(max(window-pcb.unread, 0), 0xffff))
}

func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// SetTCPCallback implements [lwsock.Engine].
func (e *Engine) SetTCPCallback(fn lwsock.TCPCallback) {
	e.tcpcb = fn
}

// TCPNew implements [lwsock.Engine].
func (e *Engine) TCPNew() lwsock.Handle {
	h := e.allocHandle()
	if h != 0 {
		e.tcp[h] = &tcpPCB{state: stateClosed}
	}
	return h
}

// TCPClose implements [lwsock.Engine].
//
// A synchronized connection sends FIN once the pending data has been
// sent and keeps running detached from its handle until both sides
// have closed. Other control blocks are released immediately.
func (e *Engine) TCPClose(h lwsock.Handle) lwsock.Status {
	pcb := e.tcp[h]
	if pcb == nil || pcb.detached {
		return lwsock.StatusIllegalArgument
	}
	switch pcb.state {
	case stateSynRcvd, stateEstablished:
		pcb.state = stateFinWait1
	case stateCloseWait:
		pcb.state = stateLastAck
	default:
		delete(e.tcp, h)
		return lwsock.StatusOK
	}
	pcb.detached = true
	pcb.finPending = true
	e.tcpOutput(pcb)
	return lwsock.StatusOK
}

// TCPAbort implements [lwsock.Engine].
//
// A synchronized connection is reset. The error callback runs with
// [lwsock.StatusAborted] before TCPAbort returns.
func (e *Engine) TCPAbort(h lwsock.Handle) {
	pcb := e.tcp[h]
	if pcb == nil {
		return
	}
	if pcb.synchronized() {
		e.tcpSend(pcb, pcb.sndNxt, flagRST|flagACK, nil)
	}
	e.tcpDestroy(h, pcb, lwsock.StatusAborted)
}

// TCPBind implements [lwsock.Engine].
func (e *Engine) TCPBind(h lwsock.Handle, ip uint32, port uint16) lwsock.Status {
	pcb := e.tcp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if pcb.state != stateClosed {
		return lwsock.StatusIllegalValue
	}
	inUse := func(port uint16) bool {
		return e.tcpPortInUse(h, port)
	}
	if port == 0 {
		port = e.ephemeralPort(inUse)
	} else if inUse(port) {
		return lwsock.StatusAddrInUse
	}
	pcb.localIP, pcb.localPort = unpackIPv4(ip), port
	return lwsock.StatusOK
}

// tcpPortInUse reports whether a control block other than self uses port.
func (e *Engine) tcpPortInUse(self lwsock.Handle, port uint16) bool {
	for h, pcb := range e.tcp {
		if h != self && pcb.localPort == port {
			return true
		}
	}
	return false
}

// TCPListen implements [lwsock.Engine].
func (e *Engine) TCPListen(h lwsock.Handle) lwsock.Handle {
	pcb := e.tcp[h]
	if pcb == nil || pcb.state != stateClosed {
		return 0
	}
	newh := e.allocHandle()
	if newh == 0 {
		return 0
	}
	if pcb.localPort == 0 {
		pcb.localPort = e.ephemeralPort(func(port uint16) bool {
			return e.tcpPortInUse(h, port)
		})
	}
	e.tcp[newh] = &tcpPCB{localIP: pcb.localIP, localPort: pcb.localPort, state: stateListen}
	delete(e.tcp, h)
	return newh
}

// TCPRecved implements [lwsock.Engine].
func (e *Engine) TCPRecved(h lwsock.Handle, n int) {
	pcb := e.tcp[h]
	if pcb == nil {
		return
	}
	before := int(pcb.rcvWnd(e.cfg.Window))
	pcb.unread = max(pcb.unread-n, 0)
	after := int(pcb.rcvWnd(e.cfg.Window))
	if before < e.cfg.MSS && after >= e.cfg.MSS && pcb.synchronized() {
		e.tcpSend(pcb, pcb.sndNxt, flagACK, nil)
	}
}

// TCPConnect implements [lwsock.Engine].
func (e *Engine) TCPConnect(h lwsock.Handle, ip uint32, port uint16) lwsock.Status {
	pcb := e.tcp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	if pcb.state != stateClosed {
		return lwsock.StatusIsConnected
	}
	dst := unpackIPv4(ip)
	if dst.IsUnspecified() || port == 0 {
		return lwsock.StatusIllegalValue
	}
	if pcb.localPort == 0 {
		pcb.localPort = e.ephemeralPort(func(port uint16) bool {
			return e.tcpPortInUse(h, port)
		})
	}
	pcb.remoteIP, pcb.remotePort = dst, port
	e.tcpInitSeq(pcb)
	pcb.state = stateSynSent
	e.tcpSend(pcb, pcb.sndUna, flagSYN, nil)
	return lwsock.StatusOK
}

// TCPWrite implements [lwsock.Engine].
//
// Returns [lwsock.StatusNoMemory] when the shared buffer contents do
// not fit into the send buffer.
func (e *Engine) TCPWrite(h lwsock.Handle, more bool) lwsock.Status {
	pcb := e.tcp[h]
	if pcb == nil || pcb.detached {
		return lwsock.StatusIllegalArgument
	}
	switch pcb.state {
	case stateSynSent, stateSynRcvd, stateEstablished, stateCloseWait:
	default:
		return lwsock.StatusNotConnected
	}
	if e.buflen > e.TCPSndBuf(h) {
		return lwsock.StatusNoMemory
	}
	pcb.unsent = append(pcb.unsent, e.buf[:e.buflen]...)
	pcb.push = !more
	return lwsock.StatusOK
}

// TCPSndBuf implements [lwsock.Engine].
func (e *Engine) TCPSndBuf(h lwsock.Handle) int {
	pcb := e.tcp[h]
	if pcb == nil {
		return 0
	}
	return max(e.cfg.SendBufferSize-len(pcb.unsent)-pcb.inflight, 0)
}

// TCPOutput implements [lwsock.Engine].
func (e *Engine) TCPOutput(h lwsock.Handle) lwsock.Status {
	pcb := e.tcp[h]
	if pcb == nil {
		return lwsock.StatusIllegalArgument
	}
	e.tcpOutput(pcb)
	return lwsock.StatusOK
}

// TCPRemoteIP implements [lwsock.Engine].
func (e *Engine) TCPRemoteIP(h lwsock.Handle) uint32 {
	pcb := e.tcp[h]
	if pcb == nil || !pcb.remoteIP.Is4() {
		return 0
	}
	return packIPv4(pcb.remoteIP)
}

// TCPRemotePort implements [lwsock.Engine].
func (e *Engine) TCPRemotePort(h lwsock.Handle) uint16 {
	pcb := e.tcp[h]
	if pcb == nil {
		return 0
	}
	return pcb.remotePort
}

func (e *Engine) tcpInitSeq(pcb *tcpPCB) {
	pcb.sndUna, pcb.sndNxt = e.iss, e.iss+1
	e.iss += issIncrement
}

// tcpSend emits a segment for pcb carrying the current receive state.
func (e *Engine) tcpSend(pcb *tcpPCB, seq uint32, flags uint8, payload []byte) {
	seg := &tcpSegment{
		srcPort: pcb.localPort,
		dstPort: pcb.remotePort,
		seq:     seq,
		flags:   flags,
		window:  pcb.rcvWnd(e.cfg.Window),
		payload: payload,
	}
	if seg.has(flagACK) {
		seg.ack = pcb.rcvNxt
		pcb.ackPending = false
	}
	e.output(protoTCP, pcb.remoteIP, seg.marshal())
}

// tcpOutput sends the enqueued data the peer window allows, followed by
// FIN once a close is pending and no data is left.
func (e *Engine) tcpOutput(pcb *tcpPCB) {
	switch pcb.state {
	case stateEstablished, stateCloseWait, stateFinWait1, stateClosing, stateLastAck:
	default:
		return
	}
	for len(pcb.unsent) > 0 {
		avail := int(pcb.sndWnd) - pcb.inflight
		if avail <= 0 {
			break
		}
		n := min(len(pcb.unsent), e.cfg.MSS, avail)
		flags := uint8(flagACK)
		if n == len(pcb.unsent) && pcb.push {
			flags |= flagPSH
		}
		e.tcpSend(pcb, pcb.sndNxt, flags, pcb.unsent[:n])
		pcb.sndNxt += uint32(n)
		pcb.inflight += n
		pcb.unsent = pcb.unsent[n:]
	}
	if pcb.finPending && len(pcb.unsent) == 0 {
		e.tcpSend(pcb, pcb.sndNxt, flagFIN|flagACK, nil)
		pcb.sndNxt++
		pcb.finPending = false
		pcb.finSent = true
	}
}

// tcpNotify invokes the stream callback for an attached control block.
func (e *Engine) tcpNotify(h lwsock.Handle, pcb *tcpPCB, kind lwsock.EventKind, arg int, newh lwsock.Handle) {
	if e.tcpcb == nil || pcb.detached {
		return
	}
	e.tcpcb(h, kind, arg, newh)
}

// alive reports whether h still refers to pcb after a callback.
func (e *Engine) alive(h lwsock.Handle, pcb *tcpPCB) bool {
	return e.tcp[h] == pcb
}

// tcpDestroy releases pcb and reports status through the error callback.
func (e *Engine) tcpDestroy(h lwsock.Handle, pcb *tcpPCB, status lwsock.Status) {
	delete(e.tcp, h)
	e.tcpNotify(h, pcb, lwsock.EventErr, int(status), 0)
}

func (e *Engine) tcpTimeWait(pcb *tcpPCB) {
	pcb.state = stateTimeWait
	pcb.linger = timeWaitTicks
}

func (e *Engine) tcpInput(pkt *packet) {
	seg, err := parseTCP(pkt.payload)
	if err != nil {
		e.Dropped++
		return
	}
	h, pcb := e.tcpDemux(pkt, seg)
	if pcb == nil {
		e.Dropped++
		e.tcpReset(pkt, seg)
		return
	}
	switch pcb.state {
	case stateListen:
		e.tcpListenInput(h, pcb, pkt, seg)
	case stateSynSent:
		e.tcpSynSentInput(h, pcb, pkt, seg)
	default:
		e.tcpConnInput(h, pcb, seg)
	}
}

// tcpDemux prefers a connection matching the four-tuple over a listener.
func (e *Engine) tcpDemux(pkt *packet, seg *tcpSegment) (lwsock.Handle, *tcpPCB) {
	var listener lwsock.Handle
	for _, h := range sortedHandles(e.tcp) {
		pcb := e.tcp[h]
		if pcb.localPort != seg.dstPort || !matchesLocal(pcb.localIP, pkt.dst) {
			continue
		}
		switch pcb.state {
		case stateClosed:
		case stateListen:
			if listener == 0 {
				listener = h
			}
		default:
			if pcb.remoteIP == pkt.src && pcb.remotePort == seg.srcPort {
				return h, pcb
			}
		}
	}
	if listener != 0 {
		return listener, e.tcp[listener]
	}
	return 0, nil
}

// tcpReset answers a segment that matches no connection.
func (e *Engine) tcpReset(pkt *packet, seg *tcpSegment) {
	if seg.has(flagRST) {
		return
	}
	rst := &tcpSegment{srcPort: seg.dstPort, dstPort: seg.srcPort}
	if seg.has(flagACK) {
		rst.seq, rst.flags = seg.ack, flagRST
	} else {
		rst.ack, rst.flags = seg.seq+seg.seglen(), flagRST|flagACK
	}
	e.output(protoTCP, pkt.src, rst.marshal())
}

func (e *Engine) tcpListenInput(lh lwsock.Handle, lpcb *tcpPCB, pkt *packet, seg *tcpSegment) {
	if seg.has(flagRST) {
		return
	}
	if seg.has(flagACK) || !seg.has(flagSYN) {
		e.tcpReset(pkt, seg)
		return
	}
	h := e.allocHandle()
	if h == 0 {
		e.Dropped++
		e.tcpNotify(lh, lpcb, lwsock.EventAccept, int(lwsock.StatusNoMemory), 0)
		return
	}
	child := &tcpPCB{
		listener:   lh,
		localIP:    pkt.dst,
		localPort:  lpcb.localPort,
		rcvNxt:     seg.seq + 1,
		remoteIP:   pkt.src,
		remotePort: seg.srcPort,
		sndWnd:     uint32(seg.window),
		state:      stateSynRcvd,
	}
	e.tcpInitSeq(child)
	e.tcp[h] = child
	e.tcpSend(child, child.sndUna, flagSYN|flagACK, nil)
}

func (e *Engine) tcpSynSentInput(h lwsock.Handle, pcb *tcpPCB, pkt *packet, seg *tcpSegment) {
	if seg.has(flagACK) && seg.ack != pcb.sndNxt {
		e.tcpReset(pkt, seg)
		return
	}
	if seg.has(flagRST) {
		if seg.has(flagACK) {
			e.tcpDestroy(h, pcb, lwsock.StatusReset)
		}
		return
	}
	if !seg.has(flagSYN) || !seg.has(flagACK) {
		e.Dropped++
		return
	}
	pcb.rcvNxt = seg.seq + 1
	pcb.sndUna, pcb.sndWnd = seg.ack, uint32(seg.window)
	pcb.state = stateEstablished
	e.tcpSend(pcb, pcb.sndNxt, flagACK, nil)
	e.tcpNotify(h, pcb, lwsock.EventConnected, int(lwsock.StatusOK), 0)
	if e.alive(h, pcb) {
		e.tcpOutput(pcb)
	}
}

// tcpConnInput processes a segment for a synchronized connection.
func (e *Engine) tcpConnInput(h lwsock.Handle, pcb *tcpPCB, seg *tcpSegment) {
	if seg.has(flagRST) {
		e.tcpDestroy(h, pcb, lwsock.StatusReset)
		return
	}
	if !seg.has(flagACK) {
		e.Dropped++
		return
	}

	if pcb.state == stateSynRcvd {
		if seg.ack != pcb.sndNxt {
			e.Dropped++
			return
		}
		pcb.sndUna, pcb.sndWnd = seg.ack, uint32(seg.window)
		pcb.state = stateEstablished
		e.tcpAccept(h, pcb)
	} else {
		e.tcpAck(h, pcb, seg)
	}
	if !e.alive(h, pcb) {
		return
	}

	if len(seg.payload) > 0 || seg.has(flagFIN) {
		pcb.ackPending = true
	}
	if len(seg.payload) > 0 && seg.seq == pcb.rcvNxt && pcb.canRecv() {
		pcb.rcvNxt += uint32(len(seg.payload))
		e.tcpDeliver(h, pcb, seg.payload)
		if !e.alive(h, pcb) {
			return
		}
	}
	if seg.has(flagFIN) && seg.seq+uint32(len(seg.payload)) == pcb.rcvNxt {
		pcb.rcvNxt++
		e.tcpFin(h, pcb)
		if !e.alive(h, pcb) {
			return
		}
	}

	e.tcpOutput(pcb)
	if pcb.ackPending {
		e.tcpSend(pcb, pcb.sndNxt, flagACK, nil)
	}
}

// tcpAccept hands a connection that completed the handshake to its listener.
func (e *Engine) tcpAccept(h lwsock.Handle, child *tcpPCB) {
	lh := child.listener
	child.listener = 0
	lpcb := e.tcp[lh]
	if lpcb == nil || lpcb.state != stateListen || lpcb.detached {
		child.detached = true
		e.TCPAbort(h)
		return
	}
	e.tcpNotify(lh, lpcb, lwsock.EventAccept, int(lwsock.StatusOK), h)
}

// tcpAck processes the acknowledgment and window fields.
func (e *Engine) tcpAck(h lwsock.Handle, pcb *tcpPCB, seg *tcpSegment) {
	pcb.sndWnd = uint32(seg.window)
	if !seqLT(pcb.sndUna, seg.ack) || seqLT(pcb.sndNxt, seg.ack) {
		return
	}
	acked := int(seg.ack - pcb.sndUna)
	pcb.sndUna = seg.ack
	if pcb.finSent && !pcb.finAcked && seg.ack == pcb.sndNxt {
		pcb.finAcked = true
		acked--
		switch pcb.state {
		case stateFinWait1:
			pcb.state = stateFinWait2
		case stateClosing:
			e.tcpTimeWait(pcb)
		case stateLastAck:
			delete(e.tcp, h)
			return
		}
	}
	pcb.inflight = max(pcb.inflight-acked, 0)
	if acked > 0 {
		e.tcpNotify(h, pcb, lwsock.EventSent, acked, 0)
	}
}

func (e *Engine) tcpDeliver(h lwsock.Handle, pcb *tcpPCB, payload []byte) {
	if pcb.detached {
		return
	}
	e.loadBuffer(payload)
	pcb.unread += len(payload)
	e.tcpNotify(h, pcb, lwsock.EventRecv, int(lwsock.StatusOK), 0)
}

func (e *Engine) tcpFin(h lwsock.Handle, pcb *tcpPCB) {
	switch pcb.state {
	case stateEstablished:
		pcb.state = stateCloseWait
		e.loadBuffer(nil)
		e.tcpNotify(h, pcb, lwsock.EventRecv, int(lwsock.StatusClosed), 0)
	case stateFinWait1:
		pcb.state = stateClosing
	case stateFinWait2:
		e.tcpTimeWait(pcb)
	}
}
