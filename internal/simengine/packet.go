// SPDX-License-Identifier: GPL-3.0-or-later

package simengine

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// Transport protocol numbers.
const (
	protoTCP = 6
	protoUDP = 17
)

// TCP header flags.
const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagPSH = 0x08
	flagACK = 0x10
)

const (
	udpHeaderLen = 8
	tcpHeaderLen = 20
	defaultTTL   = 255
)

var errMalformed = errors.New("simengine: malformed packet")

// packet is a decoded IPv4 datagram.
type packet struct {
	src     netip.Addr
	dst     netip.Addr
	proto   int
	payload []byte
}

// marshalIPv4 prepends an IPv4 header to payload.
func marshalIPv4(id int, proto int, src, dst netip.Addr, payload []byte) []byte {
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		ID:       id & 0xffff,
		TTL:      defaultTTL,
		Protocol: proto,
		Src:      src.AsSlice(),
		Dst:      dst.AsSlice(),
	}
	raw, err := hdr.Marshal()
	if err != nil {
		panic(err) // only fails for a nil header
	}
	binary.BigEndian.PutUint16(raw[10:12], checksum(raw))
	return append(raw, payload...)
}

// parseIPv4 decodes an IPv4 datagram and verifies the header checksum.
func parseIPv4(frame []byte) (*packet, error) {
	hdr, err := ipv4.ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if hdr.Version != ipv4.Version || hdr.Len < ipv4.HeaderLen || hdr.Len > len(frame) {
		return nil, errMalformed
	}
	if checksum(frame[:hdr.Len]) != 0 {
		return nil, errMalformed
	}
	src, ok1 := netip.AddrFromSlice(hdr.Src.To4())
	dst, ok2 := netip.AddrFromSlice(hdr.Dst.To4())
	if !ok1 || !ok2 {
		return nil, errMalformed
	}
	// The payload length comes from the frame, because ParseHeader
	// adjusts TotalLen differently depending on the platform.
	return &packet{src: src, dst: dst, proto: hdr.Protocol, payload: frame[hdr.Len:]}, nil
}

// checksum computes the internet checksum of data.
func checksum(data []byte) uint16 {
	var sum uint32
	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data))
		data = data[2:]
	}
	if len(data) > 0 {
		sum += uint32(data[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// udpDatagram is a decoded UDP datagram.
type udpDatagram struct {
	srcPort uint16
	dstPort uint16
	payload []byte
}

func marshalUDP(srcPort, dstPort uint16, payload []byte) []byte {
	out := make([]byte, udpHeaderLen, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], srcPort)
	binary.BigEndian.PutUint16(out[2:4], dstPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(udpHeaderLen+len(payload)))
	// a zero checksum means no checksum
	return append(out, payload...)
}

func parseUDP(data []byte) (*udpDatagram, error) {
	if len(data) < udpHeaderLen {
		return nil, errMalformed
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < udpHeaderLen || length > len(data) {
		return nil, errMalformed
	}
	return &udpDatagram{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		payload: data[udpHeaderLen:length],
	}, nil
}

// tcpSegment is a decoded TCP segment.
type tcpSegment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	payload []byte
}

func (seg *tcpSegment) has(flag uint8) bool {
	return seg.flags&flag != 0
}

// seglen is the sequence space the segment occupies.
func (seg *tcpSegment) seglen() uint32 {
	n := uint32(len(seg.payload))
	if seg.has(flagSYN) {
		n++
	}
	if seg.has(flagFIN) {
		n++
	}
	return n
}

func (seg *tcpSegment) marshal() []byte {
	out := make([]byte, tcpHeaderLen, tcpHeaderLen+len(seg.payload))
	binary.BigEndian.PutUint16(out[0:2], seg.srcPort)
	binary.BigEndian.PutUint16(out[2:4], seg.dstPort)
	binary.BigEndian.PutUint32(out[4:8], seg.seq)
	binary.BigEndian.PutUint32(out[8:12], seg.ack)
	out[12] = (tcpHeaderLen / 4) << 4
	out[13] = seg.flags
	binary.BigEndian.PutUint16(out[14:16], seg.window)
	return append(out, seg.payload...)
}

func parseTCP(data []byte) (*tcpSegment, error) {
	if len(data) < tcpHeaderLen {
		return nil, errMalformed
	}
	offset := int(data[12]>>4) * 4
	if offset < tcpHeaderLen || offset > len(data) {
		return nil, errMalformed
	}
	return &tcpSegment{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13],
		window:  binary.BigEndian.Uint16(data[14:16]),
		payload: data[offset:],
	}, nil
}

// packIPv4 and unpackIPv4 convert between [netip.Addr] and the
// little-endian packing used at the engine boundary.
func packIPv4(addr netip.Addr) uint32 {
	octets := addr.As4()
	return binary.LittleEndian.Uint32(octets[:])
}

func unpackIPv4(ip uint32) netip.Addr {
	var octets [4]byte
	binary.LittleEndian.PutUint32(octets[:], ip)
	return netip.AddrFrom4(octets)
}
