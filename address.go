// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseIPv4 packs a dotted-quad IPv4 address into the engine representation.
//
// The first octet ends up in the least significant byte, so "1.2.3.4"
// becomes 0x04030201. This matches the in-memory layout of an IPv4
// address on a little-endian host.
//
// Returns an error wrapping [ErrInvalidAddress] for anything that is not
// an IPv4 address in dotted-quad notation.
func ParseIPv4(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return packIPv4(addr), nil
}

// FormatIPv4 is the inverse of [ParseIPv4].
func FormatIPv4(ip uint32) string {
	return unpackIPv4(ip).String()
}

func packIPv4(addr netip.Addr) uint32 {
	octets := addr.As4()
	return binary.LittleEndian.Uint32(octets[:])
}

func unpackIPv4(ip uint32) netip.Addr {
	var octets [4]byte
	binary.LittleEndian.PutUint32(octets[:], ip)
	return netip.AddrFrom4(octets)
}

