// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Func is one stage of a dial pipeline over a [*Stack].
//
// The stages are [*EndpointFunc], [*ConnectFunc] and [*CancelWatchFunc],
// chained together by [*DialFunc].
//
// Resource cleanup contract: when a Func receives a closeable resource as input
// and returns an error, it is responsible for closing that resource before returning.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// NewEndpointFunc returns a new [*EndpointFunc].
func NewEndpointFunc() *EndpointFunc {
	return &EndpointFunc{}
}

// EndpointFunc parses an "address:port" string into an endpoint the
// engine can connect to.
//
// The address must be a literal dotted-quad IPv4 address and the port
// must be nonzero. Host names are not resolved: they fail with
// [ErrInvalidAddress] like any other malformed input.
type EndpointFunc struct{}

var _ Func[string, netip.AddrPort] = &EndpointFunc{}

// Call implements [Func].
func (op *EndpointFunc) Call(ctx context.Context, endpoint string) (netip.AddrPort, error) {
	host, sport, err := net.SplitHostPort(endpoint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	ip, err := ParseIPv4(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(sport, 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, sport)
	}
	return netip.AddrPortFrom(unpackIPv4(ip), uint16(port)), nil
}

// NewDialFunc returns a [*DialFunc] connecting through dialer.
//
// The cfg argument contains the common configuration.
//
// The dialer argument is usually a [*Stack].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDialFunc(cfg *Config, dialer Dialer, logger SLogger) *DialFunc {
	return &DialFunc{
		Endpoint:    NewEndpointFunc(),
		Connect:     NewConnectFunc(cfg, dialer, logger),
		CancelWatch: NewCancelWatchFunc(),
	}
}

// DialFunc turns an "address:port" string into a connection whose
// lifetime is bound to the context passed to Call.
//
// All fields are safe to modify after construction but before first use.
type DialFunc struct {
	// Endpoint parses the input.
	//
	// Set by [NewDialFunc] to [NewEndpointFunc].
	Endpoint Func[string, netip.AddrPort]

	// Connect establishes the connection.
	//
	// Set by [NewDialFunc] to [NewConnectFunc].
	Connect Func[netip.AddrPort, net.Conn]

	// CancelWatch binds the connection to the context.
	//
	// Set by [NewDialFunc] to [NewCancelWatchFunc].
	CancelWatch Func[net.Conn, net.Conn]
}

var _ Func[string, net.Conn] = &DialFunc{}

// Call implements [Func].
//
// An invalid endpoint fails before anything reaches the dialer.
func (op *DialFunc) Call(ctx context.Context, endpoint string) (net.Conn, error) {
	addr, err := op.Endpoint.Call(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := op.Connect.Call(ctx, addr)
	if err != nil {
		return nil, err
	}
	return op.CancelWatch.Call(ctx, conn)
}
