//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package lwsock

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*Stack] dialing behavior.
//
// By making [*ConnectFunc] depend on an abstract implementation we
// allow for unit testing and for stacking dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &Stack{}

// NewConnectFunc returns a new [*ConnectFunc] dialing through the given [Dialer].
//
// The cfg argument contains the common configuration.
//
// The dialer argument is usually a [*Stack].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, dialer Dialer, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc establishes a stream connection with a [netip.AddrPort].
//
// Returns either a valid [net.Conn] or an error, never both. The
// connection is established when Call returns, so ConnectFunc waits
// for the handshake to complete or for the context to be done.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] to the user-provided dialer.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, net.Conn] = &ConnectFunc{}

// Call connects to the given IPv4 [netip.AddrPort].
func (op *ConnectFunc) Call(ctx context.Context, address netip.AddrPort) (net.Conn, error) {
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	spanID := NewSpanID()
	op.logConnectStart(spanID, address.String(), t0, deadline)

	var (
		conn net.Conn
		err  error
	)
	if !address.Addr().Is4() {
		err = ErrInvalidAddress
	} else {
		conn, err = op.Dialer.DialContext(ctx, "tcp", address.String())
	}

	op.logConnectDone(spanID, address.String(), t0, deadline, conn, err)
	return conn, err
}

func (op *ConnectFunc) logConnectStart(spanID, address string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.String("spanID", spanID),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(
	spanID, address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
