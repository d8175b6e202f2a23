// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
)

// Config holds common configuration for a [*Stack] and its sockets.
//
// Pass this to [NewStack] to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig]. NewStack rejects
// non-IPv4 netif addresses and non-positive durations or quotas.
type Config struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Interval is the period between ticks driven by [*Stack.Run].
	//
	// Set by [NewConfig] to 10 milliseconds.
	Interval time.Duration

	// Netif configures the engine network interface.
	//
	// Set by [NewConfig] to hardware address 11:22:33:44:55:66, IP address
	// 192.168.1.1, netmask 255.255.255.0 and gateway 192.168.1.1.
	Netif NetifConfig

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// WriteQuota is the maximum number of bytes a stream write pushes into
	// the engine before yielding to the next tick.
	//
	// Set by [NewConfig] to 8192.
	WriteQuota int

	// WriteRetryFast is the delay before resuming a stream write that made
	// progress during its last iteration.
	//
	// Set by [NewConfig] to 1 millisecond.
	WriteRetryFast time.Duration

	// WriteRetrySlow is the delay before resuming a stream write that made
	// no progress during its last iteration.
	//
	// Set by [NewConfig] to 20 milliseconds.
	WriteRetrySlow time.Duration
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		ErrClassifier: DefaultErrClassifier,
		Interval:      10 * time.Millisecond,
		Netif: NetifConfig{
			HardwareAddress: runtimex.PanicOnError1(net.ParseMAC("11:22:33:44:55:66")),
			IP:              netip.MustParseAddr("192.168.1.1"),
			Netmask:         netip.MustParseAddr("255.255.255.0"),
			Gateway:         netip.MustParseAddr("192.168.1.1"),
		},
		TimeNow:        time.Now,
		WriteQuota:     8192,
		WriteRetryFast: time.Millisecond,
		WriteRetrySlow: 20 * time.Millisecond,
	}
}

// validateConfig rejects settings that would stall the event pump or the
// stream writes.
func validateConfig(cfg *Config) error {
	for _, entry := range []struct {
		name string
		addr netip.Addr
	}{
		{"IP", cfg.Netif.IP},
		{"Netmask", cfg.Netif.Netmask},
		{"Gateway", cfg.Netif.Gateway},
	} {
		if !entry.addr.Is4() {
			return fmt.Errorf("%w: netif %s is not IPv4", ErrInvalidAddress, entry.name)
		}
	}
	for _, entry := range []struct {
		name  string
		value int64
	}{
		{"Interval", int64(cfg.Interval)},
		{"WriteQuota", int64(cfg.WriteQuota)},
		{"WriteRetryFast", int64(cfg.WriteRetryFast)},
		{"WriteRetrySlow", int64(cfg.WriteRetrySlow)},
	} {
		if entry.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, entry.name)
		}
	}
	return nil
}
