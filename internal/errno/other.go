//go:build !unix && !windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package errno maps engine status codes to platform error numbers.
package errno

// FromStatus always returns nil on platforms without errno values.
func FromStatus(code int) error {
	return nil
}
