//go:build unix || windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package errno maps engine status codes to platform error numbers.
//
// The mapping allows errors.Is and error classifiers that reason in terms
// of errno values to understand failures reported by a user-space stack.
package errno

// FromStatus returns the platform errno corresponding to an engine status
// code, or nil when the code is zero or has no sensible equivalent.
func FromStatus(code int) error {
	switch code {
	case -1, -2: // out of memory, buffer error
		return errENOBUFS
	case -3:
		return errETIMEDOUT
	case -4:
		return errEHOSTUNREACH
	case -5:
		return errEINPROGRESS
	case -6, -16: // illegal value, illegal argument
		return errEINVAL
	case -7:
		return errEWOULDBLOCK
	case -8:
		return errEADDRINUSE
	case -9:
		return errEALREADY
	case -10:
		return errEISCONN
	case -11, -15: // not connected, connection closed
		return errENOTCONN
	case -12:
		return errENETDOWN
	case -13:
		return errECONNABORTED
	case -14:
		return errECONNRESET
	default:
		return nil
	}
}
