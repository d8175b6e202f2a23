//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
//

package errno

import "golang.org/x/sys/windows"

const (
	errEADDRINUSE   = windows.WSAEADDRINUSE
	errEALREADY     = windows.WSAEALREADY
	errECONNABORTED = windows.WSAECONNABORTED
	errECONNRESET   = windows.WSAECONNRESET
	errEHOSTUNREACH = windows.WSAEHOSTUNREACH
	errEINPROGRESS  = windows.WSAEINPROGRESS
	errEINVAL       = windows.WSAEINVAL
	errEISCONN      = windows.WSAEISCONN
	errENETDOWN     = windows.WSAENETDOWN
	errENOBUFS      = windows.WSAENOBUFS
	errENOTCONN     = windows.WSAENOTCONN
	errETIMEDOUT    = windows.WSAETIMEDOUT
	errEWOULDBLOCK  = windows.WSAEWOULDBLOCK
)
