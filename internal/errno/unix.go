//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/unix.go
//

package errno

import "golang.org/x/sys/unix"

const (
	errEADDRINUSE   = unix.EADDRINUSE
	errEALREADY     = unix.EALREADY
	errECONNABORTED = unix.ECONNABORTED
	errECONNRESET   = unix.ECONNRESET
	errEHOSTUNREACH = unix.EHOSTUNREACH
	errEINPROGRESS  = unix.EINPROGRESS
	errEINVAL       = unix.EINVAL
	errEISCONN      = unix.EISCONN
	errENETDOWN     = unix.ENETDOWN
	errENOBUFS      = unix.ENOBUFS
	errENOTCONN     = unix.ENOTCONN
	errETIMEDOUT    = unix.ETIMEDOUT
	errEWOULDBLOCK  = unix.EWOULDBLOCK
)
