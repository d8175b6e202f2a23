// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

// Status is an engine status code.
//
// [StatusOK] means success; every other value is a failure whose meaning is
// defined by the engine. The numbering follows lwIP's err_t.
type Status int

// Engine status codes.
const (
	StatusOK              Status = 0
	StatusNoMemory        Status = -1
	StatusBuffer          Status = -2
	StatusTimeout         Status = -3
	StatusRouting         Status = -4
	StatusInProgress      Status = -5
	StatusIllegalValue    Status = -6
	StatusWouldBlock      Status = -7
	StatusAddrInUse       Status = -8
	StatusAlready         Status = -9
	StatusIsConnected     Status = -10
	StatusNotConnected    Status = -11
	StatusInterface       Status = -12
	StatusAborted         Status = -13
	StatusReset           Status = -14
	StatusClosed          Status = -15
	StatusIllegalArgument Status = -16
)

var statusText = map[Status]string{
	StatusOK:              "Ok.",
	StatusNoMemory:        "Out of memory error.",
	StatusBuffer:          "Buffer error.",
	StatusTimeout:         "Timeout.",
	StatusRouting:         "Routing problem.",
	StatusInProgress:      "Operation in progress.",
	StatusIllegalValue:    "Illegal value.",
	StatusWouldBlock:      "Operation would block.",
	StatusAddrInUse:       "Address in use.",
	StatusAlready:         "Already connecting.",
	StatusIsConnected:     "Already connected.",
	StatusNotConnected:    "Not connected.",
	StatusInterface:       "Low-level netif error.",
	StatusAborted:         "Connection aborted.",
	StatusReset:           "Connection reset.",
	StatusClosed:          "Connection closed.",
	StatusIllegalArgument: "Illegal argument.",
}

// String returns the human readable description of the status.
func (s Status) String() string {
	if text, found := statusText[s]; found {
		return text
	}
	return "Unknown error."
}
