// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"bytes"
	"fmt"
)

// bufferSet copies data into the shared buffer and records its length.
//
// The caller must hold the stack lock. Payloads larger than the buffer
// capacity are rejected before touching the buffer.
func bufferSet(engine Engine, data []byte) error {
	buf := engine.Buffer()
	if len(data) > len(buf) {
		return fmt.Errorf("%w: %d > %d bytes", ErrCapacityExceeded, len(data), len(buf))
	}
	copy(buf, data)
	engine.SetBufferLen(len(data))
	return nil
}

// bufferGet returns a copy of the valid bytes in the shared buffer.
//
// The caller must hold the stack lock. The returned slice stays valid
// after the buffer is reused.
func bufferGet(engine Engine) []byte {
	buf := engine.Buffer()
	count := min(max(engine.BufferLen(), 0), len(buf))
	return bytes.Clone(buf[:count])
}

// bufferCapacity returns the size of the shared buffer.
func bufferCapacity(engine Engine) int {
	return len(engine.Buffer())
}
