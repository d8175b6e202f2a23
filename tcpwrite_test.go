// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendBuffer emulates an engine send buffer that the test refills.
type sendBuffer struct {
	avail   int
	chunks  []string
	written []byte
}

func (sb *sendBuffer) install(engine *funcEngine) {
	engine.TCPSndBufFunc = func(Handle) int { return sb.avail }
	engine.TCPWriteFunc = func(h Handle, more bool) Status {
		chunk := engine.buf[:engine.buflen]
		if len(chunk) > sb.avail {
			return StatusNoMemory
		}
		sb.avail -= len(chunk)
		sb.written = append(sb.written, chunk...)
		sb.chunks = append(sb.chunks, fmt.Sprintf("%d/%v", len(chunk), more))
		return StatusOK
	}
}

// A write that fits settles before Write returns.
func TestStreamSocketWriteImmediate(t *testing.T) {
	engine := newFuncEngine(1500)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)
	engine.calls = nil

	future := sock.Write([]byte("hello"))

	require.True(t, future.Settled())
	require.NoError(t, future.Err())
	assert.Equal(t, []string{"TCPWrite(1, 5, false)", "TCPOutput(1)"}, engine.calls)
}

// A write larger than the send buffer continues at later ticks and
// preserves the byte order.
func TestStreamSocketWriteIterations(t *testing.T) {
	engine := newFuncEngine(1500)
	sb := &sendBuffer{avail: 4}
	sb.install(engine)
	s, clock := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	data := []byte("0123456789")
	future := sock.Write(data)
	data[0] = 'X' // Write copied the payload

	for range 10 {
		if future.Settled() {
			break
		}
		assert.ErrorIs(t, sock.Write([]byte("y")).Err(), ErrWriteInProgress)
		sb.avail = 4
		clock.Advance(time.Millisecond)
		s.Tick()
	}

	require.NoError(t, future.Wait(context.Background()))
	assert.Equal(t, "0123456789", string(sb.written))
	assert.Equal(t, []string{"4/true", "4/true", "2/false"}, sb.chunks)
}

// A write making no progress backs off to the slow retry delay.
func TestStreamSocketWriteSlowRetry(t *testing.T) {
	engine := newFuncEngine(1500)
	sb := &sendBuffer{avail: 0}
	sb.install(engine)
	s, clock := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	future := sock.Write([]byte("abc"))
	require.False(t, future.Settled())

	sb.avail = 100
	clock.Advance(time.Millisecond)
	s.Tick()
	assert.False(t, future.Settled(), "the retry is not due yet")

	clock.Advance(20 * time.Millisecond)
	s.Tick()
	assert.True(t, future.Settled())
	assert.Equal(t, "abc", string(sb.written))
}

// Each iteration pushes at most the configured quota.
func TestStreamSocketWriteQuota(t *testing.T) {
	engine := newFuncEngine(32768)
	sb := &sendBuffer{avail: 1 << 20}
	sb.install(engine)
	s, clock := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	payload := make([]byte, 20000)
	future := sock.Write(payload)
	assert.Equal(t, []string{"8192/true"}, sb.chunks)

	for !future.Settled() {
		clock.Advance(time.Millisecond)
		s.Tick()
	}
	assert.Equal(t, []string{"8192/true", "8192/true", "3616/false"}, sb.chunks)
}

// Closing the socket rejects the pending write.
func TestStreamSocketWriteRejectedByClose(t *testing.T) {
	engine := newFuncEngine(1500)
	sb := &sendBuffer{avail: 0}
	sb.install(engine)
	s, clock := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	future := sock.Write([]byte("never"))
	require.NoError(t, sock.Close())

	require.ErrorIs(t, future.Wait(context.Background()), ErrConnectionClosed)

	// the scheduled continuation finds nothing to do
	sb.avail = 100
	clock.Advance(time.Second)
	s.Tick()
	assert.Empty(t, sb.written)
}

// An engine error rejects the pending write with that error.
func TestStreamSocketWriteRejectedByError(t *testing.T) {
	engine := newFuncEngine(1500)
	sb := &sendBuffer{avail: 0}
	sb.install(engine)
	s, _ := newTestStack(t, engine, DefaultSLogger())
	sock := connectedSocket(t, s, engine)

	future := sock.Write([]byte("never"))
	fire(t, s, engine, func() {
		engine.fireTCP(1, EventErr, int(StatusReset), 0)
	})

	err := future.Wait(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.NotErrorIs(t, err, ErrConnectionClosed)
}
