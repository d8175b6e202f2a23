// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
)

// writeOp is a stream write in progress.
type writeOp struct {
	data       []byte
	future     *Future
	iterations int
	offset     int
	t0         time.Time
}

// Write sends data over the connection.
//
// The returned [*Future] settles with nil once the engine has accepted
// every byte, which does not imply the peer received them. The payload
// is pushed in chunks bounded by the engine send buffer, the shared
// buffer capacity, and the configured per-tick quota, so payloads of any
// size are accepted. Chunks preserve the byte order of data.
//
// The Future rejects with [ErrConnectionClosed] when the socket is closed
// before the write completes and with [ErrWriteInProgress] when another
// write is still pending. Write copies data, so the caller may reuse it.
func (sock *StreamSocket) Write(data []byte) *Future {
	s := sock.stack
	s.mu.Lock()
	defer s.unlock()

	if sock.handle == 0 {
		return newSettledFuture(&EngineError{Op: "write", Status: StatusClosed})
	}
	if sock.write != nil {
		return newSettledFuture(ErrWriteInProgress)
	}

	op := &writeOp{
		data:   bytes.Clone(data),
		future: newFuture(),
		t0:     s.timeNow(),
	}
	sock.write = op
	s.logger.Debug("writeStart", sock.attrs(slog.Int("ioBufferSize", len(data)), slog.Time("t", op.t0))...)
	sock.writeIterationLocked(op)
	return op.future
}

// writeIterationLocked pushes as much of op as the engine accepts, then
// either settles op or schedules the next iteration.
func (sock *StreamSocket) writeIterationLocked(op *writeOp) {
	if sock.write != op {
		return // settled meanwhile
	}
	s := sock.stack
	h := sock.handle
	runtimex.Assert(h != 0)
	op.iterations++

	var written int
	for {
		count := min(
			len(op.data)-op.offset,
			s.engine.TCPSndBuf(h),
			bufferCapacity(s.engine),
			s.writeQuota-written,
		)
		if count <= 0 {
			break
		}
		runtimex.Assert(bufferSet(s.engine, op.data[op.offset:op.offset+count]) == nil)
		more := op.offset+count < len(op.data)
		if s.engine.TCPWrite(h, more) != StatusOK {
			break
		}
		written += count
		op.offset += count
	}
	s.engine.TCPOutput(h)

	s.logger.Debug("writeIteration", sock.attrs(
		slog.Int("ioBytesCount", written),
		slog.Int("iteration", op.iterations),
		slog.Int("offset", op.offset),
		slog.Time("t", s.timeNow()),
	)...)

	if op.offset == len(op.data) {
		sock.settleWriteLocked(op, nil)
		return
	}

	delay := s.writeRetrySlow
	if written > 0 {
		delay = s.writeRetryFast
	}
	s.timers.schedule(s.timeNow().Add(delay), func() {
		sock.writeIterationLocked(op)
	})
}

func (sock *StreamSocket) settleWriteLocked(op *writeOp, err error) {
	sock.write = nil
	op.future.settle(err)
	s := sock.stack
	s.logger.Debug("writeDone", sock.attrs(
		append([]any{slog.Int("ioBytesCount", op.offset), slog.Int("iterations", op.iterations)}, s.doneAttrs(op.t0, err)...)...,
	)...)
}

// rejectWriteLocked settles the pending write, if any, with err.
func (sock *StreamSocket) rejectWriteLocked(err error) {
	if op := sock.write; op != nil {
		sock.settleWriteLocked(op, err)
	}
}
