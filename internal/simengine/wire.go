// SPDX-License-Identifier: GPL-3.0-or-later

package simengine

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/lwsock"
)

// Wire is a lossless, in-order point-to-point link between two stacks.
//
// Frames a stack emits while ticking are injected into the peer right
// away, so both stacks must be ticked for traffic to flow.
//
// Construct using [NewWire].
type Wire struct {
	cancels   []func()
	closeonce sync.Once
	dropped   atomic.Int64
	frames    atomic.Int64
}

// NewWire connects the link layers of a and b.
func NewWire(a, b *lwsock.Stack) *Wire {
	w := &Wire{}
	w.cancels = []func(){
		a.OnFrame(w.forwardTo(b)),
		b.OnFrame(w.forwardTo(a)),
	}
	return w
}

func (w *Wire) forwardTo(dst *lwsock.Stack) func(frame []byte) {
	return func(frame []byte) {
		w.frames.Add(1)
		if err := dst.InjectFrame(frame); err != nil {
			w.dropped.Add(1)
		}
	}
}

// Frames returns the number of frames carried so far.
func (w *Wire) Frames() int64 {
	return w.frames.Load()
}

// Dropped returns the number of frames the receiving stack refused.
func (w *Wire) Dropped() int64 {
	return w.dropped.Load()
}

// Close disconnects the stacks. Calling it more than once is a no-op.
func (w *Wire) Close() error {
	w.closeonce.Do(func() {
		for _, cancel := range w.cancels {
			cancel()
		}
	})
	return nil
}
