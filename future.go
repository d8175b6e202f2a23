// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"context"
	"sync/atomic"
)

// Future is the result of an asynchronous socket operation.
//
// A Future settles exactly once, either successfully (nil error) or with
// an error. Closing a socket may leave a pending connect Future unsettled
// forever, so callers should always bound [*Future.Wait] with a context.
type Future struct {
	done    chan struct{}
	err     error
	settled atomic.Bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// newSettledFuture returns a [*Future] already settled with err.
func newSettledFuture(err error) *Future {
	f := newFuture()
	f.settle(err)
	return f
}

// settle records the outcome and returns whether this call settled the future.
func (f *Future) settle(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome, or nil if the future has not settled yet.
//
// Use [*Future.Done] or [*Future.Wait] to distinguish a pending future
// from a successfully settled one.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Settled returns whether the future has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or the context is done.
//
// Returns the outcome of the future or the context error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
