// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// emitter is a typed multi-subscriber notification point.
//
// The zero value is ready to use. Subscribing and cancelling are safe
// from any goroutine, including from within a listener.
type emitter[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
}

type listener[T any] struct {
	fn func(T)
}

// subscribe registers fn and returns a function that removes it.
//
// The returned cancel function is idempotent.
func (e *emitter[T]) subscribe(fn func(T)) (cancel func()) {
	l := &listener[T]{fn: fn}
	e.mu.Lock()
	// copy on write so emit can iterate without holding the lock
	e.listeners = append(slices.Clone(e.listeners), l)
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.listeners = slices.DeleteFunc(slices.Clone(e.listeners), func(x *listener[T]) bool {
				return x == l
			})
			e.mu.Unlock()
		})
	}
}

// emit invokes every listener registered at the time of the call.
//
// A panicking listener is recovered and logged. The remaining
// listeners are still invoked.
func (e *emitter[T]) emit(logger SLogger, event string, value T) {
	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()
	for _, l := range listeners {
		e.invoke(logger, event, l, value)
	}
}

func (e *emitter[T]) invoke(logger SLogger, event string, l *listener[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(
				"listenerPanic",
				slog.String("event", event),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.fn(value)
}

// count returns the number of registered listeners.
func (e *emitter[T]) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
