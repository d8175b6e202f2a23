// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"weak"

	"github.com/bassosimone/runtimex"
)

// registry maps engine handles to the sockets owning them.
//
// Entries hold weak pointers so that the registry never keeps a socket
// alive: a socket becoming unreachable resolves to nothing and its
// handle is released by the reclamation path.
//
// Each entry carries a generation number, which lets a stale reclaim
// ticket recognize that the handle has since been closed or reused.
//
// Not safe for concurrent use. The [*Stack] accesses it with its lock held.
type registry[T any] struct {
	entries map[Handle]registryEntry[T]
	nextgen uint64
}

type registryEntry[T any] struct {
	gen  uint64
	sock weak.Pointer[T]
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{entries: make(map[Handle]registryEntry[T])}
}

// register associates h with sock and returns the entry generation.
//
// Panics if h is zero or already registered.
func (r *registry[T]) register(h Handle, sock *T) uint64 {
	runtimex.Assert(h != 0)
	_, found := r.entries[h]
	runtimex.Assert(!found)
	r.nextgen++
	r.entries[h] = registryEntry[T]{gen: r.nextgen, sock: weak.Make(sock)}
	return r.nextgen
}

// resolve returns the live socket owning h, if any.
func (r *registry[T]) resolve(h Handle) (*T, bool) {
	entry, found := r.entries[h]
	if !found {
		return nil, false
	}
	sock := entry.sock.Value()
	return sock, sock != nil
}

// unregister removes h. Calling it for an unknown handle is a no-op.
func (r *registry[T]) unregister(h Handle) {
	delete(r.entries, h)
}

// replace moves sock from oldh to newh and returns the new generation.
func (r *registry[T]) replace(oldh, newh Handle, sock *T) uint64 {
	r.unregister(oldh)
	return r.register(newh, sock)
}

// generation returns the generation of the entry for h.
func (r *registry[T]) generation(h Handle) (uint64, bool) {
	entry, found := r.entries[h]
	return entry.gen, found
}

// handles returns the registered handles.
func (r *registry[T]) handles() []Handle {
	out := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	return out
}

// len returns the number of registered handles.
func (r *registry[T]) len() int {
	return len(r.entries)
}
