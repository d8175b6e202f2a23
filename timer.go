// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock

import (
	"slices"
	"time"
)

// timerList holds continuations scheduled to run at a given time.
//
// Not safe for concurrent use. The [*Stack] accesses it with its lock held.
type timerList struct {
	entries []timerEntry
}

type timerEntry struct {
	due time.Time
	fn  func()
}

// schedule arranges for fn to run once the clock reaches due.
//
// Entries with the same due time run in scheduling order.
func (tl *timerList) schedule(due time.Time, fn func()) {
	idx, _ := slices.BinarySearchFunc(tl.entries, due, func(e timerEntry, t time.Time) int {
		if e.due.After(t) {
			return 1
		}
		return -1
	})
	tl.entries = slices.Insert(tl.entries, idx, timerEntry{due: due, fn: fn})
}

// popDue removes and returns the continuations due at now, in order.
func (tl *timerList) popDue(now time.Time) []func() {
	var fns []func()
	for len(tl.entries) > 0 && !tl.entries[0].due.After(now) {
		fns = append(fns, tl.entries[0].fn)
		tl.entries[0] = timerEntry{}
		tl.entries = tl.entries[1:]
	}
	return fns
}

// len returns the number of pending continuations.
func (tl *timerList) len() int {
	return len(tl.entries)
}
