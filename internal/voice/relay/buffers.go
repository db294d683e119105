// SPDX-License-Identifier: AGPL-3.0-or-later
// voicerelay - a real-time UDP voice relay for multi-user voice channels
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package relay

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/voicerelay/voicerelay/internal/voice/jitter"
)

// guardedBuffer pairs a jitter.Buffer with the mutex that serializes access
// to it: Insert runs from short-lived dispatch goroutines (one per inbound
// voice datagram) while PopNext/Cleanup run from the fan-out/housekeeping
// tickers, all potentially concurrent for the same sender.
type guardedBuffer struct {
	mu  sync.Mutex
	buf *jitter.Buffer
}

// bufferTable owns one jitter buffer per active voice sender, keyed by
// principal id (spec §3 "Jitter buffer"/"Every jitter buffer has a unique
// owning principal").
type bufferTable struct {
	entries *xsync.Map[string, *guardedBuffer]
	size    int
	window  time.Duration
}

func newBufferTable(size int, window time.Duration) *bufferTable {
	return &bufferTable{entries: xsync.NewMap[string, *guardedBuffer](), size: size, window: window}
}

// create installs a fresh, empty buffer for principalID, replacing any
// prior one (handshake re-establishment discards stale reorder state).
func (t *bufferTable) create(principalID string) {
	t.entries.Store(principalID, &guardedBuffer{buf: jitter.New(t.size, t.window)})
}

// remove deletes the buffer for principalID, if any.
func (t *bufferTable) remove(principalID string) {
	t.entries.Delete(principalID)
}

// insert inserts entry into principalID's buffer, creating it if absent
// (defensive: a voice frame that races a concurrent leave/reconnect still
// needs somewhere to land). Returns false and the rejection reason if the
// buffer rejected the entry per spec §4.4.
func (t *bufferTable) insert(principalID string, entry jitter.Entry) (bool, jitter.RejectReason) {
	gb, _ := t.entries.LoadOrStore(principalID, &guardedBuffer{buf: jitter.New(t.size, t.window)})
	gb.mu.Lock()
	defer gb.mu.Unlock()
	return gb.buf.InsertWithReason(entry)
}

// popNext pops the next in-order entry from principalID's buffer, if any.
func (t *bufferTable) popNext(principalID string) (jitter.Entry, bool) {
	gb, ok := t.entries.Load(principalID)
	if !ok {
		return jitter.Entry{}, false
	}
	gb.mu.Lock()
	defer gb.mu.Unlock()
	return gb.buf.PopNext()
}

// forEach calls fn(principalID) for every buffer, in no particular order;
// the pop passed to fn reports false when nothing is poppable. fn itself performs the pop so
// the fan-out scheduler only takes the per-buffer lock once per sender
// per tick. Before popping, it gives each buffer a chance to skip a gap
// that has aged out past the jitter window (spec §4.4 Rationale/scenario
// 3), so a stalled sender recovers on its own within about one window's
// worth of fan-out ticks rather than waiting for the coarse housekeeping
// sweep.
func (t *bufferTable) forEach(now time.Time, fn func(principalID string, pop func() (jitter.Entry, bool))) {
	t.entries.Range(func(principalID string, gb *guardedBuffer) bool {
		fn(principalID, func() (jitter.Entry, bool) {
			gb.mu.Lock()
			defer gb.mu.Unlock()
			gb.buf.Cleanup(now, t.window)
			return gb.buf.PopNext()
		})
		return true
	})
}

// pruneStale removes buffers that are empty, never played a frame, and
// have no owning session, per spec §4.7. hasSession reports whether
// principalID still owns a live session. It also runs Cleanup on every
// buffer, which skips a front gap older than maxAge; Cleanup removes no
// entries.
func (t *bufferTable) pruneStale(now time.Time, maxAge time.Duration, hasSession func(principalID string) bool) []string {
	var pruned []string
	t.entries.Range(func(principalID string, gb *guardedBuffer) bool {
		gb.mu.Lock()
		gb.buf.Cleanup(now, maxAge)
		empty := gb.buf.IsEmpty()
		neverPlayed := gb.buf.LastPlayed() == 0
		gb.mu.Unlock()

		if empty && neverPlayed && !hasSession(principalID) {
			pruned = append(pruned, principalID)
		}
		return true
	})
	for _, id := range pruned {
		t.entries.Delete(id)
	}
	return pruned
}

// len returns the current number of open jitter buffers.
func (t *bufferTable) len() int {
	n := 0
	t.entries.Range(func(string, *guardedBuffer) bool {
		n++
		return true
	})
	return n
}
