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

// Package jitter implements the per-sender jitter buffer described in
// spec.md §4.4, a direct port of the reference JitterBuffer algorithm.
package jitter

import (
	"sort"
	"time"
)

// Entry is one buffered, not-yet-played voice frame.
type Entry struct {
	Sequence   uint32
	Timestamp  uint64
	Payload    []byte
	ReceivedAt time.Time
}

// Buffer is a bounded, ascending-sequence reorder buffer for one sender.
// Pop is strictly in-order: a single missing sequence stalls the buffer
// until Cleanup gives up on the gap in front of the front entry (spec §4.4
// Rationale).
type Buffer struct {
	entries          []Entry
	lastPlayed       uint32
	maxSize          int
	window           time.Duration
}

// New constructs an empty buffer bounded to maxSize entries with reordering
// window w.
func New(maxSize int, w time.Duration) *Buffer {
	return &Buffer{maxSize: maxSize, window: w}
}

// RejectReason distinguishes why Insert refused an entry, so callers can
// count stale/duplicate drops separately from buffer-full drops (spec §4.4,
// "the jitter buffer can tell you" which one occurred).
type RejectReason int

const (
	// RejectNone is the zero value, reported alongside an accepted insert.
	RejectNone RejectReason = iota
	// RejectStale means entry.Sequence is at or below the last-played
	// sequence.
	RejectStale
	// RejectDuplicate means an entry with the same sequence is already
	// buffered.
	RejectDuplicate
	// RejectBufferFull means the buffer was at maxSize and entry fell
	// inside the reordering window of the front entry.
	RejectBufferFull
)

// Insert attempts to add entry to the buffer. Returns false (rejected) if:
//   - entry.Sequence <= the last-played sequence,
//   - an entry with the same sequence is already present,
//   - the buffer is full and entry's timestamp is older than
//     front.Timestamp + window.
//
// Otherwise it is inserted at the position keeping entries ordered by
// ascending sequence.
func (b *Buffer) Insert(entry Entry) bool {
	accepted, _ := b.InsertWithReason(entry)
	return accepted
}

// InsertWithReason is Insert, but also reports why a rejected entry was
// rejected. reason is RejectNone when accepted is true.
func (b *Buffer) InsertWithReason(entry Entry) (accepted bool, reason RejectReason) {
	if entry.Sequence <= b.lastPlayed {
		return false, RejectStale
	}

	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Sequence >= entry.Sequence
	})
	if idx < len(b.entries) && b.entries[idx].Sequence == entry.Sequence {
		return false, RejectDuplicate
	}

	if len(b.entries) >= b.maxSize {
		front := b.entries[0]
		windowMs := uint64(b.window / time.Millisecond)
		if entry.Timestamp < front.Timestamp+windowMs {
			return false, RejectBufferFull
		}
	}

	b.entries = append(b.entries, Entry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry
	return true, RejectNone
}

// PopNext returns the front entry and advances lastPlayed iff the front's
// sequence equals lastPlayed+1. Otherwise returns (Entry{}, false) without
// mutating the buffer.
func (b *Buffer) PopNext() (Entry, bool) {
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	front := b.entries[0]
	if front.Sequence != b.lastPlayed+1 {
		return Entry{}, false
	}
	b.entries = b.entries[1:]
	b.lastPlayed = front.Sequence
	return front, true
}

// Cleanup gives up waiting on a gap that has sat at the front longer than
// maxAge: if the front entry is not yet poppable (its sequence is ahead of
// lastPlayed+1) and it has been waiting past maxAge, the missing
// sequence(s) before it are declared permanently lost and lastPlayed
// advances to front.Sequence-1, so the very next PopNext call delivers the
// front entry instead of continuing to stall on it (spec §4.4 Rationale:
// "cleanup advances past it on the next tick"; scenario 3: after W ms, the
// frame past the gap is forwarded, and the missing one arriving later is
// stale). It does nothing if the buffer is empty, the front is already
// poppable, or the gap hasn't aged out yet. Returns the number of
// sequence numbers given up on.
func (b *Buffer) Cleanup(now time.Time, maxAge time.Duration) int {
	if len(b.entries) == 0 {
		return 0
	}
	front := b.entries[0]
	if front.Sequence == b.lastPlayed+1 {
		return 0
	}
	if now.Sub(front.ReceivedAt) <= maxAge {
		return 0
	}
	skipped := int(front.Sequence - b.lastPlayed - 1)
	b.lastPlayed = front.Sequence - 1
	return skipped
}

// IsEmpty reports whether the buffer holds no entries.
func (b *Buffer) IsEmpty() bool {
	return len(b.entries) == 0
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// LastPlayed returns the highest sequence number handed out by PopNext so
// far (0 if none yet).
func (b *Buffer) LastPlayed() uint32 {
	return b.lastPlayed
}
