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

// Package handshake implements the relay's handshake engine (spec §4.3): a
// socket address state machine (Unknown -> Pending -> Established) backed
// by external credential verification and membership checks that must
// complete before any shared-table lock is taken (spec §5).
package handshake

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// PendingRecord is a provisional handshake-in-progress, keyed by socket
// address, per spec §3 "Pending handshake".
type PendingRecord struct {
	PrincipalID string
	ChannelID   string
	StartedAt   time.Time
}

// PendingTable tracks in-flight handshakes. Grounded on
// original_source/backend/src/audio/server.rs's pending_handshakes map and
// internal/kv/memory.go's xsync-backed store shape.
type PendingTable struct {
	records *xsync.Map[string, PendingRecord]
}

// NewPendingTable constructs an empty pending table.
func NewPendingTable() *PendingTable {
	return &PendingTable{records: xsync.NewMap[string, PendingRecord]()}
}

// Get returns the pending record for socket, if any.
func (t *PendingTable) Get(socket string) (PendingRecord, bool) {
	return t.records.Load(socket)
}

// Put registers or overwrites the pending record for socket.
func (t *PendingTable) Put(socket string, rec PendingRecord) {
	t.records.Store(socket, rec)
}

// Delete removes the pending record for socket, if any.
func (t *PendingTable) Delete(socket string) {
	t.records.Delete(socket)
}

// ReapExpired removes every pending record older than deadline as of now,
// returning the socket addresses reaped (spec §4.7 housekeeping).
func (t *PendingTable) ReapExpired(now time.Time, deadline time.Duration) []string {
	var expired []string
	t.records.Range(func(socket string, rec PendingRecord) bool {
		if now.Sub(rec.StartedAt) > deadline {
			expired = append(expired, socket)
		}
		return true
	})
	for _, socket := range expired {
		t.records.Delete(socket)
	}
	return expired
}
