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

// Package channel holds the relay's local projection of channel membership
// (spec §3). The server does not own the authoritative roster — that lives
// in the external membership oracle — this is only a fast fan-out index.
package channel

import (
	"sync"
	"time"
)

// Table is a RWMutex-guarded map of channel id to member principal ids,
// grounded on internal/dmr/hub/hub.go's RWMutex-guarded servers map: bulk
// membership reads on the fan-out tick are cheap under a read lock, and
// membership changes (join/leave) are comparatively rare.
type Table struct {
	mu       sync.RWMutex
	channels map[string]*channelState
}

type channelState struct {
	members      map[string]struct{}
	lastActivity time.Time
}

// New constructs an empty channel table.
func New() *Table {
	return &Table{channels: make(map[string]*channelState)}
}

// Ensure creates an empty record for channelID if it is absent. It returns
// nothing.
func (t *Table) Ensure(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(channelID)
}

func (t *Table) ensureLocked(channelID string) *channelState {
	c, ok := t.channels[channelID]
	if !ok {
		c = &channelState{members: make(map[string]struct{}), lastActivity: time.Now()}
		t.channels[channelID] = c
	}
	return c
}

// AddMember adds principalID to channelID's member set, creating the
// channel if needed.
func (t *Table) AddMember(channelID, principalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.ensureLocked(channelID)
	c.members[principalID] = struct{}{}
	c.lastActivity = time.Now()
}

// RemoveMember removes principalID from channelID's member set. If the
// channel becomes empty, it is deleted. Returns whether the channel still
// exists afterward.
func (t *Table) RemoveMember(channelID, principalID string) (channelStillExists bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.channels[channelID]
	if !ok {
		return false
	}
	delete(c.members, principalID)
	if len(c.members) == 0 {
		delete(t.channels, channelID)
		return false
	}
	c.lastActivity = time.Now()
	return true
}

// MembersExcept returns every member of channelID except excludePrincipal.
func (t *Table) MembersExcept(channelID, excludePrincipal string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(c.members))
	for id := range c.members {
		if id != excludePrincipal {
			members = append(members, id)
		}
	}
	return members
}

// IsEmpty reports whether channelID has no members, or doesn't exist.
func (t *Table) IsEmpty(channelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.channels[channelID]
	return !ok || len(c.members) == 0
}

// Remove deletes channelID unconditionally.
func (t *Table) Remove(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channelID)
}

// PruneEmpty removes every channel with no members, per spec §4.7
// housekeeping. Returns the removed channel ids.
func (t *Table) PruneEmpty() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pruned []string
	for id, c := range t.channels {
		if len(c.members) == 0 {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		delete(t.channels, id)
	}
	return pruned
}

// Len returns the current number of tracked channels.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

// MemberCount returns the number of members in channelID.
func (t *Table) MemberCount(channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.channels[channelID]
	if !ok {
		return 0
	}
	return len(c.members)
}

// MemberCounts returns a snapshot of member count per channel id, for
// SPEC_FULL.md §10's per-channel statistics (Relay.Stats()).
func (t *Table) MemberCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[string]int, len(t.channels))
	for id, c := range t.channels {
		counts[id] = len(c.members)
	}
	return counts
}
