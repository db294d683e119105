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

// Package session implements the relay's session table: the live binding of
// a principal to a remote socket address and channel (spec §3/§4.2).
package session

import (
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Role mirrors a principal's role within a channel, as returned by the
// membership oracle.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Session is a live binding of a principal to a socket address and channel.
// Fields other than PrincipalID/SocketAddr/ChannelID (fixed at bind time)
// are mutated under mu.
type Session struct {
	PrincipalID string
	SocketAddr  string
	UDPAddr     *net.UDPAddr
	ChannelID   string

	mu          sync.Mutex
	role        Role
	muted       bool
	speaking    bool
	highestSeq  uint32
	lastActive  time.Time
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Session) HighestSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestSeq
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// ObserveSequence records seq as the highest-observed sender sequence if it
// is higher than what's already recorded, and refreshes last-activity.
func (s *Session) ObserveSequence(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.highestSeq {
		s.highestSeq = seq
	}
	s.lastActive = time.Now()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Target is a (principal, socket address) pair returned by BroadcastTargets.
// UDPAddr is the pre-resolved address cached at bind time so the fan-out
// tick never re-parses a socket address string on its hot path.
type Target struct {
	PrincipalID string
	SocketAddr  string
	UDPAddr     *net.UDPAddr
}

// Table is the relay's session table. Two xsync maps give O(1) hot-path
// lookups by socket and by principal without a shared lock, mirroring
// internal/dmr/hub/hub.go's xsync.Map-based activeStreams index; this
// deliberately does not replicate state.rs's linear get_user_by_socket scan
// over every channel (see SPEC_FULL.md §5).
type Table struct {
	bySocket    *xsync.Map[string, string] // socket addr -> principal id
	byPrincipal *xsync.Map[string, *Session]
}

// New constructs an empty session table.
func New() *Table {
	return &Table{
		bySocket:    xsync.NewMap[string, string](),
		byPrincipal: xsync.NewMap[string, *Session](),
	}
}

// Bind creates a session for principal, evicting any prior session for the
// same principal first (spec §4.2). It does not notify peers of the
// eviction; the caller handles announcements. Returns the new session and,
// if one existed, the evicted session.
func (t *Table) Bind(principalID string, addr net.Addr, channelID string, role Role) (current *Session, evicted *Session) {
	socket := addr.String()

	if prior, ok := t.byPrincipal.Load(principalID); ok {
		t.bySocket.Delete(prior.SocketAddr)
		evicted = prior
	}

	s := &Session{
		PrincipalID: principalID,
		SocketAddr:  socket,
		UDPAddr:     toUDPAddr(addr),
		ChannelID:   channelID,
		role:        role,
		lastActive:  time.Now(),
	}
	t.byPrincipal.Store(principalID, s)
	t.bySocket.Store(socket, principalID)
	return s, evicted
}

// LookupBySocket returns the session bound to addr, if any.
func (t *Table) LookupBySocket(addr net.Addr) (*Session, bool) {
	principalID, ok := t.bySocket.Load(addr.String())
	if !ok {
		return nil, false
	}
	return t.byPrincipal.Load(principalID)
}

// LookupByPrincipal returns the session bound to id, if any.
func (t *Table) LookupByPrincipal(principalID string) (*Session, bool) {
	return t.byPrincipal.Load(principalID)
}

// SetMute toggles the session's muted flag. Returns whether the session
// existed.
func (t *Table) SetMute(principalID string, muted bool) bool {
	s, ok := t.byPrincipal.Load(principalID)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.muted = muted
	s.lastActive = time.Now()
	s.mu.Unlock()
	return true
}

// SetSpeaking toggles the session's speaking flag. Returns whether the
// session existed.
func (t *Table) SetSpeaking(principalID string, speaking bool) bool {
	s, ok := t.byPrincipal.Load(principalID)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.speaking = speaking
	s.lastActive = time.Now()
	s.mu.Unlock()
	return true
}

// Touch refreshes the session's last-activity time. Returns whether the
// session existed.
func (t *Table) Touch(principalID string) bool {
	s, ok := t.byPrincipal.Load(principalID)
	if !ok {
		return false
	}
	s.touch()
	return true
}

// Remove deletes the session for principalID and prunes the inverse socket
// index. Returns the removed session, if any.
func (t *Table) Remove(principalID string) *Session {
	s, ok := t.byPrincipal.LoadAndDelete(principalID)
	if !ok {
		return nil
	}
	t.bySocket.Delete(s.SocketAddr)
	return s
}

// BroadcastTargets returns every session in senderPrincipal's channel except
// the sender itself, optionally excluding muted sessions. Order is
// unspecified but stable within this snapshot (spec §4.2).
func (t *Table) BroadcastTargets(senderPrincipal string, includeMuted bool) []Target {
	sender, ok := t.byPrincipal.Load(senderPrincipal)
	if !ok {
		return nil
	}
	channelID := sender.ChannelID

	var targets []Target
	t.byPrincipal.Range(func(principalID string, s *Session) bool {
		if principalID == senderPrincipal || s.ChannelID != channelID {
			return true
		}
		if !includeMuted && s.Muted() {
			return true
		}
		targets = append(targets, Target{PrincipalID: principalID, SocketAddr: s.SocketAddr, UDPAddr: s.UDPAddr})
		return true
	})
	return targets
}

// ExpireIdle removes every session whose last-activity exceeds timeout as
// of now, and returns the removed sessions (for housekeeping to emit
// UserLeft events and drop jitter buffers).
func (t *Table) ExpireIdle(now time.Time, timeout time.Duration) []*Session {
	var expired []*Session
	t.byPrincipal.Range(func(principalID string, s *Session) bool {
		if now.Sub(s.LastActive()) > timeout {
			expired = append(expired, s)
		}
		return true
	})
	for _, s := range expired {
		t.Remove(s.PrincipalID)
	}
	return expired
}

// toUDPAddr resolves addr to a *net.UDPAddr once at bind time so the
// fan-out hot path never re-parses a socket address string per tick.
func toUDPAddr(addr net.Addr) *net.UDPAddr {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u
	}
	u, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil
	}
	return u
}

// Len returns the current number of live sessions.
func (t *Table) Len() int {
	n := 0
	t.byPrincipal.Range(func(string, *Session) bool {
		n++
		return true
	})
	return n
}
