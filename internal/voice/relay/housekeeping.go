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
	"log/slog"
	"time"

	"github.com/voicerelay/voicerelay/internal/voice/events"
)

// staleBufferMaxAge is the maxAge housekeeping passes to Cleanup: a front
// entry that has waited behind a gap for longer than this has the gap
// skipped, making it poppable. It is longer than the default 400ms jitter
// window, so the per-tick Cleanup in the fan-out loop normally skips such a
// gap first.
const staleBufferMaxAge = 500 * time.Millisecond

// Housekeep runs the coarse sweep described in spec §4.7: expire idle
// sessions, reap timed-out pending handshakes, drop dead jitter buffers,
// and prune empty channels. It is invoked on the HousekeepingInterval
// cadence by a gocron job (see cmd), not by Relay's own dispatch/fan-out
// tasks, matching SPEC_FULL.md's "Scheduling" ambient section.
func (r *Relay) Housekeep(now time.Time) {
	expiredSessions := r.sessions.ExpireIdle(now, r.cfg.Relay.SessionTimeout)
	for _, sess := range expiredSessions {
		r.channels.RemoveMember(sess.ChannelID, sess.PrincipalID)
		r.buffers.remove(sess.PrincipalID)
		r.sink.Emit(events.Event{
			Kind:        events.KindUserLeft,
			At:          now,
			PrincipalID: sess.PrincipalID,
			ChannelID:   sess.ChannelID,
		})
	}
	if n := len(expiredSessions); n > 0 {
		slog.Debug("relay: housekeeping expired idle sessions", "count", n)
	}

	reapedHandshakes := r.handshake.Pending().ReapExpired(now, r.cfg.Relay.HandshakeDeadline)
	if n := len(reapedHandshakes); n > 0 {
		slog.Debug("relay: housekeeping reaped pending handshakes", "count", n)
	}

	prunedBuffers := r.buffers.pruneStale(now, staleBufferMaxAge, func(principalID string) bool {
		_, ok := r.sessions.LookupByPrincipal(principalID)
		return ok
	})
	if n := len(prunedBuffers); n > 0 {
		slog.Debug("relay: housekeeping pruned dead jitter buffers", "count", n)
	}

	prunedChannels := r.channels.PruneEmpty()
	if n := len(prunedChannels); n > 0 {
		slog.Debug("relay: housekeeping pruned empty channels", "count", n)
	}

	r.metrics.SetActiveSessions(float64(r.sessions.Len()))
	r.metrics.SetActiveJitterBuffers(float64(r.buffers.len()))
}
