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
	"context"
	"time"

	"github.com/voicerelay/voicerelay/internal/voice/codec"
	"github.com/voicerelay/voicerelay/internal/voice/events"
	"github.com/voicerelay/voicerelay/internal/voice/jitter"
)

// fanOutLoop runs the steady-state forwarding path on its own dedicated
// ticker (spec §4.6/§9 "the steady-state fan-out tick benefits from
// running on a dedicated worker to avoid contention with the receive
// path"). It deliberately uses a bare time.Ticker rather than gocron: at a
// 20ms default cadence a general-purpose scheduler is the wrong tool,
// mirroring the teacher's own use of a raw loop for its lowest-latency
// receive path rather than a scheduler abstraction.
func (r *Relay) fanOutLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Relay.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.fanOutTick(ctx, now)
		}
	}
}

// fanOutTick drains one in-order entry from every jitter buffer that has
// one ready and forwards it to every eligible peer in the sender's
// channel. For each popped entry it allocates the outbound frame and the
// member-id slice returned by MembersExcept; no scratch buffer is reused
// across ticks.
func (r *Relay) fanOutTick(ctx context.Context, now time.Time) {
	_, span := tracer.Start(ctx, "relay.fanOutTick")
	defer span.End()

	start := time.Now()

	r.buffers.forEach(now, func(principalID string, pop func() (jitter.Entry, bool)) {
		entry, ok := pop()
		if !ok {
			return
		}

		frame := codec.EncodeVoiceFrame(codec.VoiceFrame{
			Sequence:  entry.Sequence,
			Timestamp: entry.Timestamp,
			Payload:   entry.Payload,
		})

		sender, ok := r.sessions.LookupByPrincipal(principalID)
		if !ok {
			return
		}

		for _, targetID := range r.channels.MembersExcept(sender.ChannelID, principalID) {
			target, ok := r.sessions.LookupByPrincipal(targetID)
			if !ok || target.UDPAddr == nil || target.Muted() {
				continue
			}
			r.sendFrame(target.UDPAddr, frame)
			r.metrics.RecordFrameForwarded()
			r.sink.Emit(events.Event{
				Kind:            events.KindAudioForwarded,
				At:              now,
				FromPrincipalID: principalID,
				Sequence:        entry.Sequence,
				Bytes:           len(entry.Payload),
			})
		}
	})

	r.metrics.RecordFanOutTick(time.Since(start).Seconds())
}
