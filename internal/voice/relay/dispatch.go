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
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/metrics"
	"github.com/voicerelay/voicerelay/internal/voice/codec"
	"github.com/voicerelay/voicerelay/internal/voice/events"
	"github.com/voicerelay/voicerelay/internal/voice/handshake"
	"github.com/voicerelay/voicerelay/internal/voice/jitter"
	"github.com/voicerelay/voicerelay/internal/voice/session"
)

// recvLoop reads datagrams from the UDP socket and spawns a short-lived
// handler goroutine per datagram, mirroring
// internal/dmr/servers/hbrp/server.go's "for { ReadFromUDP(); go
// s.handlePacket(...) }" shape (spec §4.5/§5: handlers may suspend on
// external calls and must never block the receive loop).
func (r *Relay) recvLoop(ctx context.Context) error {
	buf := make([]byte, r.cfg.Relay.MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("relay: read from udp socket failed", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go r.handleDatagram(ctx, addr, datagram)
	}
}

// handleDatagram classifies one inbound datagram per spec §4.5 and
// dispatches it to the appropriate handler.
func (r *Relay) handleDatagram(ctx context.Context, addr *net.UDPAddr, data []byte) {
	if len(data) == 0 {
		r.metrics.RecordFrameDropped(metrics.DropReasonMalformed)
		return
	}

	sess, established := r.sessions.LookupBySocket(addr)

	if data[0] == codec.VoiceFrameType && established {
		r.handleVoiceFrame(sess, data)
		return
	}

	cf, err := codec.DecodeControlFrame(data)
	if err != nil {
		slog.Debug("relay: malformed control frame", "address", addr.String(), "error", err)
		r.metrics.RecordFrameDropped(metrics.DropReasonMalformed)
		return
	}

	if cf.Header.Type == codec.ControlHandshake {
		r.handleHandshake(ctx, addr, cf)
		return
	}

	if !established {
		r.metrics.RecordFrameDropped(metrics.DropReasonUnauthenticated)
		r.sendError(addr, "not authenticated")
		return
	}

	switch cf.Header.Type {
	case codec.ControlAudio:
		// TODO(legacy): remove once no client still wraps voice in a
		// control frame (SPEC_FULL.md §9 resolution 2).
		r.handleLegacyAudio(sess, cf)
	case codec.ControlJoinChannel:
		r.handleJoinChannel(ctx, addr, sess, cf)
	case codec.ControlLeaveChannel:
		r.handleLeaveChannel(sess)
	case codec.ControlSetMute:
		r.handleSetMute(sess, cf)
	case codec.ControlHeartbeat:
		r.sessions.Touch(sess.PrincipalID)
	case codec.ControlError, codec.ControlAck:
		// Inbound Error/Ack frames are ignored (spec §4.5).
	default:
		r.sendError(addr, "unsupported control frame type")
	}
}

func (r *Relay) handleVoiceFrame(sess *session.Session, data []byte) {
	vf, err := codec.DecodeVoiceFrame(data)
	if err != nil {
		slog.Debug("relay: malformed voice frame", "principal", sess.PrincipalID, "error", err)
		r.metrics.RecordFrameDropped(metrics.DropReasonMalformed)
		return
	}

	sess.ObserveSequence(vf.Sequence)

	if ok, reason := r.buffers.insert(sess.PrincipalID, jitter.Entry{
		Sequence:   vf.Sequence,
		Timestamp:  vf.Timestamp,
		Payload:    vf.Payload,
		ReceivedAt: time.Now(),
	}); !ok {
		r.metrics.RecordFrameDropped(dropReasonForReject(reason))
	}
}

// handleLegacyAudio treats a ControlAudio frame as a voice frame (spec
// §4.5): its payload is opaque audio, and the only timestamp information
// available is the control header's wall-clock second, which this uses as
// a coarse surrogate media timestamp for jitter-window comparisons.
func (r *Relay) handleLegacyAudio(sess *session.Session, cf codec.ControlFrame) {
	sess.ObserveSequence(cf.Header.Sequence)

	if ok, reason := r.buffers.insert(sess.PrincipalID, jitter.Entry{
		Sequence:   cf.Header.Sequence,
		Timestamp:  uint64(cf.Header.WallClock) * 1000,
		Payload:    cf.AudioPayload,
		ReceivedAt: time.Now(),
	}); !ok {
		r.metrics.RecordFrameDropped(dropReasonForReject(reason))
	}
}

// dropReasonForReject maps a jitter buffer rejection to the metrics label it
// should be counted under. Stale and duplicate sequences both indicate a
// frame that arrived too late to matter; buffer-full is a distinct,
// capacity-driven drop (spec §4.4/metrics/prometheus.go DropReason).
func dropReasonForReject(reason jitter.RejectReason) string {
	if reason == jitter.RejectBufferFull {
		return metrics.DropReasonBufferFull
	}
	return metrics.DropReasonStale
}

func (r *Relay) handleHandshake(ctx context.Context, addr *net.UDPAddr, cf codec.ControlFrame) {
	ctx, span := tracer.Start(ctx, "relay.handleHandshake")
	defer span.End()

	channelID := cf.HandshakeChannelID
	if channelID == "" {
		channelID = cf.Header.ChannelIDString()
	}

	now := time.Now()
	result := r.handshake.Attempt(ctx, addr, now, []byte(cf.HandshakeToken), channelID, r.sessions, r.channels)

	switch result.Outcome {
	case handshake.OutcomeRetry:
		// Spec §4.3 step 2: silently drop, treat as retry.
	case handshake.OutcomeAuthFail:
		r.metrics.RecordHandshakeOutcome(metrics.HandshakeOutcomeAuthFail)
		r.sink.Emit(events.Event{Kind: events.KindHandshakeFailed, At: now, SocketAddr: addr.String(), Reason: result.ErrorMessage})
		r.sendError(addr, result.ErrorMessage)
	case handshake.OutcomeAuthzFail:
		r.metrics.RecordHandshakeOutcome(metrics.HandshakeOutcomeAuthzFail)
		r.sink.Emit(events.Event{Kind: events.KindHandshakeFailed, At: now, SocketAddr: addr.String(), Reason: result.ErrorMessage})
		r.sendError(addr, result.ErrorMessage)
	case handshake.OutcomeSuccess:
		for _, evicted := range result.EvictedPrincipalIDs {
			r.buffers.remove(evicted)
		}
		if result.NeedsNewJitterBuffer {
			r.buffers.create(result.PrincipalID)
		}
		// The Ack is emitted before any membership event this handshake
		// causes (spec §5 ordering guarantee).
		r.sendAck(addr, result.PrincipalID, result.ChannelID)
		r.metrics.RecordHandshakeOutcome(metrics.HandshakeOutcomeSuccess)
		if result.NeedsNewJitterBuffer {
			r.sink.Emit(events.Event{Kind: events.KindUserJoined, At: now, PrincipalID: result.PrincipalID, ChannelID: result.ChannelID})
		}
	}
}

// handleJoinChannel moves an already-established session to a new
// channel (spec §4.5 JoinChannel): verify membership, rebind, announce.
func (r *Relay) handleJoinChannel(ctx context.Context, addr *net.UDPAddr, sess *session.Session, cf codec.ControlFrame) {
	channelID := cf.Header.ChannelIDString()
	if channelID == "" {
		r.sendError(addr, "missing channel id")
		return
	}

	callCtx, cancel := auth.WithDeadline(ctx, r.cfg.Relay.ExternalCallDeadline)
	defer cancel()
	result, err := r.oracle.Check(callCtx, sess.PrincipalID, channelID)
	if err != nil {
		r.sendError(addr, membershipErrorMessage(err))
		return
	}

	oldChannelID := sess.ChannelID
	r.sessions.Bind(sess.PrincipalID, addr, channelID, result.Role)
	r.channels.RemoveMember(oldChannelID, sess.PrincipalID)
	r.channels.AddMember(channelID, sess.PrincipalID)

	r.sink.Emit(events.Event{Kind: events.KindUserJoined, At: time.Now(), PrincipalID: sess.PrincipalID, ChannelID: channelID})
}

func (r *Relay) handleLeaveChannel(sess *session.Session) {
	r.sessions.Remove(sess.PrincipalID)
	r.channels.RemoveMember(sess.ChannelID, sess.PrincipalID)
	r.buffers.remove(sess.PrincipalID)
	r.sink.Emit(events.Event{Kind: events.KindUserLeft, At: time.Now(), PrincipalID: sess.PrincipalID, ChannelID: sess.ChannelID})
}

func (r *Relay) handleSetMute(sess *session.Session, cf codec.ControlFrame) {
	r.sessions.SetMute(sess.PrincipalID, cf.Mute)
	r.sink.Emit(events.Event{Kind: events.KindUserMuted, At: time.Now(), PrincipalID: sess.PrincipalID, ChannelID: sess.ChannelID, Muted: cf.Mute})
}

func membershipErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrChannelNotFound):
		return "channel not found"
	case errors.Is(err, auth.ErrBanned):
		return "banned from channel"
	case errors.Is(err, auth.ErrNotMember):
		return "not a channel member"
	default:
		return err.Error()
	}
}
