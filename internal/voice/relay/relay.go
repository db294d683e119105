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

// Package relay ties the session, channel, handshake, and jitter-buffer
// tables together into the running server described in spec.md §4.5-§4.7:
// the dispatch loop, the fan-out scheduler, and housekeeping.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/config"
	"github.com/voicerelay/voicerelay/internal/kv"
	"github.com/voicerelay/voicerelay/internal/metrics"
	"github.com/voicerelay/voicerelay/internal/voice/channel"
	"github.com/voicerelay/voicerelay/internal/voice/codec"
	"github.com/voicerelay/voicerelay/internal/voice/events"
	"github.com/voicerelay/voicerelay/internal/voice/handshake"
	"github.com/voicerelay/voicerelay/internal/voice/session"
)

var tracer = otel.Tracer("voicerelay")

// Relay is the top-level voice relay server: it owns the UDP socket and
// every shared table, and runs the dispatch loop and fan-out scheduler for
// as long as Start's context stays alive.
type Relay struct {
	cfg      *config.Config
	verifier auth.CredentialVerifier
	oracle   auth.MembershipOracle
	sink     events.Sink
	metrics  *metrics.Metrics

	sessions  *session.Table
	channels  *channel.Table
	handshake *handshake.Engine
	buffers   *bufferTable
	kv        kv.KV

	conn *net.UDPConn

	stopping atomic.Bool
	stopOnce sync.Once
}

// New constructs a Relay. verifier and oracle are the injected external
// collaborators (spec §6); sink is the injected event sink (NopSink if the
// caller doesn't need events); m is required (metrics are ambient, carried
// regardless of whether the caller exposes the /metrics endpoint). It opens
// the kv store backing the handshake verifier cache (spec §4.9) — Redis
// when config.Redis.Enabled, otherwise an in-process store — and closes it
// when the relay stops.
func New(ctx context.Context, cfg *config.Config, verifier auth.CredentialVerifier, oracle auth.MembershipOracle, sink events.Sink, m *metrics.Metrics) (*Relay, error) {
	if sink == nil {
		sink = events.NopSink{}
	}

	store, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relay: open kv store: %w", err)
	}

	return &Relay{
		cfg:      cfg,
		verifier: verifier,
		oracle:   oracle,
		sink:     sink,
		metrics:  m,

		sessions: session.New(),
		channels: channel.New(),
		handshake: handshake.New(
			verifier, oracle, store,
			cfg.Relay.HandshakeDeadline,
			cfg.Relay.ExternalCallDeadline,
			cfg.Relay.VerifierCacheTTL,
		),
		buffers: newBufferTable(cfg.Relay.JitterBufferSize, cfg.Relay.JitterBufferWindow),
		kv:      store,
	}, nil
}

// Start binds the UDP socket and runs the dispatch loop and fan-out
// scheduler until ctx is cancelled or one of them returns an error. It
// blocks until both have exited.
func (r *Relay) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Relay.Bind)
	if err != nil {
		return fmt.Errorf("relay: resolve bind address %q: %w", r.cfg.Relay.Bind, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %q: %w", r.cfg.Relay.Bind, err)
	}
	if err := conn.SetReadBuffer(r.cfg.Relay.SocketBufferSize); err != nil {
		slog.Warn("relay: failed to set socket read buffer size", "error", err)
	}
	if err := conn.SetWriteBuffer(r.cfg.Relay.SocketBufferSize); err != nil {
		slog.Warn("relay: failed to set socket write buffer size", "error", err)
	}
	r.conn = conn

	slog.Info("voice relay listening", "address", conn.LocalAddr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.recvLoop(gctx) })
	g.Go(func() error { return r.fanOutLoop(gctx) })
	g.Go(func() error {
		// Closing the socket is what unblocks ReadFromUDP once gctx ends.
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	err = g.Wait()
	_ = r.conn.Close()
	if r.stopping.Load() {
		// Stop was called deliberately; ReadFromUDP returning on a closed
		// socket is the expected unblock signal, not a failure to report.
		return nil
	}
	return err
}

// Stop closes the UDP socket, unblocking the dispatch loop, and signals
// Start's callers that shutdown was deliberate. It also closes the kv store
// backing the verifier cache.
func (r *Relay) Stop(context.Context) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if r.conn != nil {
			_ = r.conn.Close()
		}
		if r.kv != nil {
			if err := r.kv.Close(); err != nil {
				slog.Warn("relay: failed to close kv store", "error", err)
			}
		}
	})
	return nil
}

// Revoke immediately evicts principalID's session and jitter buffer, per
// SPEC_FULL.md §9 Open Question resolution 1: the core itself never calls
// this on a bare Heartbeat, but an external administration surface that
// learns of a ban mid-session may call it to force an immediate eviction
// rather than waiting for the principal's next handshake attempt to be
// rejected.
func (r *Relay) Revoke(principalID string) {
	sess := r.sessions.Remove(principalID)
	if sess == nil {
		return
	}
	r.channels.RemoveMember(sess.ChannelID, principalID)
	r.buffers.remove(principalID)
	r.sink.Emit(events.Event{
		Kind:        events.KindUserLeft,
		At:          time.Now(),
		PrincipalID: principalID,
		ChannelID:   sess.ChannelID,
	})
}

// Stats is a read-only snapshot of relay-wide counts, per SPEC_FULL.md §10
// (ported from the original's AudioStats/ChannelStats).
type Stats struct {
	Sessions       int
	Channels       int
	ChannelMembers map[string]int
}

// Stats returns a point-in-time snapshot of the session and channel
// tables.
func (r *Relay) Stats() Stats {
	return Stats{
		Sessions:       r.sessions.Len(),
		Channels:       r.channels.Len(),
		ChannelMembers: r.channels.MemberCounts(),
	}
}

func (r *Relay) sendFrame(addr *net.UDPAddr, data []byte) {
	if _, err := r.conn.WriteToUDP(data, addr); err != nil {
		slog.Debug("relay: send failed", "address", addr.String(), "error", err)
	}
}

func (r *Relay) sendAck(addr *net.UDPAddr, principalID, channelID string) {
	frame, err := codec.EncodeControlFrame(codec.ControlFrame{
		Header: codec.ControlHeader{
			Type:        codec.ControlAck,
			Sequence:    0,
			PrincipalID: codec.PackPrincipalID(principalID),
			ChannelID:   codec.PackChannelID(channelID),
			WallClock:   uint32(time.Now().Unix()),
		},
	})
	if err != nil {
		slog.Error("relay: failed to encode ack frame", "error", err)
		return
	}
	r.sendFrame(addr, frame)
}

func (r *Relay) sendError(addr *net.UDPAddr, message string) {
	frame, err := codec.EncodeControlFrame(codec.ControlFrame{
		Header: codec.ControlHeader{
			Type:      codec.ControlError,
			WallClock: uint32(time.Now().Unix()),
		},
		ErrorMessage: message,
	})
	if err != nil {
		slog.Error("relay: failed to encode error frame", "error", err)
		return
	}
	r.sendFrame(addr, frame)
}
