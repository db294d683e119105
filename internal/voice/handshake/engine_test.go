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

package handshake_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/config"
	"github.com/voicerelay/voicerelay/internal/kv"
	"github.com/voicerelay/voicerelay/internal/voice/channel"
	"github.com/voicerelay/voicerelay/internal/voice/handshake"
	"github.com/voicerelay/voicerelay/internal/voice/session"
)

func newEngine(deadline time.Duration) (*handshake.Engine, *auth.StaticVerifier, *auth.StaticOracle) {
	return newEngineWithCache(deadline, 0)
}

func newEngineWithCache(deadline, cacheTTL time.Duration) (*handshake.Engine, *auth.StaticVerifier, *auth.StaticOracle) {
	v := auth.NewStaticVerifier()
	o := auth.NewStaticOracle()
	store, err := kv.MakeKV(context.Background(), &config.Config{})
	if err != nil {
		panic(err)
	}
	return handshake.New(v, o, store, deadline, time.Second, cacheTTL), v, o
}

func TestAttemptSucceedsAndBindsSession(t *testing.T) {
	t.Parallel()
	e, v, o := newEngine(time.Second)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	o.AddMember("general", "alice", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}

	result := e.Attempt(context.Background(), addr, time.Now(), []byte("token-a"), "general", sessions, channels)

	require.Equal(t, handshake.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "alice", result.PrincipalID)
	assert.Equal(t, "general", result.ChannelID)
	assert.True(t, result.NeedsNewJitterBuffer)
	assert.Empty(t, result.EvictedPrincipalIDs)

	_, ok := sessions.LookupBySocket(addr)
	assert.True(t, ok)
}

func TestAttemptAuthFailDoesNotBind(t *testing.T) {
	t.Parallel()
	e, _, o := newEngine(time.Second)
	o.AddMember("general", "alice", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1001}

	result := e.Attempt(context.Background(), addr, time.Now(), []byte("unknown-token"), "general", sessions, channels)

	require.Equal(t, handshake.OutcomeAuthFail, result.Outcome)
	assert.NotEmpty(t, result.ErrorMessage)
	_, ok := sessions.LookupBySocket(addr)
	assert.False(t, ok)
}

func TestAttemptAuthzFailDoesNotBind(t *testing.T) {
	t.Parallel()
	e, v, _ := newEngine(time.Second)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1002}

	result := e.Attempt(context.Background(), addr, time.Now(), []byte("token-a"), "ghost-channel", sessions, channels)

	require.Equal(t, handshake.OutcomeAuthzFail, result.Outcome)
	assert.Equal(t, "channel not found", result.ErrorMessage)
	_, ok := sessions.LookupBySocket(addr)
	assert.False(t, ok)
}

// TestAttemptRetransmitWithinDeadlineIsSilentlyDropped covers spec §4.3
// step 2: a handshake datagram retransmitted for a socket address that
// already succeeded is silently dropped (as a Retry outcome) rather than
// re-running verify/check, for as long as the handshake deadline hasn't
// elapsed (grounded on original_source's handle_handshake, which leaves the
// PendingHandshake record in place after success for exactly this reason).
func TestAttemptRetransmitWithinDeadlineIsSilentlyDropped(t *testing.T) {
	t.Parallel()
	e, v, o := newEngine(time.Minute)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	o.AddMember("general", "alice", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1003}
	now := time.Now()

	first := e.Attempt(context.Background(), addr, now, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, first.Outcome)

	retry := e.Attempt(context.Background(), addr, now.Add(10*time.Millisecond), []byte("token-a"), "general", sessions, channels)
	assert.Equal(t, handshake.OutcomeRetry, retry.Outcome)
}

// TestAttemptRetryAfterDeadlineReauthenticates covers the other half of
// spec §4.3 step 2: once the handshake deadline has elapsed, a repeated
// handshake for the same socket address is treated as fresh (and, since
// the session already exists for the same principal, resolves through the
// idempotent-refresh branch rather than evicting anything).
func TestAttemptRetryAfterDeadlineReauthenticates(t *testing.T) {
	t.Parallel()
	e, v, o := newEngine(5 * time.Millisecond)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	o.AddMember("general", "alice", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1004}
	now := time.Now()

	first := e.Attempt(context.Background(), addr, now, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, first.Outcome)

	later := now.Add(time.Second)
	second := e.Attempt(context.Background(), addr, later, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, second.Outcome)
	assert.Empty(t, second.EvictedPrincipalIDs, "same principal re-authenticating on the same socket is a refresh, not an eviction")
}

// TestAttemptReauthEvictsPriorPrincipalOnSameSocket covers spec §4.3's
// idempotent-establishment invariant for the case where the socket address
// is reused by a different principal (e.g. NAT rebinding): the prior
// session is evicted rather than left dangling.
func TestAttemptReauthEvictsPriorPrincipalOnSameSocket(t *testing.T) {
	t.Parallel()
	e, v, o := newEngine(time.Second)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	v.Register("token-b", auth.VerifyResult{PrincipalID: "bob"})
	o.AddMember("general", "alice", session.RoleMember)
	o.AddMember("general", "bob", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1005}
	now := time.Now()

	first := e.Attempt(context.Background(), addr, now, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, first.Outcome)

	later := now.Add(2 * time.Second)
	second := e.Attempt(context.Background(), addr, later, []byte("token-b"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, second.Outcome)
	assert.Equal(t, []string{"alice"}, second.EvictedPrincipalIDs)

	_, aliceStillBound := sessions.LookupByPrincipal("alice")
	assert.False(t, aliceStillBound)
}

// TestAttemptReauthEvictsPriorSessionForSamePrincipalOnNewSocket covers the
// other eviction case: the same principal handshakes again from a new
// socket address (reconnect), so its old binding is superseded.
func TestAttemptReauthEvictsPriorSessionForSamePrincipalOnNewSocket(t *testing.T) {
	t.Parallel()
	e, v, o := newEngine(time.Second)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	o.AddMember("general", "alice", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	oldAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1006}
	newAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1007}
	now := time.Now()

	first := e.Attempt(context.Background(), oldAddr, now, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, first.Outcome)

	later := now.Add(2 * time.Second)
	second := e.Attempt(context.Background(), newAddr, later, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, second.Outcome)
	assert.Equal(t, []string{"alice"}, second.EvictedPrincipalIDs)

	_, oldStillBound := sessions.LookupBySocket(oldAddr)
	assert.False(t, oldStillBound)
	newSess, newBound := sessions.LookupBySocket(newAddr)
	require.True(t, newBound)
	assert.Equal(t, "alice", newSess.PrincipalID)
}

// TestAttemptReusesCachedVerifyResultWithinTTL covers spec §4.9: within the
// cache TTL, a second handshake presenting the same token resolves to the
// cached verify result rather than issuing a fresh external call, even
// after the verifier's registration for that token has changed.
func TestAttemptReusesCachedVerifyResultWithinTTL(t *testing.T) {
	t.Parallel()
	e, v, o := newEngineWithCache(time.Second, time.Minute)
	v.Register("token-a", auth.VerifyResult{PrincipalID: "alice"})
	o.AddMember("general", "alice", session.RoleMember)
	o.AddMember("general", "mallory", session.RoleMember)

	sessions := session.New()
	channels := channel.New()
	firstAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1008}
	secondAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1009}
	now := time.Now()

	first := e.Attempt(context.Background(), firstAddr, now, []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, first.Outcome)
	require.Equal(t, "alice", first.PrincipalID)

	// If the cache were keyed incorrectly (or absent), this second attempt
	// would resolve to "mallory" instead of the cached "alice".
	v.Register("token-a", auth.VerifyResult{PrincipalID: "mallory"})

	second := e.Attempt(context.Background(), secondAddr, now.Add(time.Millisecond), []byte("token-a"), "general", sessions, channels)
	require.Equal(t, handshake.OutcomeSuccess, second.Outcome)
	assert.Equal(t, "alice", second.PrincipalID)
}

func TestPendingTableReapExpired(t *testing.T) {
	t.Parallel()
	p := handshake.NewPendingTable()
	now := time.Now()
	p.Put("10.0.0.1:1", handshake.PendingRecord{PrincipalID: "alice", StartedAt: now})
	p.Put("10.0.0.2:1", handshake.PendingRecord{PrincipalID: "bob", StartedAt: now.Add(-time.Minute)})

	expired := p.ReapExpired(now, time.Second)
	assert.Equal(t, []string{"10.0.0.2:1"}, expired)

	_, stillPending := p.Get("10.0.0.1:1")
	assert.True(t, stillPending)
	_, reaped := p.Get("10.0.0.2:1")
	assert.False(t, reaped)
}
