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

package handshake

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/kv"
	"github.com/voicerelay/voicerelay/internal/voice/channel"
	"github.com/voicerelay/voicerelay/internal/voice/session"
)

// Outcome classifies how an Attempt concluded, for logging/metrics (spec
// §4.3, SPEC_FULL.md §4.11 handshake outcome counter).
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeSuccess
	OutcomeAuthFail
	OutcomeAuthzFail
)

// Result is everything the dispatch loop needs to react to a handshake
// attempt: whether to emit an Ack or Error frame, and whether jitter
// buffers need to be created or torn down.
type Result struct {
	Outcome      Outcome
	PrincipalID  string
	ChannelID    string
	Role         session.Role
	ErrorMessage string

	// NeedsNewJitterBuffer is set when a fresh session was created and the
	// caller must create an empty jitter buffer for PrincipalID.
	NeedsNewJitterBuffer bool

	// EvictedPrincipalIDs lists principals whose session (and jitter
	// buffer) was torn down as a side effect of this attempt — either a
	// prior session under the same socket address resolving to a
	// different principal, or a prior session for the same principal
	// bound to a different address (spec §4.3 "Establishment is
	// idempotent... a successful handshake resolving to a different
	// principal first removes the previous session").
	EvictedPrincipalIDs []string
}

// Engine runs the handshake state machine described in spec §4.3.
type Engine struct {
	verifier auth.CredentialVerifier
	oracle   auth.MembershipOracle
	pending  *PendingTable
	cache    *verifierCache

	deadline         time.Duration
	externalDeadline time.Duration

	// commitMu serializes the commit phase (step 5) so that the
	// check-existing/evict/bind sequence is atomic with respect to other
	// concurrent handshake attempts, without holding it across any
	// external call (spec §5: external I/O happens before the exclusive
	// write lock is acquired).
	commitMu sync.Mutex
}

// New constructs a handshake engine. deadline bounds how long a Pending
// record may exist; externalDeadline bounds each external collaborator
// call; cacheTTL bounds how long a successful verify result is reused
// without a fresh call (0 disables the cache). store backs the verifier
// cache (spec §4.9); it is shared with the rest of the relay's kv-backed
// state, not owned by the engine.
func New(verifier auth.CredentialVerifier, oracle auth.MembershipOracle, store kv.KV, deadline, externalDeadline, cacheTTL time.Duration) *Engine {
	return &Engine{
		verifier:         verifier,
		oracle:           oracle,
		pending:          NewPendingTable(),
		cache:            newVerifierCache(store, cacheTTL),
		deadline:         deadline,
		externalDeadline: externalDeadline,
	}
}

// Pending exposes the engine's pending table, for housekeeping's reap
// sweep.
func (e *Engine) Pending() *PendingTable { return e.pending }

// Attempt runs one handshake control frame through the state machine.
// sessions and channels are the relay's shared tables; Attempt commits to
// them only after every external call has returned (spec §5).
func (e *Engine) Attempt(ctx context.Context, addr net.Addr, now time.Time, token []byte, channelID string, sessions *session.Table, channels *channel.Table) Result {
	socket := addr.String()

	if rec, ok := e.pending.Get(socket); ok {
		if now.Sub(rec.StartedAt) <= e.deadline {
			return Result{Outcome: OutcomeRetry}
		}
		e.pending.Delete(socket)
	}

	principalID, err := e.verify(ctx, token)
	if err != nil {
		return Result{Outcome: OutcomeAuthFail, ErrorMessage: err.Error()}
	}

	role, err := e.check(ctx, principalID, channelID)
	if err != nil {
		return Result{Outcome: OutcomeAuthzFail, ErrorMessage: membershipErrorMessage(err)}
	}

	return e.commit(addr, socket, now, principalID, channelID, role, sessions, channels)
}

func (e *Engine) verify(ctx context.Context, token []byte) (string, error) {
	if cached, ok := e.cache.get(ctx, token); ok {
		return cached.PrincipalID, nil
	}
	callCtx, cancel := auth.WithDeadline(ctx, e.externalDeadline)
	defer cancel()
	result, err := e.verifier.Verify(callCtx, token)
	if err != nil {
		return "", err
	}
	e.cache.put(ctx, token, result)
	return result.PrincipalID, nil
}

func (e *Engine) check(ctx context.Context, principalID, channelID string) (session.Role, error) {
	callCtx, cancel := auth.WithDeadline(ctx, e.externalDeadline)
	defer cancel()
	result, err := e.oracle.Check(callCtx, principalID, channelID)
	if err != nil {
		return "", err
	}
	return result.Role, nil
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

// commit performs step 5 of spec §4.3 atomically with respect to other
// handshake attempts: evict any stale binding for this socket or
// principal, bind the new session, and record the channel membership
// projection.
func (e *Engine) commit(addr net.Addr, socket string, now time.Time, principalID, channelID string, role session.Role, sessions *session.Table, channels *channel.Table) Result {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var evicted []string

	if existing, ok := sessions.LookupBySocket(addr); ok {
		if existing.PrincipalID == principalID {
			sessions.Touch(principalID)
			return Result{Outcome: OutcomeSuccess, PrincipalID: principalID, ChannelID: existing.ChannelID, Role: existing.Role()}
		}
		sessions.Remove(existing.PrincipalID)
		channels.RemoveMember(existing.ChannelID, existing.PrincipalID)
		evicted = append(evicted, existing.PrincipalID)
	}

	// The Pending record outlives this call on purpose (step 2): it is only
	// cleared by a later handshake deadline check or by housekeeping's
	// ReapExpired, so a retransmitted handshake datagram arriving after this
	// one already succeeded is silently dropped at the top of Attempt
	// instead of re-running verify/check against the external collaborators.
	e.pending.Put(socket, PendingRecord{PrincipalID: principalID, ChannelID: channelID, StartedAt: now})

	_, priorByPrincipal := sessions.Bind(principalID, addr, channelID, role)
	if priorByPrincipal != nil {
		channels.RemoveMember(priorByPrincipal.ChannelID, principalID)
		evicted = append(evicted, priorByPrincipal.PrincipalID)
	}
	channels.AddMember(channelID, principalID)

	return Result{
		Outcome:              OutcomeSuccess,
		PrincipalID:          principalID,
		ChannelID:            channelID,
		Role:                 role,
		NeedsNewJitterBuffer: true,
		EvictedPrincipalIDs:  evicted,
	}
}
