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

// Package auth defines the relay's injected external collaborators (spec
// §6): the credential verifier and membership oracle. The core treats
// their return values as authoritative and never implements the
// cryptography or roster storage itself.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/voicerelay/voicerelay/internal/voice/session"
)

// VerifyResult is the authoritative identity extracted from a bearer
// credential.
type VerifyResult struct {
	PrincipalID string
	Roles       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Sentinel verify errors.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// CredentialVerifier validates an opaque bearer token and extracts the
// principal it authenticates.
type CredentialVerifier interface {
	Verify(ctx context.Context, token []byte) (VerifyResult, error)
}

// MembershipError enumerates the distinct rejection reasons the membership
// oracle can return; each maps to a distinct Error frame message (spec
// §4.3 step 4).
type MembershipError struct {
	reason string
}

func (e *MembershipError) Error() string { return e.reason }

// Sentinel membership errors, compared via errors.Is.
var (
	ErrChannelNotFound = &MembershipError{"channel not found"}
	ErrNotMember       = &MembershipError{"not a channel member"}
	ErrBanned          = &MembershipError{"banned from channel"}
)

// MembershipResult is the authoritative role of a principal in a channel.
type MembershipResult struct {
	Role session.Role
}

// MembershipOracle checks whether a principal may join a channel and, if
// so, with what role.
type MembershipOracle interface {
	Check(ctx context.Context, principalID, channelID string) (MembershipResult, error)
}

// WithDeadline wraps ctx with deadline and returns the derived context plus
// its cancel function, per spec §5's external-call deadline requirement.
// Callers must call cancel once the external call returns.
func WithDeadline(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, deadline)
}
