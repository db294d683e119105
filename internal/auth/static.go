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

package auth

import (
	"context"
	"sync"

	"github.com/voicerelay/voicerelay/internal/voice/session"
)

// StaticVerifier resolves tokens from a fixed in-memory table. It exists
// for tests and local/example deployments; production deployments inject
// their own CredentialVerifier (e.g. backed by a JWT or OAuth introspection
// call).
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]VerifyResult
}

// NewStaticVerifier constructs a StaticVerifier with no registered tokens.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]VerifyResult)}
}

// Register associates token with result, so a later Verify call succeeds.
func (v *StaticVerifier) Register(token string, result VerifyResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = result
}

// Verify implements CredentialVerifier.
func (v *StaticVerifier) Verify(_ context.Context, token []byte) (VerifyResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	result, ok := v.tokens[string(token)]
	if !ok {
		return VerifyResult{}, ErrInvalidToken
	}
	return result, nil
}

// StaticOracle resolves membership from a fixed in-memory roster. It exists
// for tests and local/example deployments.
type StaticOracle struct {
	mu      sync.RWMutex
	roster  map[string]map[string]session.Role // channelID -> principalID -> role
	banned  map[string]map[string]struct{}      // channelID -> principalID
}

// NewStaticOracle constructs a StaticOracle with an empty roster.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		roster: make(map[string]map[string]session.Role),
		banned: make(map[string]map[string]struct{}),
	}
}

// AddMember grants principalID role in channelID.
func (o *StaticOracle) AddMember(channelID, principalID string, role session.Role) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.roster[channelID] == nil {
		o.roster[channelID] = make(map[string]session.Role)
	}
	o.roster[channelID][principalID] = role
}

// Ban marks principalID as banned from channelID.
func (o *StaticOracle) Ban(channelID, principalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.banned[channelID] == nil {
		o.banned[channelID] = make(map[string]struct{})
	}
	o.banned[channelID][principalID] = struct{}{}
}

// Check implements MembershipOracle.
func (o *StaticOracle) Check(_ context.Context, principalID, channelID string) (MembershipResult, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	members, knownChannel := o.roster[channelID]
	if !knownChannel {
		return MembershipResult{}, ErrChannelNotFound
	}
	if banned, ok := o.banned[channelID]; ok {
		if _, isBanned := banned[principalID]; isBanned {
			return MembershipResult{}, ErrBanned
		}
	}
	role, isMember := members[principalID]
	if !isMember {
		return MembershipResult{}, ErrNotMember
	}
	return MembershipResult{Role: role}, nil
}
