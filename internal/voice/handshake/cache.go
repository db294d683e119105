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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/voicerelay/voicerelay/internal/auth"
	"github.com/voicerelay/voicerelay/internal/kv"
)

// verifierCacheKeyPrefix namespaces cache entries within a shared kv store
// (spec §4.9: a short-TTL cache in front of the verifier, keyed on the raw
// token bytes' digest, never the raw token, so a kv dump or Redis MONITOR
// stream never exposes a live bearer credential).
const verifierCacheKeyPrefix = "handshake:verify:"

// verifierCache memoizes CredentialVerifier.Verify results on kv.KV, per
// SPEC_FULL.md §4.9: a handshake storm from one reconnecting client
// (retries, multi-homed sends) shouldn't issue a fresh external verify call
// per datagram. Entries are keyed on a SHA-256 digest of the token so the
// store never holds the token itself.
type verifierCache struct {
	store kv.KV
	ttl   time.Duration
}

func newVerifierCache(store kv.KV, ttl time.Duration) *verifierCache {
	return &verifierCache{store: store, ttl: ttl}
}

func (c *verifierCache) key(token []byte) string {
	sum := sha256.Sum256(token)
	return verifierCacheKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *verifierCache) get(ctx context.Context, token []byte) (auth.VerifyResult, bool) {
	if c.ttl <= 0 {
		return auth.VerifyResult{}, false
	}
	raw, err := c.store.Get(ctx, c.key(token))
	if err != nil || raw == nil {
		return auth.VerifyResult{}, false
	}
	var result auth.VerifyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return auth.VerifyResult{}, false
	}
	return result, true
}

func (c *verifierCache) put(ctx context.Context, token []byte, result auth.VerifyResult) {
	if c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	key := c.key(token)
	if err := c.store.Set(ctx, key, raw); err != nil {
		return
	}
	_ = c.store.Expire(ctx, key, c.ttl)
}
