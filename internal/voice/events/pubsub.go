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

package events

import (
	"encoding/json"
	"log/slog"

	"github.com/voicerelay/voicerelay/internal/pubsub"
)

// defaultPubSubTopic is the topic PubSubSink publishes to and Subscribe
// listens on when the caller doesn't need per-deployment topic isolation.
const defaultPubSubTopic = "voicerelay:events"

// PubSubSink publishes every event to a pubsub topic, so that other
// instances of the relay (or an external observability process) can
// consume the same event stream cross-process, backed by
// internal/pubsub (in-memory for a single instance, Redis pub/sub across
// instances when config.Redis.Enabled).
type PubSubSink struct {
	ps    pubsub.PubSub
	topic string
}

// NewPubSubSink wraps ps. An empty topic defaults to defaultPubSubTopic.
func NewPubSubSink(ps pubsub.PubSub, topic string) *PubSubSink {
	if topic == "" {
		topic = defaultPubSubTopic
	}
	return &PubSubSink{ps: ps, topic: topic}
}

// Emit implements Sink. Marshal failures and publish errors are logged and
// otherwise swallowed: a broken event fan-out must never affect the
// dispatch loop (spec §6).
func (s *PubSubSink) Emit(e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		slog.Warn("pubsub event sink: failed to marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := s.ps.Publish(s.topic, raw); err != nil {
		slog.Warn("pubsub event sink: failed to publish event", "kind", e.Kind, "error", err)
	}
}

// Subscribe returns a channel of events published to topic (or
// defaultPubSubTopic if empty) on ps, and a closer to release the
// subscription. Malformed payloads are dropped rather than delivered.
func Subscribe(ps pubsub.PubSub, topic string) (<-chan Event, func() error) {
	if topic == "" {
		topic = defaultPubSubTopic
	}
	sub := ps.Subscribe(topic)

	out := make(chan Event, subscriberBufferSize)
	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var e Event
			if err := json.Unmarshal(raw, &e); err != nil {
				slog.Warn("pubsub event sink: failed to unmarshal event", "error", err)
				continue
			}
			out <- e
		}
	}()

	return out, sub.Close
}
