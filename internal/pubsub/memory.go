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

package pubsub

import (
	"sync"

	"github.com/voicerelay/voicerelay/internal/config"
)

func makeInMemoryPubSub(_ *config.Config) (PubSub, error) {
	return &inMemoryPubSub{
		topics: make(map[string]map[*inMemorySubscription]struct{}),
	}, nil
}

// inMemoryPubSub fans out published messages to every live subscription on
// the same topic within a single process. Publish never blocks: a message
// is dropped for a subscription whose buffer is full.
type inMemoryPubSub struct {
	mu     sync.Mutex
	topics map[string]map[*inMemorySubscription]struct{}
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	ps.mu.Lock()
	subs := make([]*inMemorySubscription, 0, len(ps.topics[topic]))
	for sub := range ps.topics[topic] {
		subs = append(subs, sub)
	}
	ps.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- message:
		case <-sub.closed:
		default:
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	sub := &inMemorySubscription{
		ch:     make(chan []byte, 16),
		closed: make(chan struct{}),
		topic:  topic,
		ps:     ps,
	}

	ps.mu.Lock()
	if ps.topics[topic] == nil {
		ps.topics[topic] = make(map[*inMemorySubscription]struct{})
	}
	ps.topics[topic][sub] = struct{}{}
	ps.mu.Unlock()

	return sub
}

func (ps *inMemoryPubSub) Close() error {
	return nil
}

type inMemorySubscription struct {
	ch         chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	topic      string
	ps         *inMemoryPubSub
}

func (s *inMemorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.ps.mu.Lock()
		delete(s.ps.topics[s.topic], s)
		if len(s.ps.topics[s.topic]) == 0 {
			delete(s.ps.topics, s.topic)
		}
		s.ps.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
