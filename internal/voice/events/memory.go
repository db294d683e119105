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

import "log/slog"

// BufferedSink fans events out to any number of subscriber channels,
// dropping events for a subscriber whose buffer is full rather than
// blocking the emitter — the same buffered-channel-per-subscriber shape as
// internal/pubsub/memory.go's in-process backend.
type BufferedSink struct {
	subscribe   chan chan Event
	unsubscribe chan chan Event
	emit        chan Event
	done        chan struct{}
}

const subscriberBufferSize = 64

// NewBufferedSink starts the sink's dispatch goroutine and returns it.
func NewBufferedSink() *BufferedSink {
	s := &BufferedSink{
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		emit:        make(chan Event, 256),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *BufferedSink) run() {
	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case <-s.done:
			return
		case ch := <-s.subscribe:
			subscribers[ch] = struct{}{}
		case ch := <-s.unsubscribe:
			delete(subscribers, ch)
			close(ch)
		case e := <-s.emit:
			for ch := range subscribers {
				select {
				case ch <- e:
				default:
					slog.Warn("event sink subscriber buffer full, dropping event", "kind", e.Kind)
				}
			}
		}
	}
}

// Emit implements Sink. It never blocks: if the dispatch goroutine has
// stopped, or its own queue is full, the event is dropped.
func (s *BufferedSink) Emit(e Event) {
	select {
	case s.emit <- e:
	case <-s.done:
	default:
		slog.Warn("event sink queue full, dropping event", "kind", e.Kind)
	}
}

// Subscription is a live registration on a BufferedSink. Callers must call
// Close when done to free the subscriber's buffer.
type Subscription struct {
	ch   chan Event
	sink *BufferedSink
}

// Channel returns the subscription's event stream.
func (sub *Subscription) Channel() <-chan Event { return sub.ch }

// Close unregisters the subscription from its sink.
func (sub *Subscription) Close() {
	select {
	case sub.sink.unsubscribe <- sub.ch:
	case <-sub.sink.done:
	}
}

// Subscribe registers a new subscription.
func (s *BufferedSink) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBufferSize)
	select {
	case s.subscribe <- ch:
	case <-s.done:
		close(ch)
	}
	return &Subscription{ch: ch, sink: s}
}

// Close stops the dispatch goroutine.
func (s *BufferedSink) Close() {
	close(s.done)
}
