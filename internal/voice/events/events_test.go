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

package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicerelay/voicerelay/internal/voice/events"
)

func TestBufferedSinkFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	sink := events.NewBufferedSink()
	defer sink.Close()

	sub1 := sink.Subscribe()
	sub2 := sink.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	sink.Emit(events.Event{Kind: events.KindUserJoined, PrincipalID: "alice"})

	for _, ch := range []<-chan events.Event{sub1.Channel(), sub2.Channel()} {
		select {
		case e := <-ch:
			assert.Equal(t, events.KindUserJoined, e.Kind)
			assert.Equal(t, "alice", e.PrincipalID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBufferedSinkEmitNeverBlocksWithoutSubscribers(t *testing.T) {
	t.Parallel()
	sink := events.NewBufferedSink()
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sink.Emit(events.Event{Kind: events.KindHandshakeFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with no subscribers")
	}
}

func TestBufferedSinkCloseStopsDelivery(t *testing.T) {
	t.Parallel()
	sink := events.NewBufferedSink()
	sub := sink.Subscribe()
	sink.Close()

	sink.Emit(events.Event{Kind: events.KindUserLeft})

	select {
	case _, ok := <-sub.Channel():
		if ok {
			t.Fatal("unexpected event delivered after Close")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNopSinkDiscardsSilently(t *testing.T) {
	t.Parallel()
	var sink events.Sink = events.NopSink{}
	require.NotPanics(t, func() {
		sink.Emit(events.Event{Kind: events.KindAudioForwarded})
	})
}
