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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the voice relay dispatch
// loop, fan-out scheduler, and handshake engine.
type Metrics struct {
	FramesForwardedTotal   prometheus.Counter
	FramesDroppedTotal     *prometheus.CounterVec
	ActiveSessions         prometheus.Gauge
	ActiveJitterBuffers    prometheus.Gauge
	FanOutTickDuration     prometheus.Histogram
	HandshakeOutcomesTotal *prometheus.CounterVec
}

// Drop reasons recorded against FramesDroppedTotal.
const (
	DropReasonMalformed       = "malformed"
	DropReasonStale           = "stale"
	DropReasonBufferFull      = "buffer_full"
	DropReasonUnauthenticated = "unauthenticated"
)

// Handshake outcomes recorded against HandshakeOutcomesTotal.
const (
	HandshakeOutcomeSuccess   = "success"
	HandshakeOutcomeAuthFail  = "auth_fail"
	HandshakeOutcomeAuthzFail = "authz_fail"
	HandshakeOutcomeTimeout   = "timeout"
)

func NewMetrics() *Metrics {
	metrics := &Metrics{
		FramesForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_frames_forwarded_total",
			Help: "The total number of voice frames forwarded to other channel members",
		}),
		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_frames_dropped_total",
			Help: "The total number of frames dropped, by reason",
		}, []string{"reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicerelay_active_sessions",
			Help: "The current number of established sessions",
		}),
		ActiveJitterBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicerelay_active_jitter_buffers",
			Help: "The current number of open per-sender jitter buffers",
		}),
		FanOutTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicerelay_fanout_tick_duration_seconds",
			Help:    "Duration of each fan-out scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		HandshakeOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_handshake_outcomes_total",
			Help: "The total number of handshake attempts, by outcome",
		}, []string{"outcome"}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.FramesForwardedTotal)
	prometheus.MustRegister(m.FramesDroppedTotal)
	prometheus.MustRegister(m.ActiveSessions)
	prometheus.MustRegister(m.ActiveJitterBuffers)
	prometheus.MustRegister(m.FanOutTickDuration)
	prometheus.MustRegister(m.HandshakeOutcomesTotal)
}

func (m *Metrics) RecordFrameForwarded() {
	m.FramesForwardedTotal.Inc()
}

func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(count float64) {
	m.ActiveSessions.Set(count)
}

func (m *Metrics) SetActiveJitterBuffers(count float64) {
	m.ActiveJitterBuffers.Set(count)
}

func (m *Metrics) RecordFanOutTick(durationSeconds float64) {
	m.FanOutTickDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordHandshakeOutcome(outcome string) {
	m.HandshakeOutcomesTotal.WithLabelValues(outcome).Inc()
}
