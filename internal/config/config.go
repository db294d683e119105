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

package config

import "time"

// Config stores the application configuration. It is loaded via
// configulator from environment variables, struct tags providing both the
// env var name and the default.
type Config struct {
	LogLevel LogLevel `default:"info" env:"LOG_LEVEL"`

	Relay   Relay   `envPrefix:"RELAY_"`
	Redis   Redis   `envPrefix:"REDIS_"`
	Metrics Metrics `envPrefix:"METRICS_"`
	PProf   PProf   `envPrefix:"PPROF_"`
}

// Relay holds the tunables for the voice relay core itself.
type Relay struct {
	// Bind is the UDP address the relay listens on for voice and control
	// datagrams.
	Bind string `default:"0.0.0.0:8080" env:"BIND"`

	// MaxPacketSize bounds the size of a single UDP datagram the relay will
	// accept before treating it as malformed.
	MaxPacketSize int `default:"1024" env:"MAX_PACKET_SIZE"`

	// SocketBufferSize sizes the kernel read/write buffers on the UDP
	// socket.
	SocketBufferSize int `default:"8192" env:"SOCKET_BUFFER_SIZE"`

	// HandshakeDeadline bounds how long a Pending handshake record is kept;
	// while it is kept, a repeated handshake from the same address is
	// dropped as a retry.
	HandshakeDeadline time.Duration `default:"5s" env:"HANDSHAKE_DEADLINE"`

	// SessionTimeout bounds how long a session may go without any activity
	// before housekeeping evicts it.
	SessionTimeout time.Duration `default:"300s" env:"SESSION_TIMEOUT"`

	// HeartbeatInterval documents the interval clients are expected to
	// heartbeat at. The relay does not read it; idle eviction is governed
	// by SessionTimeout alone.
	HeartbeatInterval time.Duration `default:"30s" env:"HEARTBEAT_INTERVAL"`

	// HousekeepingInterval is how often the coarse sweep runs.
	HousekeepingInterval time.Duration `default:"60s" env:"HOUSEKEEPING_INTERVAL"`

	// FrameInterval is the target cadence of the fan-out scheduler.
	FrameInterval time.Duration `default:"20ms" env:"FRAME_INTERVAL"`

	// JitterBufferSize is the maximum number of buffered out-of-order
	// voice frames held per sender (N).
	JitterBufferSize int `default:"20" env:"JITTER_BUFFER_SIZE"`

	// JitterBufferWindow is the reordering window (W). The jitter buffer
	// compares it, in whole milliseconds, against frame media timestamps.
	JitterBufferWindow time.Duration `default:"400ms" env:"JITTER_BUFFER_WINDOW"`

	// ExternalCallDeadline bounds how long the credential verifier and
	// membership oracle calls are allowed to take during a handshake.
	ExternalCallDeadline time.Duration `default:"2s" env:"EXTERNAL_CALL_DEADLINE"`

	// VerifierCacheTTL bounds how long a successful credential verifier
	// result may be reused without a fresh external call.
	VerifierCacheTTL time.Duration `default:"10s" env:"VERIFIER_CACHE_TTL"`
}

// Redis configures the optional Redis-backed KV and event-sink
// implementations. When disabled, in-memory implementations are used.
type Redis struct {
	Enabled  bool   `default:"false" env:"ENABLED"`
	Host     string `env:"HOST"`
	Port     int    `default:"6379" env:"PORT"`
	Password string `env:"PASSWORD"`
}

// Metrics configures the Prometheus metrics HTTP server and OTLP tracing.
type Metrics struct {
	Enabled      bool   `default:"false" env:"ENABLED"`
	Bind         string `default:"0.0.0.0" env:"BIND"`
	Port         int    `default:"9100" env:"PORT"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// PProf configures the optional debug/profiling HTTP server.
type PProf struct {
	Enabled        bool     `default:"false" env:"ENABLED"`
	Bind           string   `default:"127.0.0.1" env:"BIND"`
	Port           int      `default:"6060" env:"PORT"`
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}
