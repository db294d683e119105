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

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidRelayBind indicates that the relay bind address is empty.
	ErrInvalidRelayBind = errors.New("invalid relay bind address provided")
	// ErrInvalidMaxPacketSize indicates that the configured max packet size is not positive.
	ErrInvalidMaxPacketSize = errors.New("invalid max packet size provided")
	// ErrInvalidJitterBufferSize indicates that the configured jitter buffer size is not positive.
	ErrInvalidJitterBufferSize = errors.New("invalid jitter buffer size provided")
	// ErrInvalidJitterBufferWindow indicates that the configured jitter buffer window is not positive.
	ErrInvalidJitterBufferWindow = errors.New("invalid jitter buffer window provided")
	// ErrInvalidFrameInterval indicates that the configured fan-out frame interval is not positive.
	ErrInvalidFrameInterval = errors.New("invalid frame interval provided")
	// ErrInvalidHandshakeDeadline indicates that the configured handshake deadline is not positive.
	ErrInvalidHandshakeDeadline = errors.New("invalid handshake deadline provided")
	// ErrInvalidSessionTimeout indicates that the configured session timeout is not positive.
	ErrInvalidSessionTimeout = errors.New("invalid session timeout provided")
	// ErrInvalidRedisHost indicates that the provided Redis host is not valid.
	ErrInvalidRedisHost = errors.New("invalid Redis host provided")
	// ErrInvalidRedisPort indicates that the provided Redis port is not valid.
	ErrInvalidRedisPort = errors.New("invalid Redis port provided")
	// ErrInvalidMetricsBindAddress indicates that the provided metrics server bind address is not valid.
	ErrInvalidMetricsBindAddress = errors.New("invalid metrics server bind address provided")
	// ErrInvalidMetricsPort indicates that the provided metrics server port is not valid.
	ErrInvalidMetricsPort = errors.New("invalid metrics server port provided")
	// ErrInvalidPProfBindAddress indicates that the provided PProf server bind address is not valid.
	ErrInvalidPProfBindAddress = errors.New("invalid PProf server bind address provided")
	// ErrInvalidPProfPort indicates that the provided PProf server port is not valid.
	ErrInvalidPProfPort = errors.New("invalid PProf server port provided")
)

// Validate validates the Redis configuration.
func (r Redis) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Host == "" {
		return ErrInvalidRedisHost
	}
	if r.Port <= 0 || r.Port > 65535 {
		return ErrInvalidRedisPort
	}
	return nil
}

// Validate validates the Metrics configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBindAddress
	}
	if m.Port <= 0 || m.Port > 65535 {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the PProf configuration.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBindAddress
	}
	if p.Port <= 0 || p.Port > 65535 {
		return ErrInvalidPProfPort
	}
	return nil
}

// Validate validates the Relay configuration.
func (r Relay) Validate() error {
	if r.Bind == "" {
		return ErrInvalidRelayBind
	}
	if r.MaxPacketSize <= 0 {
		return ErrInvalidMaxPacketSize
	}
	if r.JitterBufferSize <= 0 {
		return ErrInvalidJitterBufferSize
	}
	if r.JitterBufferWindow <= 0 {
		return ErrInvalidJitterBufferWindow
	}
	if r.FrameInterval <= 0 {
		return ErrInvalidFrameInterval
	}
	if r.HandshakeDeadline <= 0 {
		return ErrInvalidHandshakeDeadline
	}
	if r.SessionTimeout <= 0 {
		return ErrInvalidSessionTimeout
	}
	return nil
}

// Validate validates the full configuration, returning the first error
// encountered.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}

	if err := c.Relay.Validate(); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}

	return nil
}

// ValidateWithFields runs every section's Validate method and collects all
// errors rather than stopping at the first one, for surfacing to an
// operator in one pass.
func (c Config) ValidateWithFields() []error {
	var errs []error
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		errs = append(errs, ErrInvalidLogLevel)
	}
	if err := c.Relay.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Redis.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.PProf.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errs
}
