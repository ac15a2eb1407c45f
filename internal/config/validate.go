// SPDX-License-Identifier: AGPL-3.0-or-later
// CallSeal - Authenticate both ends of a voice call before the phone rings
// Copyright (C) 2025-2026 Jacob McSwain
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
//
// The source code is available at <https://github.com/USA-RedDragon/CallSeal>

package config

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidRelayHost indicates that the provided relay host is not valid.
	ErrInvalidRelayHost = errors.New("invalid relay host provided")
	// ErrInvalidRelayPort indicates that the provided relay port is not valid.
	ErrInvalidRelayPort = errors.New("invalid relay port provided")
	// ErrInvalidEnrollmentHost indicates that the provided enrollment host is not valid.
	ErrInvalidEnrollmentHost = errors.New("invalid enrollment host provided")
	// ErrInvalidEnrollmentPort indicates that the provided enrollment port is not valid.
	ErrInvalidEnrollmentPort = errors.New("invalid enrollment port provided")
	// ErrInvalidKeyDerivHost indicates that the provided key-derivation host is not valid.
	ErrInvalidKeyDerivHost = errors.New("invalid key-derivation host provided")
	// ErrInvalidKeyDerivPort indicates that the provided key-derivation port is not valid.
	ErrInvalidKeyDerivPort = errors.New("invalid key-derivation port provided")
	// ErrInvalidProtocolTimeout indicates that the protocol timeout is not positive.
	ErrInvalidProtocolTimeout = errors.New("protocol timeout must be positive")
	// ErrInvalidHeartbeatInterval indicates that the heartbeat interval is not positive.
	ErrInvalidHeartbeatInterval = errors.New("heartbeat interval must be positive")
	// ErrInvalidMaxSkippedMessages indicates that the skipped-message cap is not positive.
	ErrInvalidMaxSkippedMessages = errors.New("max skipped messages must be positive")
	// ErrCredentialSourceRequired indicates that neither a credential file nor env var is configured.
	ErrCredentialSourceRequired = errors.New("a credential file or environment variable is required")
	// ErrInvalidMetricsBindAddress indicates that the provided metrics server bind address is not valid.
	ErrInvalidMetricsBindAddress = errors.New("invalid metrics server bind address provided")
	// ErrInvalidMetricsPort indicates that the provided metrics server port is not valid.
	ErrInvalidMetricsPort = errors.New("invalid metrics server port provided")
	// ErrInvalidPProfBindAddress indicates that the provided PProf server bind address is not valid.
	ErrInvalidPProfBindAddress = errors.New("invalid PProf server bind address provided")
	// ErrInvalidPProfPort indicates that the provided PProf server port is not valid.
	ErrInvalidPProfPort = errors.New("invalid PProf server port provided")
)

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// Validate validates the relay configuration.
func (r Relay) Validate() error {
	if r.Host == "" {
		return ErrInvalidRelayHost
	}
	if !validPort(r.Port) {
		return ErrInvalidRelayPort
	}
	return nil
}

// Validate validates the enrollment configuration.
func (e Enrollment) Validate() error {
	if e.Host == "" {
		return ErrInvalidEnrollmentHost
	}
	if !validPort(e.Port) {
		return ErrInvalidEnrollmentPort
	}
	return nil
}

// Validate validates the key-derivation configuration.
func (k KeyDeriv) Validate() error {
	if k.Host == "" {
		return ErrInvalidKeyDerivHost
	}
	if !validPort(k.Port) {
		return ErrInvalidKeyDerivPort
	}
	return nil
}

// Validate validates the protocol tunables.
func (p Protocol) Validate() error {
	if p.TimeoutMS <= 0 {
		return ErrInvalidProtocolTimeout
	}
	if p.HeartbeatIntervalMS <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if p.MaxSkippedMessages <= 0 {
		return ErrInvalidMaxSkippedMessages
	}
	return nil
}

// Validate validates the credential source configuration.
func (c Credential) Validate() error {
	if c.File == "" && c.Env == "" {
		return ErrCredentialSourceRequired
	}
	return nil
}

// Validate validates the metrics server configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBindAddress
	}
	if !validPort(m.Port) {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the pprof server configuration.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBindAddress
	}
	if !validPort(p.Port) {
		return ErrInvalidPProfPort
	}
	return nil
}

// Validate validates the whole configuration.
func (c Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return ErrInvalidLogLevel
	}
	for _, v := range []interface{ Validate() error }{
		c.Relay, c.Enrollment, c.KeyDeriv, c.Protocol, c.Credential, c.Metrics, c.PProf,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
