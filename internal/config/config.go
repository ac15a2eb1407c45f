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

// Relay is the configuration for the out-of-band relay endpoint.
type Relay struct {
	Host string `name:"host" description:"Relay server hostname" default:"localhost"`
	Port int    `name:"port" description:"Relay server port" default:"50051"`
	TLS  bool   `name:"tls" description:"Use TLS when connecting to the relay"`
}

// Enrollment is the configuration for the external enrollment service.
type Enrollment struct {
	Host string `name:"host" description:"Enrollment server hostname" default:"localhost"`
	Port int    `name:"port" description:"Enrollment server port" default:"50052"`
}

// KeyDeriv is the configuration for the external key-derivation OPRF service.
type KeyDeriv struct {
	Host string `name:"host" description:"Key-derivation server hostname" default:"localhost"`
	Port int    `name:"port" description:"Key-derivation server port" default:"50053"`
}

// Protocol holds the tunables of the per-call authentication protocol.
type Protocol struct {
	TimeoutMS           int `name:"timeout-ms" description:"Overall per-call protocol timeout in milliseconds" default:"15000"`
	HeartbeatIntervalMS int `name:"heartbeat-interval-ms" description:"Heartbeat publish interval after verification in milliseconds" default:"30000"`
	MaxSkippedMessages  int `name:"max-skipped-messages" description:"Maximum ratchet message keys cached for out-of-order delivery" default:"1000"`
}

// Credential configures where the enrollment-produced subscriber credential is read from.
type Credential struct {
	File string `name:"file" description:"Path to the subscriber credential bundle"`
	Env  string `name:"env" description:"Environment variable holding the serialized subscriber credential" default:"CALLSEAL_CREDENTIAL"`
}

// Metrics is the configuration for the metrics server.
type Metrics struct {
	Enabled      bool   `name:"enabled" description:"Enable the metrics server"`
	Bind         string `name:"bind" description:"Bind address for the metrics server" default:"127.0.0.1"`
	Port         int    `name:"port" description:"Port for the metrics server" default:"9091"`
	OTLPEndpoint string `name:"otlp-endpoint" description:"OTLP trace collector endpoint"`
}

// PProf is the configuration for the pprof server.
type PProf struct {
	Enabled bool   `name:"enabled" description:"Enable the pprof server"`
	Bind    string `name:"bind" description:"Bind address for the pprof server" default:"127.0.0.1"`
	Port    int    `name:"port" description:"Port for the pprof server" default:"9092"`
}

// Config stores the application configuration.
type Config struct {
	LogLevel   LogLevel   `name:"log-level" description:"Logging level: debug, info, warn, error" default:"info"`
	Relay      Relay      `name:"relay"`
	Enrollment Enrollment `name:"enrollment"`
	KeyDeriv   KeyDeriv   `name:"keyderiv"`
	Protocol   Protocol   `name:"protocol"`
	Credential Credential `name:"credential"`
	Metrics    Metrics    `name:"metrics"`
	PProf      PProf      `name:"pprof"`
}
