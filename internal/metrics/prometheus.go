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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:golint,gochecknoglobals
var (
	// RelayPublishes counts acknowledged relay publishes.
	RelayPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_relay_publishes_total",
		Help: "Number of acknowledged relay publishes",
	})
	// RelayReceives counts frames received from relay subscriptions.
	RelayReceives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_relay_receives_total",
		Help: "Number of frames received from relay subscriptions",
	})
	// RelayReconnects counts subscribe stream reconnect attempts.
	RelayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_relay_reconnects_total",
		Help: "Number of relay subscribe stream reconnects",
	})
	// CallsVerified counts calls that reached the Verified phase.
	CallsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_calls_verified_total",
		Help: "Number of calls whose counterpart identity was verified",
	})
	// CallsFailed counts calls that failed before verification.
	CallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_calls_failed_total",
		Help: "Number of calls that failed before verification",
	})
	// CallsTimedOut counts calls that hit the protocol timeout.
	CallsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callseal_calls_timed_out_total",
		Help: "Number of calls that hit the protocol timeout",
	})
)
