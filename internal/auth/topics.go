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

package auth

import (
	"encoding/hex"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
)

// Both endpoints derive the rendezvous topics independently: the AKE topic
// from the caller's number and the wall clock, the RUA topic additionally
// from the AKE shared key. Topics travel as lowercase hex.

// HourTimestamp renders t as the hour-normalized UTC string that
// parameterizes every topic derivation for a call.
func HourTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// AkeTopic derives the initial rendezvous topic from the caller's E.164
// number and the hour timestamp.
func AkeTopic(src, ts string) string {
	return hex.EncodeToString(crypto.SHA256([]byte(src), []byte(ts)))
}

// RuaTopic derives the phase-two topic. It requires the AKE shared key, so
// only the two authenticated endpoints can compute it.
func RuaTopic(sharedKey []byte, src, dst, ts string) string {
	return hex.EncodeToString(crypto.SHA256(sharedKey, []byte(src), []byte(dst), []byte(ts)))
}
