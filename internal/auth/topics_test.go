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
	"regexp"
	"testing"
	"time"
)

func TestHourTimestamp(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 8, 2, 14, 59, 59, 0, time.UTC)
	if got := HourTimestamp(ts); got != "2026-08-02T14" {
		t.Errorf("Expected 2026-08-02T14, got %s", got)
	}

	// Non-UTC inputs normalize to UTC.
	est := time.FixedZone("EST", -5*3600)
	ts = time.Date(2026, 8, 2, 22, 0, 0, 0, est)
	if got := HourTimestamp(ts); got != "2026-08-03T03" {
		t.Errorf("Expected 2026-08-03T03, got %s", got)
	}
}

func TestTopicAgreement(t *testing.T) {
	t.Parallel()
	ts := "2026-08-02T14"
	src := "+15551000000"
	dst := "+15552000000"
	sharedKey := []byte("0123456789abcdef0123456789abcdef")

	// Caller derives from its own number; recipient from the caller ID.
	// Both must land on identical bytes.
	if AkeTopic(src, ts) != AkeTopic(src, ts) {
		t.Error("AKE topic derivation is not deterministic")
	}
	if RuaTopic(sharedKey, src, dst, ts) != RuaTopic(sharedKey, src, dst, ts) {
		t.Error("RUA topic derivation is not deterministic")
	}

	hexRe := regexp.MustCompile(`^[0-9a-f]{64}$`)
	if !hexRe.MatchString(AkeTopic(src, ts)) {
		t.Error("AKE topic is not lowercase hex of a 32-byte hash")
	}
	if !hexRe.MatchString(RuaTopic(sharedKey, src, dst, ts)) {
		t.Error("RUA topic is not lowercase hex of a 32-byte hash")
	}
}

func TestTopicsDifferByInput(t *testing.T) {
	t.Parallel()
	ts := "2026-08-02T14"
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{"different caller", AkeTopic("+15551000000", ts), AkeTopic("+15551000001", ts)},
		{"different hour", AkeTopic("+15551000000", ts), AkeTopic("+15551000000", "2026-08-02T15")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.a == tt.b {
				t.Error("Expected distinct topics")
			}
		})
	}

	key1 := []byte("0123456789abcdef0123456789abcdef")
	key2 := []byte("fedcba9876543210fedcba9876543210")
	if RuaTopic(key1, "+1", "+2", ts) == RuaTopic(key2, "+1", "+2", ts) {
		t.Error("RUA topic must depend on the shared key")
	}
}
