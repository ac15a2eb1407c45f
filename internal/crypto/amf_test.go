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

package crypto_test

import (
	"testing"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMFSignVerify(t *testing.T) {
	t.Parallel()
	sender, err := crypto.AMFKeygen()
	require.NoError(t, err)
	receiver, err := crypto.AMFKeygen()
	require.NoError(t, err)
	judge, err := crypto.AMFKeygen()
	require.NoError(t, err)

	msg := []byte("deterministic data for authentication")
	sig, err := crypto.AMFSign(sender.Private, receiver.Public, judge.Public, msg)
	require.NoError(t, err)

	assert.True(t, crypto.AMFVerify(sender.Public, receiver.Private, judge.Public, msg, sig))
	assert.True(t, crypto.AMFJudgeVerify(sender.Public, receiver.Public, judge.Public, msg, sig))
}

func TestAMFVerifyRejects(t *testing.T) {
	t.Parallel()
	sender, err := crypto.AMFKeygen()
	require.NoError(t, err)
	receiver, err := crypto.AMFKeygen()
	require.NoError(t, err)
	judge, err := crypto.AMFKeygen()
	require.NoError(t, err)
	mallory, err := crypto.AMFKeygen()
	require.NoError(t, err)

	msg := []byte("message")
	sig, err := crypto.AMFSign(sender.Private, receiver.Public, judge.Public, msg)
	require.NoError(t, err)

	tests := []struct {
		name string
		ok   bool
	}{
		{"wrong sender key", crypto.AMFVerify(mallory.Public, receiver.Private, judge.Public, msg, sig)},
		{"wrong receiver", crypto.AMFVerify(sender.Public, mallory.Private, judge.Public, msg, sig)},
		{"wrong judge", crypto.AMFVerify(sender.Public, receiver.Private, mallory.Public, msg, sig)},
		{"tampered message", crypto.AMFVerify(sender.Public, receiver.Private, judge.Public, []byte("other"), sig)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.False(t, tt.ok)
		})
	}
}
