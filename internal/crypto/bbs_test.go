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

func TestBBSSignVerify(t *testing.T) {
	t.Parallel()
	ra, err := crypto.BBSKeygen(nil)
	require.NoError(t, err)

	messages := [][]byte{
		crypto.SHA256([]byte("hashed attributes")),
		[]byte("Alice"),
	}
	sig, err := crypto.BBSSign(messages, ra.Private)
	require.NoError(t, err)

	assert.True(t, crypto.BBSVerify(ra.Public, sig, messages))
	assert.False(t, crypto.BBSVerify(ra.Public, sig, [][]byte{messages[0], []byte("Mallory")}))
}

func TestBBSSelectiveDisclosureProof(t *testing.T) {
	t.Parallel()
	ra, err := crypto.BBSKeygen(nil)
	require.NoError(t, err)

	messages := [][]byte{
		crypto.SHA256([]byte("hashed attributes")),
		[]byte("Alice"),
	}
	sig, err := crypto.BBSSign(messages, ra.Private)
	require.NoError(t, err)

	nonce := []byte("topic-nonce")
	proof, err := crypto.BBSCreateProof(messages, []int{0}, ra.Public, sig, nonce)
	require.NoError(t, err)

	// Only the first (hashed-attribute) message is revealed; the display
	// name stays hidden but the proof still authenticates the credential.
	assert.True(t, crypto.BBSVerifyProof([][]byte{messages[0]}, ra.Public, nonce, proof))
	assert.False(t, crypto.BBSVerifyProof([][]byte{crypto.SHA256([]byte("forged"))}, ra.Public, nonce, proof))
	assert.False(t, crypto.BBSVerifyProof([][]byte{messages[0]}, ra.Public, []byte("other-nonce"), proof))
}

func TestBBSProofTamperRejected(t *testing.T) {
	t.Parallel()
	ra, err := crypto.BBSKeygen(nil)
	require.NoError(t, err)

	messages := [][]byte{crypto.SHA256([]byte("attrs")), []byte("Bob")}
	sig, err := crypto.BBSSign(messages, ra.Private)
	require.NoError(t, err)

	nonce := []byte("nonce")
	proof, err := crypto.BBSCreateProof(messages, []int{0}, ra.Public, sig, nonce)
	require.NoError(t, err)

	proof[len(proof)/2] ^= 0x01
	assert.False(t, crypto.BBSVerifyProof([][]byte{messages[0]}, ra.Public, nonce, proof))
}
