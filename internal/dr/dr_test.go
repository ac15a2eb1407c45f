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

package dr_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/USA-RedDragon/CallSeal/internal/dr"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxSkip = 1000

func makeSessions(t *testing.T) (initiator, responder *dr.Session) {
	t.Helper()
	drSk, drPk, err := crypto.DHKeygen()
	require.NoError(t, err)

	sharedKey := crypto.SHA256([]byte("shared key from ake"))
	sessionID := crypto.SHA256([]byte("session id"))

	initiator, err = dr.NewInitiator(sessionID, sharedKey, drPk, testMaxSkip)
	require.NoError(t, err)
	responder, err = dr.NewResponder(sessionID, sharedKey, drSk, drPk, testMaxSkip)
	require.NoError(t, err)
	return initiator, responder
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)
	aad := []byte("topic")

	msg, err := a.Seal([]byte("hello"), aad)
	require.NoError(t, err)
	pt, err := b.Open(msg, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	// Reply exercises the responder's first DH ratchet step.
	msg, err = b.Seal([]byte("world"), aad)
	require.NoError(t, err)
	pt, err = a.Open(msg, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), pt)
}

func TestPingPongConversation(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)
	aad := []byte("topic")

	for i := 0; i < 20; i++ {
		want := []byte(fmt.Sprintf("a->b %d", i))
		msg, err := a.Seal(want, aad)
		require.NoError(t, err)
		got, err := b.Open(msg, aad)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		want = []byte(fmt.Sprintf("b->a %d", i))
		msg, err = b.Seal(want, aad)
		require.NoError(t, err)
		got, err = a.Open(msg, aad)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestResponderCannotSealFirst(t *testing.T) {
	t.Parallel()
	_, b := makeSessions(t)
	_, err := b.Seal([]byte("premature"), nil)
	assert.ErrorIs(t, err, dr.ErrNoSendingChain)
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)
	aad := []byte("topic")

	const n = 50
	msgs := make([]*wire.DrMessage, n)
	for i := range msgs {
		msg, err := a.Seal([]byte(fmt.Sprintf("msg %d", i)), aad)
		require.NoError(t, err)
		msgs[i] = msg
	}

	perm := rand.New(rand.NewSource(1)).Perm(n)
	seen := make(map[string]bool)
	for _, i := range perm {
		pt, err := b.Open(msgs[i], aad)
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, fmt.Sprintf("msg %d", i), string(pt))
		assert.False(t, seen[string(pt)], "message %d delivered twice", i)
		seen[string(pt)] = true
	}
	assert.Len(t, seen, n)
}

func TestReplayRejected(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)
	aad := []byte("topic")

	msg, err := a.Seal([]byte("once"), aad)
	require.NoError(t, err)
	_, err = b.Open(msg, aad)
	require.NoError(t, err)

	// The message key is gone; a replay cannot decrypt.
	_, err = b.Open(msg, aad)
	assert.Error(t, err)
}

func TestSkipCapExceeded(t *testing.T) {
	t.Parallel()
	drSk, drPk, err := crypto.DHKeygen()
	require.NoError(t, err)
	sharedKey := crypto.SHA256([]byte("sk"))
	sessionID := crypto.SHA256([]byte("id"))

	const skipCap = 8
	a, err := dr.NewInitiator(sessionID, sharedKey, drPk, skipCap)
	require.NoError(t, err)
	b, err := dr.NewResponder(sessionID, sharedKey, drSk, drPk, skipCap)
	require.NoError(t, err)

	aad := []byte("topic")
	// Establish the receiving chain first.
	msg, err := a.Seal([]byte("opener"), aad)
	require.NoError(t, err)
	_, err = b.Open(msg, aad)
	require.NoError(t, err)

	// Burn enough messages that the gap exceeds the cap, then deliver
	// only the last one.
	var last *wire.DrMessage
	for i := 0; i < skipCap+2; i++ {
		last, err = a.Seal([]byte("burned"), aad)
		require.NoError(t, err)
	}
	_, err = b.Open(last, aad)
	assert.ErrorIs(t, err, dr.ErrTooManySkipped)
}

func TestWrongAADRejected(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)

	msg, err := a.Seal([]byte("bound to topic"), []byte("topic-1"))
	require.NoError(t, err)
	_, err = b.Open(msg, []byte("topic-2"))
	assert.ErrorIs(t, err, dr.ErrDecryptFailed)
}

func TestTamperedCiphertextDoesNotCorruptState(t *testing.T) {
	t.Parallel()
	a, b := makeSessions(t)
	aad := []byte("topic")

	good, err := a.Seal([]byte("good"), aad)
	require.NoError(t, err)

	bad := &wire.DrMessage{Header: good.Header, Ciphertext: append([]byte(nil), good.Ciphertext...)}
	bad.Ciphertext[len(bad.Ciphertext)-1] ^= 0x01
	_, err = b.Open(bad, aad)
	require.ErrorIs(t, err, dr.ErrDecryptFailed)

	// The untampered original still decrypts.
	pt, err := b.Open(good, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), pt)
}
