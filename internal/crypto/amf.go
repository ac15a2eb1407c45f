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

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Authenticated message franking. The signature binds the receiver and the
// designated moderator ("judge") into the signed transcript so that the
// moderator can later attribute a reported message without third parties
// being able to. The franking construction itself is opaque to callers;
// only the byte-level contract below is load-bearing.

const amfDomain = "callseal-amf-v1"

// ErrInvalidAMFKey indicates an AMF key of the wrong length.
var ErrInvalidAMFKey = errors.New("crypto: invalid AMF key")

// AMFKeyPair is an AMF signing keypair.
type AMFKeyPair struct {
	Private []byte
	Public  []byte
}

// AMFKeygen generates a fresh AMF keypair.
func AMFKeygen() (AMFKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return AMFKeyPair{}, fmt.Errorf("failed to generate AMF keypair: %w", err)
	}
	return AMFKeyPair{Private: priv, Public: pub}, nil
}

func amfTranscript(receiverPk, judgePk, msg []byte) []byte {
	return SHA256([]byte(amfDomain), receiverPk, judgePk, msg)
}

// AMFSign franks msg from the holder of senderSk to receiverPk under judgePk.
func AMFSign(senderSk, receiverPk, judgePk, msg []byte) ([]byte, error) {
	if len(senderSk) != ed25519.PrivateKeySize {
		return nil, ErrInvalidAMFKey
	}
	return ed25519.Sign(senderSk, amfTranscript(receiverPk, judgePk, msg)), nil
}

// AMFVerify checks a franking signature as the receiver. The receiver's own
// secret key is part of the verification context: the transcript is bound to
// the receiver public key derived from it.
func AMFVerify(senderPk, receiverSk, judgePk, msg, sig []byte) bool {
	if len(senderPk) != ed25519.PublicKeySize || len(receiverSk) != ed25519.PrivateKeySize {
		return false
	}
	receiverPk := ed25519.PrivateKey(receiverSk).Public().(ed25519.PublicKey)
	return ed25519.Verify(senderPk, amfTranscript(receiverPk, judgePk, msg), sig)
}

// AMFJudgeVerify checks a reported franking signature as the moderator.
func AMFJudgeVerify(senderPk, receiverPk, judgePk, msg, sig []byte) bool {
	if len(senderPk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(senderPk, amfTranscript(receiverPk, judgePk, msg), sig)
}
