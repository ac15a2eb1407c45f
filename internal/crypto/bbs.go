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
	"crypto/sha256"
	"fmt"

	"github.com/hyperledger/aries-framework-go/pkg/crypto/primitive/bbs12381g2pub"
)

// BBS+ over BLS12-381 G2. The registration authority signs the subscriber's
// attribute set with this scheme; subscribers later derive selective-
// disclosure proofs that reveal the hashed attributes while keeping the
// display name hidden.

// BBSKeyPair is a BBS+ keypair in marshaled form.
type BBSKeyPair struct {
	Private []byte
	Public  []byte
}

// BBSKeygen generates a BBS+ keypair from the given seed. A nil seed uses
// fresh entropy.
func BBSKeygen(seed []byte) (BBSKeyPair, error) {
	pub, priv, err := bbs12381g2pub.GenerateKeyPair(sha256.New, seed)
	if err != nil {
		return BBSKeyPair{}, fmt.Errorf("failed to generate BBS+ keypair: %w", err)
	}
	pubBytes, err := pub.Marshal()
	if err != nil {
		return BBSKeyPair{}, fmt.Errorf("failed to marshal BBS+ public key: %w", err)
	}
	privBytes, err := priv.Marshal()
	if err != nil {
		return BBSKeyPair{}, fmt.Errorf("failed to marshal BBS+ private key: %w", err)
	}
	return BBSKeyPair{Private: privBytes, Public: pubBytes}, nil
}

// BBSSign signs the ordered message set with the RA private key.
func BBSSign(messages [][]byte, privKey []byte) ([]byte, error) {
	sig, err := bbs12381g2pub.New().Sign(messages, privKey)
	if err != nil {
		return nil, fmt.Errorf("BBS+ sign failed: %w", err)
	}
	return sig, nil
}

// BBSVerify verifies a full BBS+ signature over the ordered message set.
func BBSVerify(raPk, sig []byte, messages [][]byte) bool {
	return bbs12381g2pub.New().Verify(messages, sig, raPk) == nil
}

// BBSCreateProof derives a selective-disclosure proof revealing only the
// messages at disclosedIdx, bound to nonce.
func BBSCreateProof(messages [][]byte, disclosedIdx []int, raPk, sig, nonce []byte) ([]byte, error) {
	proof, err := bbs12381g2pub.New().DeriveProof(messages, sig, nonce, raPk, disclosedIdx)
	if err != nil {
		return nil, fmt.Errorf("BBS+ proof derivation failed: %w", err)
	}
	return proof, nil
}

// BBSVerifyProof checks a selective-disclosure proof against the disclosed
// messages and nonce.
func BBSVerifyProof(disclosedMsgs [][]byte, raPk, nonce, proof []byte) bool {
	return bbs12381g2pub.New().VerifyProof(disclosedMsgs, proof, nonce, raPk) == nil
}
