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
	"bytes"
	"errors"
	"fmt"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/USA-RedDragon/CallSeal/internal/dr"
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
)

// AKE: both sides prove possession of an RA credential for their claimed
// number via a BBS+ selective-disclosure proof bound to the topic nonce,
// and agree on a 32-byte shared key over ephemeral X25519. The follow-up
// messages are PKE-encrypted to the counterpart so a passive listener on
// the topic cannot learn the ratchet seed material.

var (
	// ErrProofRejected indicates a BBS+ proof that did not verify.
	ErrProofRejected = errors.New("auth: credential proof rejected")
	// ErrKeyConfirmFailed indicates an AKE_COMPLETE that does not match
	// the stored handshake.
	ErrKeyConfirmFailed = errors.New("auth: key confirmation failed")
)

const (
	sharedKeyInfo = "ake-shared-key"
	drSeedInfo    = "ake-dr-key"
	keySize       = 32
)

// buildAkePayload assembles this side's AKE payload: ephemeral DH key,
// public credential keys and the disclosure proof bound to the AKE topic.
func (c *callState) buildAkePayload() (*wire.AkePayload, error) {
	proof, err := crypto.BBSCreateProof(
		[][]byte{c.sub.OwnAttributeHash(), []byte(c.sub.Name)},
		[]int{0},
		c.sub.RAPublicKey,
		c.sub.RASignature,
		[]byte(c.akeTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to derive credential proof: %w", err)
	}
	return &wire.AkePayload{
		DhPk:       c.akePk,
		AmfPk:      c.sub.AMFKeyPair.Public,
		Expiration: c.sub.Expiration,
		Proof:      proof,
		PkePk:      c.sub.PKEKeyPair.Public,
		DrPk:       c.sub.DRKeyPair.Public,
	}, nil
}

// verifyAkePayload checks the counterpart's disclosure proof against the
// phone number it claims and stores its keys on success.
func (c *callState) verifyAkePayload(p *wire.AkePayload, phone string) error {
	reconstructed := identity.AttributeHash(p.AmfPk, p.PkePk, p.DrPk, p.Expiration, phone)
	if !crypto.BBSVerifyProof([][]byte{reconstructed}, c.sub.RAPublicKey, []byte(c.akeTopic), p.Proof) {
		return ErrProofRejected
	}
	c.peer.akePk = p.DhPk
	c.peer.amfPk = p.AmfPk
	c.peer.pkePk = p.PkePk
	c.peer.drPk = p.DrPk
	return nil
}

// deriveSharedKey runs the AKE key schedule. The salt and session id use
// the caller's ephemeral key first on both sides.
func (c *callState) deriveSharedKey() (drSeed, sessionID []byte, err error) {
	dhShared, err := crypto.DHAgree(c.akeSk, c.peer.akePk)
	if err != nil {
		return nil, nil, err
	}
	callerPk, calleePk := c.akePk, c.peer.akePk
	if !c.isCaller {
		callerPk, calleePk = c.peer.akePk, c.akePk
	}
	salt := append(append([]byte(nil), callerPk...), calleePk...)
	c.sharedKey, err = crypto.HKDF(dhShared, salt, []byte(sharedKeyInfo), keySize)
	if err != nil {
		return nil, nil, err
	}
	drSeed, err = crypto.HKDF(c.sharedKey, make([]byte, keySize), []byte(drSeedInfo), keySize)
	if err != nil {
		return nil, nil, err
	}
	return drSeed, crypto.SHA256(callerPk, calleePk), nil
}

// handleAkeRequest is the recipient's reaction to AKE_REQUEST: verify the
// caller's proof and produce this side's payload for AKE_RESPONSE.
func (c *callState) handleAkeRequest(p *wire.AkePayload) (*wire.AkePayload, error) {
	if err := c.verifyAkePayload(p, c.src); err != nil {
		return nil, err
	}
	return c.buildAkePayload()
}

// handleAkeResponse is the caller's reaction to AKE_RESPONSE: verify the
// recipient's proof against the dialed number, derive the shared key and
// seed the ratchet as initiator.
func (c *callState) handleAkeResponse(p *wire.AkePayload, maxSkip int) error {
	if err := c.verifyAkePayload(p, c.dst); err != nil {
		return err
	}
	drSeed, sessionID, err := c.deriveSharedKey()
	if err != nil {
		return err
	}
	c.drSession, err = dr.NewInitiator(sessionID, drSeed, c.peer.drPk, maxSkip)
	if err != nil {
		return err
	}
	c.ruaTopic = RuaTopic(c.sharedKey, c.src, c.dst, c.ts)
	return nil
}

// akeConfirmation is the plaintext of AKE_COMPLETE: the caller's ephemeral
// key, echoed back under the recipient's PKE key.
func (c *callState) akeConfirmation() []byte {
	return c.akePk
}

// handleAkeComplete is the recipient's reaction to AKE_COMPLETE: confirm
// the echoed handshake, derive the same shared key and seed the ratchet as
// responder with the persistent ratchet keypair.
func (c *callState) handleAkeComplete(confirmation []byte, maxSkip int) error {
	if !bytes.Equal(confirmation, c.peer.akePk) {
		return ErrKeyConfirmFailed
	}
	drSeed, sessionID, err := c.deriveSharedKey()
	if err != nil {
		return err
	}
	c.drSession, err = dr.NewResponder(sessionID, drSeed, c.sub.DRKeyPair.Private, c.sub.DRKeyPair.Public, maxSkip)
	if err != nil {
		return err
	}
	c.ruaTopic = RuaTopic(c.sharedKey, c.src, c.dst, c.ts)
	return nil
}
