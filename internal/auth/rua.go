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
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
)

// RUA: with the AKE channel up, both sides exchange their full right-to-use
// credential (display name included) inside ratchet-encrypted, AMF-franked
// envelopes, tie the transcripts together through the echoed DDA, and fold
// a fresh DH secret into the shared key for forward secrecy.

var (
	// ErrRtuRejected indicates a right-to-use credential that failed
	// BBS+ verification.
	ErrRtuRejected = errors.New("auth: right-to-use credential rejected")
	// ErrFrankingRejected indicates an AMF signature that failed to verify.
	ErrFrankingRejected = errors.New("auth: franking signature rejected")
	// ErrTranscriptMismatch indicates an echoed DDA that is not byte-equal
	// to the stored outbound request.
	ErrTranscriptMismatch = errors.New("auth: transcript echo mismatch")
)

// ruaInit generates this side's fresh RUA ephemeral DH pair.
func (c *callState) ruaInit() error {
	sk, pk, err := crypto.DHKeygen()
	if err != nil {
		return err
	}
	c.ruaSk, c.ruaPk = sk, pk
	return nil
}

// ownRtu assembles the subscriber's full credential for disclosure.
func (c *callState) ownRtu() wire.RtuCredential {
	return wire.RtuCredential{
		AmfPk:      c.sub.AMFKeyPair.Public,
		PkePk:      c.sub.PKEKeyPair.Public,
		DrPk:       c.sub.DRKeyPair.Public,
		Expiration: c.sub.Expiration,
		Signature:  c.sub.RASignature,
		Name:       c.sub.Name,
	}
}

// verifyRtu checks the counterpart's full credential against the phone
// number it represents.
func (c *callState) verifyRtu(rtu *wire.RtuCredential, phone string) error {
	attrHash := identity.AttributeHash(rtu.AmfPk, rtu.PkePk, rtu.DrPk, rtu.Expiration, phone)
	if !crypto.BBSVerify(c.sub.RAPublicKey, rtu.Signature, [][]byte{attrHash, []byte(rtu.Name)}) {
		return ErrRtuRejected
	}
	return nil
}

// buildRuaRequest authors the caller's RUA_REQUEST and retains its DDA and
// signature for response validation and the shared-key update.
func (c *callState) buildRuaRequest() (*wire.RuaMessage, error) {
	msg := &wire.RuaMessage{
		DhPk:   c.ruaPk,
		Topic:  c.ruaTopic,
		Reason: c.reason,
		Rtu:    c.ownRtu(),
	}
	dda, err := msg.DDA()
	if err != nil {
		return nil, err
	}
	sigma, err := crypto.AMFSign(c.sub.AMFKeyPair.Private, c.peer.amfPk, c.sub.ModeratorPublicKey, dda)
	if err != nil {
		return nil, err
	}
	msg.Sigma = sigma
	c.lastOutboundDDA = dda
	c.sigmaOut = sigma
	return msg, nil
}

// updateSharedKey folds the RUA transcript and fresh DH secret into the
// shared key. Both sides hash identical arguments in identical order.
func (c *callState) updateSharedKey(ddA, responderDhPk, rtuBytes, sigmaA, sigmaB, secret []byte) {
	c.sharedKey = crypto.SHA256(ddA, responderDhPk, rtuBytes, sigmaA, sigmaB, secret)
}

// handleRuaRequest is the recipient's reaction to a decrypted RUA_REQUEST:
// verify credential and franking, then author the response echoing the
// request's DDA.
func (c *callState) handleRuaRequest(msg *wire.RuaMessage) (*wire.RuaMessage, error) {
	if err := c.verifyRtu(&msg.Rtu, c.src); err != nil {
		return nil, err
	}
	ddA, err := msg.DDA()
	if err != nil {
		return nil, err
	}
	if !crypto.AMFVerify(msg.Rtu.AmfPk, c.sub.AMFKeyPair.Private, c.sub.ModeratorPublicKey, ddA, msg.Sigma) {
		return nil, ErrFrankingRejected
	}
	c.peer.amfPk = msg.Rtu.AmfPk
	c.peer.pkePk = msg.Rtu.PkePk
	c.peer.drPk = msg.Rtu.DrPk
	c.peer.name = msg.Rtu.Name
	c.reason = msg.Reason

	reply := &wire.RuaMessage{
		DhPk: c.ruaPk,
		Rtu:  c.ownRtu(),
		Misc: ddA,
	}
	ddB, err := reply.DDA()
	if err != nil {
		return nil, err
	}
	sigmaB, err := crypto.AMFSign(c.sub.AMFKeyPair.Private, msg.Rtu.AmfPk, c.sub.ModeratorPublicKey, ddB)
	if err != nil {
		return nil, err
	}
	reply.Sigma = sigmaB

	secret, err := crypto.DHAgree(c.ruaSk, msg.DhPk)
	if err != nil {
		return nil, err
	}
	rtuBytes, err := reply.Rtu.MarshalBinary()
	if err != nil {
		return nil, err
	}
	c.updateSharedKey(ddA, c.ruaPk, rtuBytes, msg.Sigma, sigmaB, secret)
	return reply, nil
}

// handleRuaResponse is the caller's reaction to a decrypted RUA_RESPONSE:
// require the DDA echo, verify credential and franking, and update the
// shared key with the same transcript hash as the recipient.
func (c *callState) handleRuaResponse(reply *wire.RuaMessage) error {
	if !bytes.Equal(reply.Misc, c.lastOutboundDDA) {
		return ErrTranscriptMismatch
	}
	if err := c.verifyRtu(&reply.Rtu, c.dst); err != nil {
		return err
	}
	ddB, err := reply.DDA()
	if err != nil {
		return err
	}
	if !crypto.AMFVerify(reply.Rtu.AmfPk, c.sub.AMFKeyPair.Private, c.sub.ModeratorPublicKey, ddB, reply.Sigma) {
		return ErrFrankingRejected
	}
	c.peer.name = reply.Rtu.Name

	secret, err := crypto.DHAgree(c.ruaSk, reply.DhPk)
	if err != nil {
		return err
	}
	rtuBytes, err := reply.Rtu.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize counterpart credential: %w", err)
	}
	c.updateSharedKey(c.lastOutboundDDA, reply.DhPk, rtuBytes, c.sigmaOut, reply.Sigma, secret)
	return nil
}
