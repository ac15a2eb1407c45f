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

package identity

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
)

// RegistrationAuthority holds the issuing side of enrollment. The
// production RA lives in the enrollment service; this implementation is
// the narrow interface consumed by tooling and tests.
type RegistrationAuthority struct {
	Keys      crypto.BBSKeyPair
	Moderator crypto.AMFKeyPair
}

// NewRegistrationAuthority creates an RA with fresh keys.
func NewRegistrationAuthority() (*RegistrationAuthority, error) {
	keys, err := crypto.BBSKeygen(nil)
	if err != nil {
		return nil, err
	}
	moderator, err := crypto.AMFKeygen()
	if err != nil {
		return nil, err
	}
	return &RegistrationAuthority{Keys: keys, Moderator: moderator}, nil
}

const ticketSize = 32

// Issue enrolls a subscriber: generates its keypairs, signs the attribute
// set with the RA key and mints numTickets single-use relay tickets.
func (ra *RegistrationAuthority) Issue(phone, name string, expiration []byte, numTickets int) (*SubscriberConfig, error) {
	amf, err := crypto.AMFKeygen()
	if err != nil {
		return nil, err
	}
	pkeSk, pkePk, err := crypto.DHKeygen()
	if err != nil {
		return nil, err
	}
	drSk, drPk, err := crypto.DHKeygen()
	if err != nil {
		return nil, err
	}

	cfg := &SubscriberConfig{
		Phone:              phone,
		Name:               name,
		AMFKeyPair:         amf,
		PKEKeyPair:         KeyPair{Private: pkeSk, Public: pkePk},
		DRKeyPair:          KeyPair{Private: drSk, Public: drPk},
		Expiration:         append([]byte(nil), expiration...),
		RAPublicKey:        ra.Keys.Public,
		ModeratorPublicKey: ra.Moderator.Public,
	}

	sig, err := crypto.BBSSign([][]byte{cfg.OwnAttributeHash(), []byte(name)}, ra.Keys.Private)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to sign credential: %w", err)
	}
	cfg.RASignature = sig

	tickets := make([][]byte, numTickets)
	for i := range tickets {
		tickets[i] = make([]byte, ticketSize)
		if _, err := io.ReadFull(rand.Reader, tickets[i]); err != nil {
			return nil, fmt.Errorf("identity: failed to mint ticket: %w", err)
		}
	}
	cfg.SetTickets(tickets)
	return cfg, nil
}
