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

// Package identity holds the durable subscriber credential produced by
// enrollment. The call core only reads it: the registration authority
// signs the subscriber's attribute set once, and every call presents
// proofs derived from that signature.
package identity

import (
	"errors"
	"sync"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
)

// ErrNoTickets indicates the subscriber's relay ticket queue is exhausted.
var ErrNoTickets = errors.New("identity: no relay tickets remaining")

// KeyPair is an X25519 keypair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// SubscriberConfig is the durable subscriber credential, loaded at startup
// and immutable for the duration of a call. Tickets are the only mutable
// part: one is consumed per relay subscribe.
type SubscriberConfig struct {
	Phone string
	Name  string

	AMFKeyPair crypto.AMFKeyPair
	PKEKeyPair KeyPair
	DRKeyPair  KeyPair

	// Expiration is the opaque credential-expiry marker signed by the RA.
	Expiration []byte
	// RAPublicKey is the registration authority's BBS+ public key.
	RAPublicKey []byte
	// RASignature is the RA's BBS+ signature over
	// (H(amfPk ‖ pkePk ‖ drPk ‖ expiration ‖ phone), name).
	RASignature []byte
	// ModeratorPublicKey is the AMF judge key.
	ModeratorPublicKey []byte

	mu      sync.Mutex
	tickets [][]byte
}

// AttributeHash computes the hashed attribute message the RA signs:
// H(amfPk ‖ pkePk ‖ drPk ‖ expiration ‖ phone).
func AttributeHash(amfPk, pkePk, drPk, expiration []byte, phone string) []byte {
	return crypto.SHA256(amfPk, pkePk, drPk, expiration, []byte(phone))
}

// OwnAttributeHash computes the subscriber's own attribute hash.
func (c *SubscriberConfig) OwnAttributeHash() []byte {
	return AttributeHash(c.AMFKeyPair.Public, c.PKEKeyPair.Public, c.DRKeyPair.Public, c.Expiration, c.Phone)
}

// SetTickets replaces the relay ticket queue.
func (c *SubscriberConfig) SetTickets(tickets [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets = tickets
}

// TicketsRemaining reports how many relay tickets are left.
func (c *SubscriberConfig) TicketsRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// PopTicket consumes the next relay ticket. Every new relay subscription
// must consume one.
func (c *SubscriberConfig) PopTicket() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickets) == 0 {
		return nil, ErrNoTickets
	}
	t := c.tickets[0]
	c.tickets = c.tickets[1:]
	return t, nil
}

// VerifyCredential checks the RA signature over the subscriber's own
// attributes, catching a corrupted bundle at boot instead of mid-call.
func (c *SubscriberConfig) VerifyCredential() bool {
	return crypto.BBSVerify(c.RAPublicKey, c.RASignature, [][]byte{
		c.OwnAttributeHash(),
		[]byte(c.Name),
	})
}
