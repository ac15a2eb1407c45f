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

// Package dr implements the Double Ratchet profile used for RUA messages
// and post-verification payloads: X25519 DH, HKDF-SHA256 root chain keyed
// by the session id, HMAC-SHA256 chain step, AES-256-CTR body encryption
// with a 16-byte nonce and HMAC-SHA256 encrypt-then-MAC over
// aad ‖ nonce ‖ ciphertext.
package dr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
)

const (
	nonceSize   = 16
	keySize     = 32
	chainKeyIn  = 0x01
	msgKeyIn    = 0x02
	mkInfo      = "MessageKeys"
	rootKdfSize = 64
)

var (
	// ErrTooManySkipped indicates the skipped-message cache would exceed its cap.
	ErrTooManySkipped = errors.New("dr: too many skipped messages")
	// ErrNoSendingChain indicates Seal was called before the sending chain exists.
	ErrNoSendingChain = errors.New("dr: sending chain not established")
	// ErrDecryptFailed indicates an authentication failure opening a message.
	ErrDecryptFailed = errors.New("dr: decrypt failed")
)

type skippedKey struct {
	dh [keySize]byte
	n  uint32
}

type state struct {
	rk  []byte
	cks []byte
	ckr []byte
	dhs []byte // local ratchet private key
	dhp []byte // local ratchet public key
	dhr []byte // remote ratchet public key
	ns  uint32
	nr  uint32
	pn  uint32
}

func (s *state) clone() *state {
	c := *s
	c.rk = append([]byte(nil), s.rk...)
	c.cks = append([]byte(nil), s.cks...)
	c.ckr = append([]byte(nil), s.ckr...)
	c.dhs = append([]byte(nil), s.dhs...)
	c.dhp = append([]byte(nil), s.dhp...)
	c.dhr = append([]byte(nil), s.dhr...)
	return &c
}

// Session is a Double Ratchet session between two call endpoints. A Session
// is safe for concurrent use; a sender task and a receiver task on the same
// session serialize on the internal lock.
type Session struct {
	mu        sync.Mutex
	sessionID []byte
	st        *state
	skipped   map[skippedKey][]byte
	maxSkip   int
}

// NewInitiator creates the sending side of a session. The shared key comes
// out of AKE and remoteDrPk is the counterpart's ratchet public key learned
// during the handshake.
func NewInitiator(sessionID, sharedKey, remoteDrPk []byte, maxSkip int) (*Session, error) {
	if len(remoteDrPk) != keySize {
		return nil, crypto.ErrInvalidKeySize
	}
	sk, pk, err := crypto.DHKeygen()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DHAgree(sk, remoteDrPk)
	if err != nil {
		return nil, err
	}
	rk, cks, err := kdfRoot(sharedKey, dh, sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{
		sessionID: append([]byte(nil), sessionID...),
		st: &state{
			rk:  rk,
			cks: cks,
			dhs: sk,
			dhp: pk,
			dhr: append([]byte(nil), remoteDrPk...),
		},
		skipped: make(map[skippedKey][]byte),
		maxSkip: maxSkip,
	}, nil
}

// NewResponder creates the receiving side of a session seeded with the
// responder's persistent ratchet keypair. The sending chain comes into
// existence on the first DH ratchet step.
func NewResponder(sessionID, sharedKey, drSk, drPk []byte, maxSkip int) (*Session, error) {
	if len(drSk) != keySize || len(drPk) != keySize {
		return nil, crypto.ErrInvalidKeySize
	}
	return &Session{
		sessionID: append([]byte(nil), sessionID...),
		st: &state{
			rk:  append([]byte(nil), sharedKey...),
			dhs: append([]byte(nil), drSk...),
			dhp: append([]byte(nil), drPk...),
		},
		skipped: make(map[skippedKey][]byte),
		maxSkip: maxSkip,
	}, nil
}

// kdfRoot derives (newRootKey, chainKey) from the current root key and a DH
// output, bound to the session id.
func kdfRoot(rk, dhOut, sessionID []byte) (newRk, ck []byte, err error) {
	out, err := crypto.HKDF(dhOut, rk, sessionID, rootKdfSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:keySize], out[keySize:], nil
}

// kdfChain advances a chain key one step and yields the message key.
func kdfChain(ck []byte) (newCk, mk []byte) {
	h := hmac.New(sha256.New, ck)
	h.Write([]byte{chainKeyIn})
	newCk = h.Sum(nil)

	h = hmac.New(sha256.New, ck)
	h.Write([]byte{msgKeyIn})
	mk = h.Sum(nil)
	return newCk, mk
}

// deriveMessageKeys splits a message key into encryption and MAC keys.
func deriveMessageKeys(mk []byte) (encKey, macKey []byte, err error) {
	out, err := crypto.HKDF(mk, nil, []byte(mkInfo), 2*keySize)
	if err != nil {
		return nil, nil, err
	}
	return out[:keySize], out[keySize:], nil
}

// Seal encrypts plaintext under the next sending-chain key.
func (s *Session) Seal(plaintext, aad []byte) (*wire.DrMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.cks == nil {
		return nil, ErrNoSendingChain
	}
	cks, mk := kdfChain(s.st.cks)
	encKey, macKey, err := deriveMessageKeys(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	ct, err := crypto.CTRSeal(encKey, macKey, nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}
	msg := &wire.DrMessage{
		Header: wire.DrHeader{
			Dh: append([]byte(nil), s.st.dhp...),
			N:  s.st.ns,
			Pn: s.st.pn,
		},
		Ciphertext: append(nonce, ct...),
	}
	s.st.cks = cks
	s.st.ns++
	return msg, nil
}

// Open decrypts a message, handling out-of-order delivery by caching up to
// maxSkip intermediate message keys. Failures never mutate the session.
func (s *Session) Open(msg *wire.DrMessage, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Header.Dh) != keySize {
		return nil, crypto.ErrInvalidKeySize
	}
	if len(msg.Ciphertext) < nonceSize {
		return nil, ErrDecryptFailed
	}

	// A previously skipped message is served from the cache.
	var sk skippedKey
	copy(sk.dh[:], msg.Header.Dh)
	sk.n = msg.Header.N
	if mk, ok := s.skipped[sk]; ok {
		pt, err := s.open(mk, msg, aad)
		if err != nil {
			return nil, err
		}
		delete(s.skipped, sk)
		return pt, nil
	}

	// Work on a clone so a bad message cannot corrupt the live state.
	tmp := s.st.clone()
	pending := make(map[skippedKey][]byte)

	if !hmac.Equal(msg.Header.Dh, tmp.dhr) {
		if err := s.skip(tmp, pending, msg.Header.Pn); err != nil {
			return nil, err
		}
		if err := ratchet(tmp, msg.Header.Dh, s.sessionID); err != nil {
			return nil, err
		}
	}
	if err := s.skip(tmp, pending, msg.Header.N); err != nil {
		return nil, err
	}

	var mk []byte
	tmp.ckr, mk = kdfChain(tmp.ckr)
	tmp.nr++

	pt, err := s.open(mk, msg, aad)
	if err != nil {
		return nil, err
	}
	for k, v := range pending {
		s.skipped[k] = v
	}
	s.st = tmp
	return pt, nil
}

func (s *Session) open(mk []byte, msg *wire.DrMessage, aad []byte) ([]byte, error) {
	encKey, macKey, err := deriveMessageKeys(mk)
	if err != nil {
		return nil, err
	}
	nonce := msg.Ciphertext[:nonceSize]
	pt, err := crypto.CTROpen(encKey, macKey, nonce, aad, msg.Ciphertext[nonceSize:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// skip materializes message keys for [tmp.nr, until) into pending.
func (s *Session) skip(tmp *state, pending map[skippedKey][]byte, until uint32) error {
	if tmp.ckr == nil {
		return nil
	}
	if until > tmp.nr && int(until-tmp.nr)+len(s.skipped)+len(pending) > s.maxSkip {
		return ErrTooManySkipped
	}
	for tmp.nr < until {
		var mk []byte
		tmp.ckr, mk = kdfChain(tmp.ckr)
		var k skippedKey
		copy(k.dh[:], tmp.dhr)
		k.n = tmp.nr
		pending[k] = mk
		tmp.nr++
	}
	return nil
}

// ratchet performs a DH ratchet step for a newly seen remote public key.
func ratchet(st *state, remotePub, sessionID []byte) error {
	st.pn = st.ns
	st.ns = 0
	st.nr = 0
	st.dhr = append([]byte(nil), remotePub...)

	dh, err := crypto.DHAgree(st.dhs, st.dhr)
	if err != nil {
		return err
	}
	st.rk, st.ckr, err = kdfRoot(st.rk, dh, sessionID)
	if err != nil {
		return err
	}

	sk, pk, err := crypto.DHKeygen()
	if err != nil {
		return err
	}
	st.dhs, st.dhp = sk, pk

	dh, err = crypto.DHAgree(st.dhs, st.dhr)
	if err != nil {
		return err
	}
	st.rk, st.cks, err = kdfRoot(st.rk, dh, sessionID)
	return err
}
