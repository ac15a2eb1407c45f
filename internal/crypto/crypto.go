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

// Package crypto is the typed facade over the primitives the call
// authentication protocol is built on. Every function is pure and
// synchronous; all failures are explicit errors, never panics, because
// most inputs originate from the network peer.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and all symmetric keys.
	KeySize = 32
	// GCMNonceSize is the AES-GCM nonce size.
	GCMNonceSize = 12
	// CTRIVSize is the AES-CTR IV size.
	CTRIVSize = 16
	// MACSize is the HMAC-SHA256 tag size.
	MACSize = 32
)

var (
	// ErrInvalidKeySize indicates a key of the wrong length was supplied.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")
	// ErrCiphertextTooShort indicates a ciphertext shorter than its framing.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	// ErrAuthFailed indicates an authentication tag mismatch.
	ErrAuthFailed = errors.New("crypto: message authentication failed")
)

// DHKeygen generates a fresh X25519 keypair.
func DHKeygen() (sk, pk []byte, err error) {
	sk = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, sk); err != nil {
		return nil, nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	pk, err = curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return sk, pk, nil
}

// DHAgree computes the X25519 shared secret between sk and pk.
func DHAgree(sk, pk []byte) ([]byte, error) {
	if len(sk) != KeySize || len(pk) != KeySize {
		return nil, ErrInvalidKeySize
	}
	shared, err := curve25519.X25519(sk, pk)
	if err != nil {
		return nil, fmt.Errorf("X25519 failed: %w", err)
	}
	return shared, nil
}

// HKDF expands ikm into n bytes of key material with HKDF-SHA256.
func HKDF(ikm, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return out, nil
}

// SHA256 hashes the concatenation of all parts.
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// AESGCMEncrypt seals pt under key with a random 12-byte nonce.
// The output is nonce ‖ ciphertext+tag.
func AESGCMEncrypt(key, aad, pt []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, GCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return aead.Seal(nonce, nonce, pt, aad), nil
}

// AESGCMDecrypt opens nonce ‖ ciphertext+tag produced by AESGCMEncrypt.
func AESGCMDecrypt(key, aad, ct []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ct) < GCMNonceSize+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	pt, err := aead.Open(nil, ct[:GCMNonceSize], ct[GCMNonceSize:], aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// AESCTRHMACEncrypt encrypts pt with AES-256-CTR and authenticates
// aad ‖ iv ‖ ct with HMAC-SHA256 (encrypt-then-MAC). The encryption and
// MAC keys are both derived from key. Output is iv(16) ‖ ct ‖ mac(32).
func AESCTRHMACEncrypt(key, aad, pt []byte) ([]byte, error) {
	encKey, macKey, err := splitCTRHMACKeys(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, CTRIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	ct, err := CTRSeal(encKey, macKey, iv, aad, pt)
	if err != nil {
		return nil, err
	}
	return append(iv, ct...), nil
}

// AESCTRHMACDecrypt reverses AESCTRHMACEncrypt.
func AESCTRHMACDecrypt(key, aad, ct []byte) ([]byte, error) {
	encKey, macKey, err := splitCTRHMACKeys(key)
	if err != nil {
		return nil, err
	}
	if len(ct) < CTRIVSize+MACSize {
		return nil, ErrCiphertextTooShort
	}
	return CTROpen(encKey, macKey, ct[:CTRIVSize], aad, ct[CTRIVSize:])
}

func splitCTRHMACKeys(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeySize
	}
	both, err := HKDF(key, nil, []byte("aes-ctr-hmac"), 2*KeySize)
	if err != nil {
		return nil, nil, err
	}
	return both[:KeySize], both[KeySize:], nil
}

// CTRSeal encrypts pt with AES-256-CTR under encKey and iv, then appends
// HMAC-SHA256(macKey, aad ‖ iv ‖ ct). The iv is not included in the output.
func CTRSeal(encKey, macKey, iv, aad, pt []byte) ([]byte, error) {
	if len(encKey) != KeySize || len(macKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != CTRIVSize {
		return nil, fmt.Errorf("crypto: invalid IV size %d", len(iv))
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	ct := make([]byte, len(pt))
	cipher.NewCTR(block, iv).XORKeyStream(ct, pt)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ct)
	return mac.Sum(ct), nil
}

// CTROpen verifies the trailing HMAC and decrypts the body sealed by CTRSeal.
func CTROpen(encKey, macKey, iv, aad, ct []byte) ([]byte, error) {
	if len(encKey) != KeySize || len(macKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(ct) < MACSize {
		return nil, ErrCiphertextTooShort
	}
	body, tag := ct[:len(ct)-MACSize], ct[len(ct)-MACSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	pt := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(pt, body)
	return pt, nil
}

// PKEEncrypt encrypts pt to recipientPk with ECIES over X25519 and AES-GCM.
// Wire format: ephemeralPk(32) ‖ nonce(12) ‖ ct+tag. The AAD is the
// ephemeral public key and the HKDF info is ephemeralPk ‖ recipientPk.
func PKEEncrypt(recipientPk, pt []byte) ([]byte, error) {
	if len(recipientPk) != KeySize {
		return nil, ErrInvalidKeySize
	}
	ephSk, ephPk, err := DHKeygen()
	if err != nil {
		return nil, err
	}
	shared, err := DHAgree(ephSk, recipientPk)
	if err != nil {
		return nil, err
	}
	key, err := HKDF(shared, nil, append(append([]byte{}, ephPk...), recipientPk...), KeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := AESGCMEncrypt(key, ephPk, pt)
	if err != nil {
		return nil, err
	}
	return append(ephPk, sealed...), nil
}

// PKEDecrypt reverses PKEEncrypt with the recipient's private key.
func PKEDecrypt(sk, ct []byte) ([]byte, error) {
	if len(sk) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(ct) < KeySize+GCMNonceSize {
		return nil, ErrCiphertextTooShort
	}
	ephPk := ct[:KeySize]
	shared, err := DHAgree(sk, ephPk)
	if err != nil {
		return nil, err
	}
	recipientPk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	key, err := HKDF(shared, nil, append(append([]byte{}, ephPk...), recipientPk...), KeySize)
	if err != nil {
		return nil, err
	}
	return AESGCMDecrypt(key, ephPk, ct[KeySize:])
}

// PublicFromPrivate derives the X25519 public key for sk.
func PublicFromPrivate(sk []byte) ([]byte, error) {
	if len(sk) != KeySize {
		return nil, ErrInvalidKeySize
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return pk, nil
}
