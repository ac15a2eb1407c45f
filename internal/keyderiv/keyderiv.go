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

// Package keyderiv is the client of the external key-derivation service:
// an OPRF over ristretto255. The subscriber blinds its input, the service
// raises it to its secret key, and the subscriber unblinds and hardens the
// result. The service never sees the input; the subscriber never sees the
// key. The service returns no proof of correct evaluation and none is
// checked.
package keyderiv

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/USA-RedDragon/CallSeal/internal/wire"
	ristretto "github.com/gtank/ristretto255"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
	"google.golang.org/grpc"
)

const evaluateMethod = "/callseal.keyderiv.v1.KeyDeriv/Evaluate"

const (
	argonTime   = 3
	argonMemory = 1e5
	argonLanes  = 4
	outputLen   = 32
)

// ErrBadElement indicates the service returned bytes that do not decode to
// a group element.
var ErrBadElement = errors.New("keyderiv: bad group element")

// Client evaluates the OPRF against the remote service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps a gRPC channel to the key-derivation service.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Derive runs the full OPRF exchange for input and returns the 32-byte
// hardened output.
func (c *Client) Derive(ctx context.Context, input []byte) ([]byte, error) {
	blinded, r, err := Blind(input)
	if err != nil {
		return nil, err
	}
	var resp wire.OprfResponse
	if err := c.conn.Invoke(ctx, evaluateMethod, &wire.OprfRequest{Element: blinded}, &resp); err != nil {
		return nil, fmt.Errorf("keyderiv: evaluate failed: %w", err)
	}
	return Finalize(input, resp.Element, r)
}

// hashToGroup maps arbitrary input to a group element.
func hashToGroup(input []byte) *ristretto.Element {
	uniform := sha3.Sum512(input)
	return new(ristretto.Element).FromUniformBytes(uniform[:])
}

// Blind maps input to the group and masks it with a random scalar.
func Blind(input []byte) (blinded []byte, r *ristretto.Scalar, err error) {
	seed := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, fmt.Errorf("keyderiv: failed to read entropy: %w", err)
	}
	r = new(ristretto.Scalar).FromUniformBytes(seed)
	el := new(ristretto.Element).ScalarMult(r, hashToGroup(input))
	return el.Encode(nil), r, nil
}

// Finalize unblinds the evaluated element with 1/r and hardens the result
// with Argon2id, as the enrollment protocol requires for offline-guessing
// resistance.
func Finalize(input, evaluated []byte, r *ristretto.Scalar) ([]byte, error) {
	el := new(ristretto.Element)
	if err := el.Decode(evaluated); err != nil {
		return nil, ErrBadElement
	}
	rinv := new(ristretto.Scalar).Invert(r)
	unblinded := new(ristretto.Element).ScalarMult(rinv, el)
	hash := sha3.Sum512(append(append([]byte(nil), input...), unblinded.Encode(nil)...))
	return argon2.IDKey(hash[:], nil, argonTime, argonMemory, argonLanes, outputLen), nil
}

// Evaluate is the service-side operation: raise the blinded element to the
// secret key. It lives here as the contract both the test harness and the
// external service implement.
func Evaluate(key *ristretto.Scalar, blinded []byte) ([]byte, error) {
	el := new(ristretto.Element)
	if err := el.Decode(blinded); err != nil {
		return nil, ErrBadElement
	}
	return new(ristretto.Element).ScalarMult(key, el).Encode(nil), nil
}

// EvaluateDirect computes the OPRF output with the key in hand, bypassing
// blinding. Used to check that the blinded exchange computes the same
// function.
func EvaluateDirect(key *ristretto.Scalar, input []byte) []byte {
	evaluated := new(ristretto.Element).ScalarMult(key, hashToGroup(input))
	hash := sha3.Sum512(append(append([]byte(nil), input...), evaluated.Encode(nil)...))
	return argon2.IDKey(hash[:], nil, argonTime, argonMemory, argonLanes, outputLen)
}

// RandomKey generates a service key, for tests and local tooling.
func RandomKey() (*ristretto.Scalar, error) {
	seed := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("keyderiv: failed to read entropy: %w", err)
	}
	return new(ristretto.Scalar).FromUniformBytes(seed), nil
}
