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

package relay

import (
	"encoding"
	"fmt"
)

// CodecName identifies the raw codec in gRPC content subtypes.
const CodecName = "callseal-raw"

// Codec moves the hand-authored wire messages through gRPC without protoc
// codegen. Every message type implements encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler; the codec is a thin adapter over those.
type Codec struct{}

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("relay: cannot marshal %T", v)
	}
	return m.MarshalBinary()
}

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("relay: cannot unmarshal into %T", v)
	}
	return m.UnmarshalBinary(data)
}

// Name returns the codec name.
func (Codec) Name() string {
	return CodecName
}
