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

// Package wire holds the binary message formats exchanged over the
// out-of-band relay. Everything is encoded by hand on top of protowire so
// the bytes stay canonical: fields are always emitted, in tag order, with
// no default-value elision. Signature transcripts (DDA) depend on that.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrTruncated indicates a message that ends mid-field.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrUnknownField indicates a field number outside the schema.
	ErrUnknownField = errors.New("wire: unknown field")
	// ErrBadWireType indicates a known field with the wrong wire type.
	ErrBadWireType = errors.New("wire: unexpected wire type")
	// ErrUnspecifiedType indicates a protocol message without a type.
	ErrUnspecifiedType = errors.New("wire: unspecified message type")
)

// MessageType tags a ProtocolMessage.
type MessageType uint8

const (
	// MessageTypeUnspecified is the zero value and is rejected on parse.
	MessageTypeUnspecified MessageType = iota
	// MessageTypeAkeRequest opens the AKE phase.
	MessageTypeAkeRequest
	// MessageTypeAkeResponse answers an AKE request.
	MessageTypeAkeResponse
	// MessageTypeAkeComplete finishes the AKE phase.
	MessageTypeAkeComplete
	// MessageTypeRuaRequest opens the RUA phase.
	MessageTypeRuaRequest
	// MessageTypeRuaResponse answers a RUA request.
	MessageTypeRuaResponse
	// MessageTypeHeartbeat is a keepalive after verification.
	MessageTypeHeartbeat
	// MessageTypeBye requests an orderly shutdown.
	MessageTypeBye
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAkeRequest:
		return "AKE_REQUEST"
	case MessageTypeAkeResponse:
		return "AKE_RESPONSE"
	case MessageTypeAkeComplete:
		return "AKE_COMPLETE"
	case MessageTypeRuaRequest:
		return "RUA_REQUEST"
	case MessageTypeRuaResponse:
		return "RUA_RESPONSE"
	case MessageTypeHeartbeat:
		return "HEARTBEAT"
	case MessageTypeBye:
		return "BYE"
	default:
		return "UNSPECIFIED"
	}
}

// walkFields iterates the fields of buf, calling visit for each one.
// visit receives the field number, wire type and the remaining bytes and
// returns how many payload bytes it consumed.
func walkFields(buf []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return ErrTruncated
		}
		buf = buf[n:]
		used, err := visit(num, typ, buf)
		if err != nil {
			return err
		}
		buf = buf[used:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrBadWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, ErrTruncated
	}
	// Copy out: the caller may retain the slice past the packet buffer.
	return append([]byte(nil), v...), n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, ErrBadWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

// ProtocolMessage is the tagged envelope carried in RelayMessage payloads.
// It carries no version field; unknown field numbers are rejected.
type ProtocolMessage struct {
	Type     MessageType
	SenderID string
	Topic    string
	Payload  []byte
}

// MarshalBinary encodes the envelope canonically.
func (m *ProtocolMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.SenderID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b, nil
}

// UnmarshalBinary decodes the envelope, rejecting truncated input and an
// unspecified type.
func (m *ProtocolMessage) UnmarshalBinary(buf []byte) error {
	*m = ProtocolMessage{}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			if v > uint64(MessageTypeBye) {
				return 0, fmt.Errorf("%w: %d", ErrUnspecifiedType, v)
			}
			m.Type = MessageType(v)
			return n, nil
		case 2:
			v, n, err := consumeString(typ, b)
			m.SenderID = v
			return n, err
		case 3:
			v, n, err := consumeString(typ, b)
			m.Topic = v
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			m.Payload = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
	if err != nil {
		return err
	}
	if m.Type == MessageTypeUnspecified {
		return ErrUnspecifiedType
	}
	return nil
}

// SubscribeRequest opens a relay subscription for a topic.
type SubscribeRequest struct {
	Topic  string
	Ticket []byte
}

// MarshalBinary encodes the request.
func (m *SubscribeRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ticket)
	return b, nil
}

// UnmarshalBinary decodes the request.
func (m *SubscribeRequest) UnmarshalBinary(buf []byte) error {
	*m = SubscribeRequest{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			m.Topic = v
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Ticket = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// RelayMessage is one frame on a relay topic. The ticket is only present on
// publishes that need authorization.
type RelayMessage struct {
	Topic   string
	Payload []byte
	Ticket  []byte
}

// MarshalBinary encodes the frame.
func (m *RelayMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ticket)
	return b, nil
}

// UnmarshalBinary decodes the frame.
func (m *RelayMessage) UnmarshalBinary(buf []byte) error {
	*m = RelayMessage{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			m.Topic = v
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Payload = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			m.Ticket = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// PublishResponse acknowledges a publish. Success iff Status is empty or
// "OK" (case-insensitive).
type PublishResponse struct {
	Status string
}

// MarshalBinary encodes the response.
func (m *PublishResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Status)
	return b, nil
}

// UnmarshalBinary decodes the response.
func (m *PublishResponse) UnmarshalBinary(buf []byte) error {
	*m = PublishResponse{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			m.Status = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// AkePayload is the body of AKE_REQUEST and AKE_RESPONSE messages.
type AkePayload struct {
	DhPk       []byte
	AmfPk      []byte
	Expiration []byte
	Proof      []byte
	PkePk      []byte
	DrPk       []byte
}

// MarshalBinary encodes the payload.
func (m *AkePayload) MarshalBinary() ([]byte, error) {
	var b []byte
	for i, f := range [][]byte{m.DhPk, m.AmfPk, m.Expiration, m.Proof, m.PkePk, m.DrPk} {
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b, nil
}

// UnmarshalBinary decodes the payload.
func (m *AkePayload) UnmarshalBinary(buf []byte) error {
	*m = AkePayload{}
	fields := []*[]byte{&m.DhPk, &m.AmfPk, &m.Expiration, &m.Proof, &m.PkePk, &m.DrPk}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || int(num) > len(fields) {
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
		v, n, err := consumeBytes(typ, b)
		*fields[num-1] = v
		return n, err
	})
}

// RtuCredential is the full right-to-use credential exchanged during RUA.
type RtuCredential struct {
	AmfPk      []byte
	PkePk      []byte
	DrPk       []byte
	Expiration []byte
	Signature  []byte
	Name       string
}

// MarshalBinary encodes the credential.
func (m *RtuCredential) MarshalBinary() ([]byte, error) {
	var b []byte
	for i, f := range [][]byte{m.AmfPk, m.PkePk, m.DrPk, m.Expiration, m.Signature} {
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendString(b, m.Name)
	return b, nil
}

// UnmarshalBinary decodes the credential.
func (m *RtuCredential) UnmarshalBinary(buf []byte) error {
	*m = RtuCredential{}
	fields := []*[]byte{&m.AmfPk, &m.PkePk, &m.DrPk, &m.Expiration, &m.Signature}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num >= 1 && int(num) <= len(fields):
			v, n, err := consumeBytes(typ, b)
			*fields[num-1] = v
			return n, err
		case num == 6:
			v, n, err := consumeString(typ, b)
			m.Name = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// RuaMessage is the body of RUA_REQUEST and RUA_RESPONSE messages, carried
// inside a ratchet-encrypted envelope. Misc echoes the counterpart's DDA on
// responses; Sigma is the AMF franking signature over the DDA.
type RuaMessage struct {
	DhPk   []byte
	Topic  string
	Reason string
	Rtu    RtuCredential
	Misc   []byte
	Sigma  []byte
}

func (m *RuaMessage) marshal(includeSigma bool) ([]byte, error) {
	rtu, err := m.Rtu.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DhPk)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.Reason)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, rtu)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Misc)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	if includeSigma {
		b = protowire.AppendBytes(b, m.Sigma)
	} else {
		b = protowire.AppendBytes(b, nil)
	}
	return b, nil
}

// MarshalBinary encodes the message including its signature.
func (m *RuaMessage) MarshalBinary() ([]byte, error) {
	return m.marshal(true)
}

// DDA returns the deterministic authentication transcript: the canonical
// serialization with the sigma field cleared. This is the exact byte string
// the AMF signature covers.
func (m *RuaMessage) DDA() ([]byte, error) {
	return m.marshal(false)
}

// UnmarshalBinary decodes the message.
func (m *RuaMessage) UnmarshalBinary(buf []byte) error {
	*m = RuaMessage{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.DhPk = v
			return n, err
		case 2:
			v, n, err := consumeString(typ, b)
			m.Topic = v
			return n, err
		case 3:
			v, n, err := consumeString(typ, b)
			m.Reason = v
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if err := m.Rtu.UnmarshalBinary(v); err != nil {
				return 0, err
			}
			return n, nil
		case 5:
			v, n, err := consumeBytes(typ, b)
			m.Misc = v
			return n, err
		case 6:
			v, n, err := consumeBytes(typ, b)
			m.Sigma = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// DrHeader is the plaintext ratchet header of an encrypted message.
type DrHeader struct {
	Dh []byte
	N  uint32
	Pn uint32
}

// DrMessage is a ratchet-encrypted message.
type DrMessage struct {
	Header     DrHeader
	Ciphertext []byte
}

// MarshalBinary encodes the message.
func (m *DrMessage) MarshalBinary() ([]byte, error) {
	var h []byte
	h = protowire.AppendTag(h, 1, protowire.BytesType)
	h = protowire.AppendBytes(h, m.Header.Dh)
	h = protowire.AppendTag(h, 2, protowire.VarintType)
	h = protowire.AppendVarint(h, uint64(m.Header.N))
	h = protowire.AppendTag(h, 3, protowire.VarintType)
	h = protowire.AppendVarint(h, uint64(m.Header.Pn))

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, h)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b, nil
}

// UnmarshalBinary decodes the message.
func (m *DrMessage) UnmarshalBinary(buf []byte) error {
	*m = DrMessage{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if err := m.Header.unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.Ciphertext = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

func (h *DrHeader) unmarshal(buf []byte) error {
	*h = DrHeader{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			h.Dh = v
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			h.N = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			h.Pn = uint32(v)
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// OprfRequest carries a blinded element to the key-derivation service.
type OprfRequest struct {
	Element []byte
}

// MarshalBinary encodes the request.
func (m *OprfRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Element)
	return b, nil
}

// UnmarshalBinary decodes the request.
func (m *OprfRequest) UnmarshalBinary(buf []byte) error {
	*m = OprfRequest{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.Element = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}

// OprfResponse carries the evaluated element back.
type OprfResponse struct {
	Element []byte
}

// MarshalBinary encodes the response.
func (m *OprfResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Element)
	return b, nil
}

// UnmarshalBinary decodes the response.
func (m *OprfResponse) UnmarshalBinary(buf []byte) error {
	*m = OprfResponse{}
	return walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.Element = v
			return n, err
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnknownField, num)
		}
	})
}
