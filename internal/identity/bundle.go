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
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bundle is the on-disk form of the subscriber credential: a YAML document
// written by the enrollment tool, with binary fields base64-encoded. The
// same document, base64-encoded as a whole, is the env-serialized form.
type bundle struct {
	Phone              string   `yaml:"phone"`
	Name               string   `yaml:"name"`
	AMFPrivate         string   `yaml:"amf_private"`
	AMFPublic          string   `yaml:"amf_public"`
	PKEPrivate         string   `yaml:"pke_private"`
	PKEPublic          string   `yaml:"pke_public"`
	DRPrivate          string   `yaml:"dr_private"`
	DRPublic           string   `yaml:"dr_public"`
	Expiration         string   `yaml:"expiration"`
	RAPublicKey        string   `yaml:"ra_public_key"`
	RASignature        string   `yaml:"ra_signature"`
	ModeratorPublicKey string   `yaml:"moderator_public_key"`
	Tickets            []string `yaml:"tickets"`
}

func decodeField(name, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("identity: bad %s field: %w", name, err)
	}
	return b, nil
}

func fromBundle(b *bundle) (*SubscriberConfig, error) {
	cfg := &SubscriberConfig{
		Phone: b.Phone,
		Name:  b.Name,
	}
	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"amf_private", b.AMFPrivate, &cfg.AMFKeyPair.Private},
		{"amf_public", b.AMFPublic, &cfg.AMFKeyPair.Public},
		{"pke_private", b.PKEPrivate, &cfg.PKEKeyPair.Private},
		{"pke_public", b.PKEPublic, &cfg.PKEKeyPair.Public},
		{"dr_private", b.DRPrivate, &cfg.DRKeyPair.Private},
		{"dr_public", b.DRPublic, &cfg.DRKeyPair.Public},
		{"expiration", b.Expiration, &cfg.Expiration},
		{"ra_public_key", b.RAPublicKey, &cfg.RAPublicKey},
		{"ra_signature", b.RASignature, &cfg.RASignature},
		{"moderator_public_key", b.ModeratorPublicKey, &cfg.ModeratorPublicKey},
	}
	for _, f := range fields {
		v, err := decodeField(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	tickets := make([][]byte, 0, len(b.Tickets))
	for _, t := range b.Tickets {
		v, err := decodeField("ticket", t)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, v)
	}
	cfg.SetTickets(tickets)
	return cfg, nil
}

func toBundle(c *SubscriberConfig) *bundle {
	enc := base64.StdEncoding.EncodeToString
	b := &bundle{
		Phone:              c.Phone,
		Name:               c.Name,
		AMFPrivate:         enc(c.AMFKeyPair.Private),
		AMFPublic:          enc(c.AMFKeyPair.Public),
		PKEPrivate:         enc(c.PKEKeyPair.Private),
		PKEPublic:          enc(c.PKEKeyPair.Public),
		DRPrivate:          enc(c.DRKeyPair.Private),
		DRPublic:           enc(c.DRKeyPair.Public),
		Expiration:         enc(c.Expiration),
		RAPublicKey:        enc(c.RAPublicKey),
		RASignature:        enc(c.RASignature),
		ModeratorPublicKey: enc(c.ModeratorPublicKey),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickets {
		b.Tickets = append(b.Tickets, enc(t))
	}
	return b
}

// LoadFile reads a credential bundle from a YAML file.
func LoadFile(path string) (*SubscriberConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read credential file: %w", err)
	}
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("identity: failed to parse credential file: %w", err)
	}
	return fromBundle(&b)
}

// LoadEnv reads a credential bundle from an environment variable holding
// the base64-encoded YAML document.
func LoadEnv(name string) (*SubscriberConfig, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("identity: environment variable %s is empty", name)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to decode credential env: %w", err)
	}
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("identity: failed to parse credential env: %w", err)
	}
	return fromBundle(&b)
}

// Serialize renders the credential as the env-serialized string: the YAML
// bundle, base64-encoded.
func Serialize(c *SubscriberConfig) (string, error) {
	data, err := yaml.Marshal(toBundle(c))
	if err != nil {
		return "", fmt.Errorf("identity: failed to marshal credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
