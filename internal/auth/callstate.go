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
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/USA-RedDragon/CallSeal/internal/dr"
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/google/uuid"
)

// Phase is the lifecycle position of a call. Phases only advance; Failed
// is terminal except for cleanup.
type Phase int

const (
	// PhaseInit is a freshly created call.
	PhaseInit Phase = iota
	// PhaseAkeOutstanding means the AKE exchange is in flight.
	PhaseAkeOutstanding
	// PhaseAkeEstablished means the shared key exists.
	PhaseAkeEstablished
	// PhaseRuaOutstanding means the RUA exchange is in flight.
	PhaseRuaOutstanding
	// PhaseVerified means the counterpart identity is proven.
	PhaseVerified
	// PhaseFailed is terminal failure.
	PhaseFailed
	// PhaseClosed means the call is cleaned up.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseAkeOutstanding:
		return "ake-outstanding"
	case PhaseAkeEstablished:
		return "ake-established"
	case PhaseRuaOutstanding:
		return "rua-outstanding"
	case PhaseVerified:
		return "verified"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteParty is the verified identity of the other call endpoint. It is
// produced only on the transition into PhaseVerified.
type RemoteParty struct {
	Phone    string
	Name     string
	Verified bool
	// Reason is the caller-supplied reason line, present on incoming calls.
	Reason string
}

// CompleteFunc receives the protocol outcome exactly once per call.
type CompleteFunc func(success bool, remote *RemoteParty)

// counterpart collects everything learned about the other endpoint.
type counterpart struct {
	akePk []byte // AKE ephemeral DH public key
	amfPk []byte
	pkePk []byte
	drPk  []byte
	name  string
}

// callState is the per-call cryptographic state machine. It is created at
// call start, owned exclusively by the Service, mutated only under the
// Service lock, and destroyed at call end.
type callState struct {
	sub      *identity.SubscriberConfig
	isCaller bool
	src      string
	dst      string
	ts       string
	senderID string
	reason   string

	phase Phase

	// AKE ephemerals and topic.
	akeSk    []byte
	akePk    []byte
	akeTopic string

	// RUA ephemerals and topic.
	ruaSk    []byte
	ruaPk    []byte
	ruaTopic string

	sharedKey []byte
	peer      counterpart
	drSession *dr.Session

	// akeResponded suppresses duplicate AKE_REQUEST replays on the
	// recipient side.
	akeResponded bool

	// lastOutboundDDA and sigmaOut let the caller validate the echoed
	// transcript and recompute the post-RUA shared key.
	lastOutboundDDA []byte
	sigmaOut        []byte

	readyFired    bool
	completeFired bool
	onReady       func()
	onComplete    CompleteFunc
}

// newCallState builds a call and runs AKE init: a fresh ephemeral DH pair
// and the derived AKE topic.
func newCallState(sub *identity.SubscriberConfig, isCaller bool, src, dst, reason string, now time.Time) (*callState, error) {
	sk, pk, err := crypto.DHKeygen()
	if err != nil {
		return nil, err
	}
	ts := HourTimestamp(now)
	return &callState{
		sub:      sub,
		isCaller: isCaller,
		src:      src,
		dst:      dst,
		ts:       ts,
		senderID: uuid.NewString(),
		reason:   reason,
		phase:    PhaseInit,
		akeSk:    sk,
		akePk:    pk,
		akeTopic: AkeTopic(src, ts),
	}, nil
}

// currentTopic is the topic the call is subscribed to in its present phase.
func (c *callState) currentTopic() string {
	if c.ruaTopic != "" {
		return c.ruaTopic
	}
	return c.akeTopic
}

// remoteParty builds the verified identity object.
func (c *callState) remoteParty() *RemoteParty {
	phone := c.src
	reason := c.reason
	if c.isCaller {
		phone = c.dst
		reason = ""
	}
	return &RemoteParty{
		Phone:    phone,
		Name:     c.peer.name,
		Verified: true,
		Reason:   reason,
	}
}

// fireReady invokes the ready callback at most once, asynchronously so the
// sink can call back into the service.
func (c *callState) fireReady() {
	if c.readyFired || c.onReady == nil {
		return
	}
	c.readyFired = true
	go c.onReady()
}

// fireComplete invokes the completion callback at most once.
func (c *callState) fireComplete(success bool, remote *RemoteParty) {
	if c.completeFired || c.onComplete == nil {
		return
	}
	c.completeFired = true
	go c.onComplete(success, remote)
}
