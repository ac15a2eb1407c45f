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

// Package auth orchestrates the per-call authentication protocol: AKE then
// RUA over the out-of-band relay, with topic rotation between phases. One
// Service owns at most one call at a time; every frame, timer and API call
// funnels through its lock, so CallState mutations are single-writer.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/config"
	"github.com/USA-RedDragon/CallSeal/internal/crypto"
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/USA-RedDragon/CallSeal/internal/metrics"
	"github.com/USA-RedDragon/CallSeal/internal/oob"
	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
	"go.opentelemetry.io/otel"
)

// ErrNoSubscriber indicates no subscriber credential is loaded.
var ErrNoSubscriber = errors.New("auth: no subscriber configuration")

// byeGrace bounds the best-effort BYE publish during cleanup.
const byeGrace = 100 * time.Millisecond

// Service runs the authentication protocol for one subscriber. At most one
// call is active at a time; starting a new one cleans the old one up first.
type Service struct {
	cfg         *config.Config
	sub         *identity.SubscriberConfig
	relayClient *relay.Client

	mu         sync.Mutex
	call       *callState
	ctrl       *oob.Controller
	timer      *time.Timer
	callCancel context.CancelFunc
	byeSent    bool
}

// NewService creates the orchestrator.
func NewService(cfg *config.Config, sub *identity.SubscriberConfig, relayClient *relay.Client) *Service {
	return &Service{
		cfg:         cfg,
		sub:         sub,
		relayClient: relayClient,
	}
}

func (s *Service) protocolTimeout() time.Duration {
	return time.Duration(s.cfg.Protocol.TimeoutMS) * time.Millisecond
}

func (s *Service) heartbeatInterval() time.Duration {
	return time.Duration(s.cfg.Protocol.HeartbeatIntervalMS) * time.Millisecond
}

func marshalEnvelope(t wire.MessageType, senderID, topic string, payload []byte) ([]byte, error) {
	env := &wire.ProtocolMessage{Type: t, SenderID: senderID, Topic: topic, Payload: payload}
	return env.MarshalBinary()
}

// StartOutgoing begins authenticating an outgoing call to recipient.
// onReady fires once as soon as the AKE request is on the wire so dialing
// can proceed in parallel; onComplete fires once with the outcome.
func (s *Service) StartOutgoing(ctx context.Context, recipient, reason string, onReady func(), onComplete CompleteFunc) error {
	ctx, span := otel.Tracer("CallSeal").Start(ctx, "AuthService.StartOutgoing")
	defer span.End()

	if s.sub == nil {
		if onComplete != nil {
			go onComplete(false, nil)
		}
		return ErrNoSubscriber
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(true)

	call, err := newCallState(s.sub, true, s.sub.Phone, recipient, reason, time.Now())
	if err != nil {
		go onComplete(false, nil)
		return err
	}
	call.onReady = onReady
	call.onComplete = onComplete

	if err := s.openControllerLocked(ctx, call); err != nil {
		go onComplete(false, nil)
		return err
	}

	payload, err := call.buildAkePayload()
	if err != nil {
		s.abortStartLocked(call)
		return err
	}
	payloadBytes, err := payload.MarshalBinary()
	if err != nil {
		s.abortStartLocked(call)
		return err
	}
	// The initial request rides in the clear: the counterpart's PKE key is
	// unknown until its response, and the proof binds sender and topic.
	env, err := marshalEnvelope(wire.MessageTypeAkeRequest, call.senderID, call.akeTopic, payloadBytes)
	if err != nil {
		s.abortStartLocked(call)
		return err
	}
	if err := s.ctrl.Publish(env); err != nil {
		s.abortStartLocked(call)
		return err
	}

	call.phase = PhaseAkeOutstanding
	call.fireReady()
	s.armTimeoutLocked()
	slog.Info("Outgoing call authentication started", "dst", recipient, "topic", call.akeTopic)
	return nil
}

// HandleIncoming begins authenticating an incoming call attempt from
// callerNumber. The phone may only ring once onComplete reports success.
func (s *Service) HandleIncoming(ctx context.Context, callerNumber string, onComplete CompleteFunc) error {
	ctx, span := otel.Tracer("CallSeal").Start(ctx, "AuthService.HandleIncoming")
	defer span.End()

	if s.sub == nil {
		if onComplete != nil {
			go onComplete(false, nil)
		}
		return ErrNoSubscriber
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(true)

	call, err := newCallState(s.sub, false, callerNumber, s.sub.Phone, "", time.Now())
	if err != nil {
		go onComplete(false, nil)
		return err
	}
	call.onComplete = onComplete

	// The AKE request arrives through subscribe replay; no publish needed.
	if err := s.openControllerLocked(ctx, call); err != nil {
		go onComplete(false, nil)
		return err
	}

	call.phase = PhaseAkeOutstanding
	s.armTimeoutLocked()
	slog.Info("Incoming call authentication started", "src", callerNumber, "topic", call.akeTopic)
	return nil
}

// openControllerLocked consumes a ticket and opens the OOB controller on
// the call's AKE topic, installing the frame router.
func (s *Service) openControllerLocked(ctx context.Context, call *callState) error {
	ticket, err := s.sub.PopTicket()
	if err != nil {
		return err
	}
	conn, err := s.relayClient.Channel(s.cfg.Relay.Host, s.cfg.Relay.Port, s.cfg.Relay.TLS)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ctrl, err := oob.Open(callCtx, conn, call.akeTopic, ticket, s.handleFrame)
	if err != nil {
		cancel()
		return err
	}
	s.call = call
	s.ctrl = ctrl
	s.callCancel = cancel
	s.byeSent = false
	return nil
}

// abortStartLocked unwinds a partially started call.
func (s *Service) abortStartLocked(call *callState) {
	call.fireComplete(false, nil)
	s.cleanupLocked(false)
}

// EndCallCleanup tears the current call down: cancel the timeout, publish a
// best-effort BYE, stop the heartbeat and drop all state. Idempotent and
// safe from any phase.
func (s *Service) EndCallCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.phase != PhaseVerified {
		s.call.fireComplete(false, nil)
	}
	s.cleanupLocked(true)
}

// cleanupLocked is the single teardown path. sendBye controls the
// best-effort BYE; at most one is ever published per call.
func (s *Service) cleanupLocked(sendBye bool) {
	if s.call == nil && s.ctrl == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if sendBye && s.ctrl != nil && s.call != nil && !s.byeSent {
		s.byeSent = true
		env, err := marshalEnvelope(wire.MessageTypeBye, s.call.senderID, s.call.currentTopic(), nil)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), byeGrace)
			if err := s.ctrl.PublishWithContext(ctx, env); err != nil {
				slog.Debug("Best-effort BYE failed", "error", err)
			}
			cancel()
		}
	}
	if s.ctrl != nil {
		s.ctrl.Close()
		s.ctrl = nil
	}
	if s.callCancel != nil {
		s.callCancel()
		s.callCancel = nil
	}
	if s.call != nil {
		s.call.phase = PhaseClosed
		s.call = nil
	}
}

func (s *Service) armTimeoutLocked() {
	s.timer = time.AfterFunc(s.protocolTimeout(), s.onTimeout)
}

func (s *Service) onTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil || s.call.phase >= PhaseVerified {
		return
	}
	slog.Warn("Protocol timeout", "phase", s.call.phase.String())
	metrics.CallsTimedOut.Inc()
	s.failLocked()
}

// failLocked reports failure and tears down.
func (s *Service) failLocked() {
	metrics.CallsFailed.Inc()
	if s.call != nil {
		s.call.phase = PhaseFailed
		s.call.fireComplete(false, nil)
	}
	s.cleanupLocked(true)
}

// verifiedLocked finishes the protocol: stop the clock, start heartbeats
// and emit the verified identity.
func (s *Service) verifiedLocked() {
	call := s.call
	call.phase = PhaseVerified
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	metrics.CallsVerified.Inc()
	s.ctrl.StartHeartbeat(s.heartbeatInterval(), s.heartbeatBody)
	slog.Info("Call verified", "peer", call.peer.name)
	call.fireComplete(true, call.remoteParty())
}

// heartbeatBody builds one heartbeat frame: a ratchet-encrypted marker so
// the body is indistinguishable from protocol traffic.
func (s *Service) heartbeatBody() []byte {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()
	if call == nil || call.drSession == nil {
		return nil
	}
	sealed, err := call.drSession.Seal([]byte("hb"), []byte(call.ruaTopic))
	if err != nil {
		return nil
	}
	sealedBytes, err := sealed.MarshalBinary()
	if err != nil {
		return nil
	}
	env, err := marshalEnvelope(wire.MessageTypeHeartbeat, call.senderID, call.ruaTopic, sealedBytes)
	if err != nil {
		return nil
	}
	return env
}

// handleFrame is the fan-in point for all inbound OOB bytes. It applies
// the routing rules in order: parse, self-echo, BYE, HEARTBEAT, topic
// filter, then phase dispatch.
func (s *Service) handleFrame(payload []byte) {
	var env wire.ProtocolMessage
	if err := env.UnmarshalBinary(payload); err != nil {
		slog.Debug("Dropping malformed frame", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.call
	if call == nil || call.phase == PhaseFailed || call.phase == PhaseClosed {
		return
	}
	if env.SenderID == call.senderID {
		return
	}
	switch env.Type {
	case wire.MessageTypeBye:
		s.handleByeLocked()
		return
	case wire.MessageTypeHeartbeat:
		return
	default:
	}
	if env.Topic != "" && env.Topic != call.currentTopic() {
		// A late AKE_RESPONSE on the AKE topic is allowed through here so
		// the narrow post-AKE_COMPLETE window works; the phase check below
		// still drops it once the caller has moved on.
		lateAke := call.isCaller && env.Type == wire.MessageTypeAkeResponse && env.Topic == call.akeTopic
		if !lateAke {
			slog.Debug("Dropping stale-topic frame", "type", env.Type.String(), "topic", env.Topic)
			return
		}
	}

	if call.isCaller {
		switch env.Type {
		case wire.MessageTypeAkeResponse:
			if call.phase != PhaseAkeOutstanding {
				slog.Debug("Dropping frame for earlier phase", "type", env.Type.String(), "phase", call.phase.String())
				return
			}
			s.callerAkeResponseLocked(&env)
		case wire.MessageTypeRuaResponse:
			if call.phase != PhaseRuaOutstanding {
				slog.Debug("Dropping frame for earlier phase", "type", env.Type.String(), "phase", call.phase.String())
				return
			}
			s.callerRuaResponseLocked(&env)
		default:
			slog.Debug("Dropping unexpected frame for caller", "type", env.Type.String(), "phase", call.phase.String())
		}
		return
	}

	switch env.Type {
	case wire.MessageTypeAkeRequest:
		if call.phase != PhaseAkeOutstanding || call.akeResponded {
			slog.Debug("Dropping duplicate or out-of-phase AKE request", "phase", call.phase.String())
			return
		}
		s.recipientAkeRequestLocked(&env)
	case wire.MessageTypeAkeComplete:
		if call.phase != PhaseAkeOutstanding || !call.akeResponded {
			slog.Debug("Dropping out-of-phase AKE complete", "phase", call.phase.String())
			return
		}
		s.recipientAkeCompleteLocked(&env)
	case wire.MessageTypeRuaRequest:
		if call.phase != PhaseRuaOutstanding {
			slog.Debug("Dropping out-of-phase RUA request", "phase", call.phase.String())
			return
		}
		s.recipientRuaRequestLocked(&env)
	default:
		slog.Debug("Dropping unexpected frame for recipient", "type", env.Type.String(), "phase", call.phase.String())
	}
}

func (s *Service) handleByeLocked() {
	call := s.call
	if call.phase == PhaseVerified {
		slog.Info("Peer ended call")
		s.cleanupLocked(false)
		return
	}
	slog.Warn("Peer aborted call before verification")
	call.fireComplete(false, nil)
	s.cleanupLocked(false)
}

// callerAkeResponseLocked: decrypt, verify the recipient's proof, derive
// keys, confirm on the old topic and rotate to the RUA topic with the
// request piggybacked.
func (s *Service) callerAkeResponseLocked(env *wire.ProtocolMessage) {
	call := s.call
	pt, err := crypto.PKEDecrypt(s.sub.PKEKeyPair.Private, env.Payload)
	if err != nil {
		slog.Error("Failed to decrypt AKE response", "error", err)
		s.failLocked()
		return
	}
	var p wire.AkePayload
	if err := p.UnmarshalBinary(pt); err != nil {
		slog.Error("Malformed AKE response", "error", err)
		s.failLocked()
		return
	}
	if err := call.handleAkeResponse(&p, s.cfg.Protocol.MaxSkippedMessages); err != nil {
		slog.Error("AKE response rejected", "error", err)
		s.failLocked()
		return
	}
	call.phase = PhaseAkeEstablished

	// Key confirmation goes out on the AKE topic the counterpart is still
	// subscribed to.
	conf, err := crypto.PKEEncrypt(call.peer.pkePk, call.akeConfirmation())
	if err != nil {
		s.failLocked()
		return
	}
	completeEnv, err := marshalEnvelope(wire.MessageTypeAkeComplete, call.senderID, call.akeTopic, conf)
	if err != nil {
		s.failLocked()
		return
	}
	if err := s.ctrl.Publish(completeEnv); err != nil {
		slog.Error("Failed to publish AKE complete", "error", err)
		s.failLocked()
		return
	}

	if err := call.ruaInit(); err != nil {
		s.failLocked()
		return
	}
	ruaMsg, err := call.buildRuaRequest()
	if err != nil {
		slog.Error("Failed to build RUA request", "error", err)
		s.failLocked()
		return
	}
	ruaBytes, err := ruaMsg.MarshalBinary()
	if err != nil {
		s.failLocked()
		return
	}
	sealed, err := call.drSession.Seal(ruaBytes, []byte(call.ruaTopic))
	if err != nil {
		s.failLocked()
		return
	}
	sealedBytes, err := sealed.MarshalBinary()
	if err != nil {
		s.failLocked()
		return
	}
	ruaEnv, err := marshalEnvelope(wire.MessageTypeRuaRequest, call.senderID, call.ruaTopic, sealedBytes)
	if err != nil {
		s.failLocked()
		return
	}

	call.phase = PhaseRuaOutstanding
	ticket, err := s.sub.PopTicket()
	if err != nil {
		s.failLocked()
		return
	}
	// Publish-then-subscribe: the recipient picks the request up from the
	// relay's replay window once it swaps to the RUA topic.
	if err := s.ctrl.SubscribeToNewTopic(call.ruaTopic, ruaEnv, ticket); err != nil {
		slog.Error("Failed to rotate to RUA topic", "error", err)
		s.failLocked()
		return
	}
}

// recipientAkeRequestLocked: verify the caller's proof and answer with this
// side's payload, PKE-encrypted to the caller. An unverifiable request is
// dropped, not fatal: the subscription window stays open for the genuine
// caller until the timeout.
func (s *Service) recipientAkeRequestLocked(env *wire.ProtocolMessage) {
	call := s.call
	var p wire.AkePayload
	if err := p.UnmarshalBinary(env.Payload); err != nil {
		slog.Debug("Dropping malformed AKE request", "error", err)
		return
	}
	resp, err := call.handleAkeRequest(&p)
	if err != nil {
		slog.Warn("Dropping unverifiable AKE request", "error", err)
		return
	}
	respBytes, err := resp.MarshalBinary()
	if err != nil {
		s.failLocked()
		return
	}
	enc, err := crypto.PKEEncrypt(call.peer.pkePk, respBytes)
	if err != nil {
		s.failLocked()
		return
	}
	respEnv, err := marshalEnvelope(wire.MessageTypeAkeResponse, call.senderID, call.akeTopic, enc)
	if err != nil {
		s.failLocked()
		return
	}
	if err := s.ctrl.Publish(respEnv); err != nil {
		slog.Error("Failed to publish AKE response", "error", err)
		s.failLocked()
		return
	}
	call.akeResponded = true
}

// recipientAkeCompleteLocked: confirm the handshake, derive keys and rotate
// to the RUA topic to wait for the request.
func (s *Service) recipientAkeCompleteLocked(env *wire.ProtocolMessage) {
	call := s.call
	pt, err := crypto.PKEDecrypt(s.sub.PKEKeyPair.Private, env.Payload)
	if err != nil {
		slog.Error("Failed to decrypt AKE complete", "error", err)
		s.failLocked()
		return
	}
	if err := call.handleAkeComplete(pt, s.cfg.Protocol.MaxSkippedMessages); err != nil {
		slog.Error("AKE complete rejected", "error", err)
		s.failLocked()
		return
	}
	call.phase = PhaseAkeEstablished
	if err := call.ruaInit(); err != nil {
		s.failLocked()
		return
	}
	call.phase = PhaseRuaOutstanding
	ticket, err := s.sub.PopTicket()
	if err != nil {
		s.failLocked()
		return
	}
	if err := s.ctrl.SubscribeToNewTopic(call.ruaTopic, nil, ticket); err != nil {
		slog.Error("Failed to rotate to RUA topic", "error", err)
		s.failLocked()
		return
	}
}

// recipientRuaRequestLocked: decrypt with the ratchet, verify credential
// and franking, reply and enter Verified. Only now may the phone ring.
func (s *Service) recipientRuaRequestLocked(env *wire.ProtocolMessage) {
	call := s.call
	var drMsg wire.DrMessage
	if err := drMsg.UnmarshalBinary(env.Payload); err != nil {
		slog.Debug("Dropping malformed RUA request", "error", err)
		return
	}
	pt, err := call.drSession.Open(&drMsg, []byte(call.ruaTopic))
	if err != nil {
		slog.Error("Failed to decrypt RUA request", "error", err)
		s.failLocked()
		return
	}
	var msg wire.RuaMessage
	if err := msg.UnmarshalBinary(pt); err != nil {
		s.failLocked()
		return
	}
	reply, err := call.handleRuaRequest(&msg)
	if err != nil {
		slog.Error("RUA request rejected", "error", err)
		s.failLocked()
		return
	}
	replyBytes, err := reply.MarshalBinary()
	if err != nil {
		s.failLocked()
		return
	}
	sealed, err := call.drSession.Seal(replyBytes, []byte(call.ruaTopic))
	if err != nil {
		s.failLocked()
		return
	}
	sealedBytes, err := sealed.MarshalBinary()
	if err != nil {
		s.failLocked()
		return
	}
	respEnv, err := marshalEnvelope(wire.MessageTypeRuaResponse, call.senderID, call.ruaTopic, sealedBytes)
	if err != nil {
		s.failLocked()
		return
	}
	if err := s.ctrl.Publish(respEnv); err != nil {
		slog.Error("Failed to publish RUA response", "error", err)
		s.failLocked()
		return
	}
	s.verifiedLocked()
}

// callerRuaResponseLocked: decrypt, require the echoed transcript, verify
// credential and franking, update the shared key and enter Verified.
func (s *Service) callerRuaResponseLocked(env *wire.ProtocolMessage) {
	call := s.call
	var drMsg wire.DrMessage
	if err := drMsg.UnmarshalBinary(env.Payload); err != nil {
		slog.Debug("Dropping malformed RUA response", "error", err)
		return
	}
	pt, err := call.drSession.Open(&drMsg, []byte(call.ruaTopic))
	if err != nil {
		slog.Error("Failed to decrypt RUA response", "error", err)
		s.failLocked()
		return
	}
	var reply wire.RuaMessage
	if err := reply.UnmarshalBinary(pt); err != nil {
		s.failLocked()
		return
	}
	if err := call.handleRuaResponse(&reply); err != nil {
		slog.Error("RUA response rejected", "error", err)
		s.failLocked()
		return
	}
	s.verifiedLocked()
}
