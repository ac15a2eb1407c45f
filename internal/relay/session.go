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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/metrics"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
	"google.golang.org/grpc"
)

// backoffLadder is the reconnect schedule for a dropped subscribe stream.
// The final rung repeats indefinitely.
var backoffLadder = []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}

// ErrPublishRejected indicates the relay acknowledged a publish with a
// non-OK status.
var ErrPublishRejected = errors.New("relay: publish rejected")

// ErrSessionClosed indicates an operation on a closed session.
var ErrSessionClosed = errors.New("relay: session closed")

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// FrameHandler receives the payload bytes of each inbound frame, in relay
// order for the subscribed topic. Handlers run on the subscribe goroutine
// and may call back into the session (publish, swap, close).
type FrameHandler func(payload []byte)

// Session is one active topic subscription plus the publish path for it.
// The subscribe stream reconnects with exponential backoff until the
// session is swapped or closed. A fresh ticket is consumed by every new
// subscribe; reconnects of the same subscribe reuse the consumed ticket.
//
// Because frame handlers may swap or close the session from within the
// subscribe goroutine itself, teardown never blocks on that goroutine: the
// old stream is cancelled and a generation counter keeps its late frames
// from being delivered.
type Session struct {
	conn    *grpc.ClientConn
	onFrame FrameHandler

	mu     sync.Mutex
	topic  string
	ticket []byte
	cancel context.CancelFunc
	gen    atomic.Uint64
	closed atomic.Bool
}

// NewSession creates a session over the pooled channel.
func NewSession(conn *grpc.ClientConn) *Session {
	return &Session{conn: conn}
}

// Start subscribes to topic and relays each inbound frame's payload to
// onFrame until Close or SwapToTopic.
func (s *Session) Start(ctx context.Context, topic string, ticket []byte, onFrame FrameHandler) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = onFrame
	s.subscribeLocked(ctx, topic, ticket)
	return nil
}

// subscribeLocked cancels any running subscribe loop and starts one for
// topic. The caller holds s.mu.
func (s *Session) subscribeLocked(ctx context.Context, topic string, ticket []byte) {
	if s.cancel != nil {
		s.cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	gen := s.gen.Add(1)
	s.topic = topic
	s.ticket = ticket
	s.cancel = cancel
	go s.subscribeLoop(streamCtx, gen, topic, ticket)
}

func (s *Session) subscribeLoop(ctx context.Context, gen uint64, topic string, ticket []byte) {
	attempt := 0
	for {
		err := s.streamOnce(ctx, gen, topic, ticket)
		if ctx.Err() != nil || s.closed.Load() || s.gen.Load() != gen {
			return
		}
		metrics.RelayReconnects.Inc()
		slog.Warn("Relay subscribe stream dropped, reconnecting", "topic", topic, "attempt", attempt, "error", err)
		delay := backoffLadder[min(attempt, len(backoffLadder)-1)]
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// streamOnce runs a single subscribe stream to completion.
func (s *Session) streamOnce(ctx context.Context, gen uint64, topic string, ticket []byte) error {
	stream, err := s.conn.NewStream(ctx, subscribeStreamDesc, subscribeMethod)
	if err != nil {
		return fmt.Errorf("failed to open subscribe stream: %w", err)
	}
	if err := stream.SendMsg(&wire.SubscribeRequest{Topic: topic, Ticket: ticket}); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to half-close subscribe stream: %w", err)
	}
	for {
		var msg wire.RelayMessage
		if err := stream.RecvMsg(&msg); err != nil {
			return fmt.Errorf("subscribe stream receive failed: %w", err)
		}
		if s.closed.Load() || s.gen.Load() != gen {
			return nil
		}
		metrics.RelayReceives.Inc()
		if s.onFrame != nil {
			s.onFrame(msg.Payload)
		}
	}
}

// Send publishes payload on the session's current topic.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	topic := s.topic
	s.mu.Unlock()
	return s.SendToTopic(ctx, topic, payload, nil)
}

// SendToTopic publishes payload on an arbitrary topic. Transient transport
// failures are retried on the backoff ladder, one attempt per rung, and the
// last error is returned once the ladder is exhausted; the caller's context
// can end the retries sooner.
func (s *Session) SendToTopic(ctx context.Context, topic string, payload, ticket []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg := &wire.RelayMessage{Topic: topic, Payload: payload, Ticket: ticket}
	var lastErr error
	for attempt := 0; attempt < len(backoffLadder); attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffLadder[attempt]):
		}
		var resp wire.PublishResponse
		if err := s.conn.Invoke(ctx, publishMethod, msg, &resp); err != nil {
			lastErr = fmt.Errorf("publish failed: %w", err)
			continue
		}
		if resp.Status != "" && !strings.EqualFold(resp.Status, "OK") {
			return fmt.Errorf("%w: %s", ErrPublishRejected, resp.Status)
		}
		metrics.RelayPublishes.Inc()
		return nil
	}
	return lastErr
}

// SwapToTopic cancels the current subscribe and subscribes newTopic with a
// fresh ticket. If firstMsg is non-nil it is published on newTopic before
// the subscribe so the relay's replay window delivers it to the
// counterpart even if it subscribed first.
func (s *Session) SwapToTopic(ctx context.Context, newTopic string, firstMsg, ticket []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if firstMsg != nil {
		if err := s.SendToTopic(ctx, newTopic, firstMsg, ticket); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(ctx, newTopic, ticket)
	return nil
}

// Topic returns the currently subscribed topic.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Close cancels the subscribe stream and releases topic resources. The
// pooled channel stays open for the next session. Close is idempotent and
// safe to call from a frame handler.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
