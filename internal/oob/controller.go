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

// Package oob owns the out-of-band channel of one call: a single relay
// session whose topic rotates as the protocol advances, plus the periodic
// heartbeat once the call is verified.
package oob

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"google.golang.org/grpc"
)

// Controller wraps a relay session for the lifetime of one call. All
// public operations are safe from any goroutine.
type Controller struct {
	session *relay.Session
	ctx     context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	heartbeatStop chan struct{}
	closeOnce     sync.Once
}

// Open subscribes topic on a new session over conn and installs onFrame as
// the fan-in point for all inbound bytes.
func Open(ctx context.Context, conn *grpc.ClientConn, topic string, ticket []byte, onFrame relay.FrameHandler) (*Controller, error) {
	ctrlCtx, cancel := context.WithCancel(ctx)
	c := &Controller{
		session: relay.NewSession(conn),
		ctx:     ctrlCtx,
		cancel:  cancel,
	}
	if err := c.session.Start(ctrlCtx, topic, ticket, onFrame); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Publish sends payload on the current topic.
func (c *Controller) Publish(payload []byte) error {
	return c.session.Send(c.ctx, payload)
}

// PublishWithContext sends payload on the current topic under the caller's
// context, for bounded best-effort sends.
func (c *Controller) PublishWithContext(ctx context.Context, payload []byte) error {
	return c.session.SendToTopic(ctx, c.session.Topic(), payload, nil)
}

// SubscribeToNewTopic rotates the session to newTopic, consuming a fresh
// ticket. A non-nil firstMsg is published on newTopic before the
// subscription so the counterpart can receive it through replay.
func (c *Controller) SubscribeToNewTopic(newTopic string, firstMsg, ticket []byte) error {
	return c.session.SwapToTopic(c.ctx, newTopic, firstMsg, ticket)
}

// Topic returns the current topic.
func (c *Controller) Topic() string {
	return c.session.Topic()
}

// StartHeartbeat publishes a frame built by body every interval until the
// controller closes. The body closure runs per tick so it can be a fresh
// ratchet-encrypted message each time.
func (c *Controller) StartHeartbeat(interval time.Duration, body func() []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := c.session.Send(c.ctx, body()); err != nil {
					slog.Warn("Heartbeat publish failed", "error", err)
				}
			}
		}
	}()
}

// StopHeartbeat halts the heartbeat loop if running.
func (c *Controller) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// Close stops the heartbeat and tears the session down. The pooled relay
// channel is left open. Close is idempotent and safe from frame handlers.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.StopHeartbeat()
		c.session.Close()
		c.cancel()
	})
}
