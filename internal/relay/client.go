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

// Package relay is the client side of the out-of-band pub/sub relay: a
// pooled gRPC channel per endpoint plus per-topic sessions combining a
// server-streaming Subscribe with unary Publishes.
package relay

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	subscribeMethod = "/callseal.relay.v1.Relay/Subscribe"
	publishMethod   = "/callseal.relay.v1.Relay/Publish"

	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// Client owns the pooled relay channels. Channels are keyed by
// (host, port, tls) and reused across sessions; gRPC keep-alive pings hold
// them open between calls.
type Client struct {
	mu        sync.Mutex
	conns     *xsync.Map[string, *grpc.ClientConn]
	extraOpts []grpc.DialOption
}

// NewClient creates a relay client. Extra dial options are appended to the
// defaults, which lets tests redirect the dialer.
func NewClient(extraOpts ...grpc.DialOption) *Client {
	return &Client{
		conns:     xsync.NewMap[string, *grpc.ClientConn](),
		extraOpts: extraOpts,
	}
}

// Channel returns the pooled connection for the endpoint, dialing it on
// first use.
func (c *Client) Channel(host string, port int, useTLS bool) (*grpc.ClientConn, error) {
	key := fmt.Sprintf("%s:%d:%t", host, port, useTLS)
	if conn, ok := c.conns.Load(key); ok {
		return conn, nil
	}

	// Dialing is serialized so concurrent callers cannot race two channels
	// into the pool for the same endpoint.
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns.Load(key); ok {
		return conn, nil
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}, c.extraOpts...)

	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", host, port), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay channel: %w", err)
	}
	c.conns.Store(key, conn)
	return conn, nil
}

// Close tears down every pooled channel.
func (c *Client) Close() error {
	var firstErr error
	c.conns.Range(func(key string, conn *grpc.ClientConn) bool {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close relay channel %s: %w", key, err)
		}
		c.conns.Delete(key)
		return true
	})
	return firstErr
}
