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

// Package relaytest runs an in-process relay for tests: a store-and-forward
// pub/sub server speaking the same gRPC surface as the production relay,
// replaying recent messages to new subscribers.
package relaytest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const replayWindow = 32

type topicState struct {
	history [][]byte
	subs    map[chan []byte]struct{}
}

// Server is the in-process relay.
type Server struct {
	grpcServer *grpc.Server
	lis        net.Listener

	mu       sync.Mutex
	topics   map[string]*topicState
	kills    map[chan struct{}]struct{}
	dropPubs bool
}

// NewServer starts a relay on a random loopback port.
func NewServer() (*Server, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s := &Server{
		lis:    lis,
		topics: make(map[string]*topicState),
		kills:  make(map[chan struct{}]struct{}),
	}
	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(relay.Codec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.grpcServer.RegisterService(serviceDesc(), s)
	go func() {
		_ = s.grpcServer.Serve(lis)
	}()
	return s, nil
}

func serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "callseal.relay.v1.Relay",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Publish", Handler: publishHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		},
	}
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.lis.Addr().String())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	return s.lis.Addr().(*net.TCPAddr).Port
}

// Stop shuts the relay down.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// KillStreams force-drops every active subscribe stream, simulating a relay
// flap. Clients are expected to reconnect on their backoff ladder.
func (s *Server) KillStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kill := range s.kills {
		close(kill)
	}
	s.kills = make(map[chan struct{}]struct{})
}

// SetDropPublishes black-holes publishes when enabled: the relay acks them
// but never stores or forwards.
func (s *Server) SetDropPublishes(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPubs = drop
}

func (s *Server) topicLocked(name string) *topicState {
	t, ok := s.topics[name]
	if !ok {
		t = &topicState{subs: make(map[chan []byte]struct{})}
		s.topics[name] = t
	}
	return t
}

func (s *Server) publish(msg *wire.RelayMessage) *wire.PublishResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropPubs {
		return &wire.PublishResponse{Status: "OK"}
	}
	t := s.topicLocked(msg.Topic)
	t.history = append(t.history, msg.Payload)
	if len(t.history) > replayWindow {
		t.history = t.history[len(t.history)-replayWindow:]
	}
	for sub := range t.subs {
		select {
		case sub <- msg.Payload:
		default:
			// A subscriber that cannot keep up loses the frame; the
			// production relay behaves the same way.
		}
	}
	return &wire.PublishResponse{Status: "OK"}
}

func (s *Server) subscribe(req *wire.SubscribeRequest, stream grpc.ServerStream) error {
	sub := make(chan []byte, 128)
	kill := make(chan struct{})

	s.mu.Lock()
	t := s.topicLocked(req.Topic)
	replay := append([][]byte(nil), t.history...)
	t.subs[sub] = struct{}{}
	s.kills[kill] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(t.subs, sub)
		delete(s.kills, kill)
		s.mu.Unlock()
	}()

	for _, payload := range replay {
		if err := stream.SendMsg(&wire.RelayMessage{Topic: req.Topic, Payload: payload}); err != nil {
			return err
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-kill:
			return context.Canceled
		case payload := <-sub:
			if err := stream.SendMsg(&wire.RelayMessage{Topic: req.Topic, Payload: payload}); err != nil {
				return err
			}
		}
	}
}

func publishHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.RelayMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(*Server).publish(in), nil
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(wire.SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Server).subscribe(req, stream)
}
