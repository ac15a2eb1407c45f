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
	"context"
	"testing"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/config"
	"github.com/USA-RedDragon/CallSeal/internal/identity"
	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"github.com/USA-RedDragon/CallSeal/internal/relay/relaytest"
	"github.com/USA-RedDragon/CallSeal/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	success bool
	remote  *RemoteParty
}

func makeTestConfig(srv *relaytest.Server, timeoutMS int) *config.Config {
	return &config.Config{
		LogLevel: config.LogLevelError,
		Relay: config.Relay{
			Host: srv.Host(),
			Port: srv.Port(),
		},
		Protocol: config.Protocol{
			TimeoutMS:           timeoutMS,
			HeartbeatIntervalMS: 30000,
			MaxSkippedMessages:  1000,
		},
	}
}

func makeServices(t *testing.T, timeoutMS int) (aliceSvc, bobSvc *Service, srv *relaytest.Server) {
	t.Helper()
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	ra, err := identity.NewRegistrationAuthority()
	require.NoError(t, err)
	aliceSub, err := ra.Issue("+15551000000", "Alice", []byte("2027-01-01"), 8)
	require.NoError(t, err)
	bobSub, err := ra.Issue("+15552000000", "Bob", []byte("2027-01-01"), 8)
	require.NoError(t, err)

	cfg := makeTestConfig(srv, timeoutMS)

	aliceClient := relay.NewClient()
	t.Cleanup(func() { _ = aliceClient.Close() })
	bobClient := relay.NewClient()
	t.Cleanup(func() { _ = bobClient.Close() })

	aliceSvc = NewService(cfg, aliceSub, aliceClient)
	bobSvc = NewService(cfg, bobSub, bobClient)
	t.Cleanup(aliceSvc.EndCallCleanup)
	t.Cleanup(bobSvc.EndCallCleanup)
	return aliceSvc, bobSvc, srv
}

func TestHappyOutboundCall(t *testing.T) {
	t.Parallel()
	aliceSvc, bobSvc, _ := makeServices(t, 15000)
	ctx := context.Background()

	bobDone := make(chan outcome, 1)
	require.NoError(t, bobSvc.HandleIncoming(ctx, "+15551000000", func(ok bool, remote *RemoteParty) {
		bobDone <- outcome{ok, remote}
	}))

	ready := make(chan struct{}, 1)
	aliceDone := make(chan outcome, 1)
	start := time.Now()
	require.NoError(t, aliceSvc.StartOutgoing(ctx, "+15552000000", "dinner plans", func() {
		ready <- struct{}{}
	}, func(ok bool, remote *RemoteParty) {
		aliceDone <- outcome{ok, remote}
	}))

	// The dial signal fires immediately after the AKE request is out,
	// well before the protocol completes.
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReadyToCall never fired")
	}

	var aliceResult, bobResult outcome
	select {
	case aliceResult = <-aliceDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Alice's protocol never completed")
	}
	select {
	case bobResult = <-bobDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Bob's protocol never completed")
	}
	elapsed := time.Since(start)

	require.True(t, aliceResult.success)
	require.NotNil(t, aliceResult.remote)
	assert.Equal(t, "+15552000000", aliceResult.remote.Phone)
	assert.Equal(t, "Bob", aliceResult.remote.Name)
	assert.True(t, aliceResult.remote.Verified)

	require.True(t, bobResult.success)
	require.NotNil(t, bobResult.remote)
	assert.Equal(t, "+15551000000", bobResult.remote.Phone)
	assert.Equal(t, "Alice", bobResult.remote.Name)
	assert.True(t, bobResult.remote.Verified)
	assert.Equal(t, "dinner plans", bobResult.remote.Reason)

	t.Logf("protocol completed in %s", elapsed)
}

func TestSpoofedCallerTimesOut(t *testing.T) {
	t.Parallel()
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	ra, err := identity.NewRegistrationAuthority()
	require.NoError(t, err)
	// Mallory's credential is for her own number; she spoofs Alice's.
	mallorySub, err := ra.Issue("+15559999999", "Mallory", []byte("2027-01-01"), 8)
	require.NoError(t, err)
	mallorySub.Phone = "+15551000000"
	bobSub, err := ra.Issue("+15552000000", "Bob", []byte("2027-01-01"), 8)
	require.NoError(t, err)

	cfg := makeTestConfig(srv, 1500)
	malloryClient := relay.NewClient()
	t.Cleanup(func() { _ = malloryClient.Close() })
	bobClient := relay.NewClient()
	t.Cleanup(func() { _ = bobClient.Close() })

	mallorySvc := NewService(cfg, mallorySub, malloryClient)
	bobSvc := NewService(cfg, bobSub, bobClient)
	t.Cleanup(mallorySvc.EndCallCleanup)
	t.Cleanup(bobSvc.EndCallCleanup)

	ctx := context.Background()
	bobDone := make(chan outcome, 1)
	require.NoError(t, bobSvc.HandleIncoming(ctx, "+15551000000", func(ok bool, remote *RemoteParty) {
		bobDone <- outcome{ok, remote}
	}))
	malloryDone := make(chan outcome, 1)
	require.NoError(t, mallorySvc.StartOutgoing(ctx, "+15552000000", "", nil, func(ok bool, remote *RemoteParty) {
		malloryDone <- outcome{ok, remote}
	}))

	// Bob drops the unverifiable request and never responds; both sides
	// time out with a failure and no identity.
	select {
	case result := <-malloryDone:
		assert.False(t, result.success)
		assert.Nil(t, result.remote)
	case <-time.After(5 * time.Second):
		t.Fatal("Mallory never timed out")
	}
	select {
	case result := <-bobDone:
		assert.False(t, result.success)
		assert.Nil(t, result.remote)
	case <-time.After(5 * time.Second):
		t.Fatal("Bob never timed out")
	}
}

func TestTimeoutWhenRelayBlackholed(t *testing.T) {
	t.Parallel()
	aliceSvc, _, srv := makeServices(t, 1000)
	srv.SetDropPublishes(true)

	done := make(chan outcome, 1)
	start := time.Now()
	require.NoError(t, aliceSvc.StartOutgoing(context.Background(), "+15552000000", "", nil, func(ok bool, remote *RemoteParty) {
		done <- outcome{ok, remote}
	}))

	select {
	case result := <-done:
		assert.False(t, result.success)
		assert.Nil(t, result.remote)
		assert.Less(t, time.Since(start), 4*time.Second, "timeout must fire near the configured bound")
	case <-time.After(5 * time.Second):
		t.Fatal("Protocol never timed out")
	}
}

func TestEndCallCleanupIdempotent(t *testing.T) {
	t.Parallel()
	aliceSvc, _, _ := makeServices(t, 15000)

	done := make(chan outcome, 4)
	require.NoError(t, aliceSvc.StartOutgoing(context.Background(), "+15552000000", "", nil, func(ok bool, remote *RemoteParty) {
		done <- outcome{ok, remote}
	}))

	aliceSvc.EndCallCleanup()
	aliceSvc.EndCallCleanup()
	aliceSvc.EndCallCleanup()

	// Exactly one completion, with failure.
	select {
	case result := <-done:
		assert.False(t, result.success)
	case <-time.After(2 * time.Second):
		t.Fatal("Completion callback never fired")
	}
	select {
	case <-done:
		t.Fatal("Completion callback fired more than once")
	case <-time.After(300 * time.Millisecond):
	}

	aliceSvc.mu.Lock()
	assert.Nil(t, aliceSvc.call)
	assert.Nil(t, aliceSvc.ctrl)
	aliceSvc.mu.Unlock()
}

func TestStartWithoutSubscriber(t *testing.T) {
	t.Parallel()
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	svc := NewService(makeTestConfig(srv, 1000), nil, relay.NewClient())
	done := make(chan outcome, 1)
	err = svc.StartOutgoing(context.Background(), "+15552000000", "", nil, func(ok bool, remote *RemoteParty) {
		done <- outcome{ok, remote}
	})
	assert.ErrorIs(t, err, ErrNoSubscriber)
	select {
	case result := <-done:
		assert.False(t, result.success)
		assert.Nil(t, result.remote)
	case <-time.After(time.Second):
		t.Fatal("Completion callback never fired")
	}
}

// Routing-rule unit tests drive handleFrame directly on a service with a
// hand-built call state. The drop paths never touch the controller.

func makeRoutingService(t *testing.T, isCaller bool, phase Phase) (*Service, *callState) {
	t.Helper()
	ra, err := identity.NewRegistrationAuthority()
	require.NoError(t, err)
	sub, err := ra.Issue("+15551000000", "Alice", []byte("2027-01-01"), 4)
	require.NoError(t, err)

	src, dst := "+15551000000", "+15552000000"
	call, err := newCallState(sub, isCaller, src, dst, "", time.Now())
	require.NoError(t, err)
	call.phase = phase

	svc := NewService(&config.Config{
		Protocol: config.Protocol{TimeoutMS: 15000, HeartbeatIntervalMS: 30000, MaxSkippedMessages: 1000},
	}, sub, relay.NewClient())
	svc.call = call
	return svc, call
}

func frame(t *testing.T, typ wire.MessageType, senderID, topic string, payload []byte) []byte {
	t.Helper()
	b, err := marshalEnvelope(typ, senderID, topic, payload)
	require.NoError(t, err)
	return b
}

func TestSelfEchoSuppressed(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, true, PhaseAkeOutstanding)
	// A self-echoed AKE response would otherwise hit the decrypt path and
	// fail the protocol; suppression must leave the phase untouched.
	svc.handleFrame(frame(t, wire.MessageTypeAkeResponse, call.senderID, call.akeTopic, []byte("junk")))
	assert.Equal(t, PhaseAkeOutstanding, call.phase)
}

func TestStaleTopicDropped(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, true, PhaseRuaOutstanding)
	call.ruaTopic = "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

	// An RUA response on the old AKE topic is stale and must be dropped
	// without state change.
	svc.handleFrame(frame(t, wire.MessageTypeRuaResponse, "other-sender", call.akeTopic, []byte("junk")))
	assert.Equal(t, PhaseRuaOutstanding, call.phase)
}

func TestLateAkeResponseAfterSwapDropped(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, true, PhaseRuaOutstanding)
	call.ruaTopic = "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

	// The topic filter lets a late AKE_RESPONSE on the AKE topic through,
	// but the phase gate drops it: no regression, no failure.
	svc.handleFrame(frame(t, wire.MessageTypeAkeResponse, "other-sender", call.akeTopic, []byte("junk")))
	assert.Equal(t, PhaseRuaOutstanding, call.phase)
}

func TestHeartbeatIgnored(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, false, PhaseAkeOutstanding)
	svc.handleFrame(frame(t, wire.MessageTypeHeartbeat, "other-sender", call.akeTopic, []byte("anything")))
	assert.Equal(t, PhaseAkeOutstanding, call.phase)
}

func TestMalformedFrameDropped(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, false, PhaseAkeOutstanding)
	svc.handleFrame([]byte{0xFF, 0xFF, 0xFF})
	assert.Equal(t, PhaseAkeOutstanding, call.phase)
}

func TestUnexpectedTypeForPhaseDropped(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, false, PhaseAkeOutstanding)
	// A RUA request before AKE finishes is out of phase for a recipient.
	svc.handleFrame(frame(t, wire.MessageTypeRuaRequest, "other-sender", call.akeTopic, []byte("junk")))
	assert.Equal(t, PhaseAkeOutstanding, call.phase)
}

func TestByeBeforeVerificationFails(t *testing.T) {
	t.Parallel()
	svc, call := makeRoutingService(t, false, PhaseAkeOutstanding)
	done := make(chan outcome, 1)
	call.onComplete = func(ok bool, remote *RemoteParty) {
		done <- outcome{ok, remote}
	}

	svc.handleFrame(frame(t, wire.MessageTypeBye, "other-sender", call.akeTopic, nil))
	select {
	case result := <-done:
		assert.False(t, result.success)
	case <-time.After(time.Second):
		t.Fatal("BYE before verification must complete with failure")
	}
	svc.mu.Lock()
	assert.Nil(t, svc.call)
	svc.mu.Unlock()
}
