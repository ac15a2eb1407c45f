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

package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/USA-RedDragon/CallSeal/internal/relay"
	"github.com/USA-RedDragon/CallSeal/internal/relay/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{notify: make(chan struct{}, 64)}
}

func (c *frameCollector) handle(payload []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, payload)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *frameCollector) wait(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([][]byte(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d frames", n)
		}
	}
}

func makeSession(t *testing.T) (*relaytest.Server, *relay.Session) {
	t.Helper()
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	client := relay.NewClient()
	t.Cleanup(func() { _ = client.Close() })
	conn, err := client.Channel(srv.Host(), srv.Port(), false)
	require.NoError(t, err)
	sess := relay.NewSession(conn)
	t.Cleanup(sess.Close)
	return srv, sess
}

func TestSubscribeAndPublish(t *testing.T) {
	t.Parallel()
	_, sess := makeSession(t)
	ctx := context.Background()

	collector := newFrameCollector()
	require.NoError(t, sess.Start(ctx, "topic-a", []byte("ticket-1"), collector.handle))

	// Give the subscribe a moment to land before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sess.Send(ctx, []byte("frame-1")))

	frames := collector.wait(t, 1, 2*time.Second)
	assert.Equal(t, "frame-1", string(frames[0]))
}

func TestReplayOnSubscribe(t *testing.T) {
	t.Parallel()
	_, sess := makeSession(t)
	ctx := context.Background()

	// Published before any subscription exists.
	require.NoError(t, sess.SendToTopic(ctx, "topic-replay", []byte("early"), nil))

	collector := newFrameCollector()
	require.NoError(t, sess.Start(ctx, "topic-replay", []byte("ticket-1"), collector.handle))

	frames := collector.wait(t, 1, 2*time.Second)
	assert.Equal(t, "early", string(frames[0]))
}

func TestSwapToTopicPiggyback(t *testing.T) {
	t.Parallel()
	_, sess := makeSession(t)
	ctx := context.Background()

	collector := newFrameCollector()
	require.NoError(t, sess.Start(ctx, "old-topic", []byte("ticket-1"), collector.handle))

	// The piggybacked message is published on the new topic before the
	// swap subscribes it, so it comes back via replay.
	require.NoError(t, sess.SwapToTopic(ctx, "new-topic", []byte("piggyback"), []byte("ticket-2")))
	assert.Equal(t, "new-topic", sess.Topic())

	frames := collector.wait(t, 1, 2*time.Second)
	assert.Equal(t, "piggyback", string(frames[0]))
}

func TestReconnectAfterStreamKill(t *testing.T) {
	t.Parallel()
	srv, sess := makeSession(t)
	ctx := context.Background()

	collector := newFrameCollector()
	require.NoError(t, sess.Start(ctx, "flap-topic", []byte("ticket-1"), collector.handle))
	time.Sleep(100 * time.Millisecond)

	// Two flaps; the session reconnects on its ladder and the replay
	// window re-delivers anything missed.
	srv.KillStreams()
	time.Sleep(700 * time.Millisecond)
	srv.KillStreams()

	require.NoError(t, sess.SendToTopic(ctx, "flap-topic", []byte("after-flap"), nil))

	frames := collector.wait(t, 1, 5*time.Second)
	found := false
	for _, f := range frames {
		if string(f) == "after-flap" {
			found = true
		}
	}
	assert.True(t, found, "expected post-flap frame to arrive after reconnect")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	_, sess := makeSession(t)
	ctx := context.Background()

	require.NoError(t, sess.Start(ctx, "topic", []byte("ticket"), func([]byte) {}))
	sess.Close()
	sess.Close()

	err := sess.Send(ctx, []byte("too late"))
	assert.ErrorIs(t, err, relay.ErrSessionClosed)
}

func TestChannelPoolReuse(t *testing.T) {
	t.Parallel()
	srv, err := relaytest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	client := relay.NewClient()
	t.Cleanup(func() { _ = client.Close() })

	a, err := client.Channel(srv.Host(), srv.Port(), false)
	require.NoError(t, err)
	b, err := client.Channel(srv.Host(), srv.Port(), false)
	require.NoError(t, err)
	assert.Same(t, a, b, "same endpoint should reuse the pooled channel")
}
