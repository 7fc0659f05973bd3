/*
 * Copyright 2025 GridPulse Energy, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

type chanSink struct {
	sessions chan *Session
}

func (s *chanSink) HandleSession(_ context.Context, session *Session) {
	s.sessions <- session
}

func startAcceptor(t *testing.T, maxConnections int) (*Acceptor, *chanSink, context.CancelFunc) {
	t.Helper()

	sink := &chanSink{sessions: make(chan *Session, 8)}
	acceptor := NewAcceptor(
		models.ServerSettings{Host: "127.0.0.1", Port: 0, MaxConnections: maxConnections},
		models.ConnectionSettings{},
		sink,
		metrics.NewTestMetrics(),
		logger.NewTestLogger(),
	)

	require.NoError(t, acceptor.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = acceptor.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return acceptor, sink, cancel
}

func dialAcceptor(t *testing.T, a *Acceptor) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestAcceptorHandsSessionsToSink(t *testing.T) {
	acceptor, sink, _ := startAcceptor(t, 0)

	dialAcceptor(t, acceptor)

	select {
	case session := <-sink.sessions:
		assert.Equal(t, models.SessionConnected, session.State())
		assert.Equal(t, int64(1), acceptor.ActiveSessions())

		require.NoError(t, session.Close())
		assert.Eventually(t, func() bool { return acceptor.ActiveSessions() == 0 },
			time.Second, 5*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("no session delivered")
	}
}

func TestAcceptorRejectsOverCap(t *testing.T) {
	acceptor, sink, _ := startAcceptor(t, 1)

	dialAcceptor(t, acceptor)

	var first *Session

	select {
	case first = <-sink.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("no session delivered")
	}

	// The second connection is closed at the door without a session.
	second := dialAcceptor(t, acceptor)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, err := second.Read(make([]byte, 1))
	assert.Error(t, err)

	select {
	case <-sink.sessions:
		t.Fatal("over-cap connection produced a session")
	case <-time.After(50 * time.Millisecond):
	}

	// Closing the first session frees the slot.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return acceptor.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond)

	dialAcceptor(t, acceptor)

	select {
	case <-sink.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not freed after close")
	}
}

func TestAcceptorReapsIdleSessions(t *testing.T) {
	sink := &chanSink{sessions: make(chan *Session, 8)}
	acceptor := NewAcceptor(
		models.ServerSettings{Host: "127.0.0.1", Port: 0},
		models.ConnectionSettings{IdleTimeout: models.Duration(60 * time.Millisecond)},
		sink,
		metrics.NewTestMetrics(),
		logger.NewTestLogger(),
	)

	require.NoError(t, acceptor.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = acceptor.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	dialAcceptor(t, acceptor)

	var session *Session

	select {
	case session = <-sink.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("no session delivered")
	}

	// No traffic ever flows: the reaper closes the session once the
	// idle timeout elapses.
	require.Eventually(t, func() bool { return session.Closed() },
		2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return acceptor.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestAcceptorServeStopsOnCancel(t *testing.T) {
	sink := &chanSink{sessions: make(chan *Session, 1)}
	acceptor := NewAcceptor(
		models.ServerSettings{Host: "127.0.0.1", Port: 0},
		models.ConnectionSettings{},
		sink,
		metrics.NewTestMetrics(),
		logger.NewTestLogger(),
	)

	require.NoError(t, acceptor.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- acceptor.Serve(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
