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
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// SessionSink receives accepted sessions. HandleSession must not block
// the accept loop; the connection manager runs each session on its own
// goroutine.
type SessionSink interface {
	HandleSession(ctx context.Context, session *Session)
}

// Acceptor binds the device port and feeds accepted connections to the
// sink, enforcing the connection cap at the door.
type Acceptor struct {
	settings   models.ServerSettings
	connection models.ConnectionSettings
	sink       SessionSink
	metrics    *metrics.Metrics
	logger     logger.Logger

	listener net.Listener
	active   atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAcceptor creates an acceptor; Listen binds the port.
func NewAcceptor(settings models.ServerSettings, connection models.ConnectionSettings, sink SessionSink, m *metrics.Metrics, log logger.Logger) *Acceptor {
	return &Acceptor{
		settings:   settings,
		connection: connection,
		sink:       sink,
		metrics:    m,
		logger:     log.WithComponent("acceptor"),
		sessions:   make(map[string]*Session),
	}
}

// Listen binds the configured address.
func (a *Acceptor) Listen() error {
	addr := net.JoinHostPort(a.settings.Host, strconv.Itoa(a.settings.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}

	a.listener = listener
	a.logger.Info().Str("addr", addr).Msg("listening for device connections")

	return nil
}

// Addr returns the bound address, useful when port 0 was configured.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}

	return a.listener.Addr()
}

// ActiveSessions returns the number of sessions currently open.
func (a *Acceptor) ActiveSessions() int64 { return a.active.Load() }

// Serve accepts connections until ctx is cancelled or the listener
// fails. Cancellation closes the listener to unblock Accept.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.listener == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	if idle := a.connection.IdleTimeout.Duration(); idle > 0 {
		go a.reapIdle(ctx, idle)
	}

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			a.logger.Warn().Err(err).Msg("accept failed")

			continue
		}

		a.handle(ctx, conn)
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	// The cap is enforced before the session exists: an over-cap peer
	// gets an immediate close, never a half-started identification.
	if max := int64(a.settings.MaxConnections); max > 0 && a.active.Load() >= max {
		a.metrics.SessionsRejected.Inc()
		a.logger.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Int64("active", a.active.Load()).
			Msg("connection cap reached, rejecting")

		_ = conn.Close()

		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}

	session := NewSession(conn, a.connection.ReadBufferSize)

	a.active.Add(1)
	a.metrics.SessionsTotal.Inc()
	a.metrics.SessionsActive.Set(float64(a.active.Load()))

	a.mu.Lock()
	a.sessions[session.ID()] = session
	a.mu.Unlock()

	session.OnClose(func(closed *Session) {
		a.mu.Lock()
		delete(a.sessions, closed.ID())
		a.mu.Unlock()

		a.active.Add(-1)
		a.metrics.SessionsActive.Set(float64(a.active.Load()))
	})

	a.logger.Debug().
		Str("session_id", session.ID()).
		Str("remote", session.RemoteAddr().String()).
		Msg("connection accepted")

	a.sink.HandleSession(ctx, session)
}

// reapIdle sweeps for sessions that moved no bytes within the idle
// timeout and closes them. A healthy data logger is never silent that
// long; a half-open socket the peer abandoned is.
func (a *Acceptor) reapIdle(ctx context.Context, idle time.Duration) {
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, session := range a.snapshotSessions() {
				if session.IdleFor() < idle {
					continue
				}

				a.logger.Info().
					Str("session_id", session.ID()).
					Str("remote", session.RemoteAddr().String()).
					Dur("idle", session.IdleFor()).
					Msg("closing idle session")

				_ = session.Close()
			}
		}
	}
}

func (a *Acceptor) snapshotSessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Session, 0, len(a.sessions))
	for _, session := range a.sessions {
		out = append(out, session)
	}

	return out
}
