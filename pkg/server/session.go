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

// Package server owns the inbound TCP surface: the acceptor, the
// session wrapper around each connection, and the connection manager
// that walks sessions from accept to polling.
package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridpulse/deviceserver/pkg/models"
)

// Session wraps one accepted connection. It is the sole owner of the
// socket: everything downstream (prober, adapter) holds only the
// Session, and close hooks let the rest of the server observe the
// disconnect exactly once.
type Session struct {
	id        string
	conn      net.Conn
	reader    *bufio.Reader
	createdAt time.Time

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	lastActivity atomic.Int64

	mu      sync.Mutex
	state   models.SessionState
	onClose []func(*Session)

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession wraps a freshly accepted connection.
func NewSession(conn net.Conn, readBufferSize int) *Session {
	if readBufferSize <= 0 {
		readBufferSize = 4096
	}

	s := &Session{
		id:        uuid.New().String(),
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, readBufferSize),
		createdAt: time.Now(),
		state:     models.SessionConnected,
	}
	s.lastActivity.Store(s.createdAt.UnixNano())

	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SetState moves the session to a new lifecycle state.
func (s *Session) SetState(state models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// BytesIn returns the total bytes read from the peer.
func (s *Session) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the total bytes written to the peer.
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

// LastActivity returns when the session last moved bytes in either
// direction; a fresh session reports its accept time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been silent.
func (s *Session) IdleFor() time.Duration { return time.Since(s.LastActivity()) }

// Read pulls from the buffered reader so bytes a probe over-read stay
// available to the next protocol layer.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if n > 0 {
		s.bytesIn.Add(uint64(n))
		s.lastActivity.Store(time.Now().UnixNano())
	}

	return n, err
}

// Write sends directly on the socket.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if n > 0 {
		s.bytesOut.Add(uint64(n))
		s.lastActivity.Store(time.Now().UnixNano())
	}

	return n, err
}

// SetDeadline bounds both directions of socket I/O.
func (s *Session) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// OnClose registers a hook fired once when the session closes. Hooks
// registered after Close run immediately.
func (s *Session) OnClose(fn func(*Session)) {
	if s.closed.Load() {
		fn(s)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.onClose = append(s.onClose, fn)
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close shuts the socket and fires the close hooks. Safe to call from
// any goroutine, any number of times.
func (s *Session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		s.state = models.SessionDisconnected
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		err = s.conn.Close()

		for _, fn := range hooks {
			fn(s)
		}
	})

	return err
}
