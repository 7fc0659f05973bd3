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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/models"
)

func TestSessionLifecycleState(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 0)

	assert.NotEmpty(t, session.ID())
	assert.Equal(t, models.SessionConnected, session.State())

	session.SetState(models.SessionIdentifying)
	assert.Equal(t, models.SessionIdentifying, session.State())

	require.NoError(t, session.Close())
	assert.Equal(t, models.SessionDisconnected, session.State())
	assert.True(t, session.Closed())
}

func TestSessionCountsBytes(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 0)
	defer func() { _ = session.Close() }()

	go func() {
		_, _ = remote.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)

	n, err := session.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), session.BytesIn())

	go func() {
		_, _ = remote.Read(make([]byte, 3))
	}()

	_, err = session.Write([]byte("ack"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), session.BytesOut())
}

func TestSessionTracksLastActivity(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 0)
	defer func() { _ = session.Close() }()

	// A fresh session starts with its accept time.
	accepted := session.LastActivity()
	assert.False(t, accepted.IsZero())

	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, session.IdleFor(), 10*time.Millisecond)

	go func() {
		_, _ = remote.Write([]byte("hello"))
	}()

	_, err := session.Read(make([]byte, 5))
	require.NoError(t, err)

	afterRead := session.LastActivity()
	assert.True(t, afterRead.After(accepted))

	time.Sleep(10 * time.Millisecond)

	go func() {
		_, _ = remote.Read(make([]byte, 3))
	}()

	_, err = session.Write([]byte("ack"))
	require.NoError(t, err)

	assert.True(t, session.LastActivity().After(afterRead))
	assert.Less(t, session.IdleFor(), 10*time.Second)
}

func TestSessionBufferedReadSurvivesOverRead(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 16)
	defer func() { _ = session.Close() }()

	go func() {
		_, _ = remote.Write([]byte("AB"))
	}()

	// The buffered reader may slurp both bytes on the first read; the
	// second byte must still come back on the next call.
	one := make([]byte, 1)

	_, err := session.Read(one)
	require.NoError(t, err)
	assert.Equal(t, byte('A'), one[0])

	_, err = session.Read(one)
	require.NoError(t, err)
	assert.Equal(t, byte('B'), one[0])
}

func TestSessionCloseHooksFireOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 0)

	var fired int

	session.OnClose(func(*Session) { fired++ })
	session.OnClose(func(*Session) { fired++ })

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	assert.Equal(t, 2, fired)
}

func TestSessionHookAfterCloseRunsImmediately(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	session := NewSession(local, 0)
	require.NoError(t, session.Close())

	var fired bool

	session.OnClose(func(*Session) { fired = true })
	assert.True(t, fired)
}
