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

package scan

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

func TestExpandTargetsCIDR(t *testing.T) {
	targets, err := ExpandTargets("192.168.1.0/30", []int{8502})
	require.NoError(t, err)

	// /30 holds four addresses; network and broadcast are excluded.
	require.Len(t, targets, 2)
	assert.Equal(t, "192.168.1.1", targets[0].Host)
	assert.Equal(t, "192.168.1.2", targets[1].Host)
	assert.Equal(t, 8502, targets[0].Port)
}

func TestExpandTargetsSlash31KeepsBothAddresses(t *testing.T) {
	targets, err := ExpandTargets("10.0.0.0/31", []int{502})
	require.NoError(t, err)

	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.0.0", targets[0].Host)
	assert.Equal(t, "10.0.0.1", targets[1].Host)
}

func TestExpandTargetsBareIP(t *testing.T) {
	targets, err := ExpandTargets("10.1.2.3", []int{502, 8502})
	require.NoError(t, err)

	require.Len(t, targets, 2)
	assert.Equal(t, "10.1.2.3", targets[0].Host)
	assert.Equal(t, 502, targets[0].Port)
	assert.Equal(t, 8502, targets[1].Port)
}

func TestExpandTargetsInvalidNetwork(t *testing.T) {
	_, err := ExpandTargets("not-a-network", []int{502})
	assert.Error(t, err)
}

func TestExpandTargetsPortFanOut(t *testing.T) {
	targets, err := ExpandTargets("192.168.1.0/30", []int{502, 8502})
	require.NoError(t, err)

	assert.Len(t, targets, 4)
}

func testScanner(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *TCPScanner {
	return &TCPScanner{
		timeout:     time.Second,
		concurrency: 4,
		logger:      logger.NewTestLogger(),
		dial:        dial,
	}
}

func TestScanSeparatesOpenAndClosed(t *testing.T) {
	open := map[string]bool{
		"10.0.0.1:8502": true,
		"10.0.0.3:8502": true,
	}

	scanner := testScanner(func(_ context.Context, _, addr string) (net.Conn, error) {
		if open[addr] {
			local, remote := net.Pipe()
			go func() { _, _ = remote.Read(make([]byte, 1)) }()

			return local, nil
		}

		return nil, errors.New("connection refused")
	})

	targets := []models.ScanTarget{
		{Host: "10.0.0.1", Port: 8502},
		{Host: "10.0.0.2", Port: 8502},
		{Host: "10.0.0.3", Port: 8502},
	}

	available := map[string]bool{}

	var total int

	for result := range scanner.Scan(context.Background(), targets) {
		total++

		if result.Available {
			available[result.Target.Host] = true
			assert.NoError(t, result.Error)
		} else {
			assert.Error(t, result.Error)
		}
	}

	assert.Equal(t, 3, total)
	assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.3": true}, available)
}

func TestScanCancelledStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner := testScanner(func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, ctx.Err()
	})

	targets := make([]models.ScanTarget, 1000)
	for i := range targets {
		targets[i] = models.ScanTarget{Host: "10.0.0.1", Port: 1000 + i}
	}

	var seen int
	for range scanner.Scan(ctx, targets) {
		seen++
	}

	// The sweep aborts long before covering every target.
	assert.Less(t, seen, len(targets))
}
