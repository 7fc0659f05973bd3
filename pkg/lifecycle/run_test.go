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

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
)

func TestComponentErrorTriggersShutdown(t *testing.T) {
	r := NewRunner(time.Second, logger.NewTestLogger())

	boom := errors.New("listener failed")

	var healthyCancelled bool

	r.Go("healthy", func(ctx context.Context) error {
		<-ctx.Done()
		healthyCancelled = true

		return nil
	})

	r.Go("failing", func(context.Context) error { return boom })

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, healthyCancelled)
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	r := NewRunner(time.Second, logger.NewTestLogger())

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()

			order = append(order, name)
		}
	}

	r.OnShutdown("pollers", record("pollers"))
	r.OnShutdown("telemetry", record("telemetry"))
	r.OnShutdown("pool", record("pool"))

	r.Go("failing", func(context.Context) error { return errors.New("down") })

	_ = r.Run(context.Background())

	assert.Equal(t, []string{"pollers", "telemetry", "pool"}, order)
}

func TestParentContextCancellationStopsRun(t *testing.T) {
	r := NewRunner(time.Second, logger.NewTestLogger())

	r.Go("blocking", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on context cancellation")
	}
}

func TestErrorAfterCancellationIsNotReported(t *testing.T) {
	r := NewRunner(time.Second, logger.NewTestLogger())

	// A component that errors only because it was told to stop must not
	// surface that error as the run result.
	r.Go("noisy", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestShutdownTimeoutDoesNotHang(t *testing.T) {
	r := NewRunner(50*time.Millisecond, logger.NewTestLogger())

	release := make(chan struct{})
	defer close(release)

	// A component that ignores cancellation: Run must still return once
	// the shutdown timeout elapses.
	r.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})

	r.Go("failing", func(context.Context) error { return errors.New("down") })

	done := make(chan struct{})

	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run hung past the shutdown timeout")
	}
}
