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

// Package lifecycle runs the server's long-lived components and walks
// them down in order on SIGINT/SIGTERM: stop accepting, stop polling,
// flush telemetry, close external clients.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

type hook struct {
	name string
	stop func(ctx context.Context)
}

// Runner supervises background components and ordered shutdown hooks.
// Components run concurrently; the first component error, or a
// termination signal, starts shutdown. Hooks run sequentially in
// registration order under the shutdown timeout.
type Runner struct {
	timeout time.Duration
	logger  logger.Logger

	mu         sync.Mutex
	components []component
	hooks      []hook
}

// NewRunner creates a runner with the given shutdown timeout.
func NewRunner(timeout time.Duration, log logger.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Runner{
		timeout: timeout,
		logger:  log.WithComponent("lifecycle"),
	}
}

// Go registers a background component. Its context is cancelled when
// shutdown begins; returning a non-nil error takes the process down.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components = append(r.components, component{name: name, run: fn})
}

// OnShutdown registers an ordered shutdown hook. Hooks run after every
// component's context is cancelled, in the order they were registered.
func (r *Runner) OnShutdown(name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, hook{name: name, stop: fn})
}

// Run starts the components and blocks until a termination signal or a
// component failure, then executes the shutdown sequence. The returned
// error is the component error that triggered shutdown, if any.
func (r *Runner) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	r.mu.Lock()
	components := r.components
	r.mu.Unlock()

	errCh := make(chan error, len(components))

	var wg sync.WaitGroup

	for _, c := range components {
		wg.Add(1)

		go func(c component) {
			defer wg.Done()

			if err := c.run(runCtx); err != nil && runCtx.Err() == nil {
				r.logger.Error().Err(err).Str("component", c.name).Msg("component failed")
				errCh <- err
			}
		}(c)
	}

	var runErr error

	select {
	case <-sigCtx.Done():
		r.logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
	}

	cancel()
	r.shutdown()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.timeout):
		r.logger.Warn().Msg("components did not stop within the shutdown timeout")
	}

	return runErr
}

func (r *Runner) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.mu.Lock()
	hooks := r.hooks
	r.mu.Unlock()

	for _, h := range hooks {
		r.logger.Debug().Str("stage", h.name).Msg("shutdown stage")
		h.stop(shutdownCtx)

		if shutdownCtx.Err() != nil {
			r.logger.Warn().Str("stage", h.name).Msg("shutdown timeout reached")
			return
		}
	}
}
