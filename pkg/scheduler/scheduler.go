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

// Package scheduler runs one cooperative polling task per device.
// There is no central loop: each task sleeps its own interval, polls
// under the configured timeout, and stops itself when the failure
// streak marks the device offline.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/adapter"
	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// TelemetrySink accepts poll results. Submit never blocks; false means
// the sample was dropped.
type TelemetrySink interface {
	Submit(sample *models.TelemetrySample) bool
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the per-device polling tasks.
type Scheduler struct {
	devices  *devices.Manager
	settings models.PollingSettings
	sink     TelemetrySink
	metrics  *metrics.Metrics
	logger   logger.Logger

	// OnOffline fires after a device crosses its failure limit and its
	// task stops. Optional.
	OnOffline func(deviceID string)

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New creates a scheduler.
func New(dm *devices.Manager, settings models.PollingSettings, sink TelemetrySink, m *metrics.Metrics, log logger.Logger) *Scheduler {
	return &Scheduler{
		devices:  dm,
		settings: settings,
		sink:     sink,
		metrics:  m,
		logger:   log.WithComponent("scheduler"),
		tasks:    make(map[string]*task),
	}
}

// Start launches the polling task for a device, cancelling any previous
// task for the same id first so exactly one task per device exists.
func (s *Scheduler) Start(ctx context.Context, deviceID string) {
	s.Stop(deviceID)

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[deviceID] = t
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer s.recoverTask(deviceID)

		s.run(taskCtx, deviceID)
	}()
}

// Stop cancels a device's polling task and waits for it to unwind.
func (s *Scheduler) Stop(deviceID string) {
	s.mu.Lock()
	t, ok := s.tasks[deviceID]

	if ok {
		delete(s.tasks, deviceID)
	}
	s.mu.Unlock()

	if ok {
		t.cancel()
		<-t.done
	}
}

// StopAll cancels every task and waits for them all.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// ActiveTasks returns the number of live polling tasks.
func (s *Scheduler) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// A poller crash must never take the server down; the guard terminates
// only its own task.
func (s *Scheduler) recoverTask(deviceID string) {
	if r := recover(); r != nil {
		s.logger.Error().
			Interface("panic", r).
			Str("device_id", deviceID).
			Msg("polling task panicked")
	}
}

func (s *Scheduler) run(ctx context.Context, deviceID string) {
	device, ok := s.devices.Get(deviceID)
	if !ok {
		return
	}

	maxFailures := s.settings.MaxConsecutiveFailures
	if device.MaxFailures > 0 {
		maxFailures = device.MaxFailures
	}

	log := s.logger.With().Str("device_id", deviceID).Str("serial_number", device.SerialNumber).Logger()

	for {
		failures, stop := s.pollOnce(ctx, deviceID)
		if stop {
			return
		}

		if maxFailures > 0 && failures >= maxFailures {
			log.Warn().Int("failures", failures).Msg("failure limit reached, marking device offline")
			s.devices.SetStatus(deviceID, models.DeviceOffline)

			s.mu.Lock()
			delete(s.tasks, deviceID)
			s.mu.Unlock()

			if s.OnOffline != nil {
				s.OnOffline(deviceID)
			}

			return
		}

		interval := s.nextInterval(deviceID, failures)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce runs one bounded poll. It returns the device's failure
// streak afterwards and whether the task should stop.
func (s *Scheduler) pollOnce(ctx context.Context, deviceID string) (failures int, stop bool) {
	poller, ok := s.devices.Poller(deviceID)
	if !ok {
		return 0, true
	}

	device, ok := s.devices.Get(deviceID)
	if !ok {
		return 0, true
	}

	timeout := s.settings.Timeout.Duration()
	if device.PollTimeout > 0 {
		timeout = device.PollTimeout
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, err := poller.Poll(pollCtx)
	elapsed := time.Since(start)

	cancel()

	if ctx.Err() != nil {
		return 0, true
	}

	if err != nil {
		kind := adapter.PollErrIO

		var pollErr *adapter.PollError
		if errors.As(err, &pollErr) {
			kind = pollErr.Kind
		}

		s.metrics.PollsFailed.WithLabelValues(string(kind)).Inc()
		s.devices.RecordPoll(deviceID, false, elapsed, err.Error())

		s.logger.Debug().
			Err(err).
			Str("device_id", deviceID).
			Dur("elapsed", elapsed).
			Msg("poll failed")

		return s.devices.ConsecutiveFailures(deviceID), false
	}

	s.metrics.PollsOK.Inc()
	s.devices.RecordPoll(deviceID, true, elapsed, "")
	s.devices.UpdateTelemetry(deviceID, result)
	s.devices.SetStatus(deviceID, models.DeviceOnline)

	sample := &models.TelemetrySample{
		DeviceID:       deviceID,
		SiteID:         device.SiteID,
		SerialNumber:   device.SerialNumber,
		ProtocolID:     device.ProtocolID,
		DeviceType:     device.DeviceType,
		Timestamp:      time.Now().UTC(),
		PollDurationMS: elapsed.Milliseconds(),
		Metrics:        result,
	}

	s.sink.Submit(sample)

	return 0, false
}

func (s *Scheduler) nextInterval(deviceID string, failures int) time.Duration {
	base := s.settings.DefaultInterval.Duration()
	if d, ok := s.devices.PollInterval(deviceID); ok && d > 0 {
		base = d
	}

	return NextInterval(base,
		s.settings.MinInterval.Duration(),
		s.settings.MaxInterval.Duration(),
		failures,
		s.settings.FailureBackoff)
}

// NextInterval computes the delay before the next poll: exponential
// back-off on the failure streak, clamped to [min, max].
func NextInterval(base, minI, maxI time.Duration, failures int, backoff bool) time.Duration {
	interval := base

	if backoff && failures > 0 {
		shift := failures
		// 2^30 ticks past any sane max_interval; larger shifts only
		// risk overflow.
		if shift > 30 {
			shift = 30
		}

		interval = base << shift

		if maxI > 0 && (interval > maxI || interval < base) {
			interval = maxI
		}
	}

	if interval < minI {
		interval = minI
	}

	if maxI > 0 && interval > maxI {
		interval = maxI
	}

	return interval
}
