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

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

type captureSink struct {
	mu       sync.Mutex
	batches  [][]*models.TelemetrySample
	failNext int
}

func (s *captureSink) WriteBatch(_ context.Context, samples []*models.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return errors.New("connection refused")
	}

	batch := make([]*models.TelemetrySample, len(samples))
	copy(batch, samples)
	s.batches = append(s.batches, batch)

	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.batches {
		n += len(b)
	}

	return n
}

func (s *captureSink) all() []*models.TelemetrySample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TelemetrySample
	for _, b := range s.batches {
		out = append(out, b...)
	}

	return out
}

func sample(deviceID string, at time.Time) *models.TelemetrySample {
	return &models.TelemetrySample{
		DeviceID:     deviceID,
		SerialNumber: "SN-" + deviceID,
		ProtocolID:   "acme_inverter",
		Timestamp:    at,
		Metrics:      map[string]interface{}{"grid_voltage": 240.5},
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	w := NewWorker(Config{QueueCapacity: 2}, nil, &captureSink{}, metrics.NewTestMetrics(), logger.NewTestLogger())

	// No consumer running: the queue fills at capacity.
	assert.True(t, w.Submit(sample("dev-1", time.Now())))
	assert.True(t, w.Submit(sample("dev-1", time.Now())))
	assert.False(t, w.Submit(sample("dev-1", time.Now())))

	assert.Equal(t, uint64(1), w.Dropped())
	assert.Equal(t, 2, w.QueueLen())
}

func TestBatchFlushSorted(t *testing.T) {
	sink := &captureSink{}
	w := NewWorker(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	base := time.Now().UTC()

	w.Submit(sample("dev-b", base.Add(time.Second)))
	w.Submit(sample("dev-a", base.Add(2*time.Second)))
	w.Submit(sample("dev-b", base))
	w.Submit(sample("dev-a", base))

	require.Eventually(t, func() bool { return sink.total() == 4 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	w.Wait()

	got := sink.all()
	assert.Equal(t, "dev-a", got[0].DeviceID)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, "dev-a", got[1].DeviceID)
	assert.Equal(t, "dev-b", got[2].DeviceID)
	assert.Equal(t, base, got[2].Timestamp)
	assert.Equal(t, "dev-b", got[3].DeviceID)
}

func TestBatchSizeTriggersEarlyFlush(t *testing.T) {
	sink := &captureSink{}
	// Flush interval far beyond the test: only the size trigger fires.
	w := NewWorker(Config{BatchSize: 2, FlushInterval: time.Hour}, nil, sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	defer func() {
		cancel()
		w.Wait()
	}()

	w.Submit(sample("dev-1", time.Now()))
	w.Submit(sample("dev-1", time.Now()))

	require.Eventually(t, func() bool { return sink.total() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestFailedFlushRetainsBatch(t *testing.T) {
	sink := &captureSink{failNext: 1}
	w := NewWorker(Config{BatchSize: 2, FlushInterval: 10 * time.Millisecond}, nil, sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Submit(sample("dev-1", time.Now()))
	w.Submit(sample("dev-1", time.Now()))

	// The first flush fails; the retained batch lands on a later one.
	require.Eventually(t, func() bool { return sink.total() == 2 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	w.Wait()
}

func TestShutdownDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	w := NewWorker(Config{FlushInterval: time.Hour}, nil, sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	for i := 0; i < 5; i++ {
		w.Submit(sample("dev-1", time.Now()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Run sees the cancelled context, drains the queue, and flushes once
	// before returning.
	go w.Run(ctx)
	w.Wait()

	assert.Equal(t, 5, sink.total())
}

func TestProcessValidatesAndObserves(t *testing.T) {
	detector := NewDetector(map[string]models.AnomalyThreshold{
		"grid_voltage": {Max: limit(250)},
	})

	var events []models.AnomalyEvent
	detector.Emit = func(event models.AnomalyEvent) { events = append(events, event) }

	sink := &captureSink{}
	w := NewWorker(Config{}, detector, sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	s := sample("dev-1", time.Now())
	s.Metrics = map[string]interface{}{
		"grid_voltage": uint16(260),
		"bad_reading":  uint16(0xFFFF),
	}

	w.process(s)

	require.Len(t, events, 1)
	assert.Equal(t, models.AnomalyAboveMaximum, events[0].Kind)
	assert.NotContains(t, s.Metrics, "bad_reading")
	assert.Equal(t, 260.0, s.Metrics["grid_voltage"])
}
