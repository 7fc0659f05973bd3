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

// Package telemetry is the pipeline between pollers and storage: a
// bounded queue feeding validation, anomaly detection, and a batched
// writer. Back-pressure drops new samples rather than blocking a
// poller; polling progress outranks full fidelity.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// BatchSink receives flushed sample batches, usually the time-series
// writer.
type BatchSink interface {
	WriteBatch(ctx context.Context, samples []*models.TelemetrySample) error
}

// Config sizes the worker.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
}

// Worker is the telemetry processor.
type Worker struct {
	cfg      Config
	queue    chan *models.TelemetrySample
	detector *Detector
	sink     BatchSink
	metrics  *metrics.Metrics
	logger   logger.Logger

	dropped atomic.Uint64

	mu      sync.Mutex
	pending []*models.TelemetrySample

	// Paused suspends flushing; used by tests to build queue pressure.
	paused atomic.Bool

	done chan struct{}
}

// NewWorker builds a telemetry worker. Zero config fields fall back to
// the documented defaults (queue 10000, batch 100, flush 1s).
func NewWorker(cfg Config, detector *Detector, sink BatchSink, m *metrics.Metrics, log logger.Logger) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	return &Worker{
		cfg:      cfg,
		queue:    make(chan *models.TelemetrySample, cfg.QueueCapacity),
		detector: detector,
		sink:     sink,
		metrics:  m,
		logger:   log.WithComponent("telemetry"),
		done:     make(chan struct{}),
	}
}

// Submit enqueues a sample without blocking. On a full queue the sample
// is dropped, the drop counter increments by one, and nothing already
// queued is evicted.
func (w *Worker) Submit(sample *models.TelemetrySample) bool {
	select {
	case w.queue <- sample:
		w.metrics.TelemetryQueueDepth.Set(float64(len(w.queue)))
		return true
	default:
		w.dropped.Add(1)
		w.metrics.TelemetryDropped.Inc()

		return false
	}
}

// Dropped returns the total samples dropped at the queue.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// QueueLen returns the samples currently queued.
func (w *Worker) QueueLen() int { return len(w.queue) }

// SetPaused suspends or resumes batch flushing.
func (w *Worker) SetPaused(paused bool) { w.paused.Store(paused) }

// Run consumes the queue until ctx is cancelled, then drains whatever
// is queued and flushes one final time.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.flush(context.Background())

			return
		case sample := <-w.queue:
			w.metrics.TelemetryQueueDepth.Set(float64(len(w.queue)))
			w.process(sample)

			if w.pendingLen() >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) process(sample *models.TelemetrySample) {
	sample.Metrics = ValidateMetrics(sample.Metrics)

	if w.detector != nil {
		for key, raw := range sample.Metrics {
			if value, ok := raw.(float64); ok {
				w.detector.Observe(sample.DeviceID, key, value, sample.Timestamp)
			}
		}
	}

	w.mu.Lock()
	w.pending = append(w.pending, sample)
	w.mu.Unlock()
}

func (w *Worker) pendingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.pending)
}

// flush writes the pending batch. On failure the batch is put back in
// front of anything accumulated meanwhile: duplicates are acceptable at
// this layer, loss is not.
func (w *Worker) flush(ctx context.Context) {
	if w.paused.Load() {
		return
	}

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Per-device poll order is preserved; a stable sort on
	// (device_id, timestamp) gives the writer a deterministic layout.
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].DeviceID != batch[j].DeviceID {
			return batch[i].DeviceID < batch[j].DeviceID
		}

		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	if err := w.sink.WriteBatch(ctx, batch); err != nil {
		w.metrics.BatchFlushErrors.Inc()
		w.logger.Warn().
			Err(err).
			Int("samples", len(batch)).
			Msg("batch flush failed, retaining batch")

		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()

		return
	}

	w.metrics.TelemetryWritten.Add(float64(len(batch)))
}

func (w *Worker) drain() {
	for {
		select {
		case sample := <-w.queue:
			w.process(sample)
		default:
			return
		}
	}
}
