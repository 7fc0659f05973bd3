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

package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

const (
	createTelemetryTable = `
CREATE TABLE IF NOT EXISTS device_telemetry (
    time             TIMESTAMPTZ NOT NULL,
    device_id        TEXT        NOT NULL,
    serial_number    TEXT        NOT NULL,
    protocol_id      TEXT        NOT NULL,
    device_type      TEXT        NOT NULL,
    data             JSONB       NOT NULL,
    poll_duration_ms BIGINT      NOT NULL DEFAULT 0
)`

	createDeviceTimeIndex = `
CREATE INDEX IF NOT EXISTS idx_device_telemetry_device_time
    ON device_telemetry (device_id, time DESC)`

	createSerialTimeIndex = `
CREATE INDEX IF NOT EXISTS idx_device_telemetry_serial_time
    ON device_telemetry (serial_number, time DESC)`

	createHypertable = `
SELECT create_hypertable('device_telemetry', 'time', if_not_exists => TRUE)`

	insertTelemetry = `
INSERT INTO device_telemetry
    (time, device_id, serial_number, protocol_id, device_type, data, poll_duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// TimeseriesWriter batch-inserts telemetry into the device_telemetry
// hypertable.
type TimeseriesWriter struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewTimeseriesWriter wraps a pool.
func NewTimeseriesWriter(pool *pgxpool.Pool, log logger.Logger) *TimeseriesWriter {
	return &TimeseriesWriter{pool: pool, logger: log.WithComponent("timeseries")}
}

// EnsureSchema creates the telemetry table, its supporting indexes, and
// the hypertable partitioning. A store without the timescaledb
// extension keeps the plain table; that failure is a silent no-op.
func (w *TimeseriesWriter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createTelemetryTable, createDeviceTimeIndex, createSerialTimeIndex} {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("telemetry schema: %w", err)
		}
	}

	if _, err := w.pool.Exec(ctx, createHypertable); err != nil {
		w.logger.Debug().Err(err).Msg("hypertable creation unavailable, using plain table")
	}

	return nil
}

// WriteBatch inserts the samples in one pgx batch. Sample order is the
// caller's (stable per device); a failure leaves the caller free to
// retry the whole batch.
func (w *TimeseriesWriter) WriteBatch(ctx context.Context, samples []*models.TelemetrySample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for _, s := range samples {
		data, err := json.Marshal(s.Metrics)
		if err != nil {
			w.logger.Warn().
				Err(err).
				Str("device_id", s.DeviceID).
				Msg("unencodable sample skipped")

			continue
		}

		batch.Queue(insertTelemetry,
			s.Timestamp, s.DeviceID, s.SerialNumber, s.ProtocolID,
			string(s.DeviceType), data, s.PollDurationMS)
	}

	return w.sendBatch(ctx, batch)
}

func (w *TimeseriesWriter) sendBatch(ctx context.Context, batch *pgx.Batch) (err error) {
	if batch.Len() == 0 {
		return nil
	}

	br := w.pool.SendBatch(ctx, batch)

	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("telemetry batch close: %w", closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("telemetry batch exec (command %d): %w", i, err)
		}
	}

	return nil
}
