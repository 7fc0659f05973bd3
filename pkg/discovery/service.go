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

// Package discovery runs two-phase network discovery: a TCP connect
// sweep over a CIDR range, then protocol identification against each
// responsive endpoint over a fresh connection.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
	"github.com/gridpulse/deviceserver/pkg/probe"
	"github.com/gridpulse/deviceserver/pkg/scan"
)

// Identifier is the probing surface discovery needs.
type Identifier interface {
	Identify(ctx context.Context, t probe.Transport) (*probe.Result, error)
}

// Scanner is the sweep surface discovery needs.
type Scanner interface {
	Scan(ctx context.Context, targets []models.ScanTarget) <-chan models.ScanResult
}

// Service owns discovery scans. Scans are tracked in memory by scan id;
// devices already identified by an earlier scan in this process are
// deduplicated by serial number.
type Service struct {
	scanner Scanner
	prober  Identifier
	timeout time.Duration
	logger  logger.Logger

	// dial opens the identification connection; swapped out by tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// OnProgress, when set before the first scan, receives counter
	// updates as a scan advances. Called without the service lock held;
	// must not block.
	OnProgress func(scanID string, progress models.ScanProgress)

	mu      sync.Mutex
	scans   map[string]*models.DiscoveryScan
	cancels map[string]context.CancelFunc
	seen    map[string]struct{}
}

// NewService builds the discovery service.
func NewService(scanner Scanner, prober Identifier, cfg *models.DiscoverySettings, log logger.Logger) *Service {
	timeout := cfg.ConnectTimeout.Duration()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}

	return &Service{
		scanner: scanner,
		prober:  prober,
		timeout: timeout,
		logger:  log.WithComponent("discovery"),
		dial:    dialer.DialContext,
		scans:   make(map[string]*models.DiscoveryScan),
		cancels: make(map[string]context.CancelFunc),
		seen:    make(map[string]struct{}),
	}
}

// Discover runs a scan in the foreground and returns the completed
// record.
func (s *Service) Discover(ctx context.Context, network string, ports []int) (*models.DiscoveryScan, error) {
	scanID, err := s.begin(ctx, network, ports, false)
	if err != nil {
		return nil, err
	}

	return s.Get(scanID)
}

// StartBackground launches a scan and returns its id immediately.
func (s *Service) StartBackground(ctx context.Context, network string, ports []int) (string, error) {
	return s.begin(ctx, network, ports, true)
}

func (s *Service) begin(ctx context.Context, network string, ports []int, background bool) (string, error) {
	if len(ports) == 0 {
		return "", fmt.Errorf("discovery: no ports given")
	}

	targets, err := scan.ExpandTargets(network, ports)
	if err != nil {
		return "", err
	}

	scanID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)

	record := &models.DiscoveryScan{
		ScanID:    scanID,
		Network:   network,
		Ports:     ports,
		Status:    models.ScanPending,
		Progress:  models.ScanProgress{TotalHosts: len(targets)},
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	s.scans[scanID] = record
	s.cancels[scanID] = cancel
	s.mu.Unlock()

	if background {
		go s.run(runCtx, scanID, targets)
		return scanID, nil
	}

	s.run(runCtx, scanID, targets)

	return scanID, nil
}

// Get returns a copy of the scan record.
func (s *Service) Get(scanID string) (*models.DiscoveryScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("discovery: unknown scan %s", scanID)
	}

	snapshot := *record
	snapshot.Devices = append([]models.DiscoveredDevice(nil), record.Devices...)

	return &snapshot, nil
}

// List returns copies of every tracked scan.
func (s *Service) List() []*models.DiscoveryScan {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.DiscoveryScan, 0, len(s.scans))

	for _, record := range s.scans {
		snapshot := *record
		snapshot.Devices = append([]models.DiscoveredDevice(nil), record.Devices...)
		out = append(out, &snapshot)
	}

	return out
}

// Cancel stops a running scan. Completed scans are left untouched.
func (s *Service) Cancel(scanID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[scanID]
	record := s.scans[scanID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("discovery: unknown scan %s", scanID)
	}

	if record != nil && (record.Status == models.ScanScanning ||
		record.Status == models.ScanIdentifying || record.Status == models.ScanPending) {
		cancel()
	}

	return nil
}

func (s *Service) run(ctx context.Context, scanID string, targets []models.ScanTarget) {
	s.setStatus(scanID, models.ScanScanning, "")

	var responsive []models.ScanTarget

	for result := range s.scanner.Scan(ctx, targets) {
		s.mu.Lock()
		record := s.scans[scanID]
		record.Progress.ScannedHosts++

		if result.Available {
			record.Progress.ResponsiveHosts++
			responsive = append(responsive, result.Target)
		}

		progress := record.Progress
		s.mu.Unlock()

		s.notifyProgress(scanID, progress)
	}

	if ctx.Err() != nil {
		s.finish(scanID, models.ScanCancelled, "")
		return
	}

	s.setStatus(scanID, models.ScanIdentifying, "")

	for _, target := range responsive {
		if ctx.Err() != nil {
			s.finish(scanID, models.ScanCancelled, "")
			return
		}

		s.identify(ctx, scanID, target)
	}

	if ctx.Err() != nil {
		s.finish(scanID, models.ScanCancelled, "")
		return
	}

	s.finish(scanID, models.ScanCompleted, "")
}

// identify opens a fresh connection to one responsive endpoint and runs
// the prober against it. The sweep connection is never reused: devices
// in the field drop or corrupt sessions that went through a bare
// connect/close cycle.
func (s *Service) identify(ctx context.Context, scanID string, target models.ScanTarget) {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		s.recordFailure(scanID)
		s.logger.Debug().Err(err).Str("addr", addr).Msg("identification dial failed")

		return
	}

	defer func() { _ = conn.Close() }()

	start := time.Now()

	result, err := s.prober.Identify(ctx, conn)
	if err != nil {
		s.recordFailure(scanID)
		s.logger.Debug().Err(err).Str("addr", addr).Msg("identification failed")

		return
	}

	device := models.DiscoveredDevice{
		Host:         target.Host,
		Port:         target.Port,
		SerialNumber: result.SerialNumber,
		ProtocolID:   result.Protocol.ID,
		DeviceType:   result.Protocol.DeviceType,
		RespTime:     time.Since(start),
	}

	s.mu.Lock()
	record := s.scans[scanID]
	record.Progress.IdentifiedDevices++

	if _, dup := s.seen[device.SerialNumber]; !dup {
		s.seen[device.SerialNumber] = struct{}{}
		record.Devices = append(record.Devices, device)
	}

	progress := record.Progress
	s.mu.Unlock()

	s.notifyProgress(scanID, progress)

	s.logger.Info().
		Str("addr", addr).
		Str("protocol_id", device.ProtocolID).
		Str("serial_number", device.SerialNumber).
		Msg("device discovered")
}

func (s *Service) recordFailure(scanID string) {
	s.mu.Lock()
	s.scans[scanID].Progress.FailedIdentifications++
	progress := s.scans[scanID].Progress
	s.mu.Unlock()

	s.notifyProgress(scanID, progress)
}

func (s *Service) notifyProgress(scanID string, progress models.ScanProgress) {
	if s.OnProgress != nil {
		s.OnProgress(scanID, progress)
	}
}

func (s *Service) setStatus(scanID string, status models.ScanStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.scans[scanID]
	record.Status = status

	if errMsg != "" {
		record.Error = errMsg
	}
}

func (s *Service) finish(scanID string, status models.ScanStatus, errMsg string) {
	now := time.Now()

	s.mu.Lock()
	record := s.scans[scanID]
	record.Status = status
	record.CompletedAt = &now

	if errMsg != "" {
		record.Error = errMsg
	}

	cancel := s.cancels[scanID]
	delete(s.cancels, scanID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.logger.Info().
		Str("scan_id", scanID).
		Str("status", string(status)).
		Int("devices", len(record.Devices)).
		Msg("discovery scan finished")
}
