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

// Package scan does bounded-concurrency TCP connect sweeps over CIDR
// ranges for device discovery.
package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

const (
	defaultConnectTimeout = 2 * time.Second
	defaultConcurrency    = 64
)

// TCPScanner performs connect scans with a fixed worker pool.
type TCPScanner struct {
	timeout     time.Duration
	concurrency int
	logger      logger.Logger

	// dial is swapped out by tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTCPScanner builds a scanner from discovery settings.
func NewTCPScanner(cfg *models.DiscoverySettings, log logger.Logger) *TCPScanner {
	timeout := cfg.ConnectTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	dialer := &net.Dialer{Timeout: timeout}

	return &TCPScanner{
		timeout:     timeout,
		concurrency: concurrency,
		logger:      log.WithComponent("scan"),
		dial:        dialer.DialContext,
	}
}

// ExpandTargets enumerates every (host, port) pair in the CIDR,
// excluding the network and broadcast addresses for IPv4 subnets wider
// than /31. A bare IP address is treated as a single host.
func ExpandTargets(network string, ports []int) ([]models.ScanTarget, error) {
	hosts, err := expandHosts(network)
	if err != nil {
		return nil, err
	}

	targets := make([]models.ScanTarget, 0, len(hosts)*len(ports))

	for _, host := range hosts {
		for _, port := range ports {
			targets = append(targets, models.ScanTarget{Host: host, Port: port})
		}
	}

	return targets, nil
}

func expandHosts(network string) ([]string, error) {
	if ip := net.ParseIP(network); ip != nil {
		return []string{network}, nil
	}

	ip, ipNet, err := net.ParseCIDR(network)
	if err != nil {
		return nil, fmt.Errorf("scan: invalid network %q: %w", network, err)
	}

	ones, bits := ipNet.Mask.Size()

	var hosts []string

	for addr := ip.Mask(ipNet.Mask); ipNet.Contains(addr); addr = nextIP(addr) {
		hosts = append(hosts, addr.String())
	}

	// Drop network and broadcast addresses; /31 and /32 have no such
	// reserved addresses.
	if bits == 32 && ones < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}

	return hosts, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)

	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}

	return next
}

// Scan probes every target and streams results on the returned channel.
// The channel closes when all workers finish or ctx is cancelled;
// cancellation stops the sweep without waiting out pending timeouts.
func (s *TCPScanner) Scan(ctx context.Context, targets []models.ScanTarget) <-chan models.ScanResult {
	results := make(chan models.ScanResult, s.concurrency)
	work := make(chan models.ScanTarget)

	var wg sync.WaitGroup

	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for target := range work {
				result := s.probe(ctx, target)

				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)

		for _, target := range targets {
			select {
			case work <- target:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (s *TCPScanner) probe(ctx context.Context, target models.ScanTarget) models.ScanResult {
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	conn, err := s.dial(dialCtx, "tcp", addr)

	result := models.ScanResult{
		Target:   target,
		RespTime: time.Since(start),
	}

	if err != nil {
		result.Error = err
		return result
	}

	_ = conn.Close()
	result.Available = true

	return result
}
