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

// deviceserverd accepts solar data-logger connections, identifies the
// protocol each one speaks, and polls the devices behind them into the
// telemetry store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridpulse/deviceserver/pkg/adapter"
	"github.com/gridpulse/deviceserver/pkg/commands"
	"github.com/gridpulse/deviceserver/pkg/config"
	"github.com/gridpulse/deviceserver/pkg/controlplane"
	"github.com/gridpulse/deviceserver/pkg/db"
	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/discovery"
	"github.com/gridpulse/deviceserver/pkg/lifecycle"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
	"github.com/gridpulse/deviceserver/pkg/probe"
	"github.com/gridpulse/deviceserver/pkg/protocols"
	"github.com/gridpulse/deviceserver/pkg/scan"
	"github.com/gridpulse/deviceserver/pkg/scheduler"
	"github.com/gridpulse/deviceserver/pkg/server"
	"github.com/gridpulse/deviceserver/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/deviceserver/deviceserver.json", "Path to the configuration file")
	discoverNet := flag.String("discover", "", "Run a one-shot discovery scan of the given CIDR and exit")
	discoverPorts := flag.String("discover-ports", "8502", "Comma-separated ports for -discover")
	flag.Parse()

	if err := run(*configPath, *discoverNet, *discoverPorts); err != nil {
		fmt.Fprintf(os.Stderr, "deviceserverd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, discoverNet, discoverPorts string) error {
	ctx := context.Background()

	cfg := models.DefaultConfig()
	if err := config.NewLoader(nil).Load(ctx, configPath, cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	registry := protocols.NewRegistry(cfg.ProtocolDir, cfg.Polling, log)
	if err := registry.LoadDir(cfg.ProtocolDir); err != nil {
		return fmt.Errorf("load protocol catalogue: %w", err)
	}

	log.Info().Int("protocols", registry.Len()).Str("dir", cfg.ProtocolDir).Msg("protocol catalogue loaded")

	prober := probe.New(registry, cfg.Identification, log)

	if discoverNet != "" {
		return runDiscovery(ctx, cfg, prober, log, discoverNet, discoverPorts)
	}

	return serve(ctx, cfg, registry, prober, log)
}

func serve(ctx context.Context, cfg *models.Config, registry *protocols.Registry, prober *probe.Prober, log logger.Logger) error {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	var client controlplane.Client = controlplane.Disabled()
	if cfg.ControlPlane.BaseURL != "" {
		client = controlplane.New(&cfg.ControlPlane, log)
	} else {
		log.Warn().Msg("no control plane configured, devices get local ids")
	}

	// An unreachable store must not stop polling: batches fall through
	// to a discard sink and the drop is visible in the logs.
	var batchSink telemetry.BatchSink

	pool, err := db.NewPool(ctx, &cfg.Storage, log)
	if err != nil {
		log.Warn().Err(err).Msg("time-series store unavailable, telemetry will be discarded")

		batchSink = discardSink{logger: log}
	} else {
		writer := db.NewTimeseriesWriter(pool, log)
		if err := writer.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry schema setup failed")
		}

		batchSink = writer
	}

	detector := telemetry.NewDetector(cfg.Thresholds)
	detector.Emit = func(event models.AnomalyEvent) {
		m.AnomaliesDetected.WithLabelValues(string(event.Kind)).Inc()

		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ControlPlane.Timeout.Duration())
			defer cancel()

			if err := client.PublishAnomaly(pushCtx, &event); err != nil {
				log.Debug().Err(err).Str("device_id", event.DeviceID).Msg("anomaly publish failed")
			}
		}()
	}

	worker := telemetry.NewWorker(telemetry.Config{
		QueueCapacity: cfg.Storage.QueueCapacity,
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval.Duration(),
	}, detector, batchSink, m, log)

	pusher := controlplane.NewSnapshotPusher(worker, client, 0, log)

	dm := devices.NewManager(log)
	sched := scheduler.New(dm, cfg.Polling, pusher, m, log)

	// A device that crossed its failure limit gets its session kicked so
	// the data logger reconnects and re-identifies.
	sched.OnOffline = func(deviceID string) {
		if session, ok := dm.Session(deviceID); ok {
			_ = session.Close()
		}
	}

	reportStatus := func(device *models.Device, status models.DeviceStatus) {
		if !device.RegisteredRemotely {
			return
		}

		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ControlPlane.Timeout.Duration())
			defer cancel()

			if err := client.UpdateDeviceStatus(pushCtx, device.DeviceID, status, ""); err != nil {
				log.Debug().Err(err).Str("device_id", device.DeviceID).Msg("status report failed")
			}
		}()
	}

	dm.Subscribe(devices.Listener{
		OnStatusChanged: func(device *models.Device, previous models.DeviceStatus) {
			switch {
			case device.Status == models.DeviceOnline && previous != models.DeviceOnline:
				m.DevicesOnline.Inc()
			case previous == models.DeviceOnline && device.Status != models.DeviceOnline:
				m.DevicesOnline.Dec()
			}

			reportStatus(device, device.Status)
		},
		OnRemoved: func(device *models.Device) {
			if device.Status == models.DeviceOnline {
				m.DevicesOnline.Dec()
			}

			pusher.Forget(device.DeviceID)
			reportStatus(device, models.DeviceOffline)
		},
	})

	connMgr := server.NewConnectionManager(cfg.Connection, cfg.Identification, cfg.ControlPlane.SiteID, server.ManagerDeps{
		Prober:    prober,
		Catalogue: registry,
		Adapters:  adapter.NewFactory(log),
		Devices:   dm,
		Scheduler: sched,
		Client:    client,
		Metrics:   m,
		Logger:    log,
	})

	acceptor := server.NewAcceptor(cfg.Server, cfg.Connection, connMgr, m, log)
	if err := acceptor.Listen(); err != nil {
		return err
	}

	runner := lifecycle.NewRunner(cfg.Server.ShutdownTimeout.Duration(), log)

	runner.Go("acceptor", acceptor.Serve)
	runner.Go("telemetry", func(ctx context.Context) error {
		worker.Run(ctx)
		return nil
	})

	if cfg.ControlPlane.BaseURL != "" {
		cmdWorker := commands.NewWorker(client, dm, 0, 0, log)

		runner.Go("commands", func(ctx context.Context) error {
			cmdWorker.Run(ctx)
			return nil
		})

		registrar := server.NewRegistrar(client, dm, sched, 0, log)

		runner.Go("registrar", func(ctx context.Context) error {
			registrar.Run(ctx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		runner.Go("metrics", func(ctx context.Context) error {
			errCh := make(chan error, 1)

			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return nil
			}
		})

		runner.OnShutdown("metrics", func(ctx context.Context) {
			_ = metricsSrv.Shutdown(ctx)
		})
	}

	// Shutdown order: the cancelled components stop accepting and
	// polling; then polling tasks are waited out, the telemetry worker
	// finishes its final flush, and the pool closes last.
	runner.OnShutdown("pollers", func(context.Context) { sched.StopAll() })
	runner.OnShutdown("telemetry", func(context.Context) { worker.Wait() })

	if pool != nil {
		runner.OnShutdown("pool", func(context.Context) { pool.Close() })
	}

	log.Info().
		Str("addr", acceptor.Addr().String()).
		Int("max_connections", cfg.Server.MaxConnections).
		Msg("device server started")

	return runner.Run(ctx)
}

// runDiscovery executes one foreground scan and prints the result as
// JSON.
func runDiscovery(ctx context.Context, cfg *models.Config, prober *probe.Prober, log logger.Logger, network, portList string) error {
	ports, err := parsePorts(portList)
	if err != nil {
		return err
	}

	scanner := scan.NewTCPScanner(&cfg.Discovery, log)
	service := discovery.NewService(scanner, prober, &cfg.Discovery, log)

	record, err := service.Discover(ctx, network, ports)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func parsePorts(portList string) ([]int, error) {
	var ports []int

	for _, field := range strings.Split(portList, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		port, err := strconv.Atoi(field)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", field)
		}

		ports = append(ports, port)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports given")
	}

	return ports, nil
}

// discardSink drops batches when no time-series store is reachable.
type discardSink struct {
	logger logger.Logger
}

func (s discardSink) WriteBatch(_ context.Context, samples []*models.TelemetrySample) error {
	s.logger.Debug().Int("samples", len(samples)).Msg("no store configured, batch discarded")
	return nil
}
