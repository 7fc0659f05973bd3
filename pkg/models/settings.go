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

package models

import (
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
)

// ServerSettings configures the inbound TCP listener. The accept
// backlog is not configurable here: net.Listen exposes no knob for it,
// the kernel's somaxconn governs.
type ServerSettings struct {
	Host            string   `json:"host" yaml:"host" env:"HOST"`
	Port            int      `json:"port" yaml:"port" env:"PORT"`
	MaxConnections  int      `json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ConnectionSettings configures per-session behavior.
type ConnectionSettings struct {
	StabilizationDelay Duration `json:"stabilization_delay" yaml:"stabilization_delay" env:"STABILIZATION_DELAY"`
	ReadBufferSize     int      `json:"read_buffer_size" yaml:"read_buffer_size" env:"READ_BUFFER_SIZE"`
	IdleTimeout        Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// IdentificationSettings configures the probing loop.
type IdentificationSettings struct {
	Retries    int      `json:"retries" yaml:"retries" env:"RETRIES"`
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay" env:"RETRY_DELAY"`
	// ProbeSlack is added to each protocol's identification timeout to
	// bound a single probe attempt.
	ProbeSlack Duration `json:"probe_slack" yaml:"probe_slack" env:"PROBE_SLACK"`
}

// PollingSettings provides process-wide polling defaults; per-protocol
// PollingSpec values override them.
type PollingSettings struct {
	DefaultInterval        Duration `json:"default_interval" yaml:"default_interval" env:"DEFAULT_INTERVAL"`
	MinInterval            Duration `json:"min_interval" yaml:"min_interval" env:"MIN_INTERVAL"`
	MaxInterval            Duration `json:"max_interval" yaml:"max_interval" env:"MAX_INTERVAL"`
	Timeout                Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures" yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
	FailureBackoff         bool     `json:"failure_backoff" yaml:"failure_backoff" env:"FAILURE_BACKOFF"`
}

// ControlPlaneSettings configures the outbound REST client.
type ControlPlaneSettings struct {
	BaseURL    string   `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIToken   string   `json:"api_token" yaml:"api_token" env:"API_TOKEN"`
	Timeout    Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
	Retries    int      `json:"retries" yaml:"retries" env:"RETRIES"`
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay" env:"RETRY_DELAY"`
	SiteID     string   `json:"site_id" yaml:"site_id" env:"SITE_ID"`
}

// StorageSettings configures the time-series store and the telemetry
// pipeline sitting in front of it.
type StorageSettings struct {
	Host          string   `json:"host" yaml:"host" env:"HOST"`
	Port          int      `json:"port" yaml:"port" env:"PORT"`
	Database      string   `json:"database" yaml:"database" env:"DATABASE"`
	Username      string   `json:"username" yaml:"username" env:"USERNAME"`
	Password      string   `json:"password" yaml:"password" env:"PASSWORD"`
	SSLMode       string   `json:"ssl_mode" yaml:"ssl_mode" env:"SSL_MODE"`
	PoolMax       int      `json:"pool_max" yaml:"pool_max" env:"POOL_MAX"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	QueueCapacity int      `json:"queue_capacity" yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

// DiscoverySettings configures network scanning.
type DiscoverySettings struct {
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	Concurrency    int      `json:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`
}

// MetricsSettings configures the optional prometheus endpoint.
type MetricsSettings struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// Config is the full device-server configuration.
type Config struct {
	ProtocolDir    string                 `json:"protocol_dir" yaml:"protocol_dir" env:"PROTOCOL_DIR" envprefix:"DEVICE_SERVER_"`
	Server         ServerSettings         `json:"server" yaml:"server" envprefix:"DEVICE_SERVER_"`
	Connection     ConnectionSettings     `json:"connection" yaml:"connection" envprefix:"DEVICE_CONNECTION_"`
	Identification IdentificationSettings `json:"identification" yaml:"identification" envprefix:"DEVICE_IDENTIFICATION_"`
	Polling        PollingSettings        `json:"polling" yaml:"polling" envprefix:"DEVICE_POLLING_"`
	ControlPlane   ControlPlaneSettings   `json:"control_plane" yaml:"control_plane" envprefix:"SYSTEM_A_"`
	Storage        StorageSettings        `json:"storage" yaml:"storage" envprefix:"DEVICE_STORAGE_"`
	Discovery      DiscoverySettings      `json:"discovery" yaml:"discovery" envprefix:"DEVICE_DISCOVERY_"`
	Metrics        MetricsSettings        `json:"metrics" yaml:"metrics" envprefix:"DEVICE_METRICS_"`
	Logging        logger.Config          `json:"logging" yaml:"logging"`

	Thresholds map[string]AnomalyThreshold `json:"anomaly_thresholds,omitempty" yaml:"anomaly_thresholds,omitempty"`
}

// DefaultConfig returns the documented defaults for every settings
// group.
func DefaultConfig() *Config {
	return &Config{
		ProtocolDir: "/etc/deviceserver/protocols",
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8502,
			MaxConnections:  500,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Connection: ConnectionSettings{
			StabilizationDelay: Duration(500 * time.Millisecond),
			ReadBufferSize:     4096,
			IdleTimeout:        Duration(5 * time.Minute),
		},
		Identification: IdentificationSettings{
			Retries:    3,
			RetryDelay: Duration(2 * time.Second),
			ProbeSlack: Duration(time.Second),
		},
		Polling: PollingSettings{
			DefaultInterval:        Duration(30 * time.Second),
			MinInterval:            Duration(5 * time.Second),
			MaxInterval:            Duration(10 * time.Minute),
			Timeout:                Duration(10 * time.Second),
			MaxConsecutiveFailures: 5,
			FailureBackoff:         true,
		},
		ControlPlane: ControlPlaneSettings{
			Timeout:    Duration(10 * time.Second),
			Retries:    3,
			RetryDelay: Duration(2 * time.Second),
		},
		Storage: StorageSettings{
			Host:          "localhost",
			Port:          5432,
			Database:      "telemetry",
			SSLMode:       "disable",
			PoolMax:       10,
			BatchSize:     100,
			FlushInterval: Duration(time.Second),
			QueueCapacity: 10000,
		},
		Discovery: DiscoverySettings{
			ConnectTimeout: Duration(2 * time.Second),
			Concurrency:    64,
		},
		Metrics: MetricsSettings{
			ListenAddr: ":9090",
		},
		Logging: *logger.DefaultConfig(),
	}
}
