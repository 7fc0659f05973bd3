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

// Package config loads device-server configuration from a JSON or YAML
// file and applies environment-variable overrides on top.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gridpulse/deviceserver/pkg/logger"
)

var (
	errUnsupportedFormat = errors.New("unsupported config file format")
)

// Loader reads configuration files and applies env overrides.
type Loader struct {
	logger logger.Logger
}

// NewLoader creates a config loader. A nil logger is replaced with a
// discard logger so config loading never has a logging dependency loop.
func NewLoader(log logger.Logger) *Loader {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Loader{logger: log}
}

// Load populates dst from the file at path (JSON or YAML, by
// extension), then applies environment overrides. An empty path skips
// the file phase so env-only deployments work.
func (l *Loader) Load(_ context.Context, path string, dst interface{}) error {
	if path != "" {
		if err := l.loadFile(path, dst); err != nil {
			return err
		}
	}

	if err := applyEnvOverrides(dst); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	return nil
}

func (l *Loader) loadFile(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFormat, path)
	}

	l.logger.Debug().Str("path", path).Msg("loaded configuration file")

	return nil
}
