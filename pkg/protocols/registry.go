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

// Package protocols loads and indexes the declarative protocol
// catalogue the device server speaks.
package protocols

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

var (
	errDuplicateProtocol = errors.New("duplicate protocol id")
	errUnknownProtocol   = errors.New("unknown protocol id")
)

// Registry indexes protocol definitions by id, device type, and
// transport, and serves register maps lazily from sidecar JSON files.
// Definitions are immutable once loaded; only the register-map cache
// mutates afterwards, guarded by mu.
type Registry struct {
	byID        map[string]*models.ProtocolDefinition
	byType      map[models.DeviceType][]*models.ProtocolDefinition
	byTransport map[models.Transport][]*models.ProtocolDefinition
	ordered     []*models.ProtocolDefinition

	baseDir  string
	defaults models.PollingSettings
	logger   logger.Logger

	mu   sync.Mutex
	maps map[string]models.RegisterMap
}

// NewRegistry creates an empty registry. baseDir resolves relative
// register-map paths; defaults seed per-protocol polling specs.
func NewRegistry(baseDir string, defaults models.PollingSettings, log logger.Logger) *Registry {
	return &Registry{
		byID:        make(map[string]*models.ProtocolDefinition),
		byType:      make(map[models.DeviceType][]*models.ProtocolDefinition),
		byTransport: make(map[models.Transport][]*models.ProtocolDefinition),
		baseDir:     baseDir,
		defaults:    defaults,
		logger:      log.WithComponent("protocols"),
		maps:        make(map[string]models.RegisterMap),
	}
}

// LoadDir loads every .yaml/.yml file in dir. Any malformed document or
// duplicate protocol id is fatal.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read protocol dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}

	// Deterministic load order so priority ties break the same way on
	// every start.
	sort.Strings(names)

	for _, name := range names {
		if err := r.LoadFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	r.logger.Info().
		Int("protocols", len(r.byID)).
		Str("dir", dir).
		Msg("protocol catalogue loaded")

	return nil
}

// LoadFile loads one YAML document of protocol definitions.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	defs, err := parseDocument(data, &r.defaults)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	return nil
}

// Register adds one definition. A repeated id is a configuration error.
func (r *Registry) Register(def *models.ProtocolDefinition) error {
	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("%w: %s", errDuplicateProtocol, def.ID)
	}

	r.byID[def.ID] = def
	r.byType[def.DeviceType] = append(r.byType[def.DeviceType], def)
	r.byTransport[def.Transport] = append(r.byTransport[def.Transport], def)
	r.ordered = append(r.ordered, def)

	// Stable sort keeps insertion order among equal priorities.
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Priority < r.ordered[j].Priority
	})

	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*models.ProtocolDefinition, error) {
	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownProtocol, id)
	}

	return def, nil
}

// Len returns the number of registered protocols.
func (r *Registry) Len() int { return len(r.ordered) }

// ByDeviceType returns definitions for one device type, unordered.
func (r *Registry) ByDeviceType(t models.DeviceType) []*models.ProtocolDefinition {
	return r.byType[t]
}

// ByPriority returns all definitions in global priority order.
func (r *Registry) ByPriority() []*models.ProtocolDefinition {
	out := make([]*models.ProtocolDefinition, len(r.ordered))
	copy(out, r.ordered)

	return out
}

// ModbusByPriority returns the Modbus definitions in priority order.
func (r *Registry) ModbusByPriority() []*models.ProtocolDefinition {
	return r.filterOrdered(func(d *models.ProtocolDefinition) bool {
		return d.Transport.IsModbus()
	})
}

// CommandByPriority returns the command definitions in priority order.
func (r *Registry) CommandByPriority() []*models.ProtocolDefinition {
	return r.filterOrdered(func(d *models.ProtocolDefinition) bool {
		return d.Transport == models.TransportCommand
	})
}

func (r *Registry) filterOrdered(keep func(*models.ProtocolDefinition) bool) []*models.ProtocolDefinition {
	var out []*models.ProtocolDefinition

	for _, d := range r.ordered {
		if keep(d) {
			out = append(out, d)
		}
	}

	return out
}

// RegisterMap returns the register map for a definition, loading and
// caching the sidecar JSON on first use. A missing or empty path is
// non-fatal and yields an empty map: the device stays identifiable but
// produces no telemetry.
func (r *Registry) RegisterMap(def *models.ProtocolDefinition) models.RegisterMap {
	if def.RegisterMapFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.maps[def.ID]; ok {
		return m
	}

	path := def.RegisterMapFile
	if !filepath.IsAbs(path) && r.baseDir != "" {
		path = filepath.Join(r.baseDir, path)
	}

	m, err := loadRegisterMap(path)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("protocol_id", def.ID).
			Str("path", path).
			Msg("register map unavailable, polling will be empty")

		m = nil
	}

	r.maps[def.ID] = m

	return m
}

func loadRegisterMap(path string) (models.RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m models.RegisterMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed register map: %w", err)
	}

	return m, nil
}
