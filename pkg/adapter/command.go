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

package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// commandPoller drives line-command devices. The generic form runs a
// single-command script (the identification command) and exposes the
// raw response; device-family adapters like pytes extend the script and
// parse numerics out of the responses.
type commandPoller struct {
	mu     sync.Mutex
	conn   Conn
	def    *models.ProtocolDefinition
	logger logger.Logger

	// script is the ordered command list; each response lands under
	// "_<command>_response". parse may add numeric metrics from the
	// collected responses.
	script []string
	parse  func(responses map[string]string, metrics map[string]interface{})
}

func newCommandPoller(conn Conn, def *models.ProtocolDefinition, _ models.RegisterMap, log logger.Logger) Poller {
	return &commandPoller{
		conn:   conn,
		def:    def,
		logger: log,
		script: []string{def.Identification.Command},
	}
}

func (c *commandPoller) Poll(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	responses := make(map[string]string, len(c.script))
	metrics := make(map[string]interface{})

	var firstErr error

	for i, command := range c.script {
		if ctx.Err() != nil {
			break
		}

		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.def.Command.CommandDelay.Duration()):
			}
		}

		response, err := c.exchange(command)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			c.logger.Debug().
				Err(err).
				Str("command", command).
				Str("protocol_id", c.def.ID).
				Msg("command poll exchange failed")

			continue
		}

		responses[command] = response
		metrics["_"+command+"_response"] = response
	}

	if len(responses) == 0 {
		if firstErr == nil {
			firstErr = ctx.Err()
		}

		if firstErr == nil {
			firstErr = errAllReadsFailed
		}

		return nil, ClassifyPollError(firstErr)
	}

	if c.parse != nil {
		c.parse(responses, metrics)
	}

	return metrics, nil
}

// Execute sends a raw control-plane text command.
func (c *commandPoller) Execute(ctx context.Context, cmd *models.Command) (map[string]interface{}, error) {
	if cmd.CommandType != "send_command" {
		return nil, fmt.Errorf("%w: %s", errUnknownCommand, cmd.CommandType)
	}

	text, _ := cmd.CommandParams["command"].(string)
	if text == "" {
		return nil, errBadCommandParams
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	response, err := c.exchange(text)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"response": response}, nil
}

// exchange writes one command and reads lines until a prompt line, an
// empty line, or the response timeout.
func (c *commandPoller) exchange(command string) (string, error) {
	spec := &c.def.Command

	_ = c.conn.SetDeadline(time.Now().Add(spec.ResponseTimeout.Duration()))

	if _, err := c.conn.Write([]byte(command + spec.LineEnding)); err != nil {
		return "", err
	}

	var lines []string

	total := 0
	one := make([]byte, 1)

	for total < 4096 {
		var line strings.Builder

		for line.Len() < 4096-total {
			if _, err := c.conn.Read(one); err != nil {
				if len(lines) > 0 || line.Len() > 0 {
					if line.Len() > 0 {
						lines = append(lines, strings.TrimSpace(line.String()))
					}

					return strings.Join(lines, "\n"), nil
				}

				return "", err
			}

			if one[0] == '\n' {
				break
			}

			if one[0] != '\r' {
				line.WriteByte(one[0])
			}
		}

		total += line.Len() + 1

		trimmed := strings.TrimSpace(line.String())
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			break
		}

		lines = append(lines, trimmed)
	}

	return strings.Join(lines, "\n"), nil
}

func (c *commandPoller) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	}
}
