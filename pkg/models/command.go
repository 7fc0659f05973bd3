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

import "time"

// CommandStatus tracks a control-plane command through its lifecycle.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
	CommandTimedOut     CommandStatus = "timed_out"
	CommandCancelled    CommandStatus = "cancelled"
)

// Command is one queued control-plane instruction for a device, e.g. a
// register write or a raw text command.
type Command struct {
	ID            string                 `json:"id"`
	DeviceID      string                 `json:"device_id"`
	SiteID        string                 `json:"site_id,omitempty"`
	CommandType   string                 `json:"command_type"`
	CommandParams map[string]interface{} `json:"command_params,omitempty"`
	Status        CommandStatus          `json:"status"`
	Priority      int                    `json:"priority"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	ScheduledAt   *time.Time             `json:"scheduled_at,omitempty"`
	SentAt        *time.Time             `json:"sent_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// Expired reports whether the command passed its expiry deadline.
func (c *Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
