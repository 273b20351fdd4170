// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
)

const (
	MaxMessageSizeOutOfRangeError  = "the value of max-message-size must lie between 32 and 67108864"
	NegativeMessageRateError       = "the value of max-messages-per-sec can't be negative"
	NegativeMaxOutstandingError    = "the value of max-outstanding-requests can't be negative"
	DaemonWorkersInvalidValueError = "daemon-workers must be at least 1"
	PriorityWorkersNegativeError   = "daemon-priority-workers can't be negative"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLogFormat(format string) error {
	switch format {
	case TextLogFormat, JSONLogFormat:
		return nil
	}
	return fmt.Errorf("invalid log format: %q. Must be one of [text, json]", format)
}

func isValidTransportConfig(c *TransportConfig) error {
	if c.MaxMessageSize < MinMessageSize || c.MaxMessageSize > MaxMessageSize {
		return fmt.Errorf(MaxMessageSizeOutOfRangeError)
	}
	if c.MaxMessagesPerSec < 0 {
		return fmt.Errorf(NegativeMessageRateError)
	}
	return nil
}

func isValidDaemonConfig(c *DaemonConfig) error {
	if c.Workers < 1 {
		return fmt.Errorf(DaemonWorkersInvalidValueError)
	}
	if c.PriorityWorkers < 0 {
		return fmt.Errorf(PriorityWorkersNegativeError)
	}
	return nil
}

func isValidTracingMode(mode string) error {
	switch mode {
	case "", TracingModeStdout:
		return nil
	}
	return fmt.Errorf("unsupported tracing mode: %q", mode)
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidLogFormat(config.Logging.Format); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if err = isValidTransportConfig(&config.Transport); err != nil {
		return fmt.Errorf("error parsing transport config: %w", err)
	}

	if config.Park.MaxOutstanding < 0 {
		return fmt.Errorf("error parsing park config: %s", NegativeMaxOutstandingError)
	}

	if err = isValidDaemonConfig(&config.Daemon); err != nil {
		return fmt.Errorf("error parsing daemon config: %w", err)
	}

	if err = isValidTracingMode(config.Monitoring.ExperimentalTracingMode); err != nil {
		return fmt.Errorf("error parsing monitoring config: %w", err)
	}

	return nil
}
