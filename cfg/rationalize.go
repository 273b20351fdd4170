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
	"strings"
)

// isSet interface is abstraction over the IsSet() method of viper, specially
// added to keep rationalize method simple.
type isSet interface {
	IsSet(string) bool
}

// Rationalize updates the config fields based on the values of other fields.
func Rationalize(v isSet, c *Config) error {
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	c.Monitoring.ExperimentalTracingMode = strings.ToLower(c.Monitoring.ExperimentalTracingMode)

	if c.Debug.Fuse || c.Debug.LogMutex {
		c.Logging.Severity = TraceLogSeverity
	}

	// Logs written to a terminal are read by people; keep them as text unless
	// the user asked otherwise.
	if c.Logging.FilePath == "" && c.Foreground && !v.IsSet("logging.format") {
		c.Logging.Format = TextLogFormat
	}

	return nil
}
