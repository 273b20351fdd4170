// Copyright 2023 Google LLC
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

package logger

import (
	"log"
	"log/slog"
)

// NewLegacyLogger creates a *log.Logger that writes through the default
// handler at a fixed level. Prefer Infof(), Warnf(), Errorf() and friends;
// this exists for jacobsa/fuse, which only accepts *log.Logger.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	var programLevel = new(slog.LevelVar)
	handler := defaultLoggerFactory.handler(programLevel, prefix)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)
	return slog.NewLogLogger(handler, level)
}
