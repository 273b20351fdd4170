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

package logger

import (
	"log/slog"

	"github.com/vfsbridge/puffs/cfg"
)

const (
	// LevelTrace sits below DEBUG so that every other level is logged with
	// it.
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	// LevelOff is above every level, so nothing is logged.
	LevelOff = slog.Level(12)

	messageKey   = "message"
	severityKey  = "severity"
	timestampKey = "timestamp"
	textTimeKey  = "time"

	textTimeFormat = "02/01/2006 15:04:05.000000"
)

var severityNames = map[slog.Level]string{
	LevelTrace: cfg.TRACE,
	LevelDebug: cfg.DEBUG,
	LevelInfo:  cfg.INFO,
	LevelWarn:  cfg.WARNING,
	LevelError: cfg.ERROR,
}

func setLoggingLevel(level cfg.LogSeverity, programLevel *slog.LevelVar) {
	// logs having severity >= the configured value will be logged.
	switch level {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(LevelDebug)
	case cfg.InfoLogSeverity:
		programLevel.Set(LevelInfo)
	case cfg.WarningLogSeverity:
		programLevel.Set(LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	}
}

// getHandlerOptions renames the built-in attributes so that both formats
// carry time, severity and message in the shape log collectors expect.
func getHandlerOptions(levelVar *slog.LevelVar, prefix string, format string) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}

			switch a.Key {
			case slog.TimeKey:
				t := a.Value.Time()
				if format == cfg.TextLogFormat {
					return slog.String(textTimeKey, t.Round(0).Format(textTimeFormat))
				}
				return slog.Group(timestampKey,
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())))

			case slog.LevelKey:
				level := a.Value.Any().(slog.Level)
				name, ok := severityNames[level]
				if !ok {
					name = level.String()
				}
				return slog.String(severityKey, name)

			case slog.MessageKey:
				return slog.String(messageKey, prefix+a.Value.String())
			}
			return a
		},
	}
}
