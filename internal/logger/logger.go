// Copyright 2020 Google Inc. All Rights Reserved.
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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vfsbridge/puffs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger
)

// InitLogFile initializes the logger factory to create loggers that print to
// a log file, rotated according to newLogConfig.LogRotate. With an empty file
// path logs keep going to stdout in the configured format.
func InitLogFile(newLogConfig cfg.LoggingConfig) error {
	var fileWriter *lumberjack.Logger
	if newLogConfig.FilePath != "" {
		// Open once so that an unusable path fails the mount instead of the
		// first log line.
		f, err := os.OpenFile(
			string(newLogConfig.FilePath),
			os.O_WRONLY|os.O_CREATE|os.O_APPEND,
			0644,
		)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		f.Close()

		fileWriter = &lumberjack.Logger{
			Filename:   string(newLogConfig.FilePath),
			MaxSize:    int(newLogConfig.LogRotate.MaxFileSizeMb),
			MaxBackups: int(newLogConfig.LogRotate.BackupFileCount),
			Compress:   newLogConfig.LogRotate.Compress,
		}
	}

	defaultLoggerFactory = &loggerFactory{
		fileWriter:      fileWriter,
		format:          newLogConfig.Format,
		level:           newLogConfig.Severity,
		logRotateConfig: newLogConfig.LogRotate,
	}
	defaultLogger = defaultLoggerFactory.newLogger(newLogConfig.Severity)

	return nil
}

// init initializes the logger factory to use stdout.
func init() {
	defaultLoggerFactory = &loggerFactory{
		format: cfg.TextLogFormat,
		level:  cfg.InfoLogSeverity,
	}
	defaultLogger = defaultLoggerFactory.newLogger(cfg.InfoLogSeverity)
}

// SetLogFormat updates the format of the default logger.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger(defaultLoggerFactory.level)
}

// Close closes the log file when necessary.
func Close() {
	if w := defaultLoggerFactory.fileWriter; w != nil {
		w.Close()
		defaultLoggerFactory.fileWriter = nil
	}
}

// Tracef prints the message with TRACE severity in the specified format.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf prints the message with DEBUG severity in the specified format.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof prints the message with INFO severity in the specified format.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Info prints the message with info severity.
func Info(message string, args ...any) {
	defaultLogger.Info(message, args...)
}

// Warnf prints the message with WARNING severity in the specified format.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf prints the message with ERROR severity in the specified format.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

// Fatal prints an error log and exits with non-zero exit code.
func Fatal(format string, v ...interface{}) {
	Errorf(format, v...)
	Close()
	os.Exit(1)
}

type loggerFactory struct {
	// If nil, log to stdout. Otherwise, log to this rotating file.
	fileWriter      *lumberjack.Logger
	format          string
	level           cfg.LogSeverity
	logRotateConfig cfg.LogRotateLoggingConfig
}

func (f *loggerFactory) newLogger(level cfg.LogSeverity) *slog.Logger {
	// create a new logger
	var programLevel = new(slog.LevelVar)
	logger := slog.New(f.handler(programLevel, ""))
	setLoggingLevel(level, programLevel)
	return logger
}

func (f *loggerFactory) writer() io.Writer {
	if f.fileWriter != nil {
		return f.fileWriter
	}
	return os.Stdout
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	if f.format == cfg.TextLogFormat {
		return slog.NewTextHandler(writer, getHandlerOptions(levelVar, prefix, f.format))
	}
	return slog.NewJSONHandler(writer, getHandlerOptions(levelVar, prefix, f.format))
}

func (f *loggerFactory) handler(levelVar *slog.LevelVar, prefix string) slog.Handler {
	return f.createJsonOrTextHandler(f.writer(), levelVar, prefix)
}
