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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Daemon DaemonConfig `yaml:"daemon"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Foreground bool `yaml:"foreground"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Monitoring MonitoringConfig `yaml:"monitoring"`

	Park ParkConfig `yaml:"park"`

	Transport TransportConfig `yaml:"transport"`
}

type DaemonConfig struct {
	PriorityWorkers int64 `yaml:"priority-workers"`

	Workers int64 `yaml:"workers"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	Fuse bool `yaml:"fuse"`

	LogMutex bool `yaml:"log-mutex"`
}

type FileSystemConfig struct {
	DirMode Octal `yaml:"dir-mode"`

	FileMode Octal `yaml:"file-mode"`

	FuseOptions []string `yaml:"fuse-options"`

	Gid int64 `yaml:"gid"`

	Uid int64 `yaml:"uid"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`

	Severity LogSeverity `yaml:"severity"`
}

type MetricsConfig struct {
	PrometheusPort int64 `yaml:"prometheus-port"`
}

type MonitoringConfig struct {
	ExperimentalTracingMode string `yaml:"experimental-tracing-mode"`
}

type ParkConfig struct {
	MaxOutstanding int64 `yaml:"max-outstanding"`
}

type TransportConfig struct {
	MaxMessageSize int64 `yaml:"max-message-size"`

	MaxMessagesPerSec float64 `yaml:"max-messages-per-sec"`

	Socket ResolvedPath `yaml:"socket"`
}

// BindFlags registers every flag on flagSet and binds it to its config key in
// v.
func BindFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")

	err = v.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.IntP("daemon-priority-workers", "", 1, "Number of daemon workers reserved for VFS class requests such as unmount and sync.")

	err = v.BindPFlag("daemon.priority-workers", flagSet.Lookup("daemon-priority-workers"))
	if err != nil {
		return err
	}

	flagSet.IntP("daemon-workers", "", 4, "Number of daemon workers serving vnode requests.")

	err = v.BindPFlag("daemon.workers", flagSet.Lookup("daemon-workers"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_fuse", "", false, "Enables debug logs for the FUSE front-end.")

	err = v.BindPFlag("debug.fuse", flagSet.Lookup("debug_fuse"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = v.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = v.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	flagSet.StringP("dir-mode", "", "0755", "Permissions bits for directories, in octal.")

	err = v.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("experimental-tracing-mode", "", "", "Experimental: specify tracing mode. Value can be empty (disabled) or 'stdout'.")

	err = v.BindPFlag("monitoring.experimental-tracing-mode", flagSet.Lookup("experimental-tracing-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("file-mode", "", "0644", "Permissions bits for files, in octal.")

	err = v.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	err = v.BindPFlag("foreground", flagSet.Lookup("foreground"))
	if err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID owner of all inodes.")

	err = v.BindPFlag("file-system.gid", flagSet.Lookup("gid"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs. When not provided, logs are printed to stdout.")

	err = v.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	err = v.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain after they have been rotated. A value of 0 retains all backup files.")

	err = v.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Controls whether the rotated log files should be compressed using gzip.")

	err = v.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes that a log file can reach before it is rotated.")

	err = v.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")

	err = v.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("max-message-size", "", DefaultMaxMessageSize, "Largest message, header included, the transport moves in one frame.")

	err = v.BindPFlag("transport.max-message-size", flagSet.Lookup("max-message-size"))
	if err != nil {
		return err
	}

	flagSet.Float64P("max-messages-per-sec", "", 0, "Upper bound on messages delivered to the daemon per second. 0 disables throttling.")

	err = v.BindPFlag("transport.max-messages-per-sec", flagSet.Lookup("max-messages-per-sec"))
	if err != nil {
		return err
	}

	flagSet.IntP("max-outstanding-requests", "", 0, "Maximum number of requests in flight on one mount. 0 means unlimited.")

	err = v.BindPFlag("park.max-outstanding", flagSet.Lookup("max-outstanding-requests"))
	if err != nil {
		return err
	}

	flagSet.StringSliceP("o", "", []string{}, "Additional system-specific mount options. Multiple options can be passed as comma separated.")

	err = v.BindPFlag("file-system.fuse-options", flagSet.Lookup("o"))
	if err != nil {
		return err
	}

	flagSet.IntP("prometheus-port", "", 0, "Expose Prometheus metrics endpoint on this port and a path of /metrics.")

	err = v.BindPFlag("metrics.prometheus-port", flagSet.Lookup("prometheus-port"))
	if err != nil {
		return err
	}

	flagSet.StringP("socket", "", "", "Unix socket on which the file system daemon is reached. When empty the built-in memory daemon is used.")

	err = v.BindPFlag("transport.socket", flagSet.Lookup("socket"))
	if err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes.")

	err = v.BindPFlag("file-system.uid", flagSet.Lookup("uid"))
	if err != nil {
		return err
	}

	return nil
}
