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
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args []string) *Config {
	t.Helper()
	v := viper.New()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, flagSet))
	require.NoError(t, flagSet.Parse(args))

	var c Config
	require.NoError(t, v.Unmarshal(&c, DecoderOptions()...))
	return &c
}

func TestBindFlagsDefaults(t *testing.T) {
	c := parseArgs(t, nil)

	assert.Equal(t, InfoLogSeverity, c.Logging.Severity)
	assert.Equal(t, JSONLogFormat, c.Logging.Format)
	assert.Equal(t, Octal(0644), c.FileSystem.FileMode)
	assert.Equal(t, Octal(0755), c.FileSystem.DirMode)
	assert.Equal(t, int64(DefaultMaxMessageSize), c.Transport.MaxMessageSize)
	assert.Equal(t, int64(4), c.Daemon.Workers)
	assert.Equal(t, int64(1), c.Daemon.PriorityWorkers)
	assert.Equal(t, int64(-1), c.FileSystem.Uid)
	assert.NoError(t, ValidateConfig(c))
}

func TestBindFlagsOverrides(t *testing.T) {
	c := parseArgs(t, []string{
		"--log-severity=debug",
		"--file-mode=600",
		"--max-outstanding-requests=64",
		"--max-messages-per-sec=250.5",
		"--socket=/run/puffs.sock",
		"--o=ro,allow_other",
		"--debug_invariants",
	})

	assert.Equal(t, DebugLogSeverity, c.Logging.Severity)
	assert.Equal(t, Octal(0600), c.FileSystem.FileMode)
	assert.Equal(t, int64(64), c.Park.MaxOutstanding)
	assert.Equal(t, 250.5, c.Transport.MaxMessagesPerSec)
	assert.Equal(t, ResolvedPath("/run/puffs.sock"), c.Transport.Socket)
	assert.Equal(t, []string{"ro", "allow_other"}, c.FileSystem.FuseOptions)
	assert.True(t, c.Debug.ExitOnInvariantViolation)
}

func TestBindFlagsRejectsBadSeverity(t *testing.T) {
	v := viper.New()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, flagSet))
	require.NoError(t, flagSet.Parse([]string{"--log-severity=loud"}))

	var c Config
	err := v.Unmarshal(&c, DecoderOptions()...)

	assert.Error(t, err)
}

func TestOctalMarshalText(t *testing.T) {
	b, err := Octal(0755).MarshalText()

	require.NoError(t, err)
	assert.Equal(t, "755", string(b))
}

func TestLogSeverityRank(t *testing.T) {
	assert.Less(t, TraceLogSeverity.Rank(), InfoLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("LOUD").Rank())
}
