// Copyright 2015 Google Inc. All Rights Reserved.
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

// puffs mounts a file system whose operations are served by a userspace
// daemon.
//
// Usage:
//
//	puffs [flags] mount_point
//	puffs daemon [flags] socket_path
package main

import (
	"os"

	"github.com/vfsbridge/puffs/cfg"
	"github.com/vfsbridge/puffs/cmd"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/logger"
)

func applyDebugFlags(c *cfg.Config) {
	if c.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if c.Debug.LogMutex {
		locker.EnableDebugMessages()
	}
}

func main() {
	rootCmd, err := cmd.NewRootCmd(
		func(c *cfg.Config, mountPoint string) error {
			applyDebugFlags(c)
			return cmd.Mount(c, mountPoint)
		},
		func(c *cfg.Config, socketPath string) error {
			applyDebugFlags(c)
			return cmd.RunDaemon(c, socketPath)
		})
	if err != nil {
		logger.Fatal("creating the root command: %v", err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
