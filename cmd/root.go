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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vfsbridge/puffs/cfg"
	"github.com/vfsbridge/puffs/common"
	"gopkg.in/yaml.v3"
)

// MountFn mounts the file system at mountPoint and blocks until it is
// unmounted.
type MountFn func(c *cfg.Config, mountPoint string) error

// DaemonFn serves file system daemons on the unix socket at socketPath until
// interrupted.
type DaemonFn func(c *cfg.Config, socketPath string) error

// NewRootCmd builds the puffs command tree. The flags are shared by every
// subcommand.
func NewRootCmd(mountFn MountFn, daemonFn DaemonFn) (*cobra.Command, error) {
	var (
		configObj cfg.Config
		cfgFile   string
		v         = viper.New()
	)

	loadConfig := func(cmd *cobra.Command) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error while reading the config file: %w", err)
			}
		}
		if err := v.Unmarshal(&configObj, cfg.DecoderOptions()...); err != nil {
			return fmt.Errorf("error while unmarshalling the config: %w", err)
		}
		if err := cfg.Rationalize(v, &configObj); err != nil {
			return fmt.Errorf("error while rationalizing the config: %w", err)
		}
		if err := cfg.ValidateConfig(&configObj); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	}

	rootCmd := &cobra.Command{
		Use:   "puffs [flags] mount_point",
		Short: "Mount a puffs file system served by a userspace daemon",
		Long: `puffs relays the kernel's file system operations to a userspace
daemon over a message transport. Without --socket the built-in memory
file system serves the mount.`,
		Version:      common.GetVersion(),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			return mountFn(&configObj, args[0])
		},
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon [flags] socket_path",
		Short: "Serve the memory file system to mounts connecting on a unix socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			return daemonFn(&configObj, args[0])
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			out, err := yaml.Marshal(&configObj)
			if err != nil {
				return fmt.Errorf("marshalling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	rootCmd.AddCommand(daemonCmd, configCmd)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "The path to the config file where all puffs related config needs to be specified.")
	if err := cfg.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("error while binding flags: %w", err)
	}
	return rootCmd, nil
}
