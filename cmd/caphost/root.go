// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/holomush/caphost/internal/config"
	"github.com/holomush/caphost/internal/control"
	"github.com/holomush/caphost/internal/xdg"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
	socketPath string
}

// NewRootCmd creates the root command for the caphost CLI.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "caphost",
		Short: "caphost - capability binding and dispatch host",
		Long: `caphost hosts sandboxed WebAssembly actors and native or scripted
capability providers, binds actors to named provider instances with
per-binding configuration, and routes every capability call to exactly
the provider instance the actor is bound to.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/caphost/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "control socket path (default: from config)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newPluginsCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newBindCmd(opts))
	cmd.AddCommand(newUnbindCmd(opts))
	cmd.AddCommand(newStopCmd(opts))

	return cmd
}

// configPath returns the config file to read and whether it must exist.
// An explicit --config is required; the XDG default is optional.
func (o *globalOptions) configPath() (string, bool) {
	if o.configFile != "" {
		return o.configFile, true
	}
	path, err := xdg.ConfigFile()
	if err != nil {
		return "", false
	}
	return path, false
}

// load reads the host configuration with fs overrides applied. fs may be nil.
func (o *globalOptions) load(fs *pflag.FlagSet) (*config.Config, error) {
	path, required := o.configPath()
	return config.Load(path, required, fs)
}

// client returns a control socket client, resolving the socket path from
// --socket or the config file.
func (o *globalOptions) client() (*control.Client, error) {
	if o.socketPath != "" {
		return control.NewClient(o.socketPath), nil
	}
	cfg, err := o.load(nil)
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.ControlSocket), nil
}
