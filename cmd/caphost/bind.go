// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/control"
)

func newBindCmd(opts *globalOptions) *cobra.Command {
	var (
		bindingName string
		values      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "bind ACTOR CAPABILITY",
		Short: "Bind an actor to a provider instance on a running host",
		Long: `Bind an actor to the provider instance (CAPABILITY, --binding) with the
given configuration. An existing binding for the same actor and instance is
replaced.`,
		Example: `  caphost bind MCYW wascc:keyvalue --binding source1 --set URL=redis://127.0.0.1:6379/0`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			b, err := client.Bind(cmd.Context(), control.BindRequest{
				Actor:      args[0],
				Capability: args[1],
				Binding:    bindingName,
				Config:     values,
			})
			if err != nil {
				return fmt.Errorf("bind failed: %w", err)
			}
			verb := "bound"
			if b.Revision > 0 {
				verb = "rebound"
			}
			cmd.Printf("%s %s -> %s (revision %d)\n", verb, b.Actor, capability.NewDescriptor(b.Capability, b.Binding), b.Revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&bindingName, "binding", "", "binding name (default: the default instance)")
	cmd.Flags().StringToStringVar(&values, "set", nil, "binding configuration value (KEY=VALUE, repeatable)")
	return cmd
}

func newUnbindCmd(opts *globalOptions) *cobra.Command {
	var bindingName string
	cmd := &cobra.Command{
		Use:   "unbind ACTOR CAPABILITY",
		Short: "Remove an actor binding on a running host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			d := capability.NewDescriptor(args[1], bindingName)
			if err := client.Unbind(cmd.Context(), control.BindRequest{
				Actor:      args[0],
				Capability: d.Capability,
				Binding:    d.Binding,
			}); err != nil {
				return fmt.Errorf("unbind failed: %w", err)
			}
			cmd.Printf("unbound %s -> %s\n", args[0], d)
			return nil
		},
	}
	cmd.Flags().StringVar(&bindingName, "binding", "", "binding name (default: the default instance)")
	return cmd
}

func newStopCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running host to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Shutdown(cmd.Context())
			if err != nil {
				return fmt.Errorf("stop failed: %w", err)
			}
			cmd.Println(resp.Message)
			return nil
		},
	}
}
