// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holomush/caphost/internal/plugin"
)

// pluginInfo is one row of `caphost plugins` output.
type pluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	Capability  string `json:"capability"`
	Description string `json:"description,omitempty"`
	Dir         string `json:"dir"`
}

func newPluginsCmd(opts *globalOptions) *cobra.Command {
	var (
		dir        string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List discoverable provider plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := opts.load(nil)
				if err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
				dir = cfg.PluginsDir
			}
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			found, err := plugin.NewManager(dir, plugin.WithLogger(quiet)).Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to discover plugins: %w", err)
			}

			infos := make([]pluginInfo, 0, len(found))
			for _, dp := range found {
				infos = append(infos, pluginInfo{
					Name:        dp.Manifest.Name,
					Version:     dp.Manifest.Version,
					Type:        string(dp.Manifest.Type),
					Capability:  dp.Manifest.Capability,
					Description: dp.Manifest.Description,
					Dir:         dp.Dir,
				})
			}
			if jsonOutput {
				data, err := json.MarshalIndent(infos, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal plugins: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Print(formatPluginsTable(infos))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "plugins directory (default: from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func formatPluginsTable(infos []pluginInfo) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tCAPABILITY")
	for _, p := range infos {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Type, p.Capability)
	}
	_ = w.Flush()
	return string(buf)
}

// byteWriter adapts a byte slice to io.Writer for tabwriter.
type byteWriter []byte

func (b *byteWriter) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
