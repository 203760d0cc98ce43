// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holomush/caphost/internal/control"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var jsonOutput, verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show actors, providers and bindings of a running host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), verbose)
			if err != nil {
				return fmt.Errorf("failed to query host: %w", err)
			}
			if jsonOutput {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Print(formatStatusTable(status, verbose))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include binding config values, which may hold credentials")
	return cmd
}

// formatStatusTable renders the host snapshot as three tables. Binding config
// shows keys only unless verbose.
func formatStatusTable(s control.StatusResponse, verbose bool) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	readiness := "not ready"
	if s.Host.Ready {
		readiness = "ready"
	}
	_, _ = fmt.Fprintf(w, "HOST\t%s\tpid %d\tup %s\n\n", readiness, s.PID, formatUptime(s.UptimeSeconds))

	_, _ = fmt.Fprintln(w, "ACTOR\tREGISTERED\tBINDINGS\tCLAIMS")
	for _, a := range s.Host.Actors {
		claims := "*"
		if len(a.Claims) > 0 {
			claims = strings.Join(a.Claims, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Subject, a.RegisteredAt.Format("2006-01-02T15:04:05Z07:00"), a.Bindings, claims)
	}

	_, _ = fmt.Fprintln(w, "\nCAPABILITY\tBINDING\tPLUGIN\tVERSION\tIN-FLIGHT")
	for _, p := range s.Host.Providers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.Capability, p.Binding, dash(p.Plugin), dash(p.Version), p.InFlight)
	}

	_, _ = fmt.Fprintln(w, "\nACTOR\tCAPABILITY\tBINDING\tREVISION\tCONFIG")
	for _, b := range s.Host.Bindings {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", b.Actor, b.Capability, b.Binding, b.Revision, formatConfig(b.Config, verbose))
	}

	_ = w.Flush()
	return string(buf)
}

// formatConfig lists config keys, or key=value pairs when verbose.
func formatConfig(cfg map[string]string, verbose bool) string {
	if len(cfg) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if verbose {
		for i, k := range keys {
			keys[i] = k + "=" + cfg[k]
		}
	}
	return strings.Join(keys, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
