// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/config"
	"github.com/holomush/caphost/internal/wasm"
)

func newValidateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the host configuration without starting it",
		Long: `Validate the host configuration: field constraints, that every provider
names a discovered plugin, that provider instances are unique, that every
binding targets a declared provider instance, and that every actor module
compiles.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := validateConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			cmd.Println("configuration valid")
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// validateConfig reports every problem found, not just the first.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := newManager(cfg, quiet)

	var errs []error
	declared := make(map[capability.Descriptor]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		dp, err := mgr.Find(ctx, p.Plugin)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Plugin, err))
			continue
		}
		d := capability.NewDescriptor(dp.Manifest.Capability, p.Binding)
		if prev, dup := declared[d]; dup {
			errs = append(errs, fmt.Errorf("provider %s: %s already provided by plugin %s", p.Plugin, d, prev))
			continue
		}
		declared[d] = p.Plugin
	}

	for _, b := range cfg.Bindings {
		d := capability.NewDescriptor(b.Capability, b.Binding)
		if _, ok := declared[d]; !ok {
			errs = append(errs, fmt.Errorf("binding %s -> %s: no provider instance declared", b.Actor, d))
		}
	}

	claims := capability.NewEnforcer()
	for _, a := range cfg.Actors {
		if len(a.Claims) == 0 {
			continue
		}
		if err := claims.SetClaims(a.Subject, a.Claims); err != nil {
			errs = append(errs, fmt.Errorf("actor %s: %w", a.Subject, err))
		}
	}
	for _, b := range cfg.Bindings {
		if err := claims.Authorize(b.Actor, b.Capability); err != nil {
			errs = append(errs, fmt.Errorf("binding %s -> %s: %w", b.Actor, b.Capability, err))
		}
	}

	if len(cfg.Actors) > 0 {
		if err := compileActors(ctx, cfg.Actors); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func compileActors(ctx context.Context, actors []config.Actor) error {
	engine, err := wasm.NewEngine(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create wasm engine: %w", err)
	}
	defer func() { _ = engine.Close(ctx) }()

	var errs []error
	for _, a := range actors {
		code, err := os.ReadFile(filepath.Clean(a.Module))
		if err != nil {
			errs = append(errs, fmt.Errorf("actor %s: failed to read module: %w", a.Subject, err))
			continue
		}
		mod, err := engine.Compile(ctx, a.Subject, code)
		if err != nil {
			errs = append(errs, fmt.Errorf("actor %s: %w", a.Subject, err))
			continue
		}
		_ = mod.Close(ctx)
	}
	return errors.Join(errs...)
}
