// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/config"
	"github.com/holomush/caphost/internal/control"
	"github.com/holomush/caphost/internal/host"
	"github.com/holomush/caphost/internal/logging"
	"github.com/holomush/caphost/internal/observability"
	"github.com/holomush/caphost/internal/plugin"
	"github.com/holomush/caphost/internal/plugin/goplugin"
	pluginlua "github.com/holomush/caphost/internal/plugin/lua"
	"github.com/holomush/caphost/internal/wasm"
)

// StartFunction is the optional actor export called once after startup.
const StartFunction = "start"

// stopTimeout bounds server shutdown. Provider drains have their own
// drain_timeout.
const stopTimeout = 5 * time.Second

func newRunCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the capability host",
		Long: `Start the capability host: load the configured providers, compile and
register the configured actors, create the configured bindings, then serve
the control socket and metrics endpoint until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runHost(cmd.Context(), cmd, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// app is a started host with the engine its actors run on.
type app struct {
	host    *host.Controller
	engine  *wasm.Engine
	modules map[string]*wasm.Module
	logger  *slog.Logger
}

// newManager returns a plugin manager with the binary and Lua runtimes.
func newManager(cfg *config.Config, logger *slog.Logger) *plugin.Manager {
	hclogger := goplugin.NewLogger(cfg.LogLevel, cfg.LogFormat == "json", os.Stderr)
	return plugin.NewManager(cfg.PluginsDir,
		plugin.WithLogger(logger),
		plugin.WithRuntime(plugin.TypeBinary, goplugin.NewRuntime(
			goplugin.WithClientFactory(&goplugin.DefaultClientFactory{Logger: hclogger}))),
		plugin.WithRuntime(plugin.TypeLua, pluginlua.NewRuntime(pluginlua.WithLogger(logger))),
	)
}

// startHost builds the host from cfg: providers first, then actors, then
// bindings. On error everything started so far is shut down.
func startHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*app, error) {
	h := host.New(
		host.WithLogger(logger),
		host.WithMetrics(metrics),
		host.WithDrainTimeout(cfg.DrainTimeout),
	)
	engine, err := wasm.NewEngine(ctx, h, wasm.WithLogger(logger))
	if err != nil {
		_ = h.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create wasm engine: %w", err)
	}
	a := &app{host: h, engine: engine, modules: make(map[string]*wasm.Module), logger: logger}

	if err := a.configure(ctx, cfg); err != nil {
		a.close(ctx)
		return nil, err
	}
	h.MarkReady()
	return a, nil
}

func (a *app) configure(ctx context.Context, cfg *config.Config) error {
	mgr := newManager(cfg, a.logger)
	for _, p := range cfg.Providers {
		loader, err := mgr.Loader(ctx, p.Plugin)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Plugin, err)
		}
		if _, err := a.host.LoadProvider(ctx, p.Binding, loader); err != nil {
			return fmt.Errorf("provider %s: %w", p.Plugin, err)
		}
	}

	for _, ac := range cfg.Actors {
		code, err := os.ReadFile(filepath.Clean(ac.Module))
		if err != nil {
			return fmt.Errorf("actor %s: failed to read module: %w", ac.Subject, err)
		}
		mod, err := a.engine.Compile(ctx, ac.Subject, code)
		if err != nil {
			return fmt.Errorf("actor %s: %w", ac.Subject, err)
		}
		if _, err := a.host.AddActor(ctx, ac.Subject, mod, ac.Claims); err != nil {
			_ = mod.Close(ctx)
			return fmt.Errorf("actor %s: %w", ac.Subject, err)
		}
		a.modules[ac.Subject] = mod
	}

	for _, b := range cfg.Bindings {
		d := capability.NewDescriptor(b.Capability, b.Binding)
		if _, err := a.host.Bind(ctx, b.Actor, d, b.Config); err != nil {
			return fmt.Errorf("binding %s -> %s: %w", b.Actor, d, err)
		}
	}
	return nil
}

// startActors calls each actor's start export, if it has one. Failures are
// logged; the actor stays registered.
func (a *app) startActors(ctx context.Context) {
	for subject, mod := range a.modules {
		if !slices.Contains(mod.Exports(), StartFunction) {
			continue
		}
		if _, err := mod.Call(ctx, StartFunction); err != nil {
			a.logger.WarnContext(ctx, "actor start failed", "subject", subject, "error", err)
		}
	}
}

// close shuts the host down, then the engine.
func (a *app) close(ctx context.Context) {
	if err := a.host.Shutdown(ctx); err != nil {
		a.logger.WarnContext(ctx, "host shutdown finished with errors", "error", err)
	}
	if err := a.engine.Close(ctx); err != nil {
		a.logger.WarnContext(ctx, "error closing wasm engine", "error", err)
	}
}

func runHost(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.SetDefault(logging.Options{
		Service: "caphost",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		obsServer *observability.Server
		metrics   *observability.Metrics
		live      atomic.Pointer[host.Controller]
	)
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool {
			h := live.Load()
			return h != nil && h.Ready()
		})
		metrics = obsServer.Metrics()
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	logger.Info("starting capability host",
		"plugins_dir", cfg.PluginsDir,
		"actors", len(cfg.Actors),
		"providers", len(cfg.Providers),
		"bindings", len(cfg.Bindings))

	a, err := startHost(ctx, cfg, logger, metrics)
	if err != nil {
		stopObservability(obsServer, logger)
		return err
	}
	live.Store(a.host)

	ctl := control.NewServer(cfg.ControlSocket, a.host, control.ShutdownFunc(cancel), logger)
	if err := ctl.Start(); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer shutdownCancel()
		a.close(shutdownCtx)
		stopObservability(obsServer, logger)
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	logger.Info("control socket started", "path", ctl.SocketPath())

	a.startActors(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("caphost started")
	logger.Info("capability host ready")

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout+cfg.DrainTimeout)
	defer shutdownCancel()

	if err := ctl.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping control socket", "error", err)
	}
	a.close(shutdownCtx)
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return nil
}

func stopObservability(s *observability.Server, logger *slog.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok || err == nil || errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
		cancel()
	case <-ctx.Done():
	}
}
