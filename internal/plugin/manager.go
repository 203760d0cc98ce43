// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/pkg/errutil"
)

// Runtime builds provider loaders for one plugin type.
type Runtime interface {
	// Loader returns a loader that starts the plugin in dir. It must not
	// start anything until Load is called.
	Loader(manifest *Manifest, dir string) (provider.Loader, error)
}

// Manager discovers provider plugins and hands out their loaders.
type Manager struct {
	pluginsDir string
	runtimes   map[Type]Runtime
	logger     *slog.Logger
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRuntime sets the runtime used for plugins of type t.
func WithRuntime(t Type, r Runtime) ManagerOption {
	return func(m *Manager) {
		m.runtimes[t] = r
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		runtimes:   make(map[Type]Runtime),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins in the plugins directory, sorted by name.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(ctx context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("plugin").With("dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFile)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			m.logger.WarnContext(ctx, "skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if slices.ContainsFunc(plugins, func(p *DiscoveredPlugin) bool { return p.Manifest.Name == manifest.Name }) {
			m.logger.WarnContext(ctx, "skipping plugin with duplicate name",
				"dir", entry.Name(),
				"plugin", manifest.Name)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	slices.SortFunc(plugins, func(a, b *DiscoveredPlugin) int {
		return strings.Compare(a.Manifest.Name, b.Manifest.Name)
	})
	return plugins, nil
}

// Find returns the discovered plugin with the given manifest name. A missing
// plugin is a LOAD_FAILURE.
func (m *Manager) Find(ctx context.Context, name string) (*DiscoveredPlugin, error) {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, dp := range discovered {
		if dp.Manifest.Name == name {
			return dp, nil
		}
	}
	return nil, oops.Code(errutil.CodeLoadFailure).
		In("plugin").
		With("plugin", name).
		With("dir", m.pluginsDir).
		Errorf("plugin %s not found", name)
}

// Loader returns a provider loader for the named plugin. The loader reports
// the manifest's capability, name and version, and rejects a provider that
// identifies as a different capability.
func (m *Manager) Loader(ctx context.Context, name string) (provider.Loader, error) {
	dp, err := m.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.LoaderFor(dp)
}

// LoaderFor returns a provider loader for an already discovered plugin.
func (m *Manager) LoaderFor(dp *DiscoveredPlugin) (provider.Loader, error) {
	rt, ok := m.runtimes[dp.Manifest.Type]
	if !ok {
		return nil, oops.Code(errutil.CodeLoadFailure).
			In("plugin").
			With("plugin", dp.Manifest.Name).
			With("type", string(dp.Manifest.Type)).
			Errorf("no runtime configured for %s plugins", dp.Manifest.Type)
	}
	inner, err := rt.Loader(dp.Manifest, dp.Dir)
	if err != nil {
		return nil, oops.Code(errutil.CodeLoadFailure).
			In("plugin").
			With("plugin", dp.Manifest.Name).
			Wrap(err)
	}
	return &manifestLoader{manifest: dp.Manifest, inner: inner, logger: m.logger}, nil
}

type manifestLoader struct {
	manifest *Manifest
	inner    provider.Loader
	logger   *slog.Logger
}

func (l *manifestLoader) Load(ctx context.Context) (provider.Loaded, error) {
	loaded, err := l.inner.Load(ctx)
	if err != nil {
		return provider.Loaded{}, oops.Code(errutil.CodeLoadFailure).
			In("plugin").
			With("plugin", l.manifest.Name).
			Wrap(err)
	}

	if loaded.Capability == "" {
		loaded.Capability = l.manifest.Capability
	}
	if loaded.Capability != l.manifest.Capability {
		if loaded.Provider != nil {
			if cerr := loaded.Provider.Close(ctx); cerr != nil {
				errutil.LogError(l.logger, "close mismatched provider", cerr)
			}
		}
		return provider.Loaded{}, oops.Code(errutil.CodeLoadFailure).
			In("plugin").
			With("plugin", l.manifest.Name).
			With("manifest_capability", l.manifest.Capability).
			With("reported_capability", loaded.Capability).
			Errorf("plugin %s reports capability %s, manifest declares %s",
				l.manifest.Name, loaded.Capability, l.manifest.Capability)
	}
	loaded.Name = l.manifest.Name
	loaded.Version = l.manifest.Version

	l.logger.InfoContext(ctx, "loaded plugin",
		"plugin", l.manifest.Name,
		"type", l.manifest.Type,
		"version", l.manifest.Version,
		"capability", loaded.Capability)
	return loaded, nil
}
