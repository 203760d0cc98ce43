// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin loads binary capability providers with HashiCorp's
// go-plugin system over gRPC.
package goplugin

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/plugin"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/pkg/errutil"
	"github.com/holomush/caphost/pkg/providersdk"
)

// DefaultDescribeTimeout bounds the Describe handshake after a plugin starts.
const DefaultDescribeTimeout = 5 * time.Second

// Compile-time interface check.
var _ plugin.Runtime = (*Runtime)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	// Logger receives go-plugin and plugin stderr output. Nil uses hclog's
	// default logger.
	Logger hclog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  providersdk.HandshakeConfig,
		Plugins:          providersdk.PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from plugin manifest; manifests validated during discovery
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           f.Logger,
		AutoMTLS:         true,
	})
}

// NewLogger returns an hclog logger for plugin output at the given level
// ("trace", "debug", "info", "warn", "error").
func NewLogger(level string, json bool, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "plugin",
		Level:      hclog.LevelFromString(level),
		Output:     w,
		JSONFormat: json,
	})
}

// remote is the dispensed provider service client.
type remote interface {
	Invoke(ctx context.Context, req providersdk.Request) ([]byte, error)
	Describe(ctx context.Context) (providersdk.Info, error)
}

// Runtime builds loaders for binary plugins.
type Runtime struct {
	factory         ClientFactory
	describeTimeout time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClientFactory replaces the go-plugin client factory (for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(r *Runtime) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithDescribeTimeout bounds the Describe call made while loading.
func WithDescribeTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.describeTimeout = d
		}
	}
}

// NewRuntime creates a binary plugin runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		factory:         &DefaultClientFactory{},
		describeTimeout: DefaultDescribeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loader returns a loader that starts the plugin executable on Load.
func (r *Runtime) Loader(manifest *plugin.Manifest, dir string) (provider.Loader, error) {
	if manifest.BinaryPlugin == nil {
		return nil, oops.Code(errutil.CodeLoadFailure).
			In("goplugin").
			With("plugin", manifest.Name).
			Errorf("plugin %s is not a binary plugin", manifest.Name)
	}
	return &loader{
		runtime:  r,
		name:     manifest.Name,
		execPath: filepath.Join(dir, manifest.BinaryPlugin.Executable),
	}, nil
}

type loader struct {
	runtime  *Runtime
	name     string
	execPath string
}

// Load starts the plugin, dispenses the provider service and asks the plugin
// to describe itself. Any failure kills the process.
func (l *loader) Load(ctx context.Context) (provider.Loaded, error) {
	errb := oops.Code(errutil.CodeLoadFailure).
		In("goplugin").
		With("plugin", l.name).
		With("executable", l.execPath)

	if _, err := os.Stat(l.execPath); err != nil {
		return provider.Loaded{}, errb.Wrapf(err, "plugin executable not accessible")
	}

	client := l.runtime.factory.NewClient(l.execPath)

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return provider.Loaded{}, errb.Wrapf(err, "connect to plugin")
	}

	raw, err := rpcClient.Dispense(providersdk.PluginName)
	if err != nil {
		client.Kill()
		return provider.Loaded{}, errb.Wrapf(err, "dispense plugin")
	}

	svc, ok := raw.(remote)
	if !ok {
		client.Kill()
		return provider.Loaded{}, errb.Errorf("plugin %s does not serve the provider service", l.name)
	}

	describeCtx, cancel := context.WithTimeout(ctx, l.runtime.describeTimeout)
	defer cancel()
	info, err := svc.Describe(describeCtx)
	if err != nil {
		client.Kill()
		return provider.Loaded{}, errb.Wrapf(err, "describe plugin")
	}

	return provider.Loaded{
		Capability: info.Capability,
		Name:       info.Name,
		Version:    info.Version,
		Provider:   &Provider{client: client, svc: svc},
	}, nil
}

// Provider is a running binary plugin.
type Provider struct {
	client PluginClient
	svc    remote
	once   sync.Once
}

// Invoke forwards one call to the plugin process.
func (p *Provider) Invoke(ctx context.Context, req provider.Request) ([]byte, error) {
	//nolint:wrapcheck // provider errors are surfaced verbatim
	return p.svc.Invoke(ctx, providersdk.Request{
		Actor:      req.Actor,
		Capability: req.Descriptor.Capability,
		Binding:    req.Descriptor.Binding,
		Operation:  req.Operation,
		Payload:    req.Payload,
		Config:     req.Config,
	})
}

// Close kills the plugin process. Later calls are no-ops.
func (p *Provider) Close(context.Context) error {
	p.once.Do(p.client.Kill)
	return nil
}
