// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package host composes the actor and provider registries, the binding table
// and the dispatcher into one process-wide controller.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/caphost/internal/actor"
	"github.com/holomush/caphost/internal/binding"
	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/dispatch"
	"github.com/holomush/caphost/internal/observability"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/internal/shard"
	"github.com/holomush/caphost/pkg/errutil"
)

// DefaultDrainTimeout bounds how long RemoveProvider waits for in-flight
// invocations before handing the close to the last one.
const DefaultDrainTimeout = 5 * time.Second

// Controller is the host facade. Registration must precede binding and
// binding must precede dispatch; the controller only sequences those steps.
type Controller struct {
	actors     *actor.Registry
	providers  *provider.Registry
	table      *binding.Table
	claims     *capability.Enforcer
	dispatcher *dispatch.Dispatcher

	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	drainTimeout time.Duration

	// subjectLocks serialize AddActor/RemoveActor against Bind for the same
	// subject so claims and cascades are never observed half-applied.
	subjectLocks *shard.Stripes[string]

	// plugins records load metadata per provider registration.
	plugins sync.Map // ulid.ULID -> pluginInfo

	// lifecycle is read-held by every mutation; Shutdown takes it exclusively
	// to flip closed, so no mutation straddles shutdown.
	lifecycle    sync.RWMutex
	closed       bool
	ready        bool
	shutdownOnce sync.Once
	shutdownErr  error
}

type pluginInfo struct {
	name    string
	version string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records inventory gauges, bind operations and invocations.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithDrainTimeout sets the default provider drain timeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// New creates a controller with empty registries.
func New(opts ...Option) *Controller {
	c := &Controller{
		claims:       capability.NewEnforcer(),
		logger:       slog.Default(),
		drainTimeout: DefaultDrainTimeout,
		subjectLocks: shard.NewStripes[string](shard.DefaultShards),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.actors = actor.NewRegistry()
	c.providers = provider.NewRegistry(provider.WithLogger(c.logger))
	c.table = binding.NewTable(c.actors, c.providers)
	c.dispatcher = dispatch.New(c.actors, c.table, c.providers,
		dispatch.WithLogger(c.logger),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithTracer(c.tracer))
	return c
}

// Dispatcher returns the dispatcher execution engines call into.
func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Invoke dispatches one capability call. See dispatch.Dispatcher.Invoke.
func (c *Controller) Invoke(ctx context.Context, inv dispatch.Invocation) ([]byte, error) {
	return c.dispatcher.Invoke(ctx, inv)
}

// begin admits a mutation. The returned func must be called when it ends.
func (c *Controller) begin(op string) (func(), error) {
	c.lifecycle.RLock()
	if c.closed {
		c.lifecycle.RUnlock()
		return nil, oops.Code(errutil.CodeHostClosed).
			With("operation", op).
			Errorf("host is shut down")
	}
	return c.lifecycle.RUnlock, nil
}

// AddActor registers an actor. Claims, when given, restrict the capability
// types the actor may be bound to; see capability.Enforcer.
func (c *Controller) AddActor(ctx context.Context, subject string, module actor.Module, claims []string) (*actor.Actor, error) {
	done, err := c.begin("add_actor")
	if err != nil {
		return nil, err
	}
	defer done()

	if err := capability.CompileClaims(claims); err != nil {
		return nil, err
	}

	lock := c.subjectLocks.For(subject)
	lock.Lock()
	a, err := c.actors.Register(subject, module)
	if err == nil && len(claims) > 0 {
		err = c.claims.SetClaims(subject, claims)
		if err != nil {
			_, _ = c.actors.Remove(subject)
		}
	}
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "actor added",
		"subject", subject,
		"actor_id", a.ID.String(),
		"claims", len(claims))
	c.refreshInventory()
	return a, nil
}

// RemoveActor removes the actor, all its bindings and its claims, then closes
// its module. Calls already dispatched for the actor run to completion.
func (c *Controller) RemoveActor(ctx context.Context, subject string) error {
	done, err := c.begin("remove_actor")
	if err != nil {
		return err
	}
	defer done()
	return c.removeActor(ctx, subject)
}

func (c *Controller) removeActor(ctx context.Context, subject string) error {
	lock := c.subjectLocks.For(subject)
	lock.Lock()
	a, err := c.actors.Remove(subject)
	if err != nil {
		lock.Unlock()
		return err
	}
	removed := c.table.CascadeRemoveActor(subject, a.ID)
	c.claims.RemoveClaims(subject)
	lock.Unlock()

	c.metrics.RecordBindOp("cascade", removed)
	c.logger.InfoContext(ctx, "actor removed",
		"subject", subject,
		"actor_id", a.ID.String(),
		"bindings_removed", removed)
	c.refreshInventory()

	if a.Module != nil {
		if err := a.Module.Close(ctx); err != nil {
			return oops.With("subject", subject).Wrapf(err, "close actor module")
		}
	}
	return nil
}

// AddProvider registers a provider handle under (capabilityType, bindingName).
// On failure the caller keeps ownership of p.
func (c *Controller) AddProvider(ctx context.Context, capabilityType, bindingName string, p provider.Provider) (capability.Descriptor, error) {
	done, err := c.begin("add_provider")
	if err != nil {
		return capability.Descriptor{}, err
	}
	defer done()

	inst, err := c.addProvider(ctx, capabilityType, bindingName, p)
	if err != nil {
		return capability.Descriptor{}, err
	}
	return inst.Descriptor(), nil
}

func (c *Controller) addProvider(ctx context.Context, capabilityType, bindingName string, p provider.Provider) (*provider.Instance, error) {
	inst, err := c.providers.Register(capabilityType, bindingName, p)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "provider registered",
		"capability", inst.Descriptor().Capability,
		"binding", inst.Descriptor().Binding,
		"instance_id", inst.ID().String())
	c.refreshInventory()
	return inst, nil
}

// LoadProvider runs loader and registers the resulting handle under the
// capability type the loader reports. Load errors carry LOAD_FAILURE and are
// not retried. If registration fails the handle is closed, so a provider is
// never partially registered.
func (c *Controller) LoadProvider(ctx context.Context, bindingName string, loader provider.Loader) (capability.Descriptor, error) {
	done, err := c.begin("load_provider")
	if err != nil {
		return capability.Descriptor{}, err
	}
	defer done()

	loaded, err := loader.Load(ctx)
	if err != nil {
		return capability.Descriptor{}, oops.Code(errutil.CodeLoadFailure).
			With("binding", bindingName).
			Wrapf(err, "load provider")
	}
	if loaded.Provider == nil {
		return capability.Descriptor{}, oops.Code(errutil.CodeLoadFailure).
			With("plugin", loaded.Name).
			Errorf("loader returned no provider handle")
	}

	inst, err := c.addProvider(ctx, loaded.Capability, bindingName, loaded.Provider)
	if err != nil {
		if cerr := loaded.Provider.Close(ctx); cerr != nil {
			errutil.LogError(c.logger, "close rejected provider", cerr)
		}
		return capability.Descriptor{}, err
	}
	c.plugins.Store(inst.ID(), pluginInfo{name: loaded.Name, version: loaded.Version})
	return inst.Descriptor(), nil
}

// RemoveProvider unregisters the provider for d and removes every binding
// that references it. New calls fail immediately; in-flight calls drain for
// up to the drain timeout or ctx's deadline, whichever is sooner.
func (c *Controller) RemoveProvider(ctx context.Context, d capability.Descriptor) error {
	done, err := c.begin("remove_provider")
	if err != nil {
		return err
	}
	defer done()
	return c.removeProvider(ctx, d)
}

func (c *Controller) removeProvider(ctx context.Context, d capability.Descriptor) error {
	d = capability.NewDescriptor(d.Capability, d.Binding)

	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()

	inst, err := c.providers.Unregister(drainCtx, d)
	if err != nil {
		return err
	}
	removed := c.table.CascadeRemoveProvider(d, inst.ID())
	c.plugins.Delete(inst.ID())

	c.metrics.RecordBindOp("cascade", removed)
	c.logger.InfoContext(ctx, "provider unregistered",
		"capability", d.Capability,
		"binding", d.Binding,
		"instance_id", inst.ID().String(),
		"bindings_removed", removed)
	c.refreshInventory()
	return nil
}

// Bind creates or replaces the binding of subject to d. Configuration is
// stored as given and never validated here.
func (c *Controller) Bind(ctx context.Context, subject string, d capability.Descriptor, config map[string]string) (*binding.Binding, error) {
	done, err := c.begin("bind")
	if err != nil {
		return nil, err
	}
	defer done()

	d = capability.NewDescriptor(d.Capability, d.Binding)

	lock := c.subjectLocks.For(subject)
	lock.RLock()
	b, replaced, err := c.authorizeAndBind(subject, d, config)
	lock.RUnlock()
	if err != nil {
		return nil, err
	}

	op := "bind"
	msg := "binding created"
	if replaced {
		op = "rebind"
		msg = "binding replaced"
	}
	c.metrics.RecordBindOp(op, 1)
	c.logger.InfoContext(ctx, msg,
		"subject", subject,
		"capability", d.Capability,
		"binding", d.Binding,
		"revision", b.Revision)
	c.refreshInventory()
	return b, nil
}

func (c *Controller) authorizeAndBind(subject string, d capability.Descriptor, config map[string]string) (*binding.Binding, bool, error) {
	if err := c.claims.Authorize(subject, d.Capability); err != nil {
		return nil, false, err
	}
	return c.table.Bind(subject, d, config)
}

// Unbind removes the binding of subject to d.
func (c *Controller) Unbind(ctx context.Context, subject string, d capability.Descriptor) error {
	done, err := c.begin("unbind")
	if err != nil {
		return err
	}
	defer done()

	d = capability.NewDescriptor(d.Capability, d.Binding)
	if _, err := c.table.Unbind(subject, d); err != nil {
		return err
	}
	c.metrics.RecordBindOp("unbind", 1)
	c.logger.InfoContext(ctx, "binding removed",
		"subject", subject,
		"capability", d.Capability,
		"binding", d.Binding)
	c.refreshInventory()
	return nil
}

// MarkReady reports the host as ready once startup configuration is applied.
func (c *Controller) MarkReady() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.ready = true
}

// Ready reports whether the host has started and is not shutting down.
func (c *Controller) Ready() bool {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	return c.ready && !c.closed
}

// Shutdown unregisters every provider, releasing its handle after draining,
// then removes every actor. Mutations after the first call fail with
// HOST_CLOSED; repeated calls return the first call's result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.lifecycle.Lock()
		c.closed = true
		c.lifecycle.Unlock()

		c.logger.InfoContext(ctx, "host shutting down",
			"actors", c.actors.Len(),
			"providers", c.providers.Len(),
			"bindings", c.table.Len())

		var errs []error
		for _, d := range c.providers.Descriptors() {
			if err := c.removeProvider(ctx, d); err != nil && !errutil.HasCode(err, errutil.CodeUnknownProvider) {
				errs = append(errs, err)
			}
		}
		for _, subject := range c.actors.Subjects() {
			if err := c.removeActor(ctx, subject); err != nil && !errutil.HasCode(err, errutil.CodeUnknownActor) {
				errs = append(errs, err)
			}
		}
		c.shutdownErr = errors.Join(errs...)
		c.logger.InfoContext(ctx, "host shut down")
	})
	return c.shutdownErr
}

func (c *Controller) refreshInventory() {
	c.metrics.SetInventory(c.actors.Len(), c.providers.Len(), c.table.Len())
}

func (c *Controller) pluginInfo(id ulid.ULID) pluginInfo {
	if v, ok := c.plugins.Load(id); ok {
		if info, ok := v.(pluginInfo); ok {
			return info
		}
	}
	return pluginInfo{}
}
