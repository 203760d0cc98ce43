// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package provider

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/ident"
	"github.com/holomush/caphost/internal/shard"
	"github.com/holomush/caphost/pkg/errutil"
)

// Instance is a registered provider bound to exactly one descriptor.
type Instance struct {
	id           ulid.ULID
	descriptor   capability.Descriptor
	provider     Provider
	registeredAt time.Time

	mu       sync.Mutex
	inflight int
	closing  bool
	drained  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// ID identifies this registration of the descriptor.
func (i *Instance) ID() ulid.ULID { return i.id }

// Descriptor returns the descriptor the instance is registered under.
func (i *Instance) Descriptor() capability.Descriptor { return i.descriptor }

// RegisteredAt returns when the instance was registered.
func (i *Instance) RegisteredAt() time.Time { return i.registeredAt }

// InFlight returns the number of outstanding leases.
func (i *Instance) InFlight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight
}

func (i *Instance) acquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closing {
		return false
	}
	i.inflight++
	return true
}

func (i *Instance) release() {
	i.mu.Lock()
	i.inflight--
	done := i.closing && i.inflight == 0
	i.mu.Unlock()
	if done {
		close(i.drained)
	}
}

// beginClose stops new leases. drained is closed once no lease is outstanding.
func (i *Instance) beginClose() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closing = true
	if i.inflight == 0 {
		close(i.drained)
	}
}

// close releases the provider handle exactly once.
func (i *Instance) close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeErr = i.provider.Close(ctx)
	})
	return i.closeErr
}

// Lease pins an instance for the duration of one invocation. The instance's
// handle is not closed while any lease is outstanding.
type Lease struct {
	inst     *Instance
	released atomic.Bool
}

// ID returns the leased instance's registration ID.
func (l *Lease) ID() ulid.ULID { return l.inst.id }

// Descriptor returns the leased instance's descriptor.
func (l *Lease) Descriptor() capability.Descriptor { return l.inst.descriptor }

// Invoke calls the provider. No registry lock is held during the call.
func (l *Lease) Invoke(ctx context.Context, req Request) ([]byte, error) {
	//nolint:wrapcheck // provider errors are surfaced verbatim
	return l.inst.provider.Invoke(ctx, req)
}

// Release returns the lease. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.inst.release()
	}
}

// Registry owns loaded provider instances keyed by descriptor.
type Registry struct {
	instances *shard.Map[capability.Descriptor, *Instance]
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		instances: shard.NewMap[capability.Descriptor, *Instance](shard.DefaultShards),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a provider under (capabilityType, bindingName). An empty
// binding name becomes capability.DefaultBindingName. It fails with
// DUPLICATE_PROVIDER if the descriptor already has a live instance; the
// caller keeps ownership of p in that case.
func (r *Registry) Register(capabilityType, bindingName string, p Provider) (*Instance, error) {
	d := capability.NewDescriptor(capabilityType, bindingName)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, oops.Code(errutil.CodeInvalidArgument).
			With("descriptor", d.String()).
			Errorf("provider handle cannot be nil")
	}

	inst := &Instance{
		id:           ident.New(),
		descriptor:   d,
		provider:     p,
		registeredAt: time.Now(),
		drained:      make(chan struct{}),
	}

	err := r.instances.Update(d, func(existing *Instance, ok bool) (*Instance, bool, error) {
		if ok {
			return nil, false, oops.Code(errutil.CodeDuplicateProvider).
				With("capability", d.Capability).
				With("binding", d.Binding).
				With("instance", existing.id.String()).
				Errorf("provider already registered for %s", d)
		}
		return inst, true, nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Unregister removes the instance for d and releases its handle.
//
// The descriptor stops resolving immediately. Unregister then waits for
// in-flight leases to drain and closes the handle. If ctx ends first, the
// close is deferred to the last lease's release and Unregister returns
// without error; the handle is still closed exactly once. Concurrent calls
// for the same descriptor: the first wins, the rest fail with UNKNOWN_PROVIDER.
func (r *Registry) Unregister(ctx context.Context, d capability.Descriptor) (*Instance, error) {
	var inst *Instance
	err := r.instances.Update(d, func(existing *Instance, ok bool) (*Instance, bool, error) {
		if !ok {
			return nil, false, unknownProvider(d)
		}
		inst = existing
		return nil, false, nil
	})
	if err != nil {
		return nil, err
	}

	inst.beginClose()

	select {
	case <-inst.drained:
		r.closeInstance(ctx, inst)
		return inst, nil
	default:
	}

	select {
	case <-inst.drained:
		r.closeInstance(ctx, inst)
	case <-ctx.Done():
		r.logger.Warn("provider drain deadline exceeded, deferring release",
			"capability", d.Capability,
			"binding", d.Binding,
			"in_flight", inst.InFlight())
		go func() {
			<-inst.drained
			r.closeInstance(context.WithoutCancel(ctx), inst)
		}()
	}
	return inst, nil
}

func (r *Registry) closeInstance(ctx context.Context, inst *Instance) {
	if err := inst.close(ctx); err != nil {
		r.logger.Warn("provider close failed",
			"capability", inst.descriptor.Capability,
			"binding", inst.descriptor.Binding,
			"error", err)
	}
}

// Resolve returns the live instance for d or UNKNOWN_PROVIDER.
func (r *Registry) Resolve(d capability.Descriptor) (*Instance, error) {
	inst, ok := r.instances.Load(d)
	if !ok {
		return nil, unknownProvider(d)
	}
	return inst, nil
}

// Acquire resolves d and pins the instance for one invocation. The caller
// must Release the lease when the invocation returns.
func (r *Registry) Acquire(d capability.Descriptor) (*Lease, error) {
	var lease *Lease
	r.instances.View(d, func(inst *Instance, ok bool) {
		if ok && inst.acquire() {
			lease = &Lease{inst: inst}
		}
	})
	if lease == nil {
		return nil, unknownProvider(d)
	}
	return lease, nil
}

// Descriptors returns all registered descriptors sorted by capability then
// binding name.
func (r *Registry) Descriptors() []capability.Descriptor {
	out := make([]capability.Descriptor, 0, r.instances.Len())
	r.instances.Range(func(d capability.Descriptor, _ *Instance) bool {
		out = append(out, d)
		return true
	})
	slices.SortFunc(out, func(a, b capability.Descriptor) int {
		return cmp.Or(cmp.Compare(a.Capability, b.Capability), cmp.Compare(a.Binding, b.Binding))
	})
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	return r.instances.Len()
}

func unknownProvider(d capability.Descriptor) error {
	return oops.Code(errutil.CodeUnknownProvider).
		With("capability", d.Capability).
		With("binding", d.Binding).
		Errorf("no provider registered for %s", d)
}
