// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package dispatch routes actor capability calls to bound provider instances.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/caphost/internal/actor"
	"github.com/holomush/caphost/internal/binding"
	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/observability"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/pkg/errutil"
)

const tracerName = "github.com/holomush/caphost/internal/dispatch"

// Invocation is one capability call issued by a running actor.
type Invocation struct {
	// Actor is the calling actor's subject.
	Actor string
	// Capability is the capability type, e.g. "wascc:keyvalue".
	Capability string
	// Binding selects the provider instance. Empty means
	// capability.DefaultBindingName.
	Binding string
	// Operation selects the provider operation.
	Operation string
	// Payload is passed to the provider untouched.
	Payload []byte
}

// Descriptor returns the normalized descriptor the invocation targets.
func (inv Invocation) Descriptor() capability.Descriptor {
	return capability.NewDescriptor(inv.Capability, inv.Binding)
}

// ProviderError carries a provider-defined failure. Its message is the
// provider's message and Unwrap returns the provider's error unchanged.
type ProviderError struct {
	Descriptor capability.Descriptor
	Err        error
}

func (e *ProviderError) Error() string { return e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// ActorLookup resolves live actors.
type ActorLookup interface {
	Lookup(subject string) (*actor.Actor, error)
}

// BindingResolver resolves bindings.
type BindingResolver interface {
	Resolve(subject string, d capability.Descriptor) (*binding.Binding, error)
}

// ProviderAcquirer leases provider instances for a single call.
type ProviderAcquirer interface {
	Acquire(d capability.Descriptor) (*provider.Lease, error)
}

// Dispatcher is the single entry point for actor capability calls. It only
// reads the registries and binding table and never retries a call.
type Dispatcher struct {
	actors    ActorLookup
	bindings  BindingResolver
	providers ProviderAcquirer
	tracer    trace.Tracer
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer sets the tracer used for invoke spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithMetrics records invocation counters and latencies.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger for rejected calls.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a dispatcher over the given lookups.
func New(actors ActorLookup, bindings BindingResolver, providers ProviderAcquirer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		actors:    actors,
		bindings:  bindings,
		providers: providers,
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke routes inv to its bound provider and returns the provider's result.
//
// Errors:
//   - UNKNOWN_BINDING if the actor is not bound to the descriptor, or the
//     actor is being removed
//   - UNKNOWN_PROVIDER if the bound provider has been unregistered
//   - *ProviderError for anything the provider itself returns
//
// Locks are held only while resolving; the provider call runs unlocked and
// keeps its instance alive through a lease.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	desc := inv.Descriptor()

	ctx, span := d.tracer.Start(ctx, "dispatch.Invoke",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("actor.subject", inv.Actor),
			attribute.String("capability.type", desc.Capability),
			attribute.String("capability.binding", desc.Binding),
			attribute.String("capability.operation", inv.Operation),
		))
	defer span.End()

	start := time.Now()
	out, err := d.invoke(ctx, inv, desc)
	d.observe(ctx, span, desc, start, err)
	return out, err
}

func (d *Dispatcher) invoke(ctx context.Context, inv Invocation, desc capability.Descriptor) ([]byte, error) {
	b, err := d.bindings.Resolve(inv.Actor, desc)
	if err != nil {
		return nil, err
	}

	// A binding whose actor registration is gone is awaiting cascade removal.
	if a, err := d.actors.Lookup(inv.Actor); err != nil || a.ID != b.ActorID {
		return nil, oops.Code(errutil.CodeUnknownBinding).
			With("subject", inv.Actor).
			With("capability", desc.Capability).
			With("binding", desc.Binding).
			Errorf("actor %s is being removed", inv.Actor)
	}

	lease, err := d.providers.Acquire(desc)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if lease.ID() != b.ProviderID {
		return nil, oops.Code(errutil.CodeUnknownProvider).
			With("capability", desc.Capability).
			With("binding", desc.Binding).
			Errorf("provider bound to %s was unregistered", desc)
	}

	out, err := lease.Invoke(ctx, provider.Request{
		Actor:      inv.Actor,
		Descriptor: desc,
		Operation:  inv.Operation,
		Payload:    inv.Payload,
		Config:     b.Config,
	})
	if err != nil {
		return nil, &ProviderError{Descriptor: desc, Err: err}
	}
	return out, nil
}

func (d *Dispatcher) observe(ctx context.Context, span trace.Span, desc capability.Descriptor, start time.Time, err error) {
	status := Status(err)
	if d.metrics != nil {
		d.metrics.InvocationsTotal.WithLabelValues(desc.Capability, desc.Binding, status).Inc()
		d.metrics.InvocationDuration.WithLabelValues(desc.Capability).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	errutil.LogLevel(ctx, d.logger, slog.LevelDebug, "capability call failed", err)
}

// Status classifies an Invoke error for metrics: "ok", "provider_error", or
// the lowercased host error code.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return "provider_error"
	}
	if code := errutil.Code(err); code != "" {
		return strings.ToLower(code)
	}
	return "error"
}
