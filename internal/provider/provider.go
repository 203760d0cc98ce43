// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package provider owns loaded capability provider instances and defines the
// contract a provider handle must satisfy.
package provider

import (
	"context"

	"github.com/holomush/caphost/internal/capability"
)

// Request is one capability call routed to a provider.
type Request struct {
	// Actor is the calling actor's subject.
	Actor string
	// Descriptor is the provider instance being invoked.
	Descriptor capability.Descriptor
	// Operation selects the provider operation, e.g. "Get".
	Operation string
	// Payload is opaque to the host.
	Payload []byte
	// Config is the binding configuration for (Actor, Descriptor). Providers
	// must treat it as read-only; it is shared with concurrent calls.
	Config map[string]string
}

// Provider is a loaded capability provider handle.
//
// Invoke may block for as long as the provider needs. Timeouts for a stuck
// call belong to the provider, not the host. Close is called exactly once,
// after every in-flight Invoke has returned.
type Provider interface {
	Invoke(ctx context.Context, req Request) ([]byte, error)
	Close(ctx context.Context) error
}

// Loaded is the result of loading a provider plugin.
type Loaded struct {
	// Capability is the capability type the provider implements.
	Capability string
	// Name and Version describe the plugin, for logs and status output.
	Name    string
	Version string
	// Provider is the invocation handle.
	Provider Provider
}

// Loader produces a provider handle, typically by starting a native plugin.
// Load failures are reported to the registering caller and never retried.
type Loader interface {
	Load(ctx context.Context) (Loaded, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (Loaded, error)

// Load calls f(ctx).
func (f LoaderFunc) Load(ctx context.Context) (Loaded, error) {
	return f(ctx)
}
