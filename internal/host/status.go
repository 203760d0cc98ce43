// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package host

import (
	"time"

	"github.com/holomush/caphost/internal/binding"
	"github.com/holomush/caphost/internal/capability"
)

// ActorStatus describes a registered actor.
type ActorStatus struct {
	Subject      string    `json:"subject"`
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registered_at"`
	Claims       []string  `json:"claims,omitempty"`
	Bindings     int       `json:"bindings"`
}

// ProviderStatus describes a registered provider instance.
type ProviderStatus struct {
	Capability   string    `json:"capability"`
	Binding      string    `json:"binding"`
	ID           string    `json:"id"`
	Plugin       string    `json:"plugin,omitempty"`
	Version      string    `json:"version,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	InFlight     int       `json:"in_flight"`
}

// RedactedValue replaces binding config values in redacted status views.
const RedactedValue = "<redacted>"

// BindingStatus describes one binding. Config values are included as stored;
// use Redact before showing it to anyone who should not see credentials.
type BindingStatus struct {
	Actor      string            `json:"actor"`
	Capability string            `json:"capability"`
	Binding    string            `json:"binding"`
	Config     map[string]string `json:"config"`
	Revision   uint64            `json:"revision"`
	BoundAt    time.Time         `json:"bound_at"`
}

// Status is a point-in-time view of the host.
type Status struct {
	Ready     bool             `json:"ready"`
	Actors    []ActorStatus    `json:"actors"`
	Providers []ProviderStatus `json:"providers"`
	Bindings  []BindingStatus  `json:"bindings"`
}

// Actors returns the registered actors sorted by subject. Actors removed
// while the snapshot is taken are omitted.
func (c *Controller) Actors() []ActorStatus {
	subjects := c.actors.Subjects()
	out := make([]ActorStatus, 0, len(subjects))
	for _, s := range subjects {
		a, err := c.actors.Lookup(s)
		if err != nil {
			continue
		}
		out = append(out, ActorStatus{
			Subject:      a.Subject,
			ID:           a.ID.String(),
			RegisteredAt: a.RegisteredAt,
			Claims:       c.claims.Claims(s),
			Bindings:     len(c.table.ForActor(s)),
		})
	}
	return out
}

// Providers returns the registered provider instances sorted by descriptor.
func (c *Controller) Providers() []ProviderStatus {
	descs := c.providers.Descriptors()
	out := make([]ProviderStatus, 0, len(descs))
	for _, d := range descs {
		inst, err := c.providers.Resolve(d)
		if err != nil {
			continue
		}
		info := c.pluginInfo(inst.ID())
		out = append(out, ProviderStatus{
			Capability:   d.Capability,
			Binding:      d.Binding,
			ID:           inst.ID().String(),
			Plugin:       info.name,
			Version:      info.version,
			RegisteredAt: inst.RegisteredAt(),
			InFlight:     inst.InFlight(),
		})
	}
	return out
}

// Bindings returns every binding sorted by actor then descriptor.
func (c *Controller) Bindings() []BindingStatus {
	all := c.table.All()
	out := make([]BindingStatus, 0, len(all))
	for _, b := range all {
		out = append(out, DescribeBinding(b))
	}
	return out
}

// Lookup returns the binding status for (subject, d), if bound.
func (c *Controller) Lookup(subject string, d capability.Descriptor) (BindingStatus, bool) {
	b, err := c.table.Resolve(subject, capability.NewDescriptor(d.Capability, d.Binding))
	if err != nil {
		return BindingStatus{}, false
	}
	return DescribeBinding(b), true
}

// DescribeBinding converts a binding to its status view.
func DescribeBinding(b *binding.Binding) BindingStatus {
	return BindingStatus{
		Actor:      b.Actor,
		Capability: b.Descriptor.Capability,
		Binding:    b.Descriptor.Binding,
		Config:     b.Config,
		Revision:   b.Revision,
		BoundAt:    b.BoundAt,
	}
}

// Redact returns a copy of b whose config keeps its keys but not its values.
func (b BindingStatus) Redact() BindingStatus {
	if len(b.Config) == 0 {
		return b
	}
	cfg := make(map[string]string, len(b.Config))
	for k := range b.Config {
		cfg[k] = RedactedValue
	}
	b.Config = cfg
	return b
}

// Redact returns a copy of s with every binding config redacted.
func (s Status) Redact() Status {
	bindings := make([]BindingStatus, len(s.Bindings))
	for i, b := range s.Bindings {
		bindings[i] = b.Redact()
	}
	s.Bindings = bindings
	return s
}

// Status returns a full snapshot of the host.
func (c *Controller) Status() Status {
	return Status{
		Ready:     c.Ready(),
		Actors:    c.Actors(),
		Providers: c.Providers(),
		Bindings:  c.Bindings(),
	}
}
