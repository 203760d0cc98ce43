// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package binding maintains the authoritative (actor, descriptor) to
// configuration mapping and enforces its referential integrity.
package binding

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/actor"
	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/internal/shard"
	"github.com/holomush/caphost/pkg/errutil"
)

// Binding associates one actor with one provider descriptor and the
// configuration that provider receives. Bindings are immutable; rebinding
// stores a new value.
type Binding struct {
	Actor      string
	Descriptor capability.Descriptor
	// Config is shared with every dispatch using this binding. Do not mutate.
	Config map[string]string
	// ActorID and ProviderID are the registrations the binding was made
	// against. Cascades only remove bindings of the instance being removed.
	ActorID    ulid.ULID
	ProviderID ulid.ULID
	BoundAt    time.Time
	// Revision counts in-place replacements, starting at 0.
	Revision uint64
}

// ActorLookup resolves live actors.
type ActorLookup interface {
	Lookup(subject string) (*actor.Actor, error)
}

// ProviderLookup resolves live provider instances.
type ProviderLookup interface {
	Resolve(d capability.Descriptor) (*provider.Instance, error)
}

type actorBindings = map[capability.Descriptor]*Binding

// Table is the binding table.
//
// Bindings are sharded by actor subject, so Resolve takes one shard read lock
// and binds for different actors rarely contend. Binds also hold a read lock
// on the descriptor's stripe, which a provider cascade takes exclusively; this
// keeps a bind from slipping in behind a cascade and leaving a binding to a
// removed provider. Lock order is always descriptor stripe, then subject shard.
type Table struct {
	actors    ActorLookup
	providers ProviderLookup
	bindings  *shard.Map[string, actorBindings]
	descLocks *shard.Stripes[capability.Descriptor]
}

// NewTable creates a binding table validating against the given registries.
func NewTable(actors ActorLookup, providers ProviderLookup) *Table {
	return &Table{
		actors:    actors,
		providers: providers,
		bindings:  shard.NewMap[string, actorBindings](shard.DefaultShards),
		descLocks: shard.NewStripes[capability.Descriptor](shard.DefaultShards),
	}
}

// Bind creates or replaces the binding for (subject, d).
//
// The actor must be registered (else UNKNOWN_ACTOR) and the descriptor must
// have a live provider (else UNKNOWN_PROVIDER); on failure the table is
// unchanged. An existing binding is replaced atomically and replaced is true.
// The configuration is copied and never interpreted.
func (t *Table) Bind(subject string, d capability.Descriptor, config map[string]string) (b *Binding, replaced bool, err error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}

	lock := t.descLocks.For(d)
	lock.RLock()
	defer lock.RUnlock()

	err = t.bindings.Update(subject, func(m actorBindings, ok bool) (actorBindings, bool, error) {
		a, err := t.actors.Lookup(subject)
		if err != nil {
			return nil, false, err
		}
		inst, err := t.providers.Resolve(d)
		if err != nil {
			return nil, false, err
		}

		cfg := maps.Clone(config)
		if cfg == nil {
			cfg = map[string]string{}
		}
		b = &Binding{
			Actor:      subject,
			Descriptor: d,
			Config:     cfg,
			ActorID:    a.ID,
			ProviderID: inst.ID(),
			BoundAt:    time.Now(),
		}

		if !ok {
			m = make(actorBindings)
		}
		if prev, exists := m[d]; exists && prev.ActorID == a.ID && prev.ProviderID == inst.ID() {
			b.Revision = prev.Revision + 1
			replaced = true
		}
		m[d] = b
		return m, true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, replaced, nil
}

// Unbind removes the binding for (subject, d) or fails with UNKNOWN_BINDING.
func (t *Table) Unbind(subject string, d capability.Descriptor) (*Binding, error) {
	var removed *Binding
	err := t.bindings.Update(subject, func(m actorBindings, ok bool) (actorBindings, bool, error) {
		if !ok {
			return nil, false, unknownBinding(subject, d)
		}
		b, exists := m[d]
		if !exists {
			return nil, false, unknownBinding(subject, d)
		}
		removed = b
		delete(m, d)
		return m, len(m) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Resolve returns the binding for (subject, d) or UNKNOWN_BINDING. This is the
// dispatch hot path: one shard read lock, no allocation on success.
func (t *Table) Resolve(subject string, d capability.Descriptor) (*Binding, error) {
	var b *Binding
	t.bindings.View(subject, func(m actorBindings, _ bool) {
		b = m[d]
	})
	if b == nil {
		return nil, unknownBinding(subject, d)
	}
	return b, nil
}

// CascadeRemoveActor removes every binding of the given actor registration
// and returns how many were removed.
func (t *Table) CascadeRemoveActor(subject string, actorID ulid.ULID) int {
	removed := 0
	_ = t.bindings.Update(subject, func(m actorBindings, ok bool) (actorBindings, bool, error) {
		if !ok {
			return nil, false, nil
		}
		for d, b := range m {
			if b.ActorID == actorID {
				delete(m, d)
				removed++
			}
		}
		return m, len(m) > 0, nil
	})
	return removed
}

// CascadeRemoveProvider removes every binding, across all actors, that
// references the given provider registration and returns how many were
// removed. Other instances of the same capability type are untouched.
func (t *Table) CascadeRemoveProvider(d capability.Descriptor, providerID ulid.ULID) int {
	lock := t.descLocks.For(d)
	lock.Lock()
	defer lock.Unlock()

	removed := 0
	t.bindings.UpdateEach(func(_ string, m actorBindings) (actorBindings, bool) {
		if b, ok := m[d]; ok && b.ProviderID == providerID {
			delete(m, d)
			removed++
		}
		return m, len(m) > 0
	})
	return removed
}

// ForActor returns the actor's bindings sorted by descriptor.
func (t *Table) ForActor(subject string) []*Binding {
	var out []*Binding
	t.bindings.View(subject, func(m actorBindings, _ bool) {
		out = slices.Collect(maps.Values(m))
	})
	sortBindings(out)
	return out
}

// All returns every binding sorted by actor then descriptor.
func (t *Table) All() []*Binding {
	var out []*Binding
	t.bindings.Range(func(_ string, m actorBindings) bool {
		for _, b := range m {
			out = append(out, b)
		}
		return true
	})
	sortBindings(out)
	return out
}

// Len returns the total number of bindings.
func (t *Table) Len() int {
	n := 0
	t.bindings.Range(func(_ string, m actorBindings) bool {
		n += len(m)
		return true
	})
	return n
}

func sortBindings(bs []*Binding) {
	slices.SortFunc(bs, func(a, b *Binding) int {
		return cmp.Or(
			cmp.Compare(a.Actor, b.Actor),
			cmp.Compare(a.Descriptor.Capability, b.Descriptor.Capability),
			cmp.Compare(a.Descriptor.Binding, b.Descriptor.Binding),
		)
	})
}

func unknownBinding(subject string, d capability.Descriptor) error {
	return oops.Code(errutil.CodeUnknownBinding).
		With("subject", subject).
		With("capability", d.Capability).
		With("binding", d.Binding).
		Errorf("actor %s is not bound to %s", subject, d)
}
