// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package actor tracks loaded actor modules by subject.
package actor

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/ident"
	"github.com/holomush/caphost/internal/shard"
	"github.com/holomush/caphost/pkg/errutil"
)

// Module is the loaded form of an actor's code, owned by the execution engine.
type Module interface {
	// Close releases the module's compiled resources.
	Close(ctx context.Context) error
}

// Actor is a registered actor. Records are immutable once registered.
type Actor struct {
	// Subject is the globally unique actor identity.
	Subject string
	// ID identifies this registration. A subject registered again after
	// removal gets a new ID.
	ID ulid.ULID
	// Module is the loaded module handle. May be nil when the execution
	// engine manages modules elsewhere.
	Module Module
	// RegisteredAt is when the actor became dispatchable.
	RegisteredAt time.Time
}

// Registry owns the set of loaded actors. It is safe for concurrent use;
// operations on different subjects only contend when they share a shard.
type Registry struct {
	actors *shard.Map[string, *Actor]
}

// NewRegistry creates an empty actor registry.
func NewRegistry() *Registry {
	return &Registry{actors: shard.NewMap[string, *Actor](shard.DefaultShards)}
}

// Register stores an actor under subject. It fails with DUPLICATE_ACTOR if the
// subject is already present.
func (r *Registry) Register(subject string, module Module) (*Actor, error) {
	if subject == "" {
		return nil, oops.Code(errutil.CodeInvalidArgument).Errorf("actor subject cannot be empty")
	}

	a := &Actor{
		Subject:      subject,
		ID:           ident.New(),
		Module:       module,
		RegisteredAt: time.Now(),
	}

	err := r.actors.Update(subject, func(existing *Actor, ok bool) (*Actor, bool, error) {
		if ok {
			return nil, false, oops.Code(errutil.CodeDuplicateActor).
				With("subject", subject).
				With("instance", existing.ID.String()).
				Errorf("actor already registered")
		}
		return a, true, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Remove deletes the actor and returns its record so the caller can cascade
// cleanup and release the module. It fails with UNKNOWN_ACTOR if absent.
func (r *Registry) Remove(subject string) (*Actor, error) {
	var removed *Actor
	err := r.actors.Update(subject, func(existing *Actor, ok bool) (*Actor, bool, error) {
		if !ok {
			return nil, false, unknownActor(subject)
		}
		removed = existing
		return nil, false, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Lookup returns the live actor for subject or UNKNOWN_ACTOR.
func (r *Registry) Lookup(subject string) (*Actor, error) {
	a, ok := r.actors.Load(subject)
	if !ok {
		return nil, unknownActor(subject)
	}
	return a, nil
}

// Has reports whether subject is registered.
func (r *Registry) Has(subject string) bool {
	_, ok := r.actors.Load(subject)
	return ok
}

// Subjects returns the registered subjects in sorted order.
func (r *Registry) Subjects() []string {
	subjects := make([]string, 0, r.actors.Len())
	r.actors.Range(func(subject string, _ *Actor) bool {
		subjects = append(subjects, subject)
		return true
	})
	slices.Sort(subjects)
	return subjects
}

// Len returns the number of registered actors.
func (r *Registry) Len() int {
	return r.actors.Len()
}

func unknownActor(subject string) error {
	return oops.Code(errutil.CodeUnknownActor).
		With("subject", subject).
		Errorf("actor not registered")
}
