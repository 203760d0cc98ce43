// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package providertest provides a recording provider for tests.
package providertest

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/holomush/caphost/internal/provider"
)

// Call is one recorded invocation.
type Call struct {
	Actor     string
	Operation string
	Payload   []byte
	Config    map[string]string
}

// Fake is a provider that records calls and answers with a configurable
// function. The zero value echoes the payload.
type Fake struct {
	// Name tags results so tests can tell instances apart.
	Name string
	// Handler overrides the default echo behaviour.
	Handler func(ctx context.Context, req provider.Request) ([]byte, error)
	// CloseErr is returned from Close.
	CloseErr error

	mu     sync.Mutex
	calls  []Call
	closed atomic.Int32
}

// New creates a fake provider tagged with name.
func New(name string) *Fake {
	return &Fake{Name: name}
}

// Invoke records the call and runs Handler, or returns Name + ":" + payload.
func (f *Fake) Invoke(ctx context.Context, req provider.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{
		Actor:     req.Actor,
		Operation: req.Operation,
		Payload:   append([]byte(nil), req.Payload...),
		Config:    maps.Clone(req.Config),
	})
	f.mu.Unlock()

	if f.Handler != nil {
		return f.Handler(ctx, req)
	}
	return append([]byte(f.Name+":"), req.Payload...), nil
}

// Close counts calls and returns CloseErr.
func (f *Fake) Close(context.Context) error {
	f.closed.Add(1)
	return f.CloseErr
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Closed returns how many times Close was called.
func (f *Fake) Closed() int {
	return int(f.closed.Load())
}

// Blocking returns a handler that signals started and then waits for release.
func Blocking(started chan<- struct{}, release <-chan struct{}) func(context.Context, provider.Request) ([]byte, error) {
	return func(_ context.Context, req provider.Request) ([]byte, error) {
		started <- struct{}{}
		<-release
		return req.Payload, nil
	}
}
