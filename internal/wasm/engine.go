// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package wasm compiles actor modules with wazero and bridges their
// capability calls to the dispatcher.
package wasm

import (
	"context"
	"encoding/hex"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/crypto/blake2b"

	"github.com/holomush/caphost/internal/dispatch"
	"github.com/holomush/caphost/pkg/errutil"
)

// HostModuleName is the import module actors use for host calls.
const HostModuleName = "caphost"

// Invoker dispatches capability calls. *dispatch.Dispatcher satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, inv dispatch.Invocation) ([]byte, error)
}

// Engine owns the wazero runtime shared by every actor module.
type Engine struct {
	runtime wazero.Runtime
	invoker Invoker
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a runtime and instantiates the caphost host module whose
// host_call function routes through invoker.
func NewEngine(ctx context.Context, invoker Invoker, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		runtime: wazero.NewRuntime(ctx),
		invoker: invoker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	_, err := e.runtime.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostCall),
			[]api.ValueType{api.ValueTypeI64},
			[]api.ValueType{api.ValueTypeI64}).
		Export("host_call").
		Instantiate(ctx)
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, oops.In("wasm").Wrapf(err, "instantiate host module")
	}
	return e, nil
}

// Compile validates and compiles an actor's module bytes. Invalid modules
// fail with LOAD_FAILURE.
func (e *Engine) Compile(ctx context.Context, subject string, wasm []byte) (*Module, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, oops.Code(errutil.CodeHostClosed).In("wasm").Errorf("engine is closed")
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, oops.Code(errutil.CodeLoadFailure).
			In("wasm").
			With("subject", subject).
			With("size", len(wasm)).
			Wrapf(err, "compile actor module")
	}

	sum := blake2b.Sum256(wasm)
	m := &Module{
		subject:  subject,
		engine:   e,
		compiled: compiled,
		digest:   hex.EncodeToString(sum[:]),
		size:     len(wasm),
	}
	e.logger.DebugContext(ctx, "actor module compiled",
		"subject", subject,
		"digest", m.digest,
		"size", m.size)
	return m, nil
}

// Close releases the runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return oops.In("wasm").Wrap(e.runtime.Close(ctx))
}

// Module is a compiled actor module. It satisfies actor.Module.
type Module struct {
	subject  string
	engine   *Engine
	compiled wazero.CompiledModule
	digest   string
	size     int

	closeOnce sync.Once
	closeErr  error
}

// Digest is the hex BLAKE2b-256 digest of the module bytes.
func (m *Module) Digest() string { return m.digest }

// Size is the module length in bytes.
func (m *Module) Size() int { return m.size }

// Exports lists the module's exported function names, sorted.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Call runs an exported function in a fresh instance of the module. Host
// calls made during the run are issued as the module's actor.
func (m *Module) Call(ctx context.Context, function string, args ...uint64) ([]uint64, error) {
	return m.call(ctx, function, nil, args...)
}

// call runs function like Call. inspect, if set, sees the instance and the
// results after a successful return and before the instance is closed.
func (m *Module) call(ctx context.Context, function string, inspect func(inst api.Module, results []uint64), args ...uint64) ([]uint64, error) {
	ctx = withActor(ctx, m.subject)
	inst, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, oops.In("wasm").With("subject", m.subject).Wrapf(err, "instantiate actor module")
	}
	defer func() { _ = inst.Close(ctx) }()

	fn := inst.ExportedFunction(function)
	if fn == nil {
		return nil, oops.Code(errutil.CodeInvalidArgument).
			In("wasm").
			With("subject", m.subject).
			With("function", function).
			Errorf("function %s not exported", function)
	}
	out, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, oops.In("wasm").With("subject", m.subject).With("function", function).Wrap(err)
	}
	if inspect != nil {
		inspect(inst, out)
	}
	return out, nil
}

// Close releases the compiled module. Later calls are no-ops.
func (m *Module) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.compiled.Close(ctx)
	})
	return m.closeErr
}
