// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/holomush/caphost/internal/plugin"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/pkg/errutil"
)

// EntryFunction is the global every Lua provider script must define:
//
//	function invoke(req)
//	  -- req.actor, req.capability, req.binding, req.operation,
//	  -- req.payload (string), req.config (table)
//	  return payload        -- or: return nil, "error message"
//	end
const EntryFunction = "invoke"

// Compile-time interface checks.
var (
	_ plugin.Runtime    = (*Runtime)(nil)
	_ provider.Provider = (*Provider)(nil)
)

// Runtime builds loaders for Lua provider scripts.
type Runtime struct {
	factory *StateFactory
	logger  *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger scripts write to through caphost.log.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRuntime creates a Lua provider runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{factory: NewStateFactory(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loader returns a loader that compiles the manifest's entry script.
func (r *Runtime) Loader(manifest *plugin.Manifest, dir string) (provider.Loader, error) {
	if manifest.LuaPlugin == nil {
		return nil, oops.Code(errutil.CodeLoadFailure).
			In("lua").
			With("plugin", manifest.Name).
			Errorf("plugin %s is not a lua plugin", manifest.Name)
	}
	m := *manifest
	path := filepath.Join(dir, manifest.LuaPlugin.Entry)
	return provider.LoaderFunc(func(ctx context.Context) (provider.Loaded, error) {
		p, err := r.compile(ctx, m.Name, path)
		if err != nil {
			return provider.Loaded{}, err
		}
		return provider.Loaded{
			Capability: m.Capability,
			Name:       m.Name,
			Version:    m.Version,
			Provider:   p,
		}, nil
	}), nil
}

// compile parses the script once and checks that it defines the entry
// function. Each Invoke runs the compiled chunk in a fresh state.
func (r *Runtime) compile(ctx context.Context, name, path string) (*Provider, error) {
	errb := oops.Code(errutil.CodeLoadFailure).In("lua").With("plugin", name).With("path", path)

	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errb.Wrapf(err, "read entry file")
	}
	chunk, err := parse.Parse(bytes.NewReader(code), path)
	if err != nil {
		return nil, errb.Wrapf(err, "syntax error")
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, errb.Wrapf(err, "compile")
	}

	p := &Provider{name: name, proto: proto, factory: r.factory, logger: r.logger.With("plugin", name)}

	L, err := p.prepare(ctx)
	if err != nil {
		return nil, errb.Wrap(err)
	}
	defer L.Close()
	if L.GetGlobal(EntryFunction).Type() != lua.LTFunction {
		return nil, errb.Errorf("script does not define %s(req)", EntryFunction)
	}
	return p, nil
}

// Provider is a loaded Lua provider. It holds no per-call state and is safe
// for concurrent use.
type Provider struct {
	name    string
	proto   *lua.FunctionProto
	factory *StateFactory
	logger  *slog.Logger
}

// prepare returns a state with the host API registered and the script's
// top-level chunk executed.
func (p *Provider) prepare(ctx context.Context) (*lua.LState, error) {
	L, err := p.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	p.registerHostAPI(L)
	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, oops.In("lua").With("plugin", p.name).Wrapf(err, "run script")
	}
	return L, nil
}

// Invoke calls the script's invoke(req) in a fresh state. A second return
// value from the script is the provider error message.
func (p *Provider) Invoke(ctx context.Context, req provider.Request) ([]byte, error) {
	L, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(EntryFunction),
		NRet:    2,
		Protect: true,
	}, requestTable(L, req)); err != nil {
		return nil, oops.In("lua").
			With("plugin", p.name).
			With("operation", req.Operation).
			Wrapf(err, "%s", EntryFunction)
	}
	result, errVal := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if errVal != lua.LNil {
		return nil, errors.New(errVal.String())
	}
	switch v := result.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		return []byte(v), nil
	default:
		return nil, oops.In("lua").
			With("plugin", p.name).
			Errorf("%s returned %s, want string or nil", EntryFunction, result.Type())
	}
}

// Close releases nothing; every state is closed after its call.
func (p *Provider) Close(context.Context) error {
	return nil
}

func requestTable(L *lua.LState, req provider.Request) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "actor", lua.LString(req.Actor))
	L.SetField(t, "capability", lua.LString(req.Descriptor.Capability))
	L.SetField(t, "binding", lua.LString(req.Descriptor.Binding))
	L.SetField(t, "operation", lua.LString(req.Operation))
	L.SetField(t, "payload", lua.LString(req.Payload))
	cfg := L.NewTable()
	for k, v := range req.Config {
		L.SetField(cfg, k, lua.LString(v))
	}
	L.SetField(t, "config", cfg)
	return t
}

// registerHostAPI installs the caphost table: caphost.log(level, msg).
func (p *Provider) registerHostAPI(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			lvl = slog.LevelInfo
		}
		p.logger.Log(L.Context(), lvl, msg)
		return 0
	}))
	L.SetGlobal("caphost", mod)
}
