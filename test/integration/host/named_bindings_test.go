// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package host_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/dispatch"
	"github.com/holomush/caphost/internal/host"
	"github.com/holomush/caphost/internal/plugin"
	pluginlua "github.com/holomush/caphost/internal/plugin/lua"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/internal/provider/providertest"
	"github.com/holomush/caphost/internal/wasm"
	"github.com/holomush/caphost/pkg/errutil"
)

const kv = "wascc:keyvalue"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// hostCall runs one request through the actor-facing JSON ABI.
func hostCall(h *host.Controller, subject string, req wasm.HostCallRequest) wasm.HostCallResponse {
	raw, err := json.Marshal(req)
	Expect(err).NotTo(HaveOccurred())
	var resp wasm.HostCallResponse
	Expect(json.Unmarshal(wasm.Handle(context.Background(), h, subject, raw), &resp)).To(Succeed())
	return resp
}

var _ = Describe("Named bindings", func() {
	var (
		ctx     context.Context
		h       *host.Controller
		source1 *providertest.Fake
		source2 *providertest.Fake
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = host.New(host.WithLogger(quiet))
		source1 = providertest.New("redis-0")
		source2 = providertest.New("redis-1")

		_, err := h.AddProvider(ctx, kv, "source1", source1)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.AddProvider(ctx, kv, "source2", source2)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.AddActor(ctx, "MX", nil, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = h.Bind(ctx, "MX", capability.NewDescriptor(kv, "source1"), map[string]string{"URL": "redis://127.0.0.1:6379/0"})
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Bind(ctx, "MX", capability.NewDescriptor(kv, "source2"), map[string]string{"URL": "redis://127.0.0.1:6379/1"})
		Expect(err).NotTo(HaveOccurred())
		h.MarkReady()
	})

	AfterEach(func() {
		Expect(h.Shutdown(ctx)).To(Succeed())
	})

	It("routes each call to the bound instance with its own config", func() {
		resp := hostCall(h, "MX", wasm.HostCallRequest{Capability: kv, Binding: "source1", Operation: "Get", Payload: []byte("k")})
		Expect(resp.Error).To(BeNil())
		Expect(string(resp.Payload)).To(Equal("redis-0:k"))

		resp = hostCall(h, "MX", wasm.HostCallRequest{Capability: kv, Binding: "source2", Operation: "Get", Payload: []byte("k")})
		Expect(resp.Error).To(BeNil())
		Expect(string(resp.Payload)).To(Equal("redis-1:k"))

		Expect(source1.Calls()).To(HaveLen(1))
		Expect(source1.Calls()[0].Config).To(HaveKeyWithValue("URL", "redis://127.0.0.1:6379/0"))
		Expect(source2.Calls()).To(HaveLen(1))
		Expect(source2.Calls()[0].Config).To(HaveKeyWithValue("URL", "redis://127.0.0.1:6379/1"))
	})

	It("reports an unbound default instance as UNKNOWN_BINDING", func() {
		resp := hostCall(h, "MX", wasm.HostCallRequest{Capability: kv, Operation: "Get"})
		Expect(resp.Error).NotTo(BeNil())
		Expect(resp.Error.Code).To(Equal(errutil.CodeUnknownBinding))
		Expect(source1.Calls()).To(BeEmpty())
		Expect(source2.Calls()).To(BeEmpty())
	})

	It("surfaces provider errors verbatim", func() {
		source2.Handler = func(context.Context, provider.Request) ([]byte, error) {
			return nil, errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		resp := hostCall(h, "MX", wasm.HostCallRequest{Capability: kv, Binding: "source2", Operation: "Get"})
		Expect(resp.Error).NotTo(BeNil())
		Expect(resp.Error.Code).To(Equal(wasm.CodeProviderError))
		Expect(resp.Error.Message).To(Equal("WRONGTYPE Operation against a key holding the wrong kind of value"))
		Expect(source2.Calls()).To(HaveLen(1))
	})

	It("removes only the removed instance's bindings", func() {
		Expect(h.RemoveProvider(ctx, capability.NewDescriptor(kv, "source1"))).To(Succeed())
		Expect(source1.Closed()).To(Equal(1))

		_, bound := h.Lookup("MX", capability.NewDescriptor(kv, "source1"))
		Expect(bound).To(BeFalse())
		_, bound = h.Lookup("MX", capability.NewDescriptor(kv, "source2"))
		Expect(bound).To(BeTrue())

		resp := hostCall(h, "MX", wasm.HostCallRequest{Capability: kv, Binding: "source2", Operation: "Get"})
		Expect(resp.Error).To(BeNil())
	})
})

var _ = Describe("Shared provider", func() {
	It("serves many actors with per-actor config and survives actor removal", func() {
		ctx := context.Background()
		h := host.New(host.WithLogger(quiet))
		defer func() { Expect(h.Shutdown(ctx)).To(Succeed()) }()

		shared := providertest.New("kv")
		_, err := h.AddProvider(ctx, kv, "", shared)
		Expect(err).NotTo(HaveOccurred())

		subjects := []string{"MA", "MB", "MC"}
		for _, s := range subjects {
			_, err := h.AddActor(ctx, s, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = h.Bind(ctx, s, capability.NewDescriptor(kv, ""), map[string]string{"owner": s})
			Expect(err).NotTo(HaveOccurred())
		}

		var wg sync.WaitGroup
		for _, s := range subjects {
			for range 10 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := h.Invoke(ctx, dispatch.Invocation{Actor: s, Capability: kv, Operation: "Get"})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
		}
		wg.Wait()
		for _, c := range shared.Calls() {
			Expect(c.Config["owner"]).To(Equal(c.Actor))
		}

		Expect(h.RemoveActor(ctx, "MB")).To(Succeed())
		Expect(shared.Closed()).To(BeZero())
		_, err = h.Invoke(ctx, dispatch.Invocation{Actor: "MA", Capability: kv})
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Invoke(ctx, dispatch.Invocation{Actor: "MB", Capability: kv})
		Expect(errutil.HasCode(err, errutil.CodeUnknownBinding)).To(BeTrue())
	})
})

var _ = Describe("Scripted providers", func() {
	It("loads a Lua plugin through discovery and dispatches to it", func() {
		ctx := context.Background()
		dir := GinkgoT().TempDir()
		pluginDir := filepath.Join(dir, "text")
		Expect(os.MkdirAll(pluginDir, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pluginDir, plugin.ManifestFile), []byte(`name: text
version: 0.1.0
capability: example:text
type: lua
lua-plugin:
  entry: main.lua
`), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte(`
function invoke(req)
  if req.operation ~= "Upper" then
    return nil, "unknown operation: " .. req.operation
  end
  return (req.config.prefix or "") .. string.upper(req.payload)
end
`), 0o600)).To(Succeed())

		mgr := plugin.NewManager(dir,
			plugin.WithLogger(quiet),
			plugin.WithRuntime(plugin.TypeLua, pluginlua.NewRuntime(pluginlua.WithLogger(quiet))))
		loader, err := mgr.Loader(ctx, "text")
		Expect(err).NotTo(HaveOccurred())

		h := host.New(host.WithLogger(quiet))
		defer func() { Expect(h.Shutdown(ctx)).To(Succeed()) }()
		d, err := h.LoadProvider(ctx, "", loader)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(capability.NewDescriptor("example:text", "")))

		_, err = h.AddActor(ctx, "MX", nil, []string{"example:*"})
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Bind(ctx, "MX", d, map[string]string{"prefix": ">"})
		Expect(err).NotTo(HaveOccurred())

		resp := hostCall(h, "MX", wasm.HostCallRequest{Capability: "example:text", Operation: "Upper", Payload: []byte("hello")})
		Expect(resp.Error).To(BeNil())
		Expect(string(resp.Payload)).To(Equal(">HELLO"))

		resp = hostCall(h, "MX", wasm.HostCallRequest{Capability: "example:text", Operation: "Lower"})
		Expect(resp.Error).NotTo(BeNil())
		Expect(resp.Error.Message).To(Equal("unknown operation: Lower"))

		Expect(h.Providers()).To(ConsistOf(HaveField("Plugin", "text")))
	})
})
