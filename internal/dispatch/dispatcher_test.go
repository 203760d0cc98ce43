// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"

	"github.com/holomush/caphost/internal/actor"
	"github.com/holomush/caphost/internal/binding"
	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/dispatch"
	"github.com/holomush/caphost/internal/observability"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/internal/provider/providertest"
	"github.com/holomush/caphost/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const kv = "wascc:keyvalue"

type env struct {
	actors    *actor.Registry
	providers *provider.Registry
	table     *binding.Table
	metrics   *observability.Metrics
	d         *dispatch.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		actors:    actor.NewRegistry(),
		providers: provider.NewRegistry(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	e.table = binding.NewTable(e.actors, e.providers)
	e.d = dispatch.New(e.actors, e.table, e.providers,
		dispatch.WithMetrics(e.metrics),
		dispatch.WithTracer(noop.NewTracerProvider().Tracer("test")))
	return e
}

func (e *env) actor(t *testing.T, subject string) {
	t.Helper()
	_, err := e.actors.Register(subject, nil)
	require.NoError(t, err)
}

func (e *env) provider(t *testing.T, capType, name string, p provider.Provider) {
	t.Helper()
	_, err := e.providers.Register(capType, name, p)
	require.NoError(t, err)
}

func (e *env) bind(t *testing.T, subject, capType, name string, cfg map[string]string) {
	t.Helper()
	_, _, err := e.table.Bind(subject, capability.NewDescriptor(capType, name), cfg)
	require.NoError(t, err)
}

func TestDispatcher_RoutesNamedBindingsWithoutCrossing(t *testing.T) {
	e := newEnv(t)
	src1 := providertest.New("p1")
	src2 := providertest.New("p2")
	e.actor(t, "MX")
	e.provider(t, kv, "source1", src1)
	e.provider(t, kv, "source2", src2)
	e.bind(t, "MX", kv, "source1", map[string]string{"URL": "db0"})
	e.bind(t, "MX", kv, "source2", map[string]string{"URL": "db1"})

	out, err := e.d.Invoke(context.Background(), dispatch.Invocation{
		Actor: "MX", Capability: kv, Binding: "source1", Operation: "Get", Payload: []byte("k"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p1:k"), out)

	out, err = e.d.Invoke(context.Background(), dispatch.Invocation{
		Actor: "MX", Capability: kv, Binding: "source2", Operation: "Get", Payload: []byte("k"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p2:k"), out)

	require.Len(t, src1.Calls(), 1)
	require.Len(t, src2.Calls(), 1)
	assert.Equal(t, "db0", src1.Calls()[0].Config["URL"])
	assert.Equal(t, "db1", src2.Calls()[0].Config["URL"])
	assert.Equal(t, "Get", src1.Calls()[0].Operation)
	assert.Equal(t, "MX", src1.Calls()[0].Actor)
}

func TestDispatcher_EmptyBindingMeansDefault(t *testing.T) {
	e := newEnv(t)
	e.actor(t, "MX")
	e.provider(t, "wascc:http_server", capability.DefaultBindingName, providertest.New("http"))
	e.bind(t, "MX", "wascc:http_server", "", map[string]string{"PORT": "8080"})

	out, err := e.d.Invoke(context.Background(), dispatch.Invocation{
		Actor: "MX", Capability: "wascc:http_server", Operation: "Respond", Payload: []byte("r"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("http:r"), out)
}

func TestDispatcher_UnboundHasNoSideEffects(t *testing.T) {
	e := newEnv(t)
	p := providertest.New("p")
	e.actor(t, "MX")
	e.provider(t, kv, "", p)

	_, err := e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv, Operation: "Get"})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownBinding)

	assert.Empty(t, p.Calls())
	assert.Equal(t, 0, e.table.Len())
	assert.Equal(t, 1, e.actors.Len())
	assert.Equal(t, 1, e.providers.Len())
}

func TestDispatcher_UnknownActor(t *testing.T) {
	e := newEnv(t)
	_, err := e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MNOBODY", Capability: kv})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownBinding)
}

func TestDispatcher_ProviderErrorSurfacedVerbatim(t *testing.T) {
	e := newEnv(t)
	boom := errors.New("key not found: k")
	p := providertest.New("p")
	p.Handler = func(context.Context, provider.Request) ([]byte, error) { return nil, boom }
	e.actor(t, "MX")
	e.provider(t, kv, "", p)
	e.bind(t, "MX", kv, "", nil)

	_, err := e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv, Operation: "Get"})
	require.Error(t, err)

	var perr *dispatch.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "key not found: k", err.Error())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, capability.NewDescriptor(kv, ""), perr.Descriptor)
	assert.Len(t, p.Calls(), 1, "provider errors are not retried")
}

func TestDispatcher_ActorRemovedBeforeCascade(t *testing.T) {
	e := newEnv(t)
	p := providertest.New("p")
	e.actor(t, "MX")
	e.provider(t, kv, "", p)
	e.bind(t, "MX", kv, "", nil)

	_, err := e.actors.Remove("MX")
	require.NoError(t, err)

	_, err = e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownBinding)
	assert.Empty(t, p.Calls())
}

func TestDispatcher_StaleBindingToReregisteredActor(t *testing.T) {
	e := newEnv(t)
	p := providertest.New("p")
	e.actor(t, "MX")
	e.provider(t, kv, "", p)
	e.bind(t, "MX", kv, "", nil)

	// Re-registration without a cascade leaves the old binding pointing at
	// the previous registration.
	_, err := e.actors.Remove("MX")
	require.NoError(t, err)
	e.actor(t, "MX")

	_, err = e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownBinding)
	assert.Empty(t, p.Calls())
}

func TestDispatcher_ProviderRemovedBeforeCascade(t *testing.T) {
	e := newEnv(t)
	e.actor(t, "MX")
	e.provider(t, kv, "", providertest.New("old"))
	e.bind(t, "MX", kv, "", nil)

	_, err := e.providers.Unregister(context.Background(), capability.NewDescriptor(kv, ""))
	require.NoError(t, err)

	_, err = e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownProvider)

	replacement := providertest.New("new")
	e.provider(t, kv, "", replacement)
	_, err = e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv})
	errutil.AssertErrorCode(t, err, errutil.CodeUnknownProvider)
	assert.Empty(t, replacement.Calls(), "a binding never routes to a different registration")
}

func TestDispatcher_RebindTakesEffectOnNextCall(t *testing.T) {
	e := newEnv(t)
	p := providertest.New("p")
	e.actor(t, "MX")
	e.provider(t, kv, "", p)
	e.bind(t, "MX", kv, "", map[string]string{"URL": "db0"})

	inv := dispatch.Invocation{Actor: "MX", Capability: kv}
	_, err := e.d.Invoke(context.Background(), inv)
	require.NoError(t, err)
	e.bind(t, "MX", kv, "", map[string]string{"URL": "db9"})
	_, err = e.d.Invoke(context.Background(), inv)
	require.NoError(t, err)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "db0", calls[0].Config["URL"])
	assert.Equal(t, "db9", calls[1].Config["URL"])
}

func TestDispatcher_ConcurrentActorsShareProvider(t *testing.T) {
	e := newEnv(t)
	p := providertest.New("shared")
	e.provider(t, kv, "", p)
	subjects := []string{"MA", "MB", "MC", "MD"}
	for _, s := range subjects {
		e.actor(t, s)
		e.bind(t, s, kv, "", map[string]string{"owner": s})
	}

	var wg sync.WaitGroup
	for _, s := range subjects {
		for i := range 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := e.d.Invoke(context.Background(), dispatch.Invocation{
					Actor: s, Capability: kv, Payload: fmt.Appendf(nil, "%s-%d", s, i),
				})
				assert.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("shared:%s-%d", s, i), string(out))
			}()
		}
	}
	wg.Wait()

	calls := p.Calls()
	require.Len(t, calls, 100)
	for _, c := range calls {
		assert.Equal(t, c.Actor, c.Config["owner"], "config must belong to the calling actor")
	}
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	e := newEnv(t)
	e.actor(t, "MX")
	e.provider(t, kv, "", providertest.New("p"))
	e.bind(t, "MX", kv, "", nil)

	_, err := e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv})
	require.NoError(t, err)
	_, err = e.d.Invoke(context.Background(), dispatch.Invocation{Actor: "MX", Capability: kv, Binding: "nope"})
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.InvocationsTotal.WithLabelValues(kv, "default", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.InvocationsTotal.WithLabelValues(kv, "nope", "unknown_binding")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.InvocationDuration))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"provider", &dispatch.ProviderError{Err: errors.New("x")}, "provider_error"},
		{"wrapped provider", fmt.Errorf("call: %w", &dispatch.ProviderError{Err: errors.New("x")}), "provider_error"},
		{"plain", errors.New("x"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dispatch.Status(tt.err))
		})
	}
}
