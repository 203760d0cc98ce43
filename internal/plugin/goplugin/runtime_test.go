// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/plugin"
	"github.com/holomush/caphost/internal/provider"
	"github.com/holomush/caphost/pkg/errutil"
	"github.com/holomush/caphost/pkg/providersdk"
)

// mockRemote implements remote for testing.
type mockRemote struct {
	info        providersdk.Info
	describeErr error
	lastReq     providersdk.Request
}

func (m *mockRemote) Invoke(_ context.Context, req providersdk.Request) ([]byte, error) {
	m.lastReq = req
	return append([]byte("ok:"), req.Payload...), nil
}

func (m *mockRemote) Describe(context.Context) (providersdk.Info, error) {
	return m.info, m.describeErr
}

// mockClientProtocol implements hashiplug.ClientProtocol for testing.
type mockClientProtocol struct {
	dispensed   any
	dispenseErr error
}

func (m *mockClientProtocol) Close() error { return nil }

func (m *mockClientProtocol) Dispense(string) (any, error) {
	if m.dispenseErr != nil {
		return nil, m.dispenseErr
	}
	return m.dispensed, nil
}

func (m *mockClientProtocol) Ping() error { return nil }

// mockPluginClient implements PluginClient for testing.
type mockPluginClient struct {
	protocol  hashiplug.ClientProtocol
	clientErr error
	kills     int
}

func (m *mockPluginClient) Client() (hashiplug.ClientProtocol, error) {
	if m.clientErr != nil {
		return nil, m.clientErr
	}
	return m.protocol, nil
}

func (m *mockPluginClient) Kill() { m.kills++ }

// mockClientFactory creates mock plugin clients.
type mockClientFactory struct {
	client   *mockPluginClient
	execPath string
}

func (f *mockClientFactory) NewClient(execPath string) PluginClient {
	f.execPath = execPath
	return f.client
}

func binaryDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keyvalue"), []byte("#!/bin/sh\n"), 0o700)) //nolint:gosec // test executable
	return dir
}

func kvManifest() *plugin.Manifest {
	return &plugin.Manifest{
		Name:         "keyvalue",
		Version:      "1.0.0",
		Capability:   "holomush:keyvalue",
		Type:         plugin.TypeBinary,
		BinaryPlugin: &plugin.BinaryConfig{Executable: "keyvalue"},
	}
}

func load(t *testing.T, factory *mockClientFactory, dir string) (provider.Loaded, error) {
	t.Helper()
	rt := NewRuntime(WithClientFactory(factory))
	l, err := rt.Loader(kvManifest(), dir)
	require.NoError(t, err)
	return l.Load(context.Background())
}

func TestRuntime_LoadDescribesPlugin(t *testing.T) {
	dir := binaryDir(t)
	rem := &mockRemote{info: providersdk.Info{Capability: "holomush:keyvalue", Name: "keyvalue", Version: "1.0.0"}}
	factory := &mockClientFactory{client: &mockPluginClient{protocol: &mockClientProtocol{dispensed: rem}}}

	loaded, err := load(t, factory, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "keyvalue"), factory.execPath)
	assert.Equal(t, "holomush:keyvalue", loaded.Capability)
	assert.Equal(t, "keyvalue", loaded.Name)
	assert.Equal(t, "1.0.0", loaded.Version)
	require.NotNil(t, loaded.Provider)
	assert.Zero(t, factory.client.kills)
}

func TestProvider_InvokeForwardsRequest(t *testing.T) {
	rem := &mockRemote{info: providersdk.Info{Capability: "holomush:keyvalue"}}
	factory := &mockClientFactory{client: &mockPluginClient{protocol: &mockClientProtocol{dispensed: rem}}}
	loaded, err := load(t, factory, binaryDir(t))
	require.NoError(t, err)

	out, err := loaded.Provider.Invoke(context.Background(), provider.Request{
		Actor:      "MX",
		Descriptor: capability.NewDescriptor("holomush:keyvalue", "cache"),
		Operation:  "Get",
		Payload:    []byte("k"),
		Config:     map[string]string{"URL": "db0"},
	})
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("ok:k"), out))
	assert.Equal(t, providersdk.Request{
		Actor:      "MX",
		Capability: "holomush:keyvalue",
		Binding:    "cache",
		Operation:  "Get",
		Payload:    []byte("k"),
		Config:     map[string]string{"URL": "db0"},
	}, rem.lastReq)
}

func TestProvider_CloseKillsOnce(t *testing.T) {
	rem := &mockRemote{info: providersdk.Info{Capability: "holomush:keyvalue"}}
	factory := &mockClientFactory{client: &mockPluginClient{protocol: &mockClientProtocol{dispensed: rem}}}
	loaded, err := load(t, factory, binaryDir(t))
	require.NoError(t, err)

	require.NoError(t, loaded.Provider.Close(context.Background()))
	require.NoError(t, loaded.Provider.Close(context.Background()))
	assert.Equal(t, 1, factory.client.kills)
}

func TestRuntime_LoadFailuresKillProcess(t *testing.T) {
	tests := []struct {
		name   string
		client *mockPluginClient
	}{
		{
			name:   "client error",
			client: &mockPluginClient{clientErr: errors.New("handshake failed")},
		},
		{
			name:   "dispense error",
			client: &mockPluginClient{protocol: &mockClientProtocol{dispenseErr: errors.New("no such plugin")}},
		},
		{
			name:   "wrong service type",
			client: &mockPluginClient{protocol: &mockClientProtocol{dispensed: "not a provider"}},
		},
		{
			name: "describe error",
			client: &mockPluginClient{protocol: &mockClientProtocol{
				dispensed: &mockRemote{describeErr: errors.New("abi mismatch")},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &mockClientFactory{client: tt.client}
			_, err := load(t, factory, binaryDir(t))
			errutil.AssertErrorCode(t, err, errutil.CodeLoadFailure)
			assert.Equal(t, 1, tt.client.kills)
		})
	}
}

func TestRuntime_LoadMissingExecutable(t *testing.T) {
	factory := &mockClientFactory{client: &mockPluginClient{}}
	_, err := load(t, factory, t.TempDir())
	errutil.AssertErrorCode(t, err, errutil.CodeLoadFailure)
	assert.Empty(t, factory.execPath, "no process is started")
}

func TestRuntime_LoaderRejectsLuaManifest(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Loader(&plugin.Manifest{Name: "counter", Type: plugin.TypeLua, LuaPlugin: &plugin.LuaConfig{Entry: "main.lua"}}, t.TempDir())
	errutil.AssertErrorCode(t, err, errutil.CodeLoadFailure)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", true, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "plugin", "keyvalue")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"plugin":"keyvalue"`)
}
