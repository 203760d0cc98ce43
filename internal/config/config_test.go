// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/caphost/pkg/errutil"
)

const sample = `
log_format: text
metrics_addr: 127.0.0.1:9300
plugins_dir: /opt/caphost/plugins
drain_timeout: 2s
actors:
  - subject: MCYW
    module: ./actor.wasm
    claims: ["wascc:*"]
providers:
  - plugin: keyvalue
    binding: source1
  - plugin: keyvalue
    binding: source2
bindings:
  - actor: MCYW
    capability: wascc:keyvalue
    binding: source1
    config:
      URL: redis://127.0.0.1:6379/0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample), true, nil)
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")
	assert.Equal(t, "127.0.0.1:9300", cfg.MetricsAddr)
	assert.Equal(t, "/opt/caphost/plugins", cfg.PluginsDir)
	assert.Equal(t, 2*time.Second, cfg.DrainTimeout)
	require.Len(t, cfg.Actors, 1)
	assert.Equal(t, Actor{Subject: "MCYW", Module: "./actor.wasm", Claims: []string{"wascc:*"}}, cfg.Actors[0])
	assert.Equal(t, []Provider{{Plugin: "keyvalue", Binding: "source1"}, {Plugin: "keyvalue", Binding: "source2"}}, cfg.Providers)
	require.Len(t, cfg.Bindings, 1)
	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.Bindings[0].Config["URL"])
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=debug", "--drain-timeout=10s", "--metrics-addr="}))

	cfg, err := Load(writeConfig(t, sample), true, fs)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "text", cfg.LogFormat, "unchanged flags do not override the file")
}

func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := Load(missing, false, nil)
	require.NoError(t, err)
	assert.Equal(t, Default().LogFormat, cfg.LogFormat)

	_, err = Load(missing, true, nil)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidArgument)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "actors: [\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad metrics addr", "metrics_addr: nope\n"},
		{"negative drain", "drain_timeout: -1s\n"},
		{"actor without module", "actors:\n  - subject: MX\n"},
		{"provider without plugin", "providers:\n  - binding: x\n"},
		{"duplicate actor", "actors:\n  - {subject: MX, module: a.wasm}\n  - {subject: MX, module: b.wasm}\n"},
		{"binding for undeclared actor", "bindings:\n  - {actor: MY, capability: wascc:keyvalue}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), true, nil)
			errutil.AssertErrorCode(t, err, errutil.CodeInvalidArgument)
		})
	}
}

func TestDefault_UsesXDGPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/d")
	t.Setenv("XDG_RUNTIME_DIR", "/r")
	cfg := Default()
	assert.Equal(t, "/d/caphost/plugins", cfg.PluginsDir)
	assert.Equal(t, "/r/caphost/caphost.sock", cfg.ControlSocket)
	assert.NoError(t, cfg.Validate())
}
