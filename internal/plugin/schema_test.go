// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/caphost/internal/plugin"
	"github.com/holomush/caphost/pkg/errutil"
)

func TestValidateSchema_ValidManifests(t *testing.T) {
	tests := map[string]string{
		"lua": `
name: kv-lua
version: 1.0.0
capability: wascc:keyvalue
type: lua
lua-plugin:
  entry: main.lua
`,
		"binary": `
name: keyvalue
version: 2.1.0
description: example
capability: holomush:keyvalue
type: binary
binary-plugin:
  executable: keyvalue
`,
	}
	for name, yaml := range tests {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, plugin.ValidateSchema([]byte(yaml)))
		})
	}
}

func TestValidateSchema_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing capability": `
name: keyvalue
version: 1.0.0
type: binary
binary-plugin:
  executable: keyvalue
`,
		"bad capability": `
name: keyvalue
version: 1.0.0
capability: KeyValue
type: binary
binary-plugin:
  executable: keyvalue
`,
		"name too long": `
name: ` + strings.Repeat("a", 65) + `
version: 1.0.0
capability: wascc:keyvalue
type: lua
lua-plugin:
  entry: main.lua
`,
		"bad name": `
name: Key_Value
version: 1.0.0
capability: wascc:keyvalue
type: lua
lua-plugin:
  entry: main.lua
`,
		"unknown type": `
name: keyvalue
version: 1.0.0
capability: wascc:keyvalue
type: python
`,
	}
	for name, yaml := range tests {
		t.Run(name, func(t *testing.T) {
			err := plugin.ValidateSchema([]byte(yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation failed")
		})
	}
}

func TestValidateSchema_EmptyAndInvalidInput(t *testing.T) {
	assert.Error(t, plugin.ValidateSchema(nil))
	assert.Error(t, plugin.ValidateSchema([]byte("name: [")))
}

func TestValidateSchema_RuntimeSectionMustMatchType(t *testing.T) {
	tests := map[string]string{
		"both sections": `
name: keyvalue
version: 1.0.0
capability: wascc:keyvalue
type: binary
binary-plugin:
  executable: keyvalue
lua-plugin:
  entry: main.lua
`,
		"lua section on binary": `
name: keyvalue
version: 1.0.0
capability: wascc:keyvalue
type: binary
lua-plugin:
  entry: main.lua
`,
		"binary section on lua": `
name: kv-lua
version: 1.0.0
capability: wascc:keyvalue
type: lua
binary-plugin:
  executable: keyvalue
`,
		"no section": `
name: kv-lua
version: 1.0.0
capability: wascc:keyvalue
type: lua
`,
	}
	for name, yaml := range tests {
		t.Run(name, func(t *testing.T) {
			err := plugin.ValidateSchema([]byte(yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, errutil.CodeInvalidArgument)
			assert.Contains(t, err.Error(), "schema validation failed")
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, plugin.SchemaID, schema["$id"])
	assert.Equal(t, "caphost Provider Plugin Manifest", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"name", "version", "capability", "type", "lua-plugin", "binary-plugin"} {
		assert.Contains(t, props, field)
	}
	assert.ElementsMatch(t, []any{"name", "version", "capability", "type"}, schema["required"])

	oneOf, ok := schema["oneOf"].([]any)
	require.True(t, ok)
	assert.Len(t, oneOf, 2)
}
