// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin discovers capability provider plugins and turns their
// manifests into provider loaders.
package plugin

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/caphost/pkg/errutil"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the host.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name        string `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,minLength=1,maxLength=64"`
	Version     string `yaml:"version" json:"version" jsonschema:"minLength=1"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Capability is the colon-namespaced capability type the plugin provides.
	Capability   string        `yaml:"capability" json:"capability" jsonschema:"pattern=^[a-z0-9_.-]+(:[a-z0-9_.-]+)+$"`
	Type         Type          `yaml:"type" json:"type" jsonschema:"enum=lua,enum=binary"`
	LuaPlugin    *LuaConfig    `yaml:"lua-plugin,omitempty" json:"lua-plugin,omitempty"`
	BinaryPlugin *BinaryConfig `yaml:"binary-plugin,omitempty" json:"binary-plugin,omitempty"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry" jsonschema:"minLength=1"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `yaml:"executable" json:"executable" jsonschema:"minLength=1"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// capabilityPattern accepts colon-namespaced ids such as "wascc:keyvalue".
var capabilityPattern = regexp.MustCompile(`^[a-z0-9_.-]+(:[a-z0-9_.-]+)+$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, invalid().Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, invalid().Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	// The schema also rejects keys Manifest does not know about.
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return invalid().With("name", m.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return invalid().With("name", m.Name).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return invalid().With("name", m.Name).Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid().With("name", m.Name).With("version", m.Version).
			Wrapf(err, "version must be semver")
	}

	if !capabilityPattern.MatchString(m.Capability) {
		return invalid().With("name", m.Name).With("capability", m.Capability).
			Errorf("capability %q must be a colon-namespaced id such as wascc:keyvalue", m.Capability)
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin == nil {
			return invalid().With("name", m.Name).Errorf("lua-plugin is required when type is lua")
		}
		if m.LuaPlugin.Entry == "" {
			return invalid().With("name", m.Name).Errorf("lua-plugin.entry is required")
		}
		if m.BinaryPlugin != nil {
			return invalid().With("name", m.Name).Errorf("binary-plugin is not allowed when type is lua")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil {
			return invalid().With("name", m.Name).Errorf("binary-plugin is required when type is binary")
		}
		if m.BinaryPlugin.Executable == "" {
			return invalid().With("name", m.Name).Errorf("binary-plugin.executable is required")
		}
		if m.LuaPlugin != nil {
			return invalid().With("name", m.Name).Errorf("lua-plugin is not allowed when type is binary")
		}
	default:
		return invalid().With("name", m.Name).Errorf("type must be 'lua' or 'binary', got %q", m.Type)
	}

	return nil
}

func invalid() oops.OopsErrorBuilder {
	return oops.Code(errutil.CodeInvalidArgument).In("manifest")
}
