// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the caphost host configuration.
//
// Values are layered: built-in defaults, then the YAML config file, then
// command-line flags that were explicitly set.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/caphost/internal/host"
	"github.com/holomush/caphost/internal/xdg"
	"github.com/holomush/caphost/pkg/errutil"
)

// Config is the host configuration.
type Config struct {
	LogFormat     string        `koanf:"log_format" validate:"oneof=json text"`
	LogLevel      string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr   string        `koanf:"metrics_addr" validate:"omitempty,hostname_port"`
	ControlSocket string        `koanf:"control_socket"`
	PluginsDir    string        `koanf:"plugins_dir"`
	DrainTimeout  time.Duration `koanf:"drain_timeout" validate:"gte=0"`

	Actors    []Actor    `koanf:"actors" validate:"dive"`
	Providers []Provider `koanf:"providers" validate:"dive"`
	Bindings  []Binding  `koanf:"bindings" validate:"dive"`
}

// Actor declares an actor module loaded at startup.
type Actor struct {
	Subject string   `koanf:"subject" validate:"required"`
	Module  string   `koanf:"module" validate:"required"`
	Claims  []string `koanf:"claims"`
}

// Provider declares a provider plugin instance registered at startup.
type Provider struct {
	Plugin  string `koanf:"plugin" validate:"required"`
	Binding string `koanf:"binding"`
}

// Binding declares an actor binding created at startup.
type Binding struct {
	Actor      string            `koanf:"actor" validate:"required"`
	Capability string            `koanf:"capability" validate:"required"`
	Binding    string            `koanf:"binding"`
	Config     map[string]string `koanf:"config"`
}

// Default returns the built-in configuration. Path defaults come from the
// XDG base directories.
func Default() *Config {
	cfg := &Config{
		LogFormat:    "json",
		LogLevel:     "info",
		MetricsAddr:  "127.0.0.1:9200",
		DrainTimeout: host.DefaultDrainTimeout,
	}
	if dir, err := xdg.PluginsDir(); err == nil {
		cfg.PluginsDir = dir
	}
	if sock, err := xdg.SocketPath(); err == nil {
		cfg.ControlSocket = sock
	}
	return cfg
}

// RegisterFlags adds the command-line overrides to fs. Flag names are the
// config keys with '-' in place of '_'.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-format", d.LogFormat, "log format (json, text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.String("control-socket", d.ControlSocket, "control socket path")
	fs.String("plugins-dir", d.PluginsDir, "provider plugins directory")
	fs.Duration("drain-timeout", d.DrainTimeout, "how long provider removal waits for in-flight calls")
}

// Load reads the config file at path, applies changed flags from fs and
// validates the result. A missing file is only an error when required is
// true. fs may be nil.
func Load(path string, required bool, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if required || !errors.Is(err, os.ErrNotExist) {
				return nil, oops.Code(errutil.CodeInvalidArgument).
					In("config").
					With("path", path).
					Wrapf(err, "load config file")
			}
		}
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, oops.Code(errutil.CodeInvalidArgument).In("config").Wrapf(err, "apply flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(errutil.CodeInvalidArgument).In("config").With("path", path).Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-references: actor subjects are
// unique and every binding names a declared actor.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return oops.Code(errutil.CodeInvalidArgument).In("config").Wrapf(err, "invalid config")
	}

	subjects := make(map[string]struct{}, len(c.Actors))
	for _, a := range c.Actors {
		if _, dup := subjects[a.Subject]; dup {
			return oops.Code(errutil.CodeInvalidArgument).
				In("config").
				With("subject", a.Subject).
				Errorf("actor %s declared more than once", a.Subject)
		}
		subjects[a.Subject] = struct{}{}
	}
	for _, b := range c.Bindings {
		if _, ok := subjects[b.Actor]; !ok {
			return oops.Code(errutil.CodeInvalidArgument).
				In("config").
				With("subject", b.Actor).
				With("capability", b.Capability).
				Errorf("binding for undeclared actor %s", b.Actor)
		}
	}
	return nil
}
