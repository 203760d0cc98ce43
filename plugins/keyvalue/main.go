// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main implements an in-memory key-value capability provider.
//
// Build with:
//
//	go build -o plugins/keyvalue/keyvalue ./plugins/keyvalue
//
// Operations take and return JSON:
//
//	Get    {"key": "k"}              -> {"key": "k", "value": "v"}
//	Set    {"key": "k", "value": "v"} -> {}
//	Add    {"key": "n", "delta": 1}   -> {"key": "n", "value": "1"}
//	Delete {"key": "k"}              -> {"deleted": true}
//	Keys   {}                        -> {"keys": ["a", "b"]}
//
// Each binding gets its own keyspace, selected by the binding's URL config
// value, so two bindings with different URLs never see each other's keys.
package main

import (
	"github.com/holomush/caphost/pkg/providersdk"
)

// Version is set at build time.
var Version = "1.0.0"

func main() {
	providersdk.Serve(&providersdk.ServeConfig{
		Info: providersdk.Info{
			Capability: Capability,
			Name:       "keyvalue",
			Version:    Version,
		},
		Handler: NewStore(),
	})
}
