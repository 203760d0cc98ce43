// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil defines the host error codes and helpers for inspecting,
// logging, and asserting on coded errors.
package errutil

import (
	"fmt"

	"github.com/samber/oops"
)

// Error codes returned by the capability host. Every core operation either
// succeeds or fails with exactly one of these codes and leaves no partial state.
const (
	CodeDuplicateActor    = "DUPLICATE_ACTOR"
	CodeDuplicateProvider = "DUPLICATE_PROVIDER"
	CodeUnknownActor      = "UNKNOWN_ACTOR"
	CodeUnknownProvider   = "UNKNOWN_PROVIDER"
	CodeUnknownBinding    = "UNKNOWN_BINDING"
	CodeLoadFailure       = "LOAD_FAILURE"
	CodeCapabilityDenied  = "CAPABILITY_DENIED"
	CodeHostClosed        = "HOST_CLOSED"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
)

// Code returns the oops code carried by err, or "" if err has none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := oopsErr.Code()
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}
