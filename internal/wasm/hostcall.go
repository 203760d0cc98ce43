// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package wasm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tetratelabs/wazero/api"

	"github.com/holomush/caphost/internal/dispatch"
	"github.com/holomush/caphost/pkg/errutil"
)

// CodeProviderError marks provider-defined failures in host call responses.
const CodeProviderError = "PROVIDER_ERROR"

// HostCallRequest is the JSON a guest passes to caphost.host_call.
type HostCallRequest struct {
	Capability string `json:"capability"`
	Binding    string `json:"binding,omitempty"`
	Operation  string `json:"operation"`
	Payload    []byte `json:"payload,omitempty"`
}

// HostCallResponse is the JSON written back into guest memory.
type HostCallResponse struct {
	Payload []byte         `json:"payload,omitempty"`
	Error   *HostCallError `json:"error,omitempty"`
}

// HostCallError is a failed host call. Provider failures carry the
// provider's message unchanged.
type HostCallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type actorKey struct{}

func withActor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, actorKey{}, subject)
}

func actorFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(actorKey{}).(string)
	return s, ok && s != ""
}

// hostCall implements caphost.host_call(i64 ptr<<32|len) -> i64 ptr<<32|len.
// The guest must export allocate(i32) -> i32 to receive the response.
func (e *Engine) hostCall(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := unpackPtrLen(stack[0])
	req, ok := mod.Memory().Read(ptr, length)
	if !ok {
		e.logger.WarnContext(ctx, "host call request out of bounds", "ptr", ptr, "len", length)
		stack[0] = 0
		return
	}
	subject, _ := actorFrom(ctx)
	stack[0] = e.writeResponse(ctx, mod, Handle(ctx, e.invoker, subject, req))
}

// Handle decodes one host call request, dispatches it as subject and
// encodes the response.
func Handle(ctx context.Context, invoker Invoker, subject string, req []byte) []byte {
	resp := handle(ctx, invoker, subject, req)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(HostCallResponse{Error: &HostCallError{Code: "INTERNAL", Message: err.Error()}})
	}
	return out
}

func handle(ctx context.Context, invoker Invoker, subject string, raw []byte) HostCallResponse {
	if subject == "" {
		return HostCallResponse{Error: &HostCallError{
			Code:    errutil.CodeInvalidArgument,
			Message: "host call outside an actor context",
		}}
	}
	var req HostCallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return HostCallResponse{Error: &HostCallError{
			Code:    errutil.CodeInvalidArgument,
			Message: "malformed host call request: " + err.Error(),
		}}
	}

	out, err := invoker.Invoke(ctx, dispatch.Invocation{
		Actor:      subject,
		Capability: req.Capability,
		Binding:    req.Binding,
		Operation:  req.Operation,
		Payload:    req.Payload,
	})
	if err != nil {
		return HostCallResponse{Error: toHostCallError(err)}
	}
	return HostCallResponse{Payload: out}
}

func toHostCallError(err error) *HostCallError {
	var perr *dispatch.ProviderError
	if errors.As(err, &perr) {
		return &HostCallError{Code: CodeProviderError, Message: perr.Error()}
	}
	code := errutil.Code(err)
	if code == "" {
		code = "INTERNAL"
	}
	return &HostCallError{Code: code, Message: err.Error()}
}

func (e *Engine) writeResponse(ctx context.Context, mod api.Module, data []byte) uint64 {
	allocate := mod.ExportedFunction("allocate")
	if allocate == nil {
		e.logger.WarnContext(ctx, "guest module missing allocate export")
		return 0
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		e.logger.WarnContext(ctx, "guest allocate failed", "error", err)
		return 0
	}
	ptr := uint32(results[0]) //nolint:gosec // wasm32 pointers are 32-bit
	if !mod.Memory().Write(ptr, data) {
		e.logger.WarnContext(ctx, "host call response out of bounds", "ptr", ptr, "len", len(data))
		return 0
	}
	return packPtrLen(ptr, uint32(len(data))) //nolint:gosec // bounded by guest memory
}

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed) //nolint:gosec // packed 32-bit halves
}
