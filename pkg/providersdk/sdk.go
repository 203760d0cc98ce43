// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package providersdk provides the SDK for building caphost capability
// provider plugins.
//
// Provider plugins are separate executables. The host starts them through
// HashiCorp go-plugin and talks to them over gRPC. A plugin describes the
// capability it implements and answers invocations; everything else
// (process lifecycle, handshake, transport) is handled here.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//		"github.com/holomush/caphost/pkg/providersdk"
//	)
//
//	type Echo struct{}
//
//	func (Echo) Invoke(_ context.Context, req providersdk.Request) ([]byte, error) {
//		return req.Payload, nil
//	}
//
//	func main() {
//		providersdk.Serve(&providersdk.ServeConfig{
//			Info:    providersdk.Info{Capability: "example:echo", Name: "echo", Version: "1.0.0"},
//			Handler: Echo{},
//		})
//	}
package providersdk

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// ABIVersion identifies the provider wire contract. Hosts reject plugins
// reporting a different value.
const ABIVersion = "caphost.provider.v1"

// PluginName is the go-plugin dispense key.
const PluginName = "provider"

// Request is one capability invocation delivered to a provider.
type Request struct {
	// Actor is the calling actor's subject.
	Actor string `json:"actor"`
	// Capability and Binding identify the provider instance being invoked.
	Capability string `json:"capability"`
	Binding    string `json:"binding"`
	// Operation selects the provider operation.
	Operation string `json:"operation"`
	// Payload is opaque to the host.
	Payload []byte `json:"payload,omitempty"`
	// Config is the binding configuration for this actor. The provider
	// validates it; the host never does.
	Config map[string]string `json:"config,omitempty"`
}

// Handler is the interface provider plugins implement.
type Handler interface {
	// Invoke performs one operation. A returned error is delivered to the
	// calling actor with its message unchanged. Return a *RemoteError to
	// attach a provider-specific code.
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) ([]byte, error)

// Invoke calls f(ctx, req).
func (f HandlerFunc) Invoke(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// Info describes a provider plugin.
type Info struct {
	// Capability is the colon-namespaced capability type, e.g. "wascc:keyvalue".
	Capability string
	Name       string
	Version    string
}

// RemoteError is a provider-defined failure carried across the plugin
// boundary. Error returns Message unchanged.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CAPHOST_PROVIDER",
	MagicCookieValue: "caphost-provider-v1",
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Info is reported to the host through Describe. Capability is required.
	Info Info
	// Handler answers invocations. Required; Serve will panic if nil.
	Handler Handler
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("providersdk: config cannot be nil")
	}
	if config.Handler == nil {
		panic("providersdk: config.Handler cannot be nil")
	}
	if config.Info.Capability == "" {
		panic("providersdk: config.Info.Capability cannot be empty")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Info: config.Info, Handler: config.Handler},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// PluginMap is the plugin set a host dispenses from.
var PluginMap = map[string]hashiplug.Plugin{
	PluginName: &GRPCPlugin{},
}

// GRPCPlugin implements go-plugin's Plugin interface for gRPC. Info and
// Handler are only used on the plugin side.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	Info    Info
	Handler Handler
}

// GRPCServer registers the provider service (called by plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Handler == nil {
		return errors.New("providersdk: handler is nil")
	}
	RegisterProviderServer(s, p.Info, p.Handler)
	return nil
}

// GRPCClient returns a *Client (called by host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewClient(c), nil
}
