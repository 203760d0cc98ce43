// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package providersdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName    = "caphost.provider.v1.Provider"
	invokeMethod   = "/" + serviceName + "/Invoke"
	describeMethod = "/" + serviceName + "/Describe"

	// codecName is the gRPC content-subtype for Invoke messages.
	codecName = "json"
)

// jsonCodec carries Invoke messages as JSON so the wire types stay plain
// Go structs. Describe uses the default proto codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// invokeResponse carries either a payload or a provider error.
type invokeResponse struct {
	Payload []byte       `json:"payload,omitempty"`
	Error   *RemoteError `json:"error,omitempty"`
}

// providerServer is the server side of the provider service.
type providerServer interface {
	invoke(ctx context.Context, req *Request) (*invokeResponse, error)
	describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*providerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "caphost/provider/v1/provider.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	s, _ := srv.(providerServer)
	if interceptor == nil {
		return s.invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		r, _ := req.(*Request)
		return s.invoke(ctx, r)
	})
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	s, _ := srv.(providerServer)
	if interceptor == nil {
		return s.describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		e, _ := req.(*emptypb.Empty)
		return s.describe(ctx, e)
	})
}

// RegisterProviderServer registers a provider service backed by h on s.
func RegisterProviderServer(s grpc.ServiceRegistrar, info Info, h Handler) {
	s.RegisterService(&serviceDesc, &server{info: info, handler: h})
}

type server struct {
	info    Info
	handler Handler
}

func (s *server) invoke(ctx context.Context, req *Request) (*invokeResponse, error) {
	out, err := s.handler.Invoke(ctx, *req)
	if err != nil {
		var rerr *RemoteError
		if !errors.As(err, &rerr) {
			rerr = &RemoteError{Message: err.Error()}
		}
		return &invokeResponse{Error: rerr}, nil
	}
	return &invokeResponse{Payload: out}, nil
}

func (s *server) describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"abi":        ABIVersion,
		"capability": s.info.Capability,
		"name":       s.info.Name,
		"version":    s.info.Version,
	})
}

// Client is the host side of the provider service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Invoke sends one invocation. Provider failures are returned as
// *RemoteError; anything else is a transport error.
func (c *Client) Invoke(ctx context.Context, req Request) ([]byte, error) {
	resp := new(invokeResponse)
	if err := c.conn.Invoke(ctx, invokeMethod, &req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("provider transport: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Payload, nil
}

// Describe returns the plugin's self-reported info. It fails if the plugin
// speaks a different ABI.
func (c *Client) Describe(ctx context.Context) (Info, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, describeMethod, &emptypb.Empty{}, out); err != nil {
		return Info{}, fmt.Errorf("provider transport: %w", err)
	}
	fields := out.GetFields()
	if abi := fields["abi"].GetStringValue(); abi != ABIVersion {
		return Info{}, fmt.Errorf("provider speaks ABI %q, host expects %q", abi, ABIVersion)
	}
	return Info{
		Capability: fields["capability"].GetStringValue(),
		Name:       fields["name"].GetStringValue(),
		Version:    fields["version"].GetStringValue(),
	}, nil
}
