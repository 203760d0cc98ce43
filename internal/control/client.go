// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/host"
)

// Client talks to a host's control socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}}
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Status queries GET /status. With verbose the response carries binding
// config values instead of redacting them.
func (c *Client) Status(ctx context.Context, verbose bool) (StatusResponse, error) {
	path := "/status"
	if verbose {
		path += "?verbose=true"
	}
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Bind creates or replaces a binding.
func (c *Client) Bind(ctx context.Context, req BindRequest) (host.BindingStatus, error) {
	var out host.BindingStatus
	err := c.do(ctx, http.MethodPost, "/bindings", req, &out)
	return out, err
}

// Unbind removes a binding.
func (c *Client) Unbind(ctx context.Context, req BindRequest) error {
	return c.do(ctx, http.MethodDelete, "/bindings", req, nil)
}

// Shutdown asks the host to shut down.
func (c *Client) Shutdown(ctx context.Context) (ShutdownResponse, error) {
	var out ShutdownResponse
	err := c.do(ctx, http.MethodPost, "/shutdown", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return oops.In("control").Wrapf(err, "encode request")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://caphost"+path, rd)
	if err != nil {
		return oops.In("control").Wrapf(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("control").With("path", path).Wrapf(err, "connect to control socket")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return oops.In("control").With("status", resp.StatusCode).Errorf("control request failed: %s", resp.Status)
		}
		b := oops.In("control").With("status", resp.StatusCode)
		if e.Code != "" {
			b = b.Code(e.Code)
		}
		return b.New(e.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.In("control").With("path", path).Wrapf(err, "decode response")
	}
	return nil
}
