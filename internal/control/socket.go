// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package control provides the HTTP control socket for a running host:
// health, a status snapshot, live bind/unbind and shutdown.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/caphost/internal/binding"
	"github.com/holomush/caphost/internal/capability"
	"github.com/holomush/caphost/internal/host"
	"github.com/holomush/caphost/internal/xdg"
	"github.com/holomush/caphost/pkg/errutil"
)

// Host is the part of the host controller the control socket drives.
type Host interface {
	Status() host.Status
	Bind(ctx context.Context, subject string, d capability.Descriptor, config map[string]string) (*binding.Binding, error)
	Unbind(ctx context.Context, subject string, d capability.Descriptor) error
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by GET /status. Binding config values are
// redacted unless the request sets verbose=true.
type StatusResponse struct {
	Running       bool        `json:"running"`
	PID           int         `json:"pid"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Host          host.Status `json:"host"`
}

// BindRequest is the body of POST /bindings and DELETE /bindings.
type BindRequest struct {
	Actor      string            `json:"actor"`
	Capability string            `json:"capability"`
	Binding    string            `json:"binding,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
}

// ShutdownResponse is returned by POST /shutdown.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned with any non-2xx status.
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// Server runs HTTP over a Unix socket.
type Server struct {
	host         Host
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	socketPath   string
	shutdownFunc ShutdownFunc
	shutdownOnce atomic.Bool
	running      atomic.Bool
	logger       *slog.Logger
}

// NewServer creates a control socket server at socketPath. An empty path
// uses the XDG runtime directory.
func NewServer(socketPath string, h Host, shutdownFunc ShutdownFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		host:         h,
		startTime:    time.Now(),
		socketPath:   socketPath,
		shutdownFunc: shutdownFunc,
		logger:       logger,
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Handler returns the control API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /bindings", s.handleBind)
	mux.HandleFunc("DELETE /bindings", s.handleUnbind)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	if s.listener != nil {
		return oops.In("control").New("server is already running")
	}
	if s.socketPath == "" {
		path, err := xdg.SocketPath()
		if err != nil {
			return oops.In("control").Wrapf(err, "resolve socket path")
		}
		s.socketPath = path
	}

	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return oops.In("control").Wrapf(err, "create runtime directory")
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return oops.In("control").With("path", s.socketPath).Wrapf(err, "remove existing socket")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return oops.In("control").With("path", s.socketPath).Wrapf(err, "listen on socket")
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return oops.In("control").With("path", s.socketPath).Wrapf(err, "set socket permissions")
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control socket server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.In("control").Wrapf(err, "shutdown http server")
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close control socket listener", "error", err)
		}
	}
	if s.socketPath != "" && s.listener != nil {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove control socket file", "path", s.socketPath, "error", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.write(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// verbose reports whether the request asked for binding config values with
// ?verbose=true. Values are redacted otherwise.
func verbose(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("verbose"))
	return err == nil && v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hs := s.host.Status()
	if !verbose(r) {
		hs = hs.Redact()
	}
	s.write(w, http.StatusOK, StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Host:          hs,
	})
}

func (s *Server) decodeBind(w http.ResponseWriter, r *http.Request) (BindRequest, bool) {
	var req BindRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.write(w, http.StatusBadRequest, ErrorResponse{Code: errutil.CodeInvalidArgument, Message: "invalid request body: " + err.Error()})
		return req, false
	}
	return req, true
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBind(w, r)
	if !ok {
		return
	}
	b, err := s.host.Bind(r.Context(), req.Actor, capability.NewDescriptor(req.Capability, req.Binding), req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bs := host.DescribeBinding(b)
	if !verbose(r) {
		bs = bs.Redact()
	}
	s.write(w, http.StatusOK, bs)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBind(w, r)
	if !ok {
		return
	}
	if err := s.host.Unbind(r.Context(), req.Actor, capability.NewDescriptor(req.Capability, req.Binding)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.write(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})
	if s.shutdownFunc != nil && s.shutdownOnce.CompareAndSwap(false, true) {
		go s.shutdownFunc()
	}
}

// httpStatus maps a host error code to an HTTP status.
func httpStatus(code string) int {
	switch code {
	case errutil.CodeInvalidArgument:
		return http.StatusBadRequest
	case errutil.CodeCapabilityDenied:
		return http.StatusForbidden
	case errutil.CodeUnknownActor, errutil.CodeUnknownProvider, errutil.CodeUnknownBinding:
		return http.StatusNotFound
	case errutil.CodeDuplicateActor, errutil.CodeDuplicateProvider:
		return http.StatusConflict
	case errutil.CodeHostClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errutil.Code(err)
	s.write(w, httpStatus(code), ErrorResponse{Code: code, Message: err.Error()})
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write control response", "status", status, "error", err)
	}
}
