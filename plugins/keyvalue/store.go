// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"

	"github.com/holomush/caphost/pkg/providersdk"
)

// Capability is the capability type this provider implements.
const Capability = "holomush:keyvalue"

// Provider error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
)

// ConfigURL names the binding config value that selects the keyspace.
const ConfigURL = "URL"

type kvRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	// Delta is the increment for Add.
	Delta int64 `json:"delta,omitempty"`
}

type kvResponse struct {
	Key     string   `json:"key,omitempty"`
	Value   string   `json:"value,omitempty"`
	Deleted bool     `json:"deleted,omitempty"`
	Keys    []string `json:"keys,omitempty"`
}

// Store is the provider handler. It is shared by every actor bound to this
// provider instance.
type Store struct {
	mu     sync.RWMutex
	spaces map[string]map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{spaces: make(map[string]map[string]string)}
}

// keyspace is the URL config value, falling back to the binding name.
func keyspace(req providersdk.Request) string {
	if url := req.Config[ConfigURL]; url != "" {
		return url
	}
	return req.Binding
}

// Invoke implements providersdk.Handler.
func (s *Store) Invoke(_ context.Context, req providersdk.Request) ([]byte, error) {
	var in kvRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return nil, &providersdk.RemoteError{Code: CodeBadRequest, Message: "invalid payload: " + err.Error()}
		}
	}
	space := keyspace(req)

	switch req.Operation {
	case "Get":
		v, ok := s.get(space, in.Key)
		if !ok {
			return nil, &providersdk.RemoteError{Code: CodeNotFound, Message: "key not found: " + in.Key}
		}
		return json.Marshal(kvResponse{Key: in.Key, Value: v})
	case "Set":
		if in.Key == "" {
			return nil, &providersdk.RemoteError{Code: CodeBadRequest, Message: "key is required"}
		}
		s.set(space, in.Key, in.Value)
		return json.Marshal(kvResponse{})
	case "Add":
		if in.Key == "" {
			return nil, &providersdk.RemoteError{Code: CodeBadRequest, Message: "key is required"}
		}
		v, err := s.add(space, in.Key, in.Delta)
		if err != nil {
			return nil, err
		}
		return json.Marshal(kvResponse{Key: in.Key, Value: strconv.FormatInt(v, 10)})
	case "Delete":
		return json.Marshal(kvResponse{Deleted: s.delete(space, in.Key)})
	case "Keys":
		return json.Marshal(kvResponse{Keys: s.keys(space)})
	default:
		return nil, &providersdk.RemoteError{Code: CodeUnknownOperation, Message: "unknown operation: " + req.Operation}
	}
}

func (s *Store) get(space, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.spaces[space][key]
	return v, ok
}

func (s *Store) set(space, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.spaces[space]
	if !ok {
		m = make(map[string]string)
		s.spaces[space] = m
	}
	m[key] = value
}

// add increments the integer at key by delta and returns the new value. A
// missing key counts as 0.
func (s *Store) add(space, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.spaces[space]
	if !ok {
		m = make(map[string]string)
		s.spaces[space] = m
	}
	var cur int64
	if old, ok := m[key]; ok {
		n, err := strconv.ParseInt(old, 10, 64)
		if err != nil {
			return 0, &providersdk.RemoteError{Code: CodeBadRequest, Message: "value is not an integer: " + key}
		}
		cur = n
	}
	cur += delta
	m[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) delete(space, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.spaces[space]
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.spaces, space)
	}
	return true
}

func (s *Store) keys(space string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.spaces[space]))
	for k := range s.spaces[space] {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
