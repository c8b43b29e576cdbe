// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health checks such as
// /_health/ping.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/xflops/flame/sdk/go/auth"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Response is the JSON body of a health-check response.
type Response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Management token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func, without the prefix.
	// If "ping" is not listed here, it is added automatically and
	// always reports healthy.
	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, h.healthJSON(fn))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.healthJSON(func() error { return nil }))
	}
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) authenticate(r *http.Request) (int, error) {
	if h.Token == "" {
		return http.StatusNotFound, errNotFound
	}
	tokens := auth.CredentialsFromRequest(r).Tokens
	if len(tokens) == 0 {
		return http.StatusUnauthorized, errUnauthorized
	}
	for _, t := range tokens {
		if t == h.Token {
			return 0, nil
		}
	}
	return http.StatusForbidden, errForbidden
}

func (h *Handler) healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, err := h.authenticate(r)
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		resp := Response{Health: "OK"}
		if herr := fn(); herr != nil {
			resp = Response{Health: "ERROR", Error: herr.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
	})
}
