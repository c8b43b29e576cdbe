// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutorNotFound  = errors.New("executor not found")
	ErrSessionNotOpen    = errors.New("session not open")
	ErrNotBound          = errors.New("executor not bound")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrLeaseMismatch     = errors.New("lease mismatch")
	ErrTimeout           = errors.New("timeout")
	ErrResourceManager   = errors.New("resource manager error")
)

var errorKinds = []struct {
	kind   string
	err    error
	status int
}{
	{"InvalidConfig", ErrInvalidConfig, http.StatusBadRequest},
	{"SessionNotFound", ErrSessionNotFound, http.StatusNotFound},
	{"TaskNotFound", ErrTaskNotFound, http.StatusNotFound},
	{"ExecutorNotFound", ErrExecutorNotFound, http.StatusNotFound},
	{"SessionNotOpen", ErrSessionNotOpen, http.StatusConflict},
	{"NotBound", ErrNotBound, http.StatusConflict},
	{"InvalidTransition", ErrInvalidTransition, http.StatusConflict},
	{"LeaseMismatch", ErrLeaseMismatch, http.StatusConflict},
	{"Timeout", ErrTimeout, http.StatusRequestTimeout},
	{"ResourceManagerError", ErrResourceManager, http.StatusServiceUnavailable},
}

// ErrorKind returns the name of the sentinel error wrapped by err,
// or "" if err does not wrap one.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// HTTPStatus returns the HTTP response status that corresponds to
// err. Errors that don't wrap a sentinel error map to 500.
func HTTPStatus(err error) int {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the JSON body of an error response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
	Kind   string   `json:"kind,omitempty"`
}

// TransactionError is returned by Client when the server responds
// with an error status. It unwraps to the sentinel error named by the
// response, so callers can use errors.Is across the wire.
type TransactionError struct {
	Method     string
	URL        url.URL
	StatusCode int
	Status     string
	Kind       string
	Errors     []string
}

func (e *TransactionError) Error() (s string) {
	s = fmt.Sprintf("request failed: %s %s", e.Method, e.URL.Path)
	if e.Status != "" {
		s = s + ": " + e.Status
	}
	if len(e.Errors) > 0 {
		s = s + ": " + strings.Join(e.Errors, "; ")
	}
	return
}

func (e *TransactionError) Unwrap() error {
	for _, k := range errorKinds {
		if k.kind == e.Kind {
			return k.err
		}
	}
	return nil
}

func newTransactionError(req *http.Request, resp *http.Response, buf []byte) *TransactionError {
	var body ErrorResponse
	if json.Unmarshal(buf, &body) != nil {
		// No JSON-formatted error response
		body = ErrorResponse{}
	}
	return &TransactionError{
		Method:     req.Method,
		URL:        *req.URL,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Kind:       body.Kind,
		Errors:     body.Errors,
	}
}
