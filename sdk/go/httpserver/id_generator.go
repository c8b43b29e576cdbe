// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID ties together the client, session manager, and
// executor log entries for one request.
const HeaderRequestID = "X-Request-Id"

const maxRequestIDLength = 64

// NewRequestID returns a random request ID with the given prefix.
func NewRequestID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// validRequestID reports whether a client-supplied request ID can be
// logged and echoed back as is.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// AddRequestIDs wraps an http.Handler, replacing a missing or
// unusable X-Request-Id header with a new ID, and echoing the ID in
// the response.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !validRequestID(req.Header.Get(HeaderRequestID)) {
			req.Header.Set(HeaderRequestID, NewRequestID("req-"))
		}
		w.Header().Set(HeaderRequestID, req.Header.Get(HeaderRequestID))
		h.ServeHTTP(w, req)
	})
}
