// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of an error response. Kind, if not
// empty, names the error so clients can map it back to a sentinel
// error value.
type ErrorResponse struct {
	Errors []string `json:"errors"`
	Kind   string   `json:"kind,omitempty"`
}

func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

func Errors(w http.ResponseWriter, errors []string, code int) {
	WriteErrorResponse(w, ErrorResponse{Errors: errors}, code)
}

func WriteErrorResponse(w http.ResponseWriter, resp ErrorResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
