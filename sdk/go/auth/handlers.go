// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// RequireLiteralToken wraps the next handler, rejecting requests that
// do not carry token. Requests with no token at all get 401, requests
// with only wrong tokens get 403. Rejections use the same JSON error
// body as the rest of the API. An empty token disables the check.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := CredentialsFromRequest(r)
		if len(creds.Tokens) == 0 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="flame"`)
			reject(w, http.StatusUnauthorized, "Unauthorized", "no token given")
			return
		}
		for _, t := range creds.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), want) == 1 {
				if _, ok := FromContext(r.Context()); !ok {
					r = r.WithContext(NewContext(r.Context(), creds))
				}
				next.ServeHTTP(w, r)
				return
			}
		}
		reject(w, http.StatusForbidden, "Forbidden", "invalid token")
	})
}

func reject(w http.ResponseWriter, code int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []string{msg},
		"kind":   kind,
	})
}
