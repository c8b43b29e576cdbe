// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// ResponseWriter records what a handler sent, for request logs and
// metrics.
type ResponseWriter interface {
	http.ResponseWriter
	// Status sent, or 0 if nothing has been written yet.
	WroteStatus() int
	WroteBodyBytes() int
	// Time of the first WriteHeader, Write, or Flush. Zero if
	// nothing has been sent.
	FirstWrite() time.Time
}

type responseWriter struct {
	http.ResponseWriter
	status     int
	bodyBytes  int
	firstWrite time.Time
}

// WrapResponseWriter returns orig as a ResponseWriter. If orig is
// already one, it is returned unchanged.
func WrapResponseWriter(orig http.ResponseWriter) ResponseWriter {
	if rw, ok := orig.(ResponseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: orig}
}

func (w *responseWriter) touch() {
	if w.firstWrite.IsZero() {
		w.firstWrite = time.Now()
	}
}

func (w *responseWriter) WriteHeader(s int) {
	w.touch()
	if w.status == 0 {
		w.status = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.bodyBytes += n
	return n, err
}

// Flush implements http.Flusher. Long-poll handlers flush headers
// before waiting.
func (w *responseWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) WroteStatus() int      { return w.status }
func (w *responseWriter) WroteBodyBytes() int   { return w.bodyBytes }
func (w *responseWriter) FirstWrite() time.Time { return w.firstWrite }

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
