// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/ctxlog"
	"github.com/xflops/flame/sdk/go/flame"
	"github.com/xflops/flame/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that could not start.
// It is never healthy, and answers every request with err, using the
// status and kind that err maps to (500 if err wraps no known error).
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	return errorHandler{err, logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).WithField("reqPath", r.URL.Path).Warn("request to unhealthy service")
	httpserver.WriteErrorResponse(w, httpserver.ErrorResponse{
		Errors: []string{eh.err.Error()},
		Kind:   flame.ErrorKind(eh.err),
	}, flame.HTTPStatus(eh.err))
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done is always closed: there is nothing to wait for.
func (eh errorHandler) Done() <-chan struct{} {
	return closedChannel
}

var closedChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
