// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP server plumbing shared by
// Flame services: a restartable server, request IDs, request logging,
// metrics and JSON error responses.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

type Server struct {
	http.Server
	Addr     string // host:port where the server is listening.
	err      error
	mtx      sync.Mutex
	cond     *sync.Cond
	running  bool
	listener net.Listener
	wantDown bool
}

// Start is essentially (*http.Server)ListenAndServe() with two more
// features: (1) by the time Start() returns, Addr is changed to the
// address:port we ended up listening to -- which makes listening on
// ":0" useful in test suites -- and (2) the server can be shut down
// without killing the process.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()

	srv.cond = sync.NewCond(&srv.mtx)
	srv.running = true
	go func() {
		err := srv.Serve(ln)
		srv.mtx.Lock()
		if !srv.wantDown && err != http.ErrServerClosed {
			srv.err = err
		}
		srv.running = false
		srv.cond.Broadcast()
		srv.mtx.Unlock()
	}()
	return nil
}

// Close shuts down the server, giving active requests (including
// long polls) up to the given grace period to finish, and returns
// when it has stopped.
func (srv *Server) Close() error {
	return srv.CloseWithin(0)
}

func (srv *Server) CloseWithin(grace time.Duration) error {
	if srv.cond == nil {
		return nil
	}
	srv.mtx.Lock()
	srv.wantDown = true
	srv.mtx.Unlock()
	if grace > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if srv.Shutdown(ctx) == nil {
			return srv.Wait()
		}
	}
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.cond == nil {
		return nil
	}
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	for srv.running {
		srv.cond.Wait()
	}
	return srv.err
}
