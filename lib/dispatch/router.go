// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/xflops/flame/sdk/go/auth"
	"github.com/xflops/flame/sdk/go/flame"
	"github.com/xflops/flame/sdk/go/httpserver"
)

// Largest request body accepted by the API.
const maxRequestSize = 64 << 20

func (disp *dispatcher) newRouter() http.Handler {
	token := disp.Cluster.ManagementToken
	mux := httprouter.New()

	api := func(method, path string, h http.HandlerFunc) {
		mux.Handler(method, path, auth.RequireLiteralToken(token, h))
	}
	api("POST", "/flame/v1/sessions", disp.apiOpenSession)
	api("GET", "/flame/v1/sessions", disp.apiListSessions)
	api("GET", "/flame/v1/sessions/:id", disp.apiGetSession)
	api("POST", "/flame/v1/sessions/:id/close", disp.apiCloseSession)
	api("POST", "/flame/v1/sessions/:id/tasks", disp.apiSubmitTasks)
	api("GET", "/flame/v1/sessions/:id/tasks", disp.apiListTasks)
	api("GET", "/flame/v1/sessions/:id/tasks/:task", disp.apiGetTask)
	api("GET", "/flame/v1/sessions/:id/completed/:cursor", disp.apiWaitAnyCompleted)
	api("POST", "/flame/v1/executors", disp.apiRegisterExecutor)
	api("POST", "/flame/v1/executors/:id/heartbeat", disp.apiHeartbeat)
	api("POST", "/flame/v1/executors/:id/pull", disp.apiPullTask)
	api("POST", "/flame/v1/executors/:id/result", disp.apiReportResult)
	api("GET", "/flame/v1/executors/:id/notifications", disp.apiWaitNotifications)

	mgmt := func(method, path string, h http.HandlerFunc) {
		if token == "" {
			mux.HandlerFunc(method, path, func(w http.ResponseWriter, r *http.Request) {
				httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
			})
			return
		}
		mux.Handler(method, path, auth.RequireLiteralToken(token, h))
	}
	mgmt("GET", "/flame/v1/dispatch/executors", disp.apiExecutors)
	mgmt("POST", "/flame/v1/dispatch/executors/close", disp.apiExecutorClose)
	mgmt("GET", "/flame/v1/dispatch/pods", disp.apiPods)

	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	return mux
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, err error) {
	httpserver.WriteErrorResponse(w, httpserver.ErrorResponse{
		Errors: []string{err.Error()},
		Kind:   flame.ErrorKind(err),
	}, flame.HTTPStatus(err))
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(dst)
	if err != nil {
		sendError(w, fmt.Errorf("%w: error decoding request body: %s", flame.ErrInvalidConfig, err))
		return false
	}
	return true
}

// waitParam returns the duration given in the "wait" query
// parameter, or zero if there is none.
func waitParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	s := r.FormValue("wait")
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		sendError(w, fmt.Errorf("%w: invalid wait parameter %q", flame.ErrInvalidConfig, s))
		return 0, false
	}
	return d, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	s := httprouter.ParamsFromContext(r.Context()).ByName(name)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		sendError(w, fmt.Errorf("%w: invalid %s %q", flame.ErrInvalidConfig, name, s))
		return 0, false
	}
	return n, true
}

func sessionParam(r *http.Request) flame.SessionID {
	return flame.SessionID(httprouter.ParamsFromContext(r.Context()).ByName("id"))
}

func executorParam(r *http.Request) flame.ExecutorID {
	return flame.ExecutorID(httprouter.ParamsFromContext(r.Context()).ByName("id"))
}

func (disp *dispatcher) apiOpenSession(w http.ResponseWriter, r *http.Request) {
	var opts flame.OpenSessionOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	ssn, err := disp.OpenSession(r.Context(), opts)
	respond(w, ssn, err)
}

func (disp *dispatcher) apiListSessions(w http.ResponseWriter, r *http.Request) {
	ssns, err := disp.ListSessions(r.Context())
	respond(w, ssns, err)
}

func (disp *dispatcher) apiGetSession(w http.ResponseWriter, r *http.Request) {
	ssn, err := disp.GetSession(r.Context(), sessionParam(r))
	respond(w, ssn, err)
}

func (disp *dispatcher) apiCloseSession(w http.ResponseWriter, r *http.Request) {
	ssn, err := disp.CloseSession(r.Context(), sessionParam(r))
	respond(w, ssn, err)
}

func (disp *dispatcher) apiSubmitTasks(w http.ResponseWriter, r *http.Request) {
	var opts flame.SubmitTasksOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	tasks, err := disp.SubmitTasks(r.Context(), sessionParam(r), opts)
	respond(w, tasks, err)
}

func (disp *dispatcher) apiListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := disp.ListTasks(r.Context(), sessionParam(r))
	respond(w, tasks, err)
}

func (disp *dispatcher) apiGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "task")
	if !ok {
		return
	}
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	var task flame.Task
	var err error
	if wait > 0 {
		task, err = disp.WaitTask(r.Context(), sessionParam(r), flame.TaskID(id), wait)
	} else {
		task, err = disp.GetTask(r.Context(), sessionParam(r), flame.TaskID(id))
	}
	respond(w, task, err)
}

func (disp *dispatcher) apiWaitAnyCompleted(w http.ResponseWriter, r *http.Request) {
	cursor, ok := intParam(w, r, "cursor")
	if !ok {
		return
	}
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	ct, err := disp.WaitAnyCompleted(r.Context(), sessionParam(r), int(cursor), wait)
	respond(w, ct, err)
}

func (disp *dispatcher) apiRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	var opts flame.RegisterExecutorOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	exr, err := disp.RegisterExecutor(r.Context(), opts)
	respond(w, exr, err)
}

func (disp *dispatcher) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	exr, err := disp.Heartbeat(r.Context(), executorParam(r))
	respond(w, exr, err)
}

func (disp *dispatcher) apiPullTask(w http.ResponseWriter, r *http.Request) {
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	resp, err := disp.PullTask(r.Context(), executorParam(r), wait)
	respond(w, resp, err)
}

func (disp *dispatcher) apiReportResult(w http.ResponseWriter, r *http.Request) {
	var opts flame.ReportResultOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	opts.ExecutorID = executorParam(r)
	err := disp.ReportResult(r.Context(), opts)
	respond(w, struct{}{}, err)
}

func (disp *dispatcher) apiWaitNotifications(w http.ResponseWriter, r *http.Request) {
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	ns, err := disp.WaitNotifications(r.Context(), executorParam(r), wait)
	respond(w, ns, err)
}

// Management API: all registered executors.
func (disp *dispatcher) apiExecutors(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	var resp struct {
		Items []flame.Executor `json:"items"`
	}
	resp.Items = disp.executors.List()
	sendJSON(w, resp)
}

// Management API: all pods known to the pool.
func (disp *dispatcher) apiPods(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	var resp struct {
		Items interface{} `json:"items"`
	}
	resp.Items = disp.pool.Pods()
	sendJSON(w, resp)
}

// Management API: close the specified executor now. Its tasks are
// returned to their sessions and its pod is deleted.
func (disp *dispatcher) apiExecutorClose(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	id := flame.ExecutorID(r.FormValue("executor_id"))
	if id == "" {
		httpserver.Error(w, "executor_id parameter not provided", http.StatusBadRequest)
		return
	}
	_, err := disp.executors.MarkClosed(id, "via management API: "+r.FormValue("reason"))
	if err != nil {
		sendError(w, err)
		return
	}
	disp.pool.Destroy(id, "via management API")
	sendJSON(w, struct{}{})
}
