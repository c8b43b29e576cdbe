// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flame

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/xflops/flame/sdk/go/httpserver"
)

// A Client is an HTTP client for the session manager's client and
// executor APIs.
type Client struct {
	// HTTP client used to make requests. If nil,
	// http.DefaultClient is used.
	Client *http.Client `json:"-"`

	// Base URL of the session manager, e.g.,
	// "http://flame.example:8080".
	Endpoint string

	// Token sent as a bearer token, if not empty.
	AuthToken string

	// Timeout for requests that do not wait server-side. Waiting
	// requests get the server-side wait added to this timeout.
	Timeout time.Duration
}

var (
	_ SessionAPI  = (*Client)(nil)
	_ ExecutorAPI = (*Client)(nil)
)

// NewClientFromEnv returns a Client that uses the endpoint and token
// given by the FLAME_ENDPOINT and FLAME_TOKEN environment variables.
func NewClientFromEnv() *Client {
	endpoint := os.Getenv("FLAME_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}
	return &Client{
		Endpoint:  endpoint,
		AuthToken: os.Getenv("FLAME_TOKEN"),
		Timeout:   time.Minute,
	}
}

// RequestAndDecode sends body (JSON-encoded, unless nil) to the given
// path and decodes the JSON response into dst (unless dst is nil).
// An error response is returned as a *TransactionError.
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, body interface{}, params url.Values) error {
	if c.Endpoint == "" {
		return errors.New("flame.Client cannot perform request: Endpoint is not set")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return err
	}
	u = u.JoinPath(path)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	timeout := c.Timeout
	if wait, err := time.ParseDuration(params.Get("wait")); err == nil && timeout > 0 {
		timeout += wait
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	req.Header.Set(httpserver.HeaderRequestID, httpserver.NewRequestID("req-"))
	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusOK && dst == nil:
		return nil
	case resp.StatusCode == http.StatusOK:
		return json.Unmarshal(buf, dst)
	default:
		return newTransactionError(req, resp, buf)
	}
}

func waitParams(wait time.Duration) url.Values {
	if wait <= 0 {
		return nil
	}
	return url.Values{"wait": {wait.String()}}
}

func sessionPath(id SessionID, elems ...string) string {
	p := "flame/v1/sessions/" + url.PathEscape(string(id))
	for _, e := range elems {
		p += "/" + e
	}
	return p
}

func executorPath(id ExecutorID, elem string) string {
	return "flame/v1/executors/" + url.PathEscape(string(id)) + "/" + elem
}

func (c *Client) OpenSession(ctx context.Context, opts OpenSessionOptions) (Session, error) {
	var ssn Session
	err := c.RequestAndDecode(ctx, &ssn, "POST", "flame/v1/sessions", opts, nil)
	return ssn, err
}

func (c *Client) CloseSession(ctx context.Context, id SessionID) (Session, error) {
	var ssn Session
	err := c.RequestAndDecode(ctx, &ssn, "POST", sessionPath(id, "close"), nil, nil)
	return ssn, err
}

func (c *Client) SubmitTask(ctx context.Context, id SessionID, input []byte) (Task, error) {
	tasks, err := c.SubmitTasks(ctx, id, SubmitTasksOptions{Inputs: [][]byte{input}})
	if err != nil {
		return Task{}, err
	}
	if len(tasks) != 1 {
		return Task{}, fmt.Errorf("server returned %d tasks, expected 1", len(tasks))
	}
	return tasks[0], nil
}

func (c *Client) SubmitTasks(ctx context.Context, id SessionID, opts SubmitTasksOptions) ([]Task, error) {
	var tasks []Task
	err := c.RequestAndDecode(ctx, &tasks, "POST", sessionPath(id, "tasks"), opts, nil)
	return tasks, err
}

func (c *Client) GetSession(ctx context.Context, id SessionID) (Session, error) {
	var ssn Session
	err := c.RequestAndDecode(ctx, &ssn, "GET", sessionPath(id), nil, nil)
	return ssn, err
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var ssns []Session
	err := c.RequestAndDecode(ctx, &ssns, "GET", "flame/v1/sessions", nil, nil)
	return ssns, err
}

func (c *Client) GetTask(ctx context.Context, id SessionID, task TaskID) (Task, error) {
	return c.WaitTask(ctx, id, task, 0)
}

func (c *Client) ListTasks(ctx context.Context, id SessionID) ([]Task, error) {
	var tasks []Task
	err := c.RequestAndDecode(ctx, &tasks, "GET", sessionPath(id, "tasks"), nil, nil)
	return tasks, err
}

// WaitTask returns the task once it is terminal. If the timeout
// elapses first, it returns an error wrapping ErrTimeout. A zero
// timeout returns the current state without waiting.
func (c *Client) WaitTask(ctx context.Context, id SessionID, task TaskID, timeout time.Duration) (Task, error) {
	var t Task
	err := c.RequestAndDecode(ctx, &t, "GET", sessionPath(id, "tasks", strconv.FormatInt(int64(task), 10)), nil, waitParams(timeout))
	return t, err
}

func (c *Client) WaitAnyCompleted(ctx context.Context, id SessionID, cursor int, timeout time.Duration) (CompletedTask, error) {
	var ct CompletedTask
	err := c.RequestAndDecode(ctx, &ct, "GET", sessionPath(id, "completed", strconv.Itoa(cursor)), nil, waitParams(timeout))
	return ct, err
}

func (c *Client) RegisterExecutor(ctx context.Context, opts RegisterExecutorOptions) (Executor, error) {
	var exr Executor
	err := c.RequestAndDecode(ctx, &exr, "POST", "flame/v1/executors", opts, nil)
	return exr, err
}

func (c *Client) Heartbeat(ctx context.Context, id ExecutorID) (Executor, error) {
	var exr Executor
	err := c.RequestAndDecode(ctx, &exr, "POST", executorPath(id, "heartbeat"), nil, nil)
	return exr, err
}

func (c *Client) PullTask(ctx context.Context, id ExecutorID, wait time.Duration) (PullResponse, error) {
	var resp PullResponse
	err := c.RequestAndDecode(ctx, &resp, "POST", executorPath(id, "pull"), nil, waitParams(wait))
	return resp, err
}

func (c *Client) ReportResult(ctx context.Context, opts ReportResultOptions) error {
	return c.RequestAndDecode(ctx, nil, "POST", executorPath(opts.ExecutorID, "result"), opts, nil)
}

func (c *Client) WaitNotifications(ctx context.Context, id ExecutorID, wait time.Duration) ([]Notification, error) {
	var ns []Notification
	err := c.RequestAndDecode(ctx, &ns, "GET", executorPath(id, "notifications"), nil, waitParams(wait))
	return ns, err
}
