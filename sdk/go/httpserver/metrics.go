// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/xflops/flame/sdk/go/auth"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics, and passes other requests through to
	// next.
	ServeAPI(token string, next http.Handler) http.Handler
}

// apiGroup returns the metrics label for a request path: the
// resource under /flame/v1/, "management" for the management API,
// or "other".
func apiGroup(path string) string {
	path = strings.TrimPrefix(path, "/")
	switch {
	case strings.HasPrefix(path, "flame/v1/dispatch/"):
		return "management"
	case strings.HasPrefix(path, "flame/v1/sessions"):
		return "sessions"
	case strings.HasPrefix(path, "flame/v1/executors"):
		return "executors"
	default:
		return "other"
	}
}

type metrics struct {
	next         http.Handler
	logger       *logrus.Logger
	inFlight     *prometheus.GaugeVec
	reqDuration  *prometheus.SummaryVec
	timeToStatus *prometheus.SummaryVec
	exportProm   http.Handler
}

func (*metrics) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook, collecting time-to-status from the
// response entries written by LogRequests.
func (m *metrics) Fire(ent *logrus.Entry) error {
	tts, ok := ent.Data["timeToStatus"].(float64)
	if !ok {
		return nil
	}
	method, _ := ent.Data["reqMethod"].(string)
	code, _ := ent.Data["respStatusCode"].(int)
	path, _ := ent.Data["reqPath"].(string)
	m.timeToStatus.WithLabelValues(apiGroup(path), strconv.Itoa(code), strings.ToLower(method)).Observe(tts)
	return nil
}

// ServeHTTP implements http.Handler. Long polls count as in flight
// until they return.
func (m *metrics) ServeHTTP(wrapped http.ResponseWriter, req *http.Request) {
	group := apiGroup(req.URL.Path)
	inFlight := m.inFlight.WithLabelValues(group)
	inFlight.Inc()
	defer inFlight.Dec()
	t0 := time.Now()
	w := WrapResponseWriter(wrapped)
	m.next.ServeHTTP(w, req)
	code := w.WroteStatus()
	if code == 0 {
		code = http.StatusOK
	}
	m.reqDuration.WithLabelValues(group, strconv.Itoa(code), strings.ToLower(req.Method)).Observe(time.Since(t0).Seconds())
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and passes other requests through to next. A
// non-empty token is required to read metrics.
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	plainMetrics := auth.RequireLiteralToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/metrics" && (req.Method == "GET" || req.Method == "HEAD") {
			plainMetrics.ServeHTTP(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Instrument returns a new Handler that passes requests through to
// next and tracks request metrics by API group. Requests must also
// pass through LogRequests(logger, ...) for time-to-status data.
//
// If registry is nil, a new registry is created. If logger is nil,
// logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := []string{"api", "code", "method"}
	m := &metrics{
		next:   next,
		logger: logger,
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flame",
			Name:      "requests_in_flight",
			Help:      "Number of requests being served, including long polls.",
		}, []string{"api"}),
		reqDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "flame",
			Name:      "request_duration_seconds",
			Help:      "Summary of request duration.",
		}, labels),
		timeToStatus: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "flame",
			Name:      "time_to_status_seconds",
			Help:      "Summary of request TTFB.",
		}, labels),
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: logger,
		}),
	}
	registry.MustRegister(m.inFlight, m.reqDuration, m.timeToStatus)
	m.logger.AddHook(m)
	return m
}
