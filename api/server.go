// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the supervisor's operations over HTTP: alert and
// insight queries, manual investigation, watcher control, circuit
// breaker control, a Prometheus /metrics endpoint, and a websocket feed
// of telemetry events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/breaker"
	"github.com/beamlens/beamlens/agent/coordinator"
	"github.com/beamlens/beamlens/agent/scheduler"
	"github.com/beamlens/beamlens/agent/watcher"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

// Core is the slice of the supervisor the API serves. Defined here so
// the supervisor can import this package without a cycle.
type Core interface {
	PendingAlerts() bool
	AlertCount() int
	Investigate(ctx context.Context) (*coordinator.Result, error)
	Run(ctx context.Context, rc coordinator.RunContext, opts coordinator.Options) (*coordinator.Result, error)
	ListWatchers() []watcher.StatusSnapshot
	WatcherStatus(name string) (watcher.StatusSnapshot, error)
	TriggerWatcher(name string) error
	Schedules() []scheduler.EntryStatus
	CircuitBreakerState() breaker.Snapshot
	ResetCircuitBreaker()
	Insights() []agent.Insight
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Server is the embedded HTTP surface.
//
// Thread Safety: safe for concurrent use after NewServer returns.
type Server struct {
	core    Core
	emitter *telemetry.Emitter
	log     *slog.Logger
	engine  *gin.Engine
	srv     *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(core Core, emitter *telemetry.Emitter) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		core:    core,
		emitter: emitter,
		log:     logging.NewLogger("api"),
		engine:  gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware("beamlens-api"))

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", s.metrics)
	s.engine.GET("/ws/events", s.streamEvents)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/alerts", s.getAlerts)
		v1.POST("/investigate", s.postInvestigate)
		v1.POST("/run", s.postRun)
		v1.GET("/insights", s.getInsights)
		v1.GET("/watchers", s.getWatchers)
		v1.GET("/watchers/:name", s.getWatcher)
		v1.POST("/watchers/:name/trigger", s.postTriggerWatcher)
		v1.GET("/schedules", s.getSchedules)
		v1.GET("/breaker", s.getBreaker)
		v1.POST("/breaker/reset", s.postBreakerReset)
	}

	return s
}

// Handler returns the underlying handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on addr. It returns once the listener goroutine
// is launched; serve errors other than graceful shutdown are logged.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", "error", err)
		}
	}()
	s.log.Info("api listening", "addr", addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// metrics serves the Prometheus endpoint. The handler is resolved per
// request because telemetry init may follow server construction.
func (s *Server) metrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "metrics exporter not enabled"})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) getAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": s.core.PendingAlerts(),
		"count":   s.core.AlertCount(),
	})
}

// postInvestigate drains the alert bus into a coordinator run.
//
// Description:
//
//	Returns {"status": "no_alerts"} when the bus is empty, otherwise the
//	run's insights and answer. A run already in flight is queued behind,
//	not rejected; the coordinator serializes invocations.
func (s *Server) postInvestigate(c *gin.Context) {
	result, err := s.core.Investigate(c.Request.Context())
	if err != nil {
		s.renderRunError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no_alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"insights": result.Insights,
		"answer":   result.Answer,
	})
}

type runRequest struct {
	Reason   string            `json:"reason" binding:"required"`
	Context  map[string]string `json:"context"`
	Skills   []string          `json:"skills"`
	Strategy string            `json:"strategy"`
}

func (s *Server) postRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Details: err.Error(),
		})
		return
	}

	rc := coordinator.RunContext{"reason": req.Reason}
	for k, v := range req.Context {
		rc[k] = v
	}

	result, err := s.core.Run(c.Request.Context(), rc, coordinator.Options{
		Skills:   req.Skills,
		Strategy: coordinator.Strategy(req.Strategy),
	})
	if err != nil {
		s.renderRunError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"insights":   result.Insights,
		"answer":     result.Answer,
		"iterations": result.Iterations,
	})
}

func (s *Server) renderRunError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrDeadlineExceeded), errors.Is(err, agent.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrCancelled):
		status = 499 // client closed request
	}
	c.JSON(status, ErrorResponse{Error: "run failed", Details: err.Error()})
}

func (s *Server) getInsights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"insights": s.core.Insights()})
}

func (s *Server) getWatchers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchers": s.core.ListWatchers()})
}

func (s *Server) getWatcher(c *gin.Context) {
	status, err := s.core.WatcherStatus(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "watcher not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) postTriggerWatcher(c *gin.Context) {
	err := s.core.TriggerWatcher(c.Param("name"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	case errors.Is(err, agent.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "watcher not found"})
	case errors.Is(err, agent.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "watcher already running"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "trigger failed",
			Details: err.Error(),
		})
	}
}

func (s *Server) getSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": s.core.Schedules()})
}

func (s *Server) getBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.CircuitBreakerState())
}

func (s *Server) postBreakerReset(c *gin.Context) {
	s.core.ResetCircuitBreaker()
	c.JSON(http.StatusOK, s.core.CircuitBreakerState())
}
