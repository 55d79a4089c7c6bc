// Package http exposes the reviewd API: review submission, workflow
// inspection, health, and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Server provides HTTP endpoints for reviewd.
type Server struct {
	echo      *echo.Echo
	workflows workflow.Service
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// NewServer creates the API server.
func NewServer(workflows workflow.Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if workflows == nil {
		return nil, fmt.Errorf("workflow service is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: ":9180", ShutdownTimeout: 10 * time.Second}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.Middleware())

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		workflows: workflows,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reviews", s.handleCreateReview)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
}

// CreateReviewRequest is the request body for POST /api/v1/reviews.
type CreateReviewRequest struct {
	RepoPath string   `json:"repo_path"`
	Paths    []string `json:"paths,omitempty"`
	Scope    string   `json:"scope,omitempty"`
}

// CreateReviewResponse is the response body for POST /api/v1/reviews.
type CreateReviewResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateReview starts an asynchronous review workflow.
func (s *Server) handleCreateReview(c echo.Context) error {
	var req CreateReviewRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid review request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RepoPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_path field is required")
	}

	id, err := s.workflows.Start(c.Request().Context(), &workflow.ReviewRequest{
		RepoPath: req.RepoPath,
		Paths:    req.Paths,
		Scope:    req.Scope,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "coordinator is shutting down")
		}
		s.logger.Error("failed to start review", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, CreateReviewResponse{WorkflowID: id})
}

// handleGetWorkflow returns the current state of one execution.
func (s *Server) handleGetWorkflow(c echo.Context) error {
	exec, err := s.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		s.logger.Error("failed to load workflow", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow")
	}
	return c.JSON(http.StatusOK, exec)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if _, ok := ctx.Deadline(); !ok && s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
