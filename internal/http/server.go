// Package http provides the HTTP API for agentd.
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

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/control"
	"github.com/fyrsmithlabs/agentd/internal/conversation"
	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// Control is the conversation surface the server exposes.
type Control interface {
	Start(ctx context.Context, req control.StartRequest) (conversation.Snapshot, error)
	Submit(ctx context.Context, id, inputID, text string) (conversation.Snapshot, error)
	Confirm(ctx context.Context, id, invocationID string) (conversation.Snapshot, error)
	Cancel(ctx context.Context, id, invocationID string) (conversation.Snapshot, error)
	ChangeGoal(ctx context.Context, id, goalID string) (conversation.Snapshot, error)
	End(ctx context.Context, id, reason string) (conversation.Snapshot, error)
	State(ctx context.Context, id string) (conversation.Snapshot, error)
	History(ctx context.Context, id string) ([]conversation.Message, error)
	Goals() []catalog.Goal
}

// Server provides HTTP endpoints for agentd.
type Server struct {
	echo    *echo.Echo
	control Control
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(ctrl Control, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("control cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:    e,
		control: ctrl,
		logger:  logger,
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.GET("/goals", s.handleGoals)
	v1.POST("/conversations", s.handleStart)

	conv := v1.Group("/conversations/:id")
	conv.GET("", s.handleState)
	conv.GET("/history", s.handleHistory)
	conv.POST("/inputs", s.handleSubmit)
	conv.POST("/confirm", s.handleConfirm)
	conv.POST("/cancel", s.handleCancel)
	conv.POST("/goal", s.handleGoal)
	conv.POST("/end", s.handleEnd)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleGoals(c echo.Context) error {
	return c.JSON(http.StatusOK, GoalsResponse{Goals: s.control.Goals()})
}

func (s *Server) handleStart(c echo.Context) error {
	var req control.StartRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.Start(c.Request().Context(), req)
	return s.respond(c, http.StatusCreated, snap, err)
}

func (s *Server) handleState(c echo.Context) error {
	snap, err := s.control.State(c.Request().Context(), c.Param("id"))
	return s.respond(c, http.StatusOK, snap, err)
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	history, err := s.control.History(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	if history == nil {
		history = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{ConversationID: id, Messages: history})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.Submit(c.Request().Context(), c.Param("id"), req.InputID, req.Text)
	return s.respond(c, http.StatusAccepted, snap, err)
}

func (s *Server) handleConfirm(c echo.Context) error {
	var req InvocationRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.Confirm(c.Request().Context(), c.Param("id"), req.InvocationID)
	return s.respond(c, http.StatusAccepted, snap, err)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req InvocationRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.Cancel(c.Request().Context(), c.Param("id"), req.InvocationID)
	return s.respond(c, http.StatusAccepted, snap, err)
}

func (s *Server) handleGoal(c echo.Context) error {
	var req GoalRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.ChangeGoal(c.Request().Context(), c.Param("id"), req.Goal)
	return s.respond(c, http.StatusAccepted, snap, err)
}

func (s *Server) handleEnd(c echo.Context) error {
	var req EndRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, err)
	}
	snap, err := s.control.End(c.Request().Context(), c.Param("id"), req.Reason)
	return s.respond(c, http.StatusAccepted, snap, err)
}

// respond writes the snapshot. A refused action still carries the state
// when the control surface could read it.
func (s *Server) respond(c echo.Context, status int, snap conversation.Snapshot, err error) error {
	if err == nil {
		return c.JSON(status, StateResponse{Snapshot: snap})
	}
	if snap.ConversationID == "" {
		return s.fail(c, err)
	}
	code, msg := s.errorStatus(c, err)
	return c.JSON(code, StateResponse{Snapshot: snap, Error: msg})
}

func (s *Server) fail(c echo.Context, err error) error {
	code, msg := s.errorStatus(c, err)
	return c.JSON(code, ErrorResponse{Error: msg})
}

func (s *Server) badRequest(c echo.Context, err error) error {
	s.logger.Warn("invalid request body", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
}

// errorStatus maps control errors onto status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) errorStatus(c echo.Context, err error) (int, string) {
	switch {
	case errors.Is(err, control.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, control.ErrConversationNotFound), errors.Is(err, catalog.ErrUnknownGoal):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, conversation.ErrInputQueueSaturated):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, conversation.ErrConversationEnded):
		return http.StatusConflict, err.Error()
	default:
		s.logger.Error("control request failed",
			zap.String("path", c.Path()),
			zap.String("conversation.id", c.Param("id")),
			zap.String("request_id", logging.RequestIDFromContext(c.Request().Context())),
			zap.Error(err))
		return http.StatusInternalServerError, "internal error"
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
