// Package api exposes the pipeline over HTTP: submission, status,
// cancellation and listing under /api/v1, the WebSocket progress feed,
// and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/pipeline"
	"github.com/scholarlab/paperflow/pkg/store"
)

// PipelineService is the pipeline surface the API fronts; satisfied by
// *pipeline.Core.
type PipelineService interface {
	Submit(ctx context.Context, userID, paperID string, stages []models.StageKind, deadline *time.Time) (string, error)
	Status(ctx context.Context, requestID string) (*models.PipelineStatus, error)
	Cancel(ctx context.Context, requestID string) error
	ListRequests(ctx context.Context, userID string, limit int) ([]*models.RequestSummary, error)
}

// HealthFunc reports backend health; satisfied by a closure over
// store.Health.
type HealthFunc func(ctx context.Context) (*store.HealthStatus, error)

// Server wires the gin engine.
type Server struct {
	service PipelineService
	health  HealthFunc
	ws      http.HandlerFunc
	logger  *slog.Logger
}

// NewServer builds the API server. ws may be nil when the event feed is
// not wired (tests); the route is then omitted.
func NewServer(service PipelineService, health HealthFunc, ws http.HandlerFunc, logger *slog.Logger) *Server {
	return &Server{service: service, health: health, ws: ws, logger: logger}
}

// Router assembles the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/pipelines", s.submit)
		v1.GET("/pipelines", s.list)
		v1.GET("/pipelines/:id", s.status)
		v1.POST("/pipelines/:id/cancel", s.cancel)
	}

	if s.ws != nil {
		router.GET("/ws", gin.WrapF(s.ws))
	}
	router.GET("/health", s.healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

type submitRequest struct {
	UserID     string   `json:"user_id" binding:"required"`
	PaperID    string   `json:"paper_id" binding:"required"`
	Stages     []string `json:"stages" binding:"required,min=1"`
	DeadlineMs int64    `json:"deadline_ms,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

func (s *Server) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	stages := make([]models.StageKind, len(req.Stages))
	for i, raw := range req.Stages {
		stages[i] = models.StageKind(raw)
	}
	var deadline *time.Time
	if req.DeadlineMs > 0 {
		d := time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
		deadline = &d
	}

	requestID, err := s.service.Submit(c.Request.Context(), req.UserID, req.PaperID, stages, deadline)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{RequestID: requestID})
}

func (s *Server) status(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancel(c *gin.Context) {
	if err := s.service.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) list(c *gin.Context) {
	userID := c.Query("user")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user query parameter is required"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	summaries, err := s.service.ListRequests(c.Request.Context(), userID, limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": summaries})
}

func (s *Server) healthHandler(c *gin.Context) {
	status, err := s.health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// renderError maps service failures onto HTTP statuses. Stage error kinds
// carry the caller/provider distinction; everything unattributed is a 500.
func (s *Server) renderError(c *gin.Context, err error) {
	var serr *models.StageError
	switch {
	case errors.Is(err, pipeline.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &serr) && (serr.Kind == models.ErrKindInvalidInput || serr.Kind == models.ErrKindInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": serr.Message})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}
