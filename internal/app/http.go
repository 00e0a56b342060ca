package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"manuscript/api/internal/identity"
	"manuscript/api/internal/ratelimit"
	"manuscript/api/internal/store"
	"manuscript/api/internal/workflow"
)

const (
	actorKey     = "actor"
	requestIDKey = "requestID"
)

type actorResolver interface {
	Resolve(ctx context.Context, authorization, remoteIP string) (identity.Actor, error)
	Anonymous(remoteIP string) identity.Anonymous
}

type HTTPServer struct {
	service    *Service
	resolver   actorResolver
	metrics    http.Handler
	corsOrigin string
	maxUpload  int64
	logger     *zap.Logger
}

// NewHTTPServer wires the JSON API. metricsHandler may be nil.
func NewHTTPServer(service *Service, resolver actorResolver, metricsHandler http.Handler, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		resolver:   resolver,
		metrics:    metricsHandler,
		corsOrigin: corsOrigin,
		maxUpload:  service.cfg.MaxUploadBytes,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.withMiddleware)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := router.Group("/api")
	api.GET("/health", s.health)
	api.HEAD("/health", s.health)
	api.GET("/ready", s.ready)
	api.HEAD("/ready", s.ready)

	routes := api.Group("", s.withActor)
	routes.GET("/session", s.session)
	routes.GET("/search", s.search)

	routes.GET("/venues", s.listVenues)
	routes.POST("/venues", s.createVenue)
	routes.PATCH("/venues/:id", s.updateVenue)
	routes.DELETE("/venues/:id", s.deleteVenue)
	routes.PUT("/venues/:id/chief", s.setChief)
	routes.POST("/venues/:id/editors", s.addEditor)
	routes.DELETE("/venues/:id/editors/:userId", s.removeEditor)

	routes.POST("/manuscripts", s.submit)
	routes.GET("/manuscripts/mine", s.listOwn)
	routes.GET("/manuscripts/published", s.listPublished)
	routes.GET("/manuscripts/:id", s.getManuscript)
	routes.DELETE("/manuscripts/:id", s.deleteManuscript)
	routes.POST("/manuscripts/:id/resubmit", s.resubmit)
	routes.POST("/manuscripts/:id/withdraw", s.withdraw)
	routes.POST("/manuscripts/:id/deletion-request", s.requestDeletion)
	routes.POST("/manuscripts/:id/cover", s.requestCover)
	routes.POST("/manuscripts/:id/cover/approve", s.approveCover)
	routes.GET("/manuscripts/:id/history", s.history)
	routes.PUT("/manuscripts/:id/funds", s.replaceFunds)
	routes.PUT("/manuscripts/:id/aoi-vote", s.vote)
	routes.GET("/funds/approved", s.listFunds)

	routes.GET("/review/queue", s.reviewQueue)
	routes.POST("/manuscripts/:id/admit", s.admit)
	routes.POST("/manuscripts/:id/reject", s.reject)
	routes.POST("/manuscripts/:id/revision-requests", s.requestRevision)
	routes.GET("/manuscripts/:id/formal-log", s.formalLog)
	routes.GET("/manuscripts/:id/timeline", s.timeline)
	routes.POST("/manuscripts/:id/timeline", s.postTimeline)

	routes.GET("/manuscripts/:id/comments", s.comments)
	routes.POST("/manuscripts/:id/comments", s.postComment)
	routes.POST("/events/:id/like", s.toggleLike)
	routes.DELETE("/events/:id", s.deleteEvent)

	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	return router
}

func (s *HTTPServer) health(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"database": s.service.Ping,
		"storage":  s.service.PingBlobs,
	} {
		if err := ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	status := "ready"
	if statusCode != http.StatusOK {
		status = "not_ready"
	}
	writeJSON(c, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) withMiddleware(c *gin.Context) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = randomRequestID()
	}
	c.Set(requestIDKey, requestID)

	started := time.Now()
	setCORSHeaders(c.Writer.Header(), s.corsOrigin)
	c.Header("X-Request-ID", requestID)

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
	} else {
		c.Next()
	}

	s.logger.Info("request",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
}

// withActor resolves the caller once per request. A bad token is refused
// rather than treated as anonymous.
func (s *HTTPServer) withActor(c *gin.Context) {
	actor, err := s.resolver.Resolve(c.Request.Context(), c.GetHeader("Authorization"), c.ClientIP())
	if err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set(actorKey, actor)
	c.Next()
}

func actorOf(c *gin.Context) identity.Actor {
	if value, ok := c.Get(actorKey); ok {
		if actor, ok := value.(identity.Actor); ok {
			return actor
		}
	}
	return identity.Anonymous{}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(c, status, response)
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	writeError(c, status, code, message, details)
}

// respond writes payload or the mapped error.
func (s *HTTPServer) respond(c *gin.Context, status int, payload any, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, status, payload)
}

func decodeBody(c *gin.Context, target any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return value
}

// readUpload reads the multipart "file" field within the configured size
// limit. A missing file yields an empty Upload.
func (s *HTTPServer) readUpload(c *gin.Context) (Upload, error) {
	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+1<<20)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Upload{}, invalidField("file", fmt.Sprintf("file exceeds %d bytes", s.maxUpload))
		}
		if errors.Is(err, http.ErrMissingFile) {
			return Upload{}, nil
		}
		return Upload{}, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
	}
	file, err := header.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	reader := io.Reader(file)
	if s.maxUpload > 0 {
		reader = io.LimitReader(file, s.maxUpload+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}
	return Upload{Filename: header.Filename, Data: data}, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily limit reached", nil
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrInvariantViolation):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, workflow.ErrVenueNotInPool):
		return http.StatusConflict, "VENUE_NOT_IN_POOL", err.Error(), nil
	case errors.Is(err, workflow.ErrNoCandidateVenues), errors.Is(err, workflow.ErrTooManyVenues),
		errors.Is(err, workflow.ErrMixedVenueKinds), errors.Is(err, workflow.ErrSingleConference):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]string{"venueIds": err.Error()}
	case errors.Is(err, store.ErrVenueNotEmpty):
		return http.StatusConflict, "VENUE_NOT_EMPTY", err.Error(), nil
	case errors.Is(err, store.ErrUniqueViolation):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
