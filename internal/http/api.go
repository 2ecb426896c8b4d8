package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"

	"course-uploader/internal/auth"
	"course-uploader/internal/domain"
	"course-uploader/internal/repository"
	"course-uploader/internal/uploads"
)

// Submitter queues a source for upload and returns its upload id.
type Submitter interface {
	Submit(src uploads.Source) (string, error)
}

var (
	errOutsideRoot  = errors.New("path is outside the upload root")
	errNoUploadGate = errors.New("uploads need auth.jwt_secret or upload.root")
)

// Options configures the access rules of the API.
type Options struct {
	// JWTSecret enables bearer auth and CORS. Empty leaves the API open to
	// local callers only.
	JWTSecret string
	// UploadRoot confines POST /api/uploads to files below this directory.
	// Relative paths are resolved against it.
	UploadRoot string
}

// Handler wires HTTP routes to the upload manager.
type Handler struct {
	manager    *uploads.Manager
	pool       Submitter
	history    repository.HistoryRepository
	jwtSecret  string
	uploadRoot string
	logger     *logrus.Logger
}

// NewHandler builds the API. history may be nil. Without a secret or an
// upload root the API refuses to start uploads.
func NewHandler(manager *uploads.Manager, pool Submitter, history repository.HistoryRepository, opts Options, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		manager:    manager,
		pool:       pool,
		history:    history,
		jwtSecret:  strings.TrimSpace(opts.JWTSecret),
		uploadRoot: resolveRoot(opts.UploadRoot),
		logger:     logger,
	}
}

func resolveRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return ""
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	// browsers only get CORS access to an authenticated API
	if h.jwtSecret != "" {
		router.Use(corsMiddleware())
	}
	router.Use(requestLogger(h.logger))

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	protected := api.Group("")
	if h.jwtSecret != "" {
		protected.Use(authMiddleware(h.jwtSecret))
	}
	{
		protected.POST("/uploads", h.createUpload)
		protected.GET("/uploads", h.listUploads)
		protected.GET("/uploads/count", h.countUploads)
		protected.GET("/uploads/:id", h.getUpload)
		protected.POST("/uploads/:id/pause", h.pauseUpload)
		protected.POST("/uploads/:id/resume", h.resumeUpload)
		protected.DELETE("/uploads/:id", h.cancelUpload)
		protected.DELETE("/uploads", h.cancelAllUploads)
		protected.GET("/history", h.listHistory)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := auth.ParseToken(secret, strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

type createUploadRequest struct {
	Path        string `json:"path" binding:"required"`
	ContentType string `json:"contentType"`
}

func (h *Handler) createUpload(c *gin.Context) {
	// a JSON content type forces a CORS preflight on cross-site requests
	if c.ContentType() != binding.MIMEJSON {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
		return
	}
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path, err := h.resolveUploadPath(req.Path)
	switch {
	case errors.Is(err, errOutsideRoot), errors.Is(err, errNoUploadGate):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := uploads.FileSource(path, req.ContentType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.pool.Submit(src)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// resolveUploadPath maps a requested path to the file to upload. With an
// upload root, symlinks are followed and the target must stay below it.
func (h *Handler) resolveUploadPath(path string) (string, error) {
	if h.uploadRoot == "" {
		if h.jwtSecret == "" {
			return "", errNoUploadGate
		}
		return filepath.Clean(path), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.uploadRoot, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(h.uploadRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return resolved, nil
}

func (h *Handler) listUploads(c *gin.Context) {
	active := h.manager.GetActiveUploads()
	resp := make([]UploadResponse, len(active))
	for i := range active {
		resp[i] = uploadToResponse(active[i].Record)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) countUploads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": h.manager.GetActiveUploadsCount()})
}

func (h *Handler) getUpload(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, UploadStatusResponse{
		ID:        id,
		Status:    h.manager.GetUploadStatus(id),
		Cancelled: h.manager.IsUploadCancelled(id),
	})
}

func (h *Handler) pauseUpload(c *gin.Context) {
	h.transition(c, h.manager.PauseUpload)
}

func (h *Handler) resumeUpload(c *gin.Context) {
	h.transition(c, h.manager.ResumeUpload)
}

func (h *Handler) transition(c *gin.Context, apply func(id string) error) {
	id := c.Param("id")
	err := apply(id)
	switch {
	case errors.Is(err, uploads.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, uploads.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, UploadStatusResponse{ID: id, Status: h.manager.GetUploadStatus(id)})
	}
}

// cancelUpload always answers 202: unknown and already finished ids are
// not errors for the caller.
func (h *Handler) cancelUpload(c *gin.Context) {
	id := c.Param("id")
	// the remote notification must not die with the client connection
	h.manager.CancelUpload(context.WithoutCancel(c.Request.Context()), id)
	c.JSON(http.StatusAccepted, UploadStatusResponse{
		ID:        id,
		Status:    h.manager.GetUploadStatus(id),
		Cancelled: h.manager.IsUploadCancelled(id),
	})
}

func (h *Handler) cancelAllUploads(c *gin.Context) {
	n := h.manager.CancelAllUploads(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusAccepted, gin.H{"cancelled": n})
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload history not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	entries, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]HistoryResponse, len(entries))
	for i := range entries {
		resp[i] = historyToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

type UploadStatusResponse struct {
	ID        string              `json:"id"`
	Status    domain.UploadStatus `json:"status"`
	Cancelled bool                `json:"cancelled"`
}

type UploadResponse struct {
	ID              string              `json:"id"`
	Status          domain.UploadStatus `json:"status"`
	FileName        string              `json:"file_name"`
	Size            int64               `json:"size"`
	ContentType     string              `json:"content_type,omitempty"`
	BackendUploadID string              `json:"backend_upload_id,omitempty"`
	StartedAt       string              `json:"started_at"`
}

type HistoryResponse struct {
	ID              int64               `json:"id"`
	UploadID        string              `json:"upload_id"`
	BackendUploadID string              `json:"backend_upload_id,omitempty"`
	FileName        string              `json:"file_name"`
	Size            int64               `json:"size"`
	Status          domain.UploadStatus `json:"status"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	StartedAt       string              `json:"started_at"`
	FinishedAt      string              `json:"finished_at"`
}

func uploadToResponse(rec uploads.Record) UploadResponse {
	size, _ := strconv.ParseInt(rec.Metadata[domain.MetadataSize], 10, 64)
	backendID, _ := rec.BackendID()
	return UploadResponse{
		ID:              rec.ID,
		Status:          rec.Status,
		FileName:        rec.Metadata[domain.MetadataFileName],
		Size:            size,
		ContentType:     rec.Metadata[domain.MetadataContentType],
		BackendUploadID: backendID,
		StartedAt:       rec.StartTime.Format(time.RFC3339),
	}
}

func historyToResponse(entry domain.UploadHistoryEntry) HistoryResponse {
	return HistoryResponse{
		ID:              entry.ID,
		UploadID:        entry.UploadID,
		BackendUploadID: entry.BackendUploadID,
		FileName:        entry.FileName,
		Size:            entry.Size,
		Status:          entry.Status,
		ErrorMessage:    entry.ErrorMessage,
		StartedAt:       entry.StartedAt.Format(time.RFC3339),
		FinishedAt:      entry.FinishedAt.Format(time.RFC3339),
	}
}
