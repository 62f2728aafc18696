// Package httpapi exposes the scheduler's five control operations and its
// subscription stream over HTTP, so the engine is operable as a
// standalone process and not only as a Go library.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/romanitalian/streamreel/internal/domain"
	"github.com/romanitalian/streamreel/internal/scheduler"
)

// Handler wires HTTP routes to the scheduler.
type Handler struct {
	scheduler *scheduler.Scheduler
	auth      *Authenticator
}

func NewHandler(s *scheduler.Scheduler, auth *Authenticator) *Handler {
	return &Handler{scheduler: s, auth: auth}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/api/auth/token", h.issueToken)

	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	{
		api.POST("/tasks", h.addTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.POST("/tasks/:id/pause", h.pauseTask)
		api.POST("/tasks/:id/resume", h.resumeTask)
		api.POST("/tasks/:id/cancel", h.cancelTask)
		api.GET("/events", h.subscribeEvents)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type tokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

func (h *Handler) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.IssueToken(req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type addTaskRequest struct {
	URL   string `json:"url" binding:"required"`
	Title string `json:"title"`
	Key   string `json:"key"`
	IV    string `json:"iv"`
}

func (h *Handler) addTask(c *gin.Context) {
	var req addTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.scheduler.Add(c.Request.Context(), req.URL, req.Title, req.Key, req.IV)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.scheduler.List()
	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskToResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, ok := h.scheduler.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) pauseTask(c *gin.Context) {
	if err := h.scheduler.Pause(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resumeTask(c *gin.Context) {
	if err := h.scheduler.Resume(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelTask(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) subscribeEvents(c *gin.Context) {
	stop := make(chan struct{})
	defer close(stop)

	events := h.scheduler.Subscribe(stop)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case task, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("task", taskToResponse(task))
			return true
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", gin.H{})
			return true
		}
	})
}

type taskResponse struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	Kind            string  `json:"kind"`
	SavePath        string  `json:"savePath,omitempty"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	DownloadedUnits int64   `json:"downloadedUnits"`
	TotalUnits      int64   `json:"totalUnits"`
	Error           string  `json:"error,omitempty"`
	ArchiveLocation string  `json:"archiveLocation,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

func taskToResponse(t domain.Task) taskResponse {
	return taskResponse{
		ID:              t.ID,
		URL:             t.URL,
		Title:           t.Title,
		Kind:            string(t.Kind),
		SavePath:        t.SavePath,
		Status:          string(t.Status),
		Progress:        t.Progress,
		DownloadedUnits: t.DownloadedUnits,
		TotalUnits:      t.TotalUnits,
		Error:           t.Error,
		ArchiveLocation: t.ArchiveLocation,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       t.UpdatedAt.Format(time.RFC3339),
	}
}
