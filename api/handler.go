package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"splatapi/config"
	"splatapi/task"
)

type Handler struct {
	manager  *task.Manager
	registry *task.Registry
	cfg      *config.Config
}

func NewHandler(mgr *task.Manager, registry *task.Registry, cfg *config.Config) *Handler {
	return &Handler{
		manager:  mgr,
		registry: registry,
		cfg:      cfg,
	}
}

type TaskRequest struct {
	Kind      string                 `json:"kind" binding:"required"`
	ScenePath string                 `json:"scenePath" binding:"required"`
	Input     map[string]interface{} `json:"input"`
}

// handleCreateTask accepts a reconstruction job for a scene directory the
// upload collaborator has already prepared.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := task.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := map[string]interface{}{}
	for k, v := range req.Input {
		input[k] = v
	}
	input["scenePath"] = req.ScenePath

	id, err := h.manager.Submit(kind, input)
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": id})
}

// handleListTasks lists task snapshots, optionally filtered by status.
func (h *Handler) handleListTasks(c *gin.Context) {
	var filter *task.Status
	if s := c.Query("status"); s != "" {
		status, err := task.ParseStatus(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter = &status
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit: %q", l)})
			return
		}
		limit = n
	}

	c.JSON(http.StatusOK, h.registry.List(filter, limit))
}

// handleGetTaskStatus returns a read-only snapshot of one task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, found := h.registry.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancelTask requests cooperative cancellation.
func (h *Handler) handleCancelTask(c *gin.Context) {
	if !h.registry.Cancel(c.Param("taskId")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task not found or already in a terminal state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleDeleteTask removes a terminal task from the registry.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, found := h.registry.Get(taskID); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if !h.registry.Delete(taskID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Task is still running, cancel it first"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted"})
}

// handleDownloadResult streams the reconstructed point cloud of a
// completed task.
func (h *Handler) handleDownloadResult(c *gin.Context) {
	t, found := h.registry.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if t.Status != task.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Task is %s, not completed", t.Status)})
		return
	}

	files, _ := t.Result["files"].(map[string]string)
	path := files["point_cloud"]
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task produced no point cloud artifact"})
		return
	}
	c.FileAttachment(path, "point_cloud.ply")
}

// handleStats reports registry-wide task statistics.
func (h *Handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Statistics())
}
