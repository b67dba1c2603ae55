package api

import (
	"github.com/gin-gonic/gin"

	"splatapi/config"
	"splatapi/task"
)

func SetupRouter(mgr *task.Manager, registry *task.Registry, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(mgr, registry, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.DELETE("/tasks/:taskId", h.handleDeleteTask)
		v1.GET("/tasks/:taskId/result", h.handleDownloadResult)
		v1.GET("/stats", h.handleStats)
	}
	return r
}
