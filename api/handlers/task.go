package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

// TaskStore is the part of the queue the API uses.
type TaskStore interface {
	GetTaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
}

type TaskHandler struct {
	tasks  TaskStore
	logger logger.Logger
}

func NewTaskHandler(tasks TaskStore, log logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: log.Named("task_handler")}
}

// GetTask 查询后台任务状态
func (h *TaskHandler) GetTask(c *gin.Context) {
	status, err := h.tasks.GetTaskStatus(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, h.logger, "Failed to get task status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// CancelTask 取消尚未完成的后台任务
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.tasks.CancelTask(c.Request.Context(), taskID); err != nil {
		respondError(c, h.logger, "Failed to cancel task", err)
		return
	}
	logger.FromContext(c.Request.Context(), h.logger).Info("Task cancelled", logger.String("taskId", taskID))
	c.Status(http.StatusNoContent)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health answers 503 when any dependency check fails.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status": overall,
		"checks": results,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
