// pkg/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/feichai0017/lecture-processor/internal/apperr"
)

// TaskType 定义任务类型
const (
	TaskTypeLocalProcess     = "document:local_process"
	TaskTypeExternalIngest   = "document:external_ingest"
	TaskTypeExternalComplete = "document:external_complete"
	TaskTypeExternalDelete   = "document:external_delete"
)

// 优先级，对应 critical/default/low 三个队列
const (
	PriorityCritical = 1
	PriorityDefault  = 2
	PriorityLow      = 3
)

// 任务状态
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusRetry     = "retry"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrSkipRetry marks a handler error that retrying cannot fix. Both the
// asynq server and LocalQueue stop retrying when a handler error wraps it.
var ErrSkipRetry = asynq.SkipRetry

// ErrClosed is returned by Enqueue after the queue was closed.
var ErrClosed = errors.New("queue closed")

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
	SaveFinalStatus(ctx context.Context, status *TaskStatus) error
}

// HandlerFunc processes one delivery of a task. It may run more than once
// for the same task.
type HandlerFunc func(ctx context.Context, task *Task) error

// Task 定义任务结构
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
	// Delay 仅在入队时使用
	Delay time.Duration `json:"-"`
}

// NewTask encodes payload and assigns a fresh id.
func NewTask(taskType string, payload interface{}, priority int) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Priority:  priority,
		Payload:   raw,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v. A payload that cannot be decoded is
// never retried.
func (t *Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s has no payload: %w", t.ID, ErrSkipRetry)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %v: %w", t.Type, err, ErrSkipRetry)
	}
	return nil
}

// TaskStatus 定义任务状态
type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	Type       string    `json:"type,omitempty"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// IsFinal reports whether the task will not run again.
func (s *TaskStatus) IsFinal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func taskNotFound(taskID string) error {
	return fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
}

func queueFor(priority int) string {
	switch priority {
	case PriorityCritical:
		return "critical"
	case PriorityDefault:
		return "default"
	default:
		return "low"
	}
}

// Queues is the asynq queue weight table shared by server and inspector.
func Queues() map[string]int {
	return map[string]int{
		"critical": 6,
		"default":  3,
		"low":      1,
	}
}
