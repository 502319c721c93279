package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

// DocumentWorker serves document tasks from Redis through asynq.
type DocumentWorker struct {
	BaseWorker
	statuses queue.Queue
}

func NewDocumentWorker(cfg *Config, src TaskSource, statuses queue.Queue, log logger.Logger) (*DocumentWorker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Queues == nil {
		cfg.Queues = queue.Queues()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == nil {
		retryDelay = func(n int) time.Duration { return time.Duration(n) * time.Minute }
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return retryDelay(n)
			},
		},
	)

	w := &DocumentWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log.Named("worker"),
			stopChan: make(chan struct{}),
		},
		statuses: statuses,
	}

	// 注册任务处理器
	for taskType, h := range src.TaskHandlers() {
		w.mux.HandleFunc(taskType, w.adapt(taskType, Wrap(taskType, h, w.logger)))
	}
	return w, nil
}

// adapt decodes the asynq envelope and keeps the cached task status current.
func (w *DocumentWorker) adapt(taskType string, h queue.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		// 反序列化任务
		var task queue.Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			w.logger.Error("Failed to unmarshal task",
				logger.Error(err),
				logger.String("payload", string(t.Payload())),
			)
			return fmt.Errorf("failed to unmarshal task: %v: %w", err, asynq.SkipRetry)
		}
		if task.ID == "" {
			if id, ok := asynq.GetTaskID(ctx); ok {
				task.ID = id
			}
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		started := time.Now().UTC()

		w.saveStatus(ctx, &queue.TaskStatus{
			TaskID:    task.ID,
			Type:      taskType,
			Status:    queue.StatusRunning,
			Attempts:  retried + 1,
			StartedAt: started,
		})
		w.writeResult(t, `{"status":"running","progress":0}`)

		err := h(ctx, &task)
		status := &queue.TaskStatus{
			TaskID:     task.ID,
			Type:       taskType,
			Attempts:   retried + 1,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
		if err != nil {
			status.Status = queue.StatusRetry
			if retried >= maxRetry || isSkipRetry(err) {
				status.Status = queue.StatusFailed
			}
			status.Error = err.Error()
			w.saveStatus(ctx, status)
			w.writeResult(t, fmt.Sprintf(`{"status":%q,"error":%q}`, status.Status, err.Error()))
			return err
		}

		status.Status = queue.StatusCompleted
		status.Progress = 1.0
		w.saveStatus(ctx, status)
		w.writeResult(t, `{"status":"completed","progress":100}`)
		return nil
	}
}

func (w *DocumentWorker) saveStatus(ctx context.Context, status *queue.TaskStatus) {
	if w.statuses == nil || status.TaskID == "" {
		return
	}
	if err := w.statuses.SaveFinalStatus(ctx, status); err != nil {
		w.logger.Warn("Failed to save task status",
			logger.String("taskId", status.TaskID),
			logger.Error(err),
		)
	}
}

func (w *DocumentWorker) writeResult(t *asynq.Task, body string) {
	rw := t.ResultWriter()
	if rw == nil {
		return
	}
	if _, err := rw.Write([]byte(body)); err != nil {
		w.logger.Warn("Failed to write task result", logger.Error(err))
	}
}

func (w *DocumentWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.stopChan:
		}
	}()

	return nil
}
