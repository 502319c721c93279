package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// TaskSource is implemented by services that own background task types.
type TaskSource interface {
	TaskHandlers() map[string]queue.HandlerFunc
}

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	Queues        map[string]int
	// RetryDelay 第 n 次重试前的等待时间
	RetryDelay func(n int) time.Duration
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.server.Shutdown()
	})
	return nil
}

// Wrap adds logging around h and marks errors that retrying cannot fix so
// the queue drops the task instead of redelivering it.
func Wrap(taskType string, h queue.HandlerFunc, log logger.Logger) queue.HandlerFunc {
	return func(ctx context.Context, task *queue.Task) error {
		start := time.Now()
		log.Info("Processing task",
			logger.String("taskId", task.ID),
			logger.String("type", taskType),
		)

		err := h(ctx, task)
		if err == nil {
			log.Info("Task completed",
				logger.String("taskId", task.ID),
				logger.String("type", taskType),
				logger.Duration("elapsed", time.Since(start)),
			)
			return nil
		}

		log.Error("Task failed",
			logger.String("taskId", task.ID),
			logger.String("type", taskType),
			logger.Bool("permanent", apperr.IsPermanent(err)),
			logger.Error(err),
		)
		if apperr.IsPermanent(err) {
			return fmt.Errorf("%w: %w", queue.ErrSkipRetry, err)
		}
		return err
	}
}

// RegisterLocal wires every handler of src into an in-process queue.
func RegisterLocal(q *queue.LocalQueue, src TaskSource, log logger.Logger) {
	log = log.Named("worker")
	for taskType, h := range src.TaskHandlers() {
		q.Handle(taskType, Wrap(taskType, h, log))
	}
}

func isSkipRetry(err error) bool {
	return errors.Is(err, queue.ErrSkipRetry)
}
