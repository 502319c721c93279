package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

var _ Queue = (*LocalQueue)(nil)

// LocalQueue runs tasks on goroutines inside the current process. Tasks are
// retried up to MaxRetries times unless the handler error wraps ErrSkipRetry.
// Nothing survives a restart; use AsynqQueue where that matters.
type LocalQueue struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	statuses map[string]*TaskStatus
	cancels  map[string]context.CancelFunc

	maxRetries int
	retryDelay func(attempt int) time.Duration
	sem        chan struct{}

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	logger logger.Logger
}

// LocalOption customises a LocalQueue.
type LocalOption func(*LocalQueue)

func WithMaxRetries(n int) LocalOption {
	return func(q *LocalQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithRetryDelay(fn func(attempt int) time.Duration) LocalOption {
	return func(q *LocalQueue) { q.retryDelay = fn }
}

func WithConcurrency(n int) LocalOption {
	return func(q *LocalQueue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

func NewLocalQueue(log logger.Logger, opts ...LocalOption) *LocalQueue {
	ctx, stop := context.WithCancel(context.Background())
	q := &LocalQueue{
		handlers:   make(map[string]HandlerFunc),
		statuses:   make(map[string]*TaskStatus),
		cancels:    make(map[string]context.CancelFunc),
		maxRetries: 3,
		retryDelay: func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		sem:        make(chan struct{}, 10),
		ctx:        ctx,
		stop:       stop,
		logger:     log.Named("local_queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle registers the handler for a task type. Later registrations win.
func (q *LocalQueue) Handle(taskType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Enqueue schedules task and returns immediately.
func (q *LocalQueue) Enqueue(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if task.ID == "" {
		return fmt.Errorf("task %s has no id", task.Type)
	}
	if _, dup := q.statuses[task.ID]; dup {
		return fmt.Errorf("task %s already enqueued", task.ID)
	}

	initial := StatusPending
	if task.Delay > 0 {
		initial = StatusScheduled
	}
	q.statuses[task.ID] = &TaskStatus{TaskID: task.ID, Type: task.Type, Status: initial}

	taskCtx, cancel := context.WithCancel(q.ctx)
	q.cancels[task.ID] = cancel

	q.wg.Add(1)
	go q.run(taskCtx, task)
	return nil
}

func (q *LocalQueue) run(ctx context.Context, task *Task) {
	defer q.wg.Done()
	defer q.forget(task.ID)

	if task.Delay > 0 {
		timer := time.NewTimer(task.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			q.finish(task.ID, StatusCancelled, ctx.Err())
			return
		}
	}

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-ctx.Done():
		q.finish(task.ID, StatusCancelled, ctx.Err())
		return
	}

	for attempt := 0; ; attempt++ {
		q.update(task.ID, func(s *TaskStatus) {
			s.Status = StatusRunning
			s.Attempts = attempt + 1
			if s.StartedAt.IsZero() {
				s.StartedAt = time.Now().UTC()
			}
		})

		err := q.invoke(ctx, task)
		if err == nil {
			q.finish(task.ID, StatusCompleted, nil)
			return
		}
		if errors.Is(err, ErrSkipRetry) || attempt >= q.maxRetries || ctx.Err() != nil {
			q.logger.Error("Task failed",
				logger.String("taskId", task.ID),
				logger.String("type", task.Type),
				logger.Int("attempts", attempt+1),
				logger.Error(err),
			)
			q.finish(task.ID, StatusFailed, err)
			return
		}

		q.logger.Warn("Task failed, retrying",
			logger.String("taskId", task.ID),
			logger.String("type", task.Type),
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
		q.update(task.ID, func(s *TaskStatus) {
			s.Status = StatusRetry
			s.Error = err.Error()
		})

		if d := q.retryDelay(attempt + 1); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				q.finish(task.ID, StatusCancelled, ctx.Err())
				return
			}
		}
	}
}

func (q *LocalQueue) invoke(ctx context.Context, task *Task) (err error) {
	q.mu.Lock()
	h, ok := q.handlers[task.Type]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for task type %s: %w", task.Type, ErrSkipRetry)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", task.Type, r)
		}
	}()
	return h(ctx, task)
}

func (q *LocalQueue) update(taskID string, fn func(*TaskStatus)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.statuses[taskID]; ok {
		fn(s)
	}
}

func (q *LocalQueue) finish(taskID, state string, err error) {
	q.update(taskID, func(s *TaskStatus) {
		if s.Status == StatusCancelled {
			return
		}
		s.Status = state
		s.FinishedAt = time.Now().UTC()
		s.Error = ""
		if err != nil {
			s.Error = err.Error()
		}
		if state == StatusCompleted {
			s.Progress = 1.0
		}
	})
}

func (q *LocalQueue) forget(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.cancels[taskID]; ok {
		cancel()
		delete(q.cancels, taskID)
	}
}

// GetTaskStatus 获取任务状态
func (q *LocalQueue) GetTaskStatus(_ context.Context, taskID string) (*TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.statuses[taskID]
	if !ok {
		return nil, taskNotFound(taskID)
	}
	c := *s
	return &c, nil
}

// CancelTask stops a task that has not finished yet.
func (q *LocalQueue) CancelTask(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.statuses[taskID]
	if !ok {
		return taskNotFound(taskID)
	}
	if s.IsFinal() {
		return fmt.Errorf("task %s already %s: %w", taskID, s.Status, apperr.ErrConcurrentModification)
	}
	s.Status = StatusCancelled
	s.FinishedAt = time.Now().UTC()
	if cancel, ok := q.cancels[taskID]; ok {
		cancel()
	}
	return nil
}

// SaveFinalStatus 保存任务状态
func (q *LocalQueue) SaveFinalStatus(_ context.Context, status *TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *status
	q.statuses[status.TaskID] = &c
	return nil
}

// Wait blocks until every enqueued task has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close rejects new tasks, cancels pending ones and waits for running handlers.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.stop()
	q.wg.Wait()
	return nil
}
