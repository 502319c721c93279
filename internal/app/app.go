// Package app builds the shared object graph used by the server, the worker
// and lecturectl.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/feichai0017/lecture-processor/api/handlers"
	"github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/internal/agent"
	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/internal/service/document"
	"github.com/feichai0017/lecture-processor/internal/service/search"
	"github.com/feichai0017/lecture-processor/internal/utils/validator"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
	"github.com/feichai0017/lecture-processor/pkg/storage"
	"github.com/feichai0017/lecture-processor/pkg/worker"
)

const (
	QueueModeAsynq = "asynq"
	QueueModeLocal = "local"

	DriverMemory = "memory"
)

// Settings gathers the env and file configuration one process runs with.
type Settings struct {
	Server   *config.ServerConfig
	Database *config.DatabaseConfig
	Redis    *config.RedisConfig
	OpenAI   *config.OpenAIConfig
	Textract *config.TextractConfig
	Pipeline *config.PipelineConfig
}

// LoadSettings reads every config source.
func LoadSettings() (*Settings, error) {
	server := config.GetServerConfig()
	pipeline, err := config.LoadPipeline(server.PipelineConfig)
	if err != nil {
		return nil, err
	}
	return &Settings{
		Server:   server,
		Database: config.GetDatabaseConfig(),
		Redis:    config.GetRedisConfig(),
		OpenAI:   config.GetOpenAIConfig(),
		Textract: config.GetTextractConfig(),
		Pipeline: pipeline,
	}, nil
}

// App owns every long-lived dependency. Close releases them.
type App struct {
	Settings *Settings

	DB         *gorm.DB
	Repository repository.DocumentRepository
	Storage    storage.Storage
	Queue      queue.Queue
	AI         ai.Service
	Processors *agent.ProcessorFactory
	Documents  *document.DocumentService
	// Search is nil when no AI service is configured
	Search search.Searcher

	asynqQueue *queue.AsynqQueue
	localQueue *queue.LocalQueue
	logger     logger.Logger
}

// Overrides replace dependencies built from Settings, mostly for tests.
type Overrides struct {
	Repository repository.DocumentRepository
	Storage    storage.Storage
	AI         ai.Service
	Queue      queue.Queue
}

// New builds the application. In local queue mode the document task handlers
// run inside this process.
func New(ctx context.Context, s *Settings, o Overrides, log logger.Logger) (*App, error) {
	a := &App{Settings: s, logger: log}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o Overrides) error {
	s := a.Settings
	var err error

	// 记录存储
	a.Repository = o.Repository
	if a.Repository == nil {
		if a.Repository, err = a.openRepository(ctx); err != nil {
			return err
		}
	}

	// 文件存储
	a.Storage = o.Storage
	if a.Storage == nil {
		if a.Storage, err = storage.NewStorage(storage.StorageType(s.Server.StorageType), a.logger); err != nil {
			return fmt.Errorf("failed to init storage: %w", err)
		}
	}

	// AI 服务，未配置时只做本地处理
	a.AI = o.AI
	if a.AI == nil && strings.TrimSpace(s.OpenAI.APIKey) != "" {
		client, err := ai.NewClient(s.OpenAI, a.logger)
		if err != nil {
			return err
		}
		a.AI = client
	}
	if a.AI == nil {
		a.logger.Warn("No AI service configured, external ingestion and search are disabled")
	}

	// 任务队列
	a.Queue = o.Queue
	if a.Queue == nil {
		if a.Queue, err = a.openQueue(); err != nil {
			return err
		}
	}

	a.Processors, err = agent.NewProcessorFactory(ctx, agent.FactoryOptions{
		Processing: s.Pipeline.Processing,
		Textract:   s.Textract,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to init processors: %w", err)
	}

	a.Documents, err = document.NewService(document.Dependencies{
		Repository: a.Repository,
		Storage:    a.Storage,
		Queue:      a.Queue,
		AI:         a.AI,
		Processors: a.Processors,
		Validator:  validator.NewDocumentValidator(a.logger, s.Pipeline.Upload),
	}, &document.ServiceConfig{
		UploadURLExpiry:   s.Pipeline.Upload.UploadURLExpiry,
		DownloadURLExpiry: s.Pipeline.Upload.DownloadURLExpiry,
		MaxBatchSize:      s.Pipeline.Upload.MaxBatchSize,
	}, a.logger)
	if err != nil {
		return err
	}

	if a.AI != nil {
		svc, err := search.NewService(a.AI, a.Repository, s.Pipeline.Search, a.logger)
		if err != nil {
			return err
		}
		a.Search = svc
	}

	if a.localQueue != nil {
		worker.RegisterLocal(a.localQueue, a.Documents, a.logger)
	}
	return nil
}

func (a *App) openRepository(ctx context.Context) (repository.DocumentRepository, error) {
	db := a.Settings.Database
	if db.Driver == DriverMemory {
		a.logger.Warn("Using in-memory record store, records are lost on restart")
		return repository.NewMemoryRepository(), nil
	}
	conn, err := repository.OpenDatabase(db.Driver, db.ConnString(), a.logger)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	repo := repository.NewGormRepository(conn, a.logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (a *App) openQueue() (queue.Queue, error) {
	s := a.Settings
	switch s.Server.QueueMode {
	case QueueModeLocal:
		a.localQueue = queue.NewLocalQueue(a.logger,
			queue.WithMaxRetries(s.Pipeline.Queue.MaxRetry),
			queue.WithConcurrency(s.Pipeline.Queue.Concurrency),
		)
		return a.localQueue, nil
	case QueueModeAsynq, "":
		q, err := queue.NewAsynqQueue(&queue.QueueConfig{
			RedisAddr:      s.Redis.Addr,
			RedisPassword:  s.Redis.Password,
			RedisDB:        s.Redis.DB,
			MaxRetries:     s.Pipeline.Queue.MaxRetry,
			ProcessTimeout: s.Pipeline.Queue.TaskTimeout,
			Concurrency:    s.Pipeline.Queue.Concurrency,
			StatusTTL:      s.Pipeline.Queue.StatusTTL,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.asynqQueue = q
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue mode: %s", s.Server.QueueMode)
	}
}

// NewWorker builds the asynq worker serving document tasks. It is only
// meaningful in asynq queue mode.
func (a *App) NewWorker() (worker.Worker, error) {
	if a.asynqQueue == nil {
		return nil, errors.New("worker requires QUEUE_MODE=asynq")
	}
	s := a.Settings
	return worker.NewDocumentWorker(&worker.Config{
		RedisAddr:     s.Redis.Addr,
		RedisPassword: s.Redis.Password,
		RedisDB:       s.Redis.DB,
		Concurrency:   s.Pipeline.Queue.Concurrency,
		Queues:        queue.Queues(),
	}, a.Documents, a.Queue, a.logger)
}

// HealthChecks returns a check per reachable dependency.
func (a *App) HealthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if a.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if a.asynqQueue != nil {
		checks["redis"] = a.asynqQueue.Ping
	}
	return checks
}

// Handlers wires the HTTP handlers to this application.
func (a *App) Handlers() *handlers.Handlers {
	return handlers.NewHandlers(a.Documents, a.Search, a.Queue, a.HealthChecks(), a.logger)
}

// Close releases every dependency that was opened. Pending local tasks are
// drained first.
func (a *App) Close() error {
	var errs []error
	if a.localQueue != nil {
		done := make(chan struct{})
		go func() {
			a.localQueue.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			a.logger.Warn("Timed out waiting for local tasks")
		}
		errs = append(errs, a.localQueue.Close())
	}
	if a.asynqQueue != nil {
		errs = append(errs, a.asynqQueue.Close())
	}
	if a.Processors != nil {
		errs = append(errs, a.Processors.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
