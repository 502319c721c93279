package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SearchConfig tunes the run poller.
type SearchConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	MaxPollAttempts       int           `yaml:"max_poll_attempts"`
	AssistantModel        string        `yaml:"assistant_model"`
	AssistantInstructions string        `yaml:"assistant_instructions"`
	VerifyConcurrency     int           `yaml:"verify_concurrency"`
}

// UploadConfig bounds what intake accepts.
type UploadConfig struct {
	MaxFileSize       int64         `yaml:"max_file_size"`
	AllowedTypes      []string      `yaml:"allowed_types"`
	UploadURLExpiry   time.Duration `yaml:"upload_url_expiry"`
	DownloadURLExpiry time.Duration `yaml:"download_url_expiry"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
}

// QueueConfig tunes background task execution.
type QueueConfig struct {
	MaxRetry    int           `yaml:"max_retry"`
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	StatusTTL   time.Duration `yaml:"status_ttl"`
}

// ProcessingConfig bounds local content validation.
type ProcessingConfig struct {
	MinImageWidth  int `yaml:"min_image_width"`
	MinImageHeight int `yaml:"min_image_height"`
	MaxImageWidth  int `yaml:"max_image_width"`
	MaxImageHeight int `yaml:"max_image_height"`
	ChunkSize      int `yaml:"chunk_size"`
}

// PipelineConfig is the root of pipeline.yaml.
type PipelineConfig struct {
	Search     SearchConfig     `yaml:"search"`
	Upload     UploadConfig     `yaml:"upload"`
	Queue      QueueConfig      `yaml:"queue"`
	Processing ProcessingConfig `yaml:"processing"`
}

const defaultMaxRetry = 3

// LoadPipeline reads path. A missing file yields the defaults, and keys absent
// from the file keep their default value.
func LoadPipeline(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPipeline(), nil
		}
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	cfg := DefaultPipeline()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	applyPipelineDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultPipeline() *PipelineConfig {
	// max_retry 可以显式配置为 0，所以默认值只在这里给出
	cfg := &PipelineConfig{Queue: QueueConfig{MaxRetry: defaultMaxRetry}}
	applyPipelineDefaults(cfg)
	return cfg
}

func applyPipelineDefaults(cfg *PipelineConfig) {
	if cfg.Search.PollInterval <= 0 {
		cfg.Search.PollInterval = time.Second
	}
	if cfg.Search.MaxPollAttempts <= 0 {
		cfg.Search.MaxPollAttempts = 120
	}
	if cfg.Search.AssistantModel == "" {
		cfg.Search.AssistantModel = "gpt-4-turbo-preview"
	}
	if cfg.Search.AssistantInstructions == "" {
		cfg.Search.AssistantInstructions = "Answer questions using only the attached lecture documents. Cite the document when possible."
	}
	if cfg.Search.VerifyConcurrency <= 0 {
		cfg.Search.VerifyConcurrency = 8
	}

	if cfg.Upload.MaxFileSize <= 0 {
		cfg.Upload.MaxFileSize = 50 << 20
	}
	if len(cfg.Upload.AllowedTypes) == 0 {
		cfg.Upload.AllowedTypes = []string{
			"application/pdf",
			"text/plain",
			"text/markdown",
			"image/png",
			"image/jpeg",
		}
	}
	if cfg.Upload.UploadURLExpiry <= 0 {
		cfg.Upload.UploadURLExpiry = 15 * time.Minute
	}
	if cfg.Upload.DownloadURLExpiry <= 0 {
		cfg.Upload.DownloadURLExpiry = 5 * time.Minute
	}
	if cfg.Upload.MaxBatchSize <= 0 {
		cfg.Upload.MaxBatchSize = 20
	}

	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 10
	}
	if cfg.Queue.TaskTimeout <= 0 {
		cfg.Queue.TaskTimeout = 5 * time.Minute
	}
	if cfg.Queue.StatusTTL <= 0 {
		cfg.Queue.StatusTTL = 24 * time.Hour
	}

	if cfg.Processing.MinImageWidth <= 0 {
		cfg.Processing.MinImageWidth = 32
	}
	if cfg.Processing.MinImageHeight <= 0 {
		cfg.Processing.MinImageHeight = 32
	}
	if cfg.Processing.MaxImageWidth <= 0 {
		cfg.Processing.MaxImageWidth = 10000
	}
	if cfg.Processing.MaxImageHeight <= 0 {
		cfg.Processing.MaxImageHeight = 10000
	}
	if cfg.Processing.ChunkSize <= 0 {
		cfg.Processing.ChunkSize = 2000
	}
}

// Validate rejects settings that cannot work together.
func (c *PipelineConfig) Validate() error {
	if c.Processing.MinImageWidth > c.Processing.MaxImageWidth ||
		c.Processing.MinImageHeight > c.Processing.MaxImageHeight {
		return fmt.Errorf("invalid pipeline config: image bounds min exceeds max")
	}
	if c.Queue.MaxRetry < 0 {
		return fmt.Errorf("invalid pipeline config: max_retry cannot be negative")
	}
	return nil
}

// AllowsType reports whether intake accepts the MIME type.
func (c *UploadConfig) AllowsType(mimeType string) bool {
	for _, t := range c.AllowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}
