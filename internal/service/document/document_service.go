package document

import (
	"context"
	"mime/multipart"
	"time"

	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/converters"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

// DocumentProcessor is what the API and the admin CLI use.
type DocumentProcessor interface {
	RequestUploadTarget(ctx context.Context, fileName string) (*models.UploadTarget, error)
	RegisterUpload(ctx context.Context, in models.RegisterUploadInput) (string, error)
	UploadDocument(ctx context.Context, in UploadInput, header *multipart.FileHeader) (*models.DocumentRecord, error)
	UploadBatch(ctx context.Context, in UploadInput, headers []*multipart.FileHeader) ([]*models.DocumentRecord, error)

	GetDocument(ctx context.Context, id string) (*models.DocumentRecord, error)
	ListDocuments(ctx context.Context, ownerID string) ([]*models.DocumentRecord, error)
	GetProcessingStatus(ctx context.Context, id string) (*models.ProcessingStatus, error)
	GetProcessedContent(ctx context.Context, id string) (*converters.ProcessedDocument, error)
	DeleteDocument(ctx context.Context, id string) error
	ReprocessPending(ctx context.Context) (int, error)

	TaskHandlers() map[string]queue.HandlerFunc
}

// ProcessorProvider picks the content processor for a MIME type or extension.
type ProcessorProvider interface {
	GetProcessor(fileType string) (document.Processor, error)
}

// UploadInput is the metadata sent alongside a direct multipart upload.
type UploadInput struct {
	OwnerID                   string
	Title                     string
	Description               string
	Tags                      []string
	RequestExternalProcessing bool
}

type ServiceConfig struct {
	UploadURLExpiry   time.Duration
	DownloadURLExpiry time.Duration
	MaxBatchSize      int
	// BatchConcurrency 批量上传时的并发数
	BatchConcurrency int
}

func (c *ServiceConfig) withDefaults() *ServiceConfig {
	out := ServiceConfig{}
	if c != nil {
		out = *c
	}
	if out.UploadURLExpiry <= 0 {
		out.UploadURLExpiry = 15 * time.Minute
	}
	if out.DownloadURLExpiry <= 0 {
		out.DownloadURLExpiry = 5 * time.Minute
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = 20
	}
	if out.BatchConcurrency <= 0 {
		out.BatchConcurrency = 4
	}
	return &out
}
