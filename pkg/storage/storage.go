package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/storage/minio"
	"github.com/feichai0017/lecture-processor/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage 接口定义
type Storage interface {
	// Store 存储文件
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get 获取文件
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除文件
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is retrievable right now.
	Exists(ctx context.Context, key string) (bool, error)
	// IssueUploadTarget returns a presigned PUT for key.
	IssueUploadTarget(ctx context.Context, key string, expiry time.Duration) (*models.UploadTarget, error)
	// ResolveDownloadURL returns a presigned GET for key, or apperr.ErrNotFound.
	ResolveDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	// CleanupBefore 清理过期文件
	CleanupBefore(ctx context.Context, threshold time.Time) error
}

var (
	_ Storage = (*minio.MinioStorage)(nil)
	_ Storage = (*s3.S3Storage)(nil)
)

// NewStorage 创建存储实例的工厂方法
func NewStorage(storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.GetClient(log)
	case StorageTypeMinio:
		return minio.GetClient(log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// NewObjectKey builds a fresh key under uploads/ keeping the file extension.
func NewObjectKey(fileName string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(fileName, "\\", "/"))))
	// "." alone comes from empty names and names ending in a dot
	if len(ext) <= 1 || len(ext) > 10 || strings.ContainsAny(ext, " ?#%") {
		ext = ""
	}
	return "uploads/" + uuid.New().String() + ext
}

// ProcessedKey is where the extracted content of a record is kept.
func ProcessedKey(recordID string) string {
	return "processed/" + recordID + ".json"
}
