// internal/utils/validator/document.go
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
	maxTags              = 20
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64    // 最大文件大小（字节）
	AllowedTypes []string // 允许的 MIME 类型
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, cfg config.UploadConfig) *DocumentValidator {
	return &DocumentValidator{
		logger: log.Named("validator"),
		config: &ValidatorConfig{
			MaxFileSize:  cfg.MaxFileSize,
			AllowedTypes: cfg.AllowedTypes,
		},
	}
}

// ValidateRegistration checks upload metadata before anything touches
// storage or the record store. All problems are reported together.
func (v *DocumentValidator) ValidateRegistration(in models.RegisterUploadInput) error {
	errs := &apperr.ValidationError{}

	if strings.TrimSpace(in.OwnerID) == "" {
		errs.Add("ownerId", "is required")
	}
	if strings.TrimSpace(in.StorageRef) == "" {
		errs.Add("storageRef", "is required")
	}
	if strings.TrimSpace(in.FileName) == "" {
		errs.Add("fileName", "is required")
	}

	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		errs.Add("title", "is required")
	case utf8.RuneCountInString(title) > maxTitleLength:
		errs.Add("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		errs.Add("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if len(models.NormalizeTags(in.Tags)) > maxTags {
		errs.Add("tags", fmt.Sprintf("at most %d tags are allowed", maxTags))
	}

	v.checkFile(errs, in.FileType, in.FileSize)
	return errs.OrNil()
}

// ValidateFile 验证单个文件, detecting its MIME type from content.
func (v *DocumentValidator) ValidateFile(file *multipart.FileHeader) (*FileInfo, error) {
	info := &FileInfo{
		Filename:  file.Filename,
		Size:      file.Size,
		Extension: strings.ToLower(filepath.Ext(file.Filename)),
	}

	// 打开文件
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	// MIME类型验证
	mimeType, err := detectMimeType(f, info.Extension)
	if err != nil {
		return nil, fmt.Errorf("failed to detect mime type: %w", err)
	}
	info.MimeType = mimeType

	// 计算文件哈希
	hash, err := calculateHash(f)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}
	info.Hash = hash

	errs := &apperr.ValidationError{}
	if strings.TrimSpace(file.Filename) == "" {
		errs.Add("fileName", "is required")
	}
	v.checkFile(errs, info.MimeType, info.Size)
	if err := errs.OrNil(); err != nil {
		v.logger.Info("File rejected",
			logger.String("filename", file.Filename),
			logger.String("mimeType", info.MimeType),
			logger.Int64("size", info.Size),
		)
		return info, err
	}
	return info, nil
}

// ValidateFiles 批量验证文件. The first invalid file fails the batch.
func (v *DocumentValidator) ValidateFiles(ctx context.Context, files []*multipart.FileHeader) ([]*FileInfo, error) {
	results := make([]*FileInfo, len(files))
	g, _ := errgroup.WithContext(ctx)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			info, err := v.ValidateFile(file)
			if err != nil {
				return fmt.Errorf("%s: %w", file.Filename, err)
			}
			results[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AllowsType reports whether mimeType is accepted.
func (v *DocumentValidator) AllowsType(mimeType string) bool {
	mimeType = baseMIME(mimeType)
	for _, t := range v.config.AllowedTypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

func (v *DocumentValidator) checkFile(errs *apperr.ValidationError, mimeType string, size int64) {
	switch {
	case strings.TrimSpace(mimeType) == "":
		errs.Add("fileType", "is required")
	case !v.AllowsType(mimeType):
		errs.Add("fileType", fmt.Sprintf("type %s is not allowed", mimeType))
	}

	// 检查文件大小
	switch {
	case size <= 0:
		errs.Add("fileSize", "must be positive")
	case v.config.MaxFileSize > 0 && size > v.config.MaxFileSize:
		errs.Add("fileSize", fmt.Sprintf("exceeds maximum limit of %d bytes", v.config.MaxFileSize))
	}
}

// 检测MIME类型. Markdown sniffs as text/plain so the extension decides.
func detectMimeType(f multipart.File, ext string) (string, error) {
	buffer := make([]byte, 512)
	n, err := f.Read(buffer)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	mimeType := baseMIME(http.DetectContentType(buffer[:n]))
	if mimeType == "text/plain" && (ext == ".md" || ext == ".markdown") {
		return "text/markdown", nil
	}
	return mimeType, nil
}

func calculateHash(f multipart.File) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func baseMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
