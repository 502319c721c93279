package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/internal/utils/validator"
	"github.com/feichai0017/lecture-processor/pkg/converters"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
	"github.com/feichai0017/lecture-processor/pkg/storage"
)

var _ DocumentProcessor = (*DocumentService)(nil)

type DocumentService struct {
	repo       repository.DocumentRepository
	storage    storage.Storage
	queue      queue.Queue
	ai         ai.Service
	processors ProcessorProvider
	validator  *validator.DocumentValidator
	converter  *converters.JSONConverter
	httpClient *http.Client
	logger     logger.Logger
	config     *ServiceConfig
	now        func() time.Time
}

// Dependencies are the collaborators a DocumentService drives.
type Dependencies struct {
	Repository repository.DocumentRepository
	Storage    storage.Storage
	Queue      queue.Queue
	AI         ai.Service
	Processors ProcessorProvider
	Validator  *validator.DocumentValidator
	// HTTPClient fetches stored bytes for external ingestion
	HTTPClient *http.Client
}

func NewService(deps Dependencies, cfg *ServiceConfig, log logger.Logger) (*DocumentService, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("document service: repository is required")
	case deps.Storage == nil:
		return nil, errors.New("document service: storage is required")
	case deps.Queue == nil:
		return nil, errors.New("document service: queue is required")
	case deps.Processors == nil:
		return nil, errors.New("document service: processors are required")
	case deps.Validator == nil:
		return nil, errors.New("document service: validator is required")
	}
	hc := deps.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &DocumentService{
		repo:       deps.Repository,
		storage:    deps.Storage,
		queue:      deps.Queue,
		ai:         deps.AI,
		processors: deps.Processors,
		validator:  deps.Validator,
		converter:  converters.NewJSONConverter(),
		httpClient: hc,
		logger:     log.Named("document_service"),
		config:     cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// RequestUploadTarget issues a presigned PUT for a fresh storage ref. It has
// no record store side effects.
func (s *DocumentService) RequestUploadTarget(ctx context.Context, fileName string) (*models.UploadTarget, error) {
	key := storage.NewObjectKey(fileName)
	target, err := s.storage.IssueUploadTarget(ctx, key, s.config.UploadURLExpiry)
	if err != nil {
		return nil, apperr.Transport("issue upload target", apperr.ErrStorageUnavailable, 0, "", err)
	}
	return target, nil
}

// RegisterUpload creates the record for bytes already in storage and
// schedules its processing. The record is only created once the storage
// object is confirmed to exist.
func (s *DocumentService) RegisterUpload(ctx context.Context, in models.RegisterUploadInput) (string, error) {
	in.Tags = models.NormalizeTags(in.Tags)
	if err := s.validator.ValidateRegistration(in); err != nil {
		return "", err
	}

	// 读后写校验：对象必须已经存在
	ok, err := s.storage.Exists(ctx, in.StorageRef)
	if err != nil {
		s.logger.Warn("Storage existence check failed",
			logger.String("storageRef", in.StorageRef),
			logger.Error(err),
		)
		return "", apperr.Transport("verify storage object", apperr.ErrStorageVerificationFailed, 0, "", err)
	}
	if !ok {
		return "", fmt.Errorf("storage object %s: %w", in.StorageRef, apperr.ErrStorageVerificationFailed)
	}

	now := s.now()
	rec := &models.DocumentRecord{
		OwnerID:     strings.TrimSpace(in.OwnerID),
		StorageRef:  in.StorageRef,
		FileName:    in.FileName,
		FileType:    baseMIME(in.FileType),
		FileSize:    in.FileSize,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Tags:        in.Tags,
		UploadedAt:  now,
		LastUpdated: now,

		ExternalRequested: in.RequestExternalProcessing,
	}
	id, err := s.repo.Create(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}

	log := logger.FromContext(ctx, s.logger).With(logger.String("recordId", id))
	log.Info("Document registered",
		logger.String("storageRef", in.StorageRef),
		logger.String("fileType", rec.FileType),
		logger.Bool("external", in.RequestExternalProcessing),
	)

	// 入队失败只记录日志，由 ReprocessPending 兜底
	if _, err := s.enqueue(ctx, queue.TaskTypeLocalProcess, queue.LocalProcessPayload{RecordID: id}, queue.PriorityDefault, id); err != nil {
		log.Error("Failed to enqueue local processing", logger.Error(err))
	}
	if in.RequestExternalProcessing {
		if _, err := s.enqueue(ctx, queue.TaskTypeExternalIngest, queue.ExternalIngestPayload{RecordID: id}, queue.PriorityDefault, id); err != nil {
			log.Error("Failed to enqueue external ingestion", logger.Error(err))
		}
	}
	return id, nil
}

// UploadDocument stores the bytes of a multipart file under a fresh storage
// ref and registers them.
func (s *DocumentService) UploadDocument(ctx context.Context, in UploadInput, header *multipart.FileHeader) (*models.DocumentRecord, error) {
	info, err := s.validator.ValidateFile(header)
	if err != nil {
		return nil, err
	}
	return s.storeAndRegister(ctx, in, header, info)
}

func (s *DocumentService) storeAndRegister(ctx context.Context, in UploadInput, header *multipart.FileHeader, info *validator.FileInfo) (*models.DocumentRecord, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", header.Filename, err)
	}
	defer file.Close()

	// 存储文件
	key, err := s.storage.Store(ctx, file, storage.NewObjectKey(header.Filename))
	if err != nil {
		return nil, apperr.Transport("store upload", apperr.ErrStorageUnavailable, 0, "", err)
	}

	title := in.Title
	if strings.TrimSpace(title) == "" {
		title = titleFromFileName(header.Filename)
	}
	id, err := s.RegisterUpload(ctx, models.RegisterUploadInput{
		OwnerID:                   in.OwnerID,
		StorageRef:                key,
		FileName:                  header.Filename,
		FileType:                  info.MimeType,
		FileSize:                  info.Size,
		Title:                     title,
		Description:               in.Description,
		Tags:                      in.Tags,
		RequestExternalProcessing: in.RequestExternalProcessing,
	})
	if err != nil {
		if delErr := s.storage.Delete(ctx, key); delErr != nil {
			s.logger.Warn("Failed to remove unregistered upload",
				logger.String("storageRef", key),
				logger.Error(delErr),
			)
		}
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// UploadBatch validates every file first, then stores and registers them
// concurrently. Titles come from the file names.
func (s *DocumentService) UploadBatch(ctx context.Context, in UploadInput, headers []*multipart.FileHeader) ([]*models.DocumentRecord, error) {
	if len(headers) == 0 {
		return nil, apperr.Invalid("files", "at least one file is required")
	}
	if len(headers) > s.config.MaxBatchSize {
		return nil, apperr.Invalid("files", fmt.Sprintf("at most %d files per batch", s.config.MaxBatchSize))
	}

	infos, err := s.validator.ValidateFiles(ctx, headers)
	if err != nil {
		return nil, err
	}

	records := make([]*models.DocumentRecord, len(headers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)
	for i, header := range headers {
		i, header := i, header
		g.Go(func() error {
			item := in
			item.Title = ""
			rec, err := s.storeAndRegister(gctx, item, header, infos[i])
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", header.Filename, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return compact(records), err
	}
	return records, nil
}

func (s *DocumentService) GetDocument(ctx context.Context, id string) (*models.DocumentRecord, error) {
	return s.repo.Get(ctx, id)
}

func (s *DocumentService) ListDocuments(ctx context.Context, ownerID string) ([]*models.DocumentRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Invalid("ownerId", "is required")
	}
	return s.repo.ListByOwner(ctx, ownerID)
}

// GetProcessingStatus 获取处理状态
func (s *DocumentService) GetProcessingStatus(ctx context.Context, id string) (*models.ProcessingStatus, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.StatusOf(rec), nil
}

// GetProcessedContent returns the content extracted by the local worker.
func (s *DocumentService) GetProcessedContent(ctx context.Context, id string) (*converters.ProcessedDocument, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.LocalComplete {
		return nil, fmt.Errorf("processed content of %s (state %s): %w", id, rec.LocalState(), apperr.ErrNotFound)
	}

	reader, err := s.storage.Get(ctx, storage.ProcessedKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get processed content: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed content: %w", err)
	}
	doc, err := s.converter.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode processed content: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the record, then best-effort removes its stored
// bytes and schedules removal of its external file.
func (s *DocumentService) DeleteDocument(ctx context.Context, id string) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	log := logger.FromContext(ctx, s.logger).With(logger.String("recordId", id))

	if err := s.storage.Delete(ctx, rec.StorageRef); err != nil {
		log.Warn("Failed to delete stored file",
			logger.String("storageRef", rec.StorageRef),
			logger.Error(err),
		)
	}
	if rec.LocalComplete {
		if err := s.storage.Delete(ctx, storage.ProcessedKey(id)); err != nil {
			log.Warn("Failed to delete processed content", logger.Error(err))
		}
	}
	if rec.ExternalID != nil {
		payload := queue.ExternalDeletePayload{RecordID: id, ExternalID: *rec.ExternalID}
		if _, err := s.enqueue(ctx, queue.TaskTypeExternalDelete, payload, queue.PriorityLow, id); err != nil {
			log.Warn("Failed to schedule external file deletion",
				logger.String("externalId", *rec.ExternalID),
				logger.Error(err),
			)
		}
	}

	log.Info("Document deleted")
	return nil
}

// ReprocessPending re-enqueues the work that RegisterUpload may have lost:
// local processing for records no worker has picked up, and external
// ingestion for records that asked for it but are not AI-ready. A record
// whose ingest is still in flight may be uploaded twice; the completion
// handler keeps the first external file and deletes the other. It returns
// the number of tasks enqueued.
func (s *DocumentService) ReprocessPending(ctx context.Context) (int, error) {
	byStatus := func(localProcessed, externalProcessed bool) ([]*models.DocumentRecord, error) {
		recs, err := s.repo.ListByStatus(ctx, localProcessed, externalProcessed)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending records: %w", err)
		}
		return recs, nil
	}

	unpicked, err := byStatus(false, false)
	if err != nil {
		return 0, err
	}
	unpickedReady, err := byStatus(false, true)
	if err != nil {
		return 0, err
	}
	pickedNotReady, err := byStatus(true, false)
	if err != nil {
		return 0, err
	}

	type job struct {
		taskType string
		payload  interface{}
		recordID string
	}
	var jobs []job
	for _, recs := range [][]*models.DocumentRecord{unpicked, unpickedReady} {
		for _, rec := range recs {
			jobs = append(jobs, job{queue.TaskTypeLocalProcess, queue.LocalProcessPayload{RecordID: rec.ID}, rec.ID})
		}
	}
	for _, recs := range [][]*models.DocumentRecord{unpicked, pickedNotReady} {
		for _, rec := range recs {
			if rec.ExternalPending() {
				jobs = append(jobs, job{queue.TaskTypeExternalIngest, queue.ExternalIngestPayload{RecordID: rec.ID}, rec.ID})
			}
		}
	}

	var (
		count int
		errs  []error
	)
	for _, j := range jobs {
		if _, err := s.enqueue(ctx, j.taskType, j.payload, queue.PriorityLow, j.recordID); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", j.recordID, err))
			continue
		}
		count++
	}
	s.logger.Info("Pending records re-enqueued",
		logger.Int("enqueued", count),
		logger.Int("failed", len(errs)),
	)
	return count, errors.Join(errs...)
}

// enqueue 创建任务并加入队列
func (s *DocumentService) enqueue(ctx context.Context, taskType string, payload interface{}, priority int, recordID string) (string, error) {
	task, err := queue.NewTask(taskType, payload, priority)
	if err != nil {
		return "", err
	}
	task.Metadata["recordId"] = recordID
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return task.ID, nil
}

func titleFromFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" || title == "." {
		return "Untitled"
	}
	return title
}

func baseMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func compact(recs []*models.DocumentRecord) []*models.DocumentRecord {
	out := make([]*models.DocumentRecord, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
