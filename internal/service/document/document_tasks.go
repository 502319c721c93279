package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
	"github.com/feichai0017/lecture-processor/pkg/storage"
)

// maxErrorBody caps how much of a failed fetch response is kept.
const maxErrorBody = 4 << 10

// TaskHandlers 注册任务处理器
func (s *DocumentService) TaskHandlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{
		queue.TaskTypeLocalProcess:     s.HandleLocalProcess,
		queue.TaskTypeExternalIngest:   s.HandleExternalIngest,
		queue.TaskTypeExternalComplete: s.HandleExternalComplete,
		queue.TaskTypeExternalDelete:   s.HandleExternalDelete,
	}
}

// HandleLocalProcess moves a record through Uploaded -> Processing ->
// {Complete | Failed}. It only writes the local fields, with plain patches.
func (s *DocumentService) HandleLocalProcess(ctx context.Context, task *queue.Task) error {
	var payload queue.LocalProcessPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	log := s.logger.With(logger.String("recordId", payload.RecordID), logger.String("taskId", task.ID))

	rec, err := s.repo.Get(ctx, payload.RecordID)
	if err != nil {
		return fmt.Errorf("local processing of %s: %w", payload.RecordID, err)
	}
	// 重复投递时已完成的记录直接跳过
	if rec.LocalComplete {
		log.Info("Local processing already complete, skipping")
		return nil
	}

	if _, err := s.repo.Patch(ctx, rec.ID, models.RecordPatch{
		LocalProcessed:  models.Bool(true),
		LocalComplete:   models.Bool(false),
		ClearLocalError: true,
	}, nil); err != nil {
		return fmt.Errorf("failed to mark record processing: %w", err)
	}

	chunks, procErr := s.extract(ctx, rec)
	if procErr != nil {
		msg := procErr.Error()
		if _, err := s.repo.Patch(ctx, rec.ID, models.RecordPatch{
			LocalProcessed: models.Bool(true),
			LocalComplete:  models.Bool(false),
			LocalError:     &msg,
		}, nil); err != nil {
			log.Error("Failed to record local processing error",
				logger.String("processingError", msg),
				logger.Error(err),
			)
		}
		return procErr
	}

	if _, err := s.repo.Patch(ctx, rec.ID, models.RecordPatch{LocalComplete: models.Bool(true)}, nil); err != nil {
		return fmt.Errorf("failed to mark record complete: %w", err)
	}
	log.Info("Local processing complete", logger.Int("chunks", chunks))
	return nil
}

// extract runs the content processor over the stored bytes and keeps the
// result as processed/<id>.json.
func (s *DocumentService) extract(ctx context.Context, rec *models.DocumentRecord) (int, error) {
	processor, err := s.processors.GetProcessor(rec.FileType)
	if err != nil {
		if byExt, extErr := s.processors.GetProcessor(filepath.Ext(rec.FileName)); extErr == nil {
			processor, err = byExt, nil
		}
	}
	if err != nil {
		return 0, err
	}

	// 获取文件
	reader, err := s.storage.Get(ctx, rec.StorageRef)
	if err != nil {
		return 0, fmt.Errorf("failed to get stored file: %w", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to read stored file: %w", err)
	}

	// 处理文档
	start := time.Now()
	chunks, err := processor.Process(ctx, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to process document: %w", err)
	}
	if len(chunks) == 0 {
		return 0, document.Unreadable("no content extracted from %s", rec.FileName)
	}

	doc, err := s.converter.Convert(rec, chunks, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to convert document: %w", err)
	}
	// 元数据只是补充信息，失败不影响处理结果
	if meta, err := processor.ExtractMetadata(ctx, bytes.NewReader(data)); err != nil {
		s.logger.Warn("Failed to extract document metadata",
			logger.String("recordId", rec.ID),
			logger.Error(err),
		)
	} else {
		s.converter.MergeSource(doc, meta)
	}
	out, err := s.converter.Marshal(doc)
	if err != nil {
		return 0, err
	}
	if _, err := s.storage.Store(ctx, bytes.NewReader(out), storage.ProcessedKey(rec.ID)); err != nil {
		return 0, fmt.Errorf("failed to store processed content: %w", err)
	}
	return len(chunks), nil
}

// HandleExternalIngest uploads a record's bytes to the AI service and
// schedules the completion patch. Every step failure ends the invocation;
// nothing is rolled back.
func (s *DocumentService) HandleExternalIngest(ctx context.Context, task *queue.Task) error {
	var payload queue.ExternalIngestPayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	if s.ai == nil {
		return errors.New("external ingestion requested but no AI service is configured")
	}
	log := s.logger.With(logger.String("recordId", payload.RecordID), logger.String("taskId", task.ID))

	rec, err := s.repo.Get(ctx, payload.RecordID)
	if err != nil {
		return fmt.Errorf("external ingestion of %s: %w", payload.RecordID, err)
	}
	if rec.AIReady() {
		log.Info("Record already ingested, skipping", logger.String("externalId", *rec.ExternalID))
		return nil
	}
	expectedVersion := rec.Version

	// 1. 获取下载地址
	url, err := s.storage.ResolveDownloadURL(ctx, rec.StorageRef, s.config.DownloadURLExpiry)
	if err != nil {
		return apperr.Transport("resolve download url", apperr.ErrStorageUnavailable, 0, "", err)
	}

	// 2. 拉取文件内容
	body, err := s.fetch(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	// 3. 上传到 AI 服务
	file, err := s.ai.UploadFile(ctx, rec.FileName, body)
	if err != nil {
		var apiErr *ai.APIError
		if errors.As(err, &apiErr) {
			return apperr.Transport("upload to ai service", apperr.ErrExternalUploadFailed, apiErr.StatusCode, apiErr.Body, err)
		}
		return apperr.Transport("upload to ai service", apperr.ErrExternalUploadFailed, 0, "", err)
	}
	log.Info("Uploaded to AI service", logger.String("externalId", file.ID))

	// 4. 异步完成
	complete := queue.ExternalCompletePayload{
		RecordID:        rec.ID,
		ExternalID:      file.ID,
		ExpectedVersion: models.Version(expectedVersion),
	}
	if _, err := s.enqueue(ctx, queue.TaskTypeExternalComplete, complete, queue.PriorityCritical, rec.ID); err != nil {
		// 重试整个任务会重复上传，这里直接在当前任务内完成
		log.Warn("Failed to enqueue completion, applying inline", logger.Error(err))
		return s.completeExternal(ctx, complete)
	}
	return nil
}

func (s *DocumentService) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Transport("fetch stored bytes", apperr.ErrFetchFailed, 0, "", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport("fetch stored bytes", apperr.ErrFetchFailed, 0, "", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, apperr.Transport("fetch stored bytes", apperr.ErrFetchFailed, resp.StatusCode, string(raw), nil)
	}
	return resp.Body, nil
}

// HandleExternalComplete records the external id on the record.
func (s *DocumentService) HandleExternalComplete(ctx context.Context, task *queue.Task) error {
	var payload queue.ExternalCompletePayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	return s.completeExternal(ctx, payload)
}

func (s *DocumentService) completeExternal(ctx context.Context, payload queue.ExternalCompletePayload) error {
	if payload.ExternalID == "" {
		return apperr.Invalid("externalId", "is required")
	}
	log := s.logger.With(
		logger.String("recordId", payload.RecordID),
		logger.String("externalId", payload.ExternalID),
	)
	patch := models.RecordPatch{
		ExternalID:        models.Str(payload.ExternalID),
		ExternalProcessed: models.Bool(true),
	}

	_, err := s.repo.Patch(ctx, payload.RecordID, patch, payload.ExpectedVersion)
	switch {
	case err == nil:
		log.Info("External processing recorded")
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		// 记录已被删除，远端文件成为孤儿
		log.Warn("Record gone before completion, removing external file")
		s.scheduleExternalDelete(ctx, payload.RecordID, payload.ExternalID)
		return nil
	case !errors.Is(err, apperr.ErrConcurrentModification):
		return err
	}

	current, getErr := s.repo.Get(ctx, payload.RecordID)
	if getErr != nil {
		return fmt.Errorf("%w (re-read failed: %v)", err, getErr)
	}
	if current.ExternalID != nil {
		if *current.ExternalID != payload.ExternalID {
			log.Warn("Record already has another external file, discarding this one",
				logger.String("currentExternalId", *current.ExternalID),
			)
			s.scheduleExternalDelete(ctx, payload.RecordID, payload.ExternalID)
		}
		return nil
	}

	// 版本被其他字段的更新推进过，按最新版本再试一次
	if _, err := s.repo.Patch(ctx, payload.RecordID, patch, models.Version(current.Version)); err != nil {
		return err
	}
	log.Info("External processing recorded after version refresh")
	return nil
}

func (s *DocumentService) scheduleExternalDelete(ctx context.Context, recordID, externalID string) {
	payload := queue.ExternalDeletePayload{RecordID: recordID, ExternalID: externalID}
	if _, err := s.enqueue(ctx, queue.TaskTypeExternalDelete, payload, queue.PriorityLow, recordID); err != nil {
		s.logger.Warn("Failed to schedule external file deletion",
			logger.String("externalId", externalID),
			logger.Error(err),
		)
	}
}

// HandleExternalDelete removes a file from the AI service. Failures are
// logged and swallowed.
func (s *DocumentService) HandleExternalDelete(ctx context.Context, task *queue.Task) error {
	var payload queue.ExternalDeletePayload
	if err := task.Decode(&payload); err != nil {
		return err
	}
	if s.ai == nil || payload.ExternalID == "" {
		return nil
	}
	if err := s.ai.DeleteFile(ctx, payload.ExternalID); err != nil {
		s.logger.Warn("Failed to delete external file",
			logger.String("recordId", payload.RecordID),
			logger.String("externalId", payload.ExternalID),
			logger.Error(err),
		)
		return nil
	}
	s.logger.Info("External file deleted",
		logger.String("recordId", payload.RecordID),
		logger.String("externalId", payload.ExternalID),
	)
	return nil
}
