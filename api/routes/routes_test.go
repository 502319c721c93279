package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/api/handlers"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/service/document"
	"github.com/feichai0017/lecture-processor/internal/service/search"
	"github.com/feichai0017/lecture-processor/pkg/converters"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

// stubDocuments records the calls the handlers make.
type stubDocuments struct {
	registered models.RegisterUploadInput
	uploaded   document.UploadInput
	uploadName string
	batchSize  int
	deleted    string
	err        error
	records    map[string]*models.DocumentRecord
}

var _ document.DocumentProcessor = (*stubDocuments)(nil)

func (s *stubDocuments) RequestUploadTarget(ctx context.Context, fileName string) (*models.UploadTarget, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.UploadTarget{URL: "http://minio/" + fileName, Method: http.MethodPut, StorageRef: "ref-" + fileName}, nil
}

func (s *stubDocuments) RegisterUpload(ctx context.Context, in models.RegisterUploadInput) (string, error) {
	s.registered = in
	if s.err != nil {
		return "", s.err
	}
	return "doc-1", nil
}

func (s *stubDocuments) UploadDocument(ctx context.Context, in document.UploadInput, header *multipart.FileHeader) (*models.DocumentRecord, error) {
	s.uploaded = in
	s.uploadName = header.Filename
	if s.err != nil {
		return nil, s.err
	}
	return &models.DocumentRecord{ID: "doc-1", OwnerID: in.OwnerID, FileName: header.Filename, Title: in.Title}, nil
}

func (s *stubDocuments) UploadBatch(ctx context.Context, in document.UploadInput, headers []*multipart.FileHeader) ([]*models.DocumentRecord, error) {
	s.uploaded = in
	s.batchSize = len(headers)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*models.DocumentRecord, len(headers))
	for i, h := range headers {
		out[i] = &models.DocumentRecord{ID: fmt.Sprintf("doc-%d", i+1), FileName: h.Filename}
	}
	return out, nil
}

func (s *stubDocuments) GetDocument(ctx context.Context, id string) (*models.DocumentRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return rec, nil
}

func (s *stubDocuments) ListDocuments(ctx context.Context, ownerID string) ([]*models.DocumentRecord, error) {
	if ownerID == "" {
		return nil, apperr.Invalid("ownerId", "is required")
	}
	var out []*models.DocumentRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubDocuments) GetProcessingStatus(ctx context.Context, id string) (*models.ProcessingStatus, error) {
	rec, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.StatusOf(rec), nil
}

func (s *stubDocuments) GetProcessedContent(ctx context.Context, id string) (*converters.ProcessedDocument, error) {
	rec, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.LocalComplete {
		return nil, apperr.ErrNotFound
	}
	return &converters.ProcessedDocument{RecordID: id, Status: "completed"}, nil
}

func (s *stubDocuments) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	s.deleted = id
	return nil
}

func (s *stubDocuments) ReprocessPending(ctx context.Context) (int, error) { return 0, nil }

func (s *stubDocuments) TaskHandlers() map[string]queue.HandlerFunc { return nil }

type stubSearcher struct {
	query string
	ids   []string
	err   error
}

func (s *stubSearcher) SearchDocuments(ctx context.Context, query string, ids []string) (*models.SearchResult, error) {
	s.query, s.ids = query, ids
	if s.err != nil {
		return nil, s.err
	}
	return &models.SearchResult{
		Answers:   []models.Answer{{ID: "msg_1", Text: "Rest and fluids."}},
		RunStatus: "completed",
		Polls:     4,
	}, nil
}

type stubTasks struct{}

func (stubTasks) GetTaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	if taskID != "task-1" {
		return nil, fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
	}
	return &queue.TaskStatus{TaskID: taskID, Status: queue.StatusCompleted, Progress: 1}, nil
}

func (stubTasks) CancelTask(ctx context.Context, taskID string) error {
	switch taskID {
	case "task-2":
		return nil
	case "task-1":
		return fmt.Errorf("task %s already completed: %w", taskID, apperr.ErrConcurrentModification)
	}
	return fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
}

type testServer struct {
	engine *gin.Engine
	docs   *stubDocuments
	search *stubSearcher
	log    *logger.TestLogger
}

func newTestServer(t *testing.T, healthErr error) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{
		docs: &stubDocuments{records: map[string]*models.DocumentRecord{
			"doc-1": {ID: "doc-1", OwnerID: "U", Title: "Cardio 1", LocalProcessed: true, LocalComplete: true, UploadedAt: time.Now()},
			"doc-2": {ID: "doc-2", OwnerID: "V", Title: "Renal"},
		}},
		search: &stubSearcher{},
		log:    logger.NewTestLogger(),
	}
	checks := map[string]handlers.HealthCheck{
		"database": func(context.Context) error { return healthErr },
	}
	h := handlers.NewHandlers(ts.docs, ts.search, stubTasks{}, checks, ts.log)
	ts.engine = gin.New()
	SetupRoutes(ts.engine, h, ts.log, Options{})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestRegisterDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"storageRef":"s1","fileName":"lec.pdf","fileType":"application/pdf","fileSize":1024,"title":"Cardio 1","requestExternalProcessing":true}`)

	w := ts.do(http.MethodPost, "/api/v1/documents", body, map[string]string{"X-User-ID": "U"})
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decode[handlers.RegisterResponse](t, w)
	assert.Equal(t, "doc-1", resp.ID)
	assert.Equal(t, models.LocalUploaded, resp.Status)
	assert.Equal(t, "U", ts.docs.registered.OwnerID)
	assert.Equal(t, "s1", ts.docs.registered.StorageRef)
	assert.True(t, ts.docs.registered.RequestExternalProcessing)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRegisterDocument_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperr.Invalid("title", "is required"), http.StatusBadRequest, "VALIDATION_FAILED"},
		{"missing object", apperr.ErrStorageVerificationFailed, http.StatusUnprocessableEntity, "STORAGE_VERIFICATION_FAILED"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.docs.err = tt.err

			w := ts.do(http.MethodPost, "/api/v1/documents", []byte(`{"storageRef":"s1"}`), nil)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[handlers.ErrorResponse](t, w)
			assert.Equal(t, tt.code, resp.Error)
		})
	}
}

func TestRegisterDocument_ValidationFields(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.docs.err = apperr.Invalid("title", "is required")

	w := ts.do(http.MethodPost, "/api/v1/documents", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[handlers.ErrorResponse](t, w)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "title", resp.Fields[0].Field)
	assert.True(t, ts.log.HasEntry("WARN", "Failed to register document"))
}

func TestRequestUploadURL(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/api/v1/documents/upload-url", []byte(`{"fileName":"lec.pdf"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	target := decode[models.UploadTarget](t, w)
	assert.Equal(t, "ref-lec.pdf", target.StorageRef)

	w = ts.do(http.MethodPost, "/api/v1/documents/upload-url", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadDocument(t *testing.T) {
	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("heart has four chambers"))
	require.NoError(t, mw.WriteField("title", "Notes"))
	require.NoError(t, mw.WriteField("tags", "cardio,anatomy"))
	require.NoError(t, mw.WriteField("external", "true"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "U")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "notes.txt", ts.docs.uploadName)
	assert.Equal(t, "U", ts.docs.uploaded.OwnerID)
	assert.Equal(t, "Notes", ts.docs.uploaded.Title)
	assert.Equal(t, []string{"cardio", "anatomy"}, ts.docs.uploaded.Tags)
	assert.True(t, ts.docs.uploaded.RequestExternalProcessing)
}

func TestUploadBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"a.txt", "b.txt"} {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, _ = part.Write([]byte("lecture " + name))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/batch", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 2, ts.docs.batchSize)
	resp := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 2, resp.Count)
}

func TestUploadDocument_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodPost, "/api/v1/documents/upload", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentReads(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/v1/documents/doc-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Cardio 1", decode[models.DocumentRecord](t, w).Title)

	w = ts.do(http.MethodGet, "/api/v1/documents/doc-1/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.LocalComplete, decode[models.ProcessingStatus](t, w).State)

	w = ts.do(http.MethodGet, "/api/v1/documents/doc-1/content?download=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "processed_doc-1.json")

	w = ts.do(http.MethodGet, "/api/v1/documents/doc-2/content", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/documents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[handlers.ErrorResponse](t, w).Error)
}

func TestListDocuments(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/v1/documents", nil, map[string]string{"X-User-ID": "U"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = ts.do(http.MethodGet, "/api/v1/documents?owner=V", nil, map[string]string{"X-User-ID": "U"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/documents", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteDocument(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodDelete, "/api/v1/documents/doc-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "doc-1", ts.docs.deleted)

	w = ts.do(http.MethodDelete, "/api/v1/documents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/api/v1/search", []byte(`{"query":"treatment for X?","externalIds":["ext-1","ext-2"]}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[models.SearchResult](t, w)
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, "treatment for X?", ts.search.query)
	assert.Equal(t, []string{"ext-1", "ext-2"}, ts.search.ids)
}

func TestSearch_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("poll: %w", apperr.ErrTimeout), http.StatusGatewayTimeout},
		{&apperr.RunFailedError{RunID: "run_1", Status: "expired"}, http.StatusBadGateway},
		{apperr.Invalid("externalIds", "at least one external id is required"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.search.err = tt.err
			w := ts.do(http.MethodPost, "/api/v1/search", []byte(`{"query":"q","externalIds":["ext-1"]}`), nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSearch_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()
	var searcher search.Searcher
	h := handlers.NewHandlers(&stubDocuments{}, searcher, stubTasks{}, nil, log)
	r := gin.New()
	SetupRoutes(r, h, log, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewReader([]byte(`{"query":"q"}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/v1/tasks/task-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, queue.StatusCompleted, decode[queue.TaskStatus](t, w).Status)

	w = ts.do(http.MethodGet, "/api/v1/tasks/other", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTask(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodDelete, "/api/v1/tasks/task-2", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, ts.log.HasEntry("INFO", "Task cancelled"))

	w = ts.do(http.MethodDelete, "/api/v1/tasks/task-1", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONCURRENT_MODIFICATION", decode[handlers.ErrorResponse](t, w).Error)

	w = ts.do(http.MethodDelete, "/api/v1/tasks/other", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts = newTestServer(t, errors.New("connection refused"))
	w = ts.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/api/v1/documents/doc-1", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.True(t, ts.log.HasEntry("INFO", "HTTP request"))
}
