package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/config"
	agentdoc "github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/ai/aitest"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/internal/utils/validator"
	"github.com/feichai0017/lecture-processor/pkg/logger"
	"github.com/feichai0017/lecture-processor/pkg/queue"
)

// fakeStorage keeps objects in memory and serves presigned downloads from an
// httptest server.
type fakeStorage struct {
	mu          sync.Mutex
	objects     map[string][]byte
	deleted     []string
	existsCalls int
	existsErr   error
	resolveErr  error
	fetchStatus int

	srv *httptest.Server
}

func newFakeStorage(t *testing.T) *fakeStorage {
	s := &fakeStorage{objects: make(map[string][]byte)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.fetchStatus
		data, ok := s.objects[strings.TrimPrefix(r.URL.Path, "/")]
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("<Error>AccessDenied</Error>"))
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeStorage) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStorage) Store(ctx context.Context, r io.Reader, key string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.put(key, data)
	return key, nil
}

func (s *fakeStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStorage) IssueUploadTarget(ctx context.Context, key string, expiry time.Duration) (*models.UploadTarget, error) {
	return &models.UploadTarget{
		URL:        s.srv.URL + "/" + key,
		Method:     http.MethodPut,
		StorageRef: key,
		ExpiresAt:  time.Now().Add(expiry),
	}, nil
}

func (s *fakeStorage) ResolveDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	if !s.has(key) {
		return "", fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
	}
	return s.srv.URL + "/" + key, nil
}

func (s *fakeStorage) CleanupBefore(ctx context.Context, threshold time.Time) error { return nil }

// recordingQueue collects tasks so tests can deliver them by hand.
type recordingQueue struct {
	mu         sync.Mutex
	tasks      []*queue.Task
	enqueueErr error
}

func (q *recordingQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) GetTaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	return nil, apperr.ErrNotFound
}

func (q *recordingQueue) CancelTask(ctx context.Context, taskID string) error { return nil }

func (q *recordingQueue) SaveFinalStatus(ctx context.Context, status *queue.TaskStatus) error {
	return nil
}

func (q *recordingQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Type)
	}
	return out
}

func (q *recordingQueue) pop() *queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// stubProcessor returns fixed chunks or a fixed error.
type stubProcessor struct {
	chunks  []models.DocumentChunk
	err     error
	calls   int
	meta    models.DocumentMetadata
	metaErr error
}

func (p *stubProcessor) CanProcess(string) bool { return true }

func (p *stubProcessor) Process(ctx context.Context, r io.Reader) ([]models.DocumentChunk, error) {
	p.calls++
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return p.chunks, p.err
}

func (p *stubProcessor) ExtractMetadata(ctx context.Context, r io.Reader) (models.DocumentMetadata, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return models.DocumentMetadata{}, err
	}
	return p.meta, p.metaErr
}

func (p *stubProcessor) Close() error { return nil }

type stubProvider struct {
	processor agentdoc.Processor
}

func (p stubProvider) GetProcessor(fileType string) (agentdoc.Processor, error) {
	if p.processor == nil {
		return nil, errors.New("no processor")
	}
	return p.processor, nil
}

type harness struct {
	svc       *DocumentService
	repo      *repository.MemoryRepository
	store     *fakeStorage
	queue     *recordingQueue
	ai        *aitest.Fake
	processor *stubProcessor
	log       *logger.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  repository.NewMemoryRepository(),
		store: newFakeStorage(t),
		queue: &recordingQueue{},
		ai:    aitest.NewFake(),
		processor: &stubProcessor{chunks: []models.DocumentChunk{
			{Content: "Cardiac output equals stroke volume times heart rate.", Metadata: map[string]interface{}{"pageNumber": 1, "section": "page_1"}},
		}},
		log: logger.NewTestLogger(),
	}
	h.svc = h.build(t, stubProvider{processor: h.processor})
	return h
}

func (h *harness) build(t *testing.T, processors ProcessorProvider) *DocumentService {
	t.Helper()
	svc, err := NewService(Dependencies{
		Repository: h.repo,
		Storage:    h.store,
		Queue:      h.queue,
		AI:         h.ai,
		Processors: processors,
		Validator:  validator.NewDocumentValidator(h.log, config.DefaultPipeline().Upload),
	}, nil, h.log)
	require.NoError(t, err)
	return svc
}

// deliver runs one task through the handler registered for its type.
func (h *harness) deliver(ctx context.Context, task *queue.Task) error {
	handler, ok := h.svc.TaskHandlers()[task.Type]
	if !ok {
		return fmt.Errorf("no handler for %s", task.Type)
	}
	return handler(ctx, task)
}

// drain delivers queued tasks, including ones enqueued while draining, and
// returns the errors by task type.
func (h *harness) drain(t *testing.T) map[string]error {
	t.Helper()
	errs := make(map[string]error)
	for i := 0; i < 50; i++ {
		task := h.queue.pop()
		if task == nil {
			return errs
		}
		if err := h.deliver(context.Background(), task); err != nil {
			errs[task.Type] = err
		}
	}
	t.Fatal("queue did not drain")
	return nil
}

func scenarioInput() models.RegisterUploadInput {
	return models.RegisterUploadInput{
		OwnerID:                   "U",
		StorageRef:                "s1",
		FileName:                  "lec.pdf",
		FileType:                  "application/pdf",
		FileSize:                  1024,
		Title:                     "Cardio 1",
		RequestExternalProcessing: true,
	}
}
