package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/ai/aitest"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

const query = "what is the treatment for X?"

// sleepRecorder counts waits instead of sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

type fixture struct {
	svc    *Service
	fake   *aitest.Fake
	repo   *repository.MemoryRepository
	sleeps *sleepRecorder
	log    *logger.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fake:   aitest.NewFake(),
		repo:   repository.NewMemoryRepository(),
		sleeps: &sleepRecorder{},
		log:    logger.NewTestLogger(),
	}
	f.fake.FileStatus["ext-1"] = ai.FileStatusProcessed
	f.fake.FileStatus["ext-2"] = ai.FileStatusUploaded

	svc, err := NewService(f.fake, f.repo, config.DefaultPipeline().Search, f.log, WithSleep(f.sleeps.sleep))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestSearchDocuments_Completed(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunQueued, ai.RunInProgress, ai.RunInProgress, ai.RunCompleted}
	f.fake.Messages = []ai.Message{
		aitest.TextMessage("msg_q", ai.RoleUser, query),
		aitest.TextMessage("msg_a", ai.RoleAssistant, "Treat X with rest and fluids."),
	}

	res, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1", "ext-2"})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 4, f.fake.GetRunCalls)
	assert.Equal(t, 3, f.sleeps.count())
	assert.Equal(t, string(ai.RunCompleted), res.RunStatus)
	require.Len(t, res.Answers, 1)
	assert.Equal(t, "Treat X with rest and fluids.", res.Answers[0].Text)

	assert.Equal(t, []string{"ext-1", "ext-2"}, f.fake.Attached)
	assert.Equal(t, []string{query}, f.fake.Posted)
	assert.Len(t, f.fake.DeletedAssists, 1)
}

func TestSearchDocuments_Timeout(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunQueued, ai.RunInProgress}

	_, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1", "ext-2"})
	require.ErrorIs(t, err, apperr.ErrTimeout)

	assert.Equal(t, 120, f.fake.GetRunCalls)
	assert.Equal(t, 119, f.sleeps.count())
	assert.Len(t, f.fake.DeletedAssists, 1)
}

func TestSearchDocuments_TerminalFailures(t *testing.T) {
	for _, status := range []ai.RunStatus{ai.RunFailed, ai.RunCancelled, ai.RunExpired} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.fake.RunStatuses = []ai.RunStatus{ai.RunInProgress, status}

			_, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1"})
			require.ErrorIs(t, err, apperr.ErrRunFailed)

			var rf *apperr.RunFailedError
			require.ErrorAs(t, err, &rf)
			assert.Equal(t, string(status), rf.Status)
			assert.Equal(t, 2, f.fake.GetRunCalls)
			assert.Len(t, f.fake.DeletedAssists, 1)
		})
	}
}

func TestSearchDocuments_RequiresActionIsNotTerminal(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunRequiresAction, ai.RunCompleted}

	res, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Polls)
	assert.Empty(t, res.Answers)
}

func TestSearchDocuments_Validation(t *testing.T) {
	tests := []struct {
		name  string
		query string
		ids   []string
	}{
		{"empty query", "   ", []string{"ext-1"}},
		{"no ids", query, nil},
		{"blank ids", query, []string{"", " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.SearchDocuments(context.Background(), tt.query, tt.ids)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Zero(t, f.fake.CreatedAssists)
			assert.Empty(t, f.fake.DeletedAssists)
		})
	}
}

func TestSearchDocuments_SessionFailures(t *testing.T) {
	apiErr := &ai.APIError{Endpoint: "POST /v1/threads", StatusCode: 500, Body: `{"error":"boom"}`}
	tests := []struct {
		name        string
		setup       func(*aitest.Fake)
		wantDeletes int
	}{
		{"assistant", func(f *aitest.Fake) { f.CreateAssistantErr = apiErr }, 0},
		{"thread", func(f *aitest.Fake) { f.CreateThreadErr = apiErr }, 1},
		{"attach", func(f *aitest.Fake) { f.AttachErr = apiErr }, 1},
		{"message", func(f *aitest.Fake) { f.PostMessageErr = apiErr }, 1},
		{"run", func(f *aitest.Fake) { f.CreateRunErr = apiErr }, 1},
		{"poll", func(f *aitest.Fake) { f.GetRunErr = apiErr }, 1},
		{"messages", func(f *aitest.Fake) {
			f.RunStatuses = []ai.RunStatus{ai.RunCompleted}
			f.ListMessagesErr = apiErr
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.fake)

			_, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1"})
			require.ErrorIs(t, err, apperr.ErrExternalService)
			var te *apperr.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, 500, te.StatusCode)
			assert.Len(t, f.fake.DeletedAssists, tt.wantDeletes)
		})
	}
}

func TestSearchDocuments_DeleteFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunCompleted}
	f.fake.DeleteAssistantErr = errors.New("unavailable")

	_, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1"})
	require.NoError(t, err)
	assert.Len(t, f.fake.DeletedAssists, 1)
	assert.True(t, f.log.HasEntry("WARN", "Failed to delete assistant"))
}

func TestSearchDocuments_Diagnostics(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunCompleted}

	res, err := f.svc.SearchDocuments(context.Background(), query, []string{"ext-1", "ext-2", "ext-missing", "ext-1"})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 3)
	assert.Equal(t, models.ResourceCheck{ExternalID: "ext-1", Status: ai.FileStatusProcessed}, res.Diagnostics[0])
	assert.Equal(t, ai.FileStatusUploaded, res.Diagnostics[1].Status)
	assert.Equal(t, "ext-missing", res.Diagnostics[2].ExternalID)
	assert.Contains(t, res.Diagnostics[2].Error, "404")
	assert.Equal(t, []string{"ext-1", "ext-2", "ext-missing"}, f.fake.Attached)
}

func TestSearchDocuments_MarksEmbedded(t *testing.T) {
	f := newFixture(t)
	f.fake.RunStatuses = []ai.RunStatus{ai.RunCompleted}
	ctx := context.Background()

	ids := make(map[string]string)
	for _, ext := range []string{"ext-1", "ext-2"} {
		id, err := f.repo.Create(ctx, &models.DocumentRecord{
			OwnerID:           "U",
			StorageRef:        "s-" + ext,
			FileName:          ext + ".pdf",
			Title:             ext,
			ExternalID:        models.Str(ext),
			ExternalProcessed: true,
		})
		require.NoError(t, err)
		ids[ext] = id
	}

	_, err := f.svc.SearchDocuments(ctx, query, []string{"ext-1", "ext-2"})
	require.NoError(t, err)

	processed, err := f.repo.Get(ctx, ids["ext-1"])
	require.NoError(t, err)
	assert.True(t, processed.ExternalEmbedded)
	assert.Equal(t, 0, processed.Version)

	uploaded, err := f.repo.Get(ctx, ids["ext-2"])
	require.NoError(t, err)
	assert.False(t, uploaded.ExternalEmbedded)
}

func TestPoller(t *testing.T) {
	statuses := func(seq ...ai.RunStatus) RunFetcher {
		i := 0
		return func(context.Context) (*ai.Run, error) {
			s := seq[min(i, len(seq)-1)]
			i++
			return &ai.Run{ID: "run_1", Status: s}, nil
		}
	}

	t.Run("first check terminal", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := &Poller{Interval: time.Second, MaxAttempts: 5, Sleep: rec.sleep}
		run, polls, err := p.Poll(context.Background(), statuses(ai.RunCompleted))
		require.NoError(t, err)
		assert.Equal(t, ai.RunCompleted, run.Status)
		assert.Equal(t, 1, polls)
		assert.Zero(t, rec.count())
	})

	t.Run("ceiling", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := &Poller{Interval: 250 * time.Millisecond, MaxAttempts: 3, Sleep: rec.sleep}
		run, polls, err := p.Poll(context.Background(), statuses(ai.RunInProgress))
		require.ErrorIs(t, err, apperr.ErrTimeout)
		assert.Equal(t, ai.RunInProgress, run.Status)
		assert.Equal(t, 3, polls)
		assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, rec.waits)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewPoller(time.Hour, 10)
		_, polls, err := p.Poll(ctx, statuses(ai.RunQueued))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, polls)
	})

	t.Run("defaults", func(t *testing.T) {
		p := NewPoller(0, 0)
		assert.Equal(t, time.Second, p.Interval)
		assert.Equal(t, 120, p.MaxAttempts)
	})
}
