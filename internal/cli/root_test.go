package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/service/document"
)

type stubDocs struct {
	document.DocumentProcessor
	requeued int
	err      error
}

func (s *stubDocs) ReprocessPending(ctx context.Context) (int, error) {
	return s.requeued, s.err
}

func (s *stubDocs) GetProcessingStatus(ctx context.Context, id string) (*models.ProcessingStatus, error) {
	if id != "rec-1" {
		return nil, apperr.ErrNotFound
	}
	return &models.ProcessingStatus{RecordID: id, State: models.LocalComplete, LocalComplete: true, Version: 2}, nil
}

type stubSearch struct {
	query string
	ids   []string
}

func (s *stubSearch) SearchDocuments(ctx context.Context, query string, ids []string) (*models.SearchResult, error) {
	s.query, s.ids = query, ids
	return &models.SearchResult{
		Answers:     []models.Answer{{ID: "m1", Text: "Four chambers."}},
		Diagnostics: []models.ResourceCheck{{ExternalID: "ext-9", Error: "not found"}},
		RunStatus:   "completed",
	}, nil
}

func run(t *testing.T, env *Env, args ...string) (string, error) {
	t.Helper()
	closed := false
	env.Close = func() error { closed = true; return nil }
	root := NewRootCmd(func(ctx context.Context) (*Env, error) { return env, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		assert.True(t, closed, "env should be closed after the command")
	}
	return out.String(), err
}

func TestReprocess(t *testing.T) {
	out, err := run(t, &Env{Documents: &stubDocs{requeued: 3}}, "reprocess")
	require.NoError(t, err)
	assert.Contains(t, out, "Re-enqueued 3 task(s).")

	_, err = run(t, &Env{Documents: &stubDocs{requeued: 1, err: errors.New("redis down")}}, "reprocess")
	assert.ErrorContains(t, err, "redis down")
}

func TestStatus(t *testing.T) {
	out, err := run(t, &Env{Documents: &stubDocs{}}, "status", "rec-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"recordId": "rec-1"`)
	assert.Contains(t, out, `"version": 2`)

	_, err = run(t, &Env{Documents: &stubDocs{}}, "status", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = run(t, &Env{Documents: &stubDocs{}}, "status")
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	s := &stubSearch{}
	out, err := run(t, &Env{Search: s}, "search", "How many chambers?", "--ids", "ext-1,ext-9")
	require.NoError(t, err)
	assert.Equal(t, "How many chambers?", s.query)
	assert.Equal(t, []string{"ext-1", "ext-9"}, s.ids)
	assert.Contains(t, out, "Four chambers.")
	assert.Contains(t, out, "warning: ext-9: not found")

	out, err = run(t, &Env{Search: s}, "search", "q", "--ids", "ext-1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"runStatus": "completed"`)

	_, err = run(t, &Env{}, "search", "q", "--ids", "ext-1")
	assert.ErrorContains(t, err, "search service not configured")

	_, err = run(t, &Env{Search: s}, "search", "q")
	assert.ErrorContains(t, err, "ids")
}

func TestMigrate(t *testing.T) {
	migrated := false
	out, err := run(t, &Env{Migrate: func(ctx context.Context) error { migrated = true; return nil }}, "migrate")
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Contains(t, out, "Schema up to date.")

	_, err = run(t, &Env{}, "migrate")
	assert.ErrorContains(t, err, "no database configured")
}

func TestCleanup(t *testing.T) {
	var got time.Time
	env := &Env{Cleanup: func(ctx context.Context, before time.Time) error { got = before; return nil }}

	_, err := run(t, env, "cleanup", "--older-than", "24h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), got, time.Minute)

	_, err = run(t, env, "cleanup", "--older-than", "0s")
	assert.ErrorContains(t, err, "must be positive")
}

func TestLoaderError(t *testing.T) {
	root := NewRootCmd(func(ctx context.Context) (*Env, error) { return nil, errors.New("no config") })
	root.SetArgs([]string{"reprocess"})
	root.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, root.ExecuteContext(context.Background()), "no config")
}
