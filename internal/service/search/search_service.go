// Package search runs a query against documents already ingested by the AI
// service. Every call builds its own assistant, thread and run and tears the
// assistant down before returning.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/internal/ai"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/repository"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// cleanupTimeout bounds the assistant delete issued after the caller is gone.
const cleanupTimeout = 30 * time.Second

// Searcher is what the API and the admin CLI use.
type Searcher interface {
	SearchDocuments(ctx context.Context, query string, externalIDs []string) (*models.SearchResult, error)
}

var _ Searcher = (*Service)(nil)

type Service struct {
	ai     ai.Service
	repo   repository.DocumentRepository
	poller *Poller
	config config.SearchConfig
	logger logger.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithSleep replaces the wait between polls.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Service) { s.poller.Sleep = sleep }
}

func NewService(aiSvc ai.Service, repo repository.DocumentRepository, cfg config.SearchConfig, log logger.Logger, opts ...Option) (*Service, error) {
	if aiSvc == nil {
		return nil, errors.New("search service: ai service is required")
	}
	if repo == nil {
		return nil, errors.New("search service: repository is required")
	}
	if cfg.VerifyConcurrency <= 0 {
		cfg.VerifyConcurrency = 8
	}
	s := &Service{
		ai:     aiSvc,
		repo:   repo,
		poller: NewPoller(cfg.PollInterval, cfg.MaxPollAttempts),
		config: cfg,
		logger: log.Named("search_service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SearchDocuments asks query over the given external files.
func (s *Service) SearchDocuments(ctx context.Context, query string, externalIDs []string) (*models.SearchResult, error) {
	session := &models.SearchSession{
		Query:       strings.TrimSpace(query),
		ExternalIDs: uniqueIDs(externalIDs),
		StartedAt:   s.now(),
	}
	errs := &apperr.ValidationError{}
	if session.Query == "" {
		errs.Add("query", "is required")
	}
	if len(session.ExternalIDs) == 0 {
		errs.Add("externalIds", "at least one external id is required")
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, s.logger).With(logger.Int("documents", len(session.ExternalIDs)))

	// 1. 并发检查每个文件的状态
	diagnostics := s.verify(ctx, session.ExternalIDs, log)

	// 5. 无论结果如何都删除 assistant
	defer s.teardown(ctx, session, log)

	// 2. 创建会话
	if err := s.openSession(ctx, session); err != nil {
		log.Error("Failed to open search session",
			logger.String("assistantId", session.ContainerID),
			logger.Error(err),
		)
		return nil, err
	}
	log = log.With(
		logger.String("assistantId", session.ContainerID),
		logger.String("threadId", session.ConversationID),
		logger.String("runId", session.RunID),
	)

	// 3. 轮询运行状态
	run, polls, err := s.poller.Poll(ctx, func(ctx context.Context) (*ai.Run, error) {
		run, err := s.ai.GetRun(ctx, session.ConversationID, session.RunID)
		if err != nil {
			return nil, externalError("get run", err)
		}
		return run, nil
	})
	session.Polls = polls
	if run != nil {
		session.RunStatus = string(run.Status)
	}
	if err != nil {
		log.Warn("Search run did not finish",
			logger.Int("polls", polls),
			logger.String("lastStatus", session.RunStatus),
			logger.Error(err),
		)
		return nil, err
	}

	// 4. 读取回答
	if run.Status != ai.RunCompleted {
		runErr := &apperr.RunFailedError{RunID: run.ID, Status: string(run.Status)}
		fields := []logger.Field{logger.String("status", string(run.Status)), logger.Int("polls", polls)}
		if run.LastError != nil {
			fields = append(fields, logger.String("runError", run.LastError.Message))
		}
		log.Warn("Search run failed", fields...)
		return nil, runErr
	}
	messages, err := s.ai.ListMessages(ctx, session.ConversationID)
	if err != nil {
		return nil, externalError("list messages", err)
	}

	result := &models.SearchResult{
		Answers:     assistantAnswers(messages),
		Diagnostics: diagnostics,
		RunStatus:   session.RunStatus,
		Polls:       polls,
	}
	log.Info("Search completed",
		logger.Int("polls", polls),
		logger.Int("answers", len(result.Answers)),
		logger.Duration("elapsed", s.now().Sub(session.StartedAt)),
	)
	return result, nil
}

// verify records the AI service's view of every file. Failures become
// diagnostics and never abort the search. Files reported as processed are
// marked embedded on their records.
func (s *Service) verify(ctx context.Context, ids []string, log logger.Logger) []models.ResourceCheck {
	checks := make([]models.ResourceCheck, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.VerifyConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			checks[i] = models.ResourceCheck{ExternalID: id}
			file, err := s.ai.GetFileStatus(gctx, id)
			if err != nil {
				checks[i].Error = err.Error()
				log.Warn("External file check failed", logger.String("externalId", id), logger.Error(err))
				return nil
			}
			checks[i].Status = file.Status
			if file.Status == ai.FileStatusProcessed {
				s.markEmbedded(gctx, id, log)
			}
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

func (s *Service) markEmbedded(ctx context.Context, externalID string, log logger.Logger) {
	rec, err := s.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Warn("Failed to look up record by external id", logger.String("externalId", externalID), logger.Error(err))
		}
		return
	}
	if rec.ExternalEmbedded {
		return
	}
	if _, err := s.repo.Patch(ctx, rec.ID, models.RecordPatch{ExternalEmbedded: models.Bool(true)}, nil); err != nil {
		log.Warn("Failed to mark record embedded", logger.String("recordId", rec.ID), logger.Error(err))
	}
}

// openSession creates the assistant, thread, attachments, message and run in
// order. Ids land on the session as soon as they exist so teardown sees them.
func (s *Service) openSession(ctx context.Context, session *models.SearchSession) error {
	asst, err := s.ai.CreateAssistant(ctx, ai.AssistantParams{
		Name:         "lecture-search",
		Model:        s.config.AssistantModel,
		Instructions: s.config.AssistantInstructions,
	})
	if err != nil {
		return externalError("create assistant", err)
	}
	session.ContainerID = asst.ID

	thread, err := s.ai.CreateThread(ctx)
	if err != nil {
		return externalError("create thread", err)
	}
	session.ConversationID = thread.ID

	for _, id := range session.ExternalIDs {
		if err := s.ai.AttachFile(ctx, asst.ID, id); err != nil {
			return externalError("attach file "+id, err)
		}
	}
	if _, err := s.ai.PostMessage(ctx, thread.ID, session.Query); err != nil {
		return externalError("post message", err)
	}

	run, err := s.ai.CreateRun(ctx, thread.ID, asst.ID)
	if err != nil {
		return externalError("create run", err)
	}
	session.RunID = run.ID
	session.RunStatus = string(run.Status)
	return nil
}

// teardown makes exactly one delete attempt for the assistant, if one was
// created. It runs even when the caller's context is already cancelled.
func (s *Service) teardown(ctx context.Context, session *models.SearchSession, log logger.Logger) {
	if session.ContainerID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.ai.DeleteAssistant(cctx, session.ContainerID); err != nil {
		log.Warn("Failed to delete assistant", logger.String("assistantId", session.ContainerID), logger.Error(err))
		return
	}
	log.Debug("Assistant deleted", logger.String("assistantId", session.ContainerID))
}

func assistantAnswers(messages []ai.Message) []models.Answer {
	answers := make([]models.Answer, 0, len(messages))
	for _, m := range messages {
		if m.Role != ai.RoleAssistant {
			continue
		}
		answers = append(answers, models.Answer{
			ID:        m.ID,
			Text:      m.Text(),
			CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
		})
	}
	return answers
}

func externalError(op string, err error) error {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Transport(op, apperr.ErrExternalService, apiErr.StatusCode, apiErr.Body, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Transport(op, apperr.ErrExternalService, 0, "", err)
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
