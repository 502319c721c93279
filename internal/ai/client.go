package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// Service is the part of the AI service the pipeline drives: files for
// ingestion, and assistants, threads and runs for search.
type Service interface {
	UploadFile(ctx context.Context, fileName string, r io.Reader) (*FileObject, error)
	DeleteFile(ctx context.Context, fileID string) error
	GetFileStatus(ctx context.Context, fileID string) (*FileObject, error)

	CreateAssistant(ctx context.Context, params AssistantParams) (*Assistant, error)
	AttachFile(ctx context.Context, assistantID, fileID string) error
	DeleteAssistant(ctx context.Context, assistantID string) error

	CreateThread(ctx context.Context) (*Thread, error)
	PostMessage(ctx context.Context, threadID, content string) (*Message, error)
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

var _ Service = (*Client)(nil)

const (
	defaultBaseURL = "https://api.openai.com"
	betaHeader     = "assistants=v1"
	filePurpose    = "assistants"
)

// Client talks to an OpenAI compatible Assistants API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter replaces the request limiter; nil disables limiting.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func NewClient(cfg *config.OpenAIConfig, log logger.Logger, opts ...Option) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     log.Named("ai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ---- Files ----

func (c *Client) UploadFile(ctx context.Context, fileName string, r io.Reader) (*FileObject, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", filePurpose); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out FileObject
	if err := c.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}
	c.logger.Info("File uploaded to AI service",
		logger.String("fileId", out.ID),
		logger.String("fileName", fileName),
		logger.Int64("bytes", out.Bytes),
	)
	return &out, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	var out deleteResponse
	return c.doJSON(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), nil, &out)
}

func (c *Client) GetFileStatus(ctx context.Context, fileID string) (*FileObject, error) {
	var out FileObject
	if err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(fileID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- Assistants ----

func (c *Client) CreateAssistant(ctx context.Context, params AssistantParams) (*Assistant, error) {
	if len(params.Tools) == 0 {
		params.Tools = []Tool{{Type: "retrieval"}}
	}
	var out Assistant
	if err := c.doJSON(ctx, http.MethodPost, "/v1/assistants", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AttachFile(ctx context.Context, assistantID, fileID string) error {
	var out AssistantFile
	path := "/v1/assistants/" + url.PathEscape(assistantID) + "/files"
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"file_id": fileID}, &out)
}

func (c *Client) DeleteAssistant(ctx context.Context, assistantID string) error {
	var out deleteResponse
	return c.doJSON(ctx, http.MethodDelete, "/v1/assistants/"+url.PathEscape(assistantID), nil, &out)
}

// ---- Threads, messages, runs ----

func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var out Thread
	if err := c.doJSON(ctx, http.MethodPost, "/v1/threads", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PostMessage(ctx context.Context, threadID, content string) (*Message, error) {
	var out Message
	path := "/v1/threads/" + url.PathEscape(threadID) + "/messages"
	req := map[string]string{"role": RoleUser, "content": content}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	var out Run
	path := "/v1/threads/" + url.PathEscape(threadID) + "/runs"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"assistant_id": assistantID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var out Run
	path := "/v1/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the thread's messages oldest first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var out listResponse[Message]
	path := "/v1/threads/" + url.PathEscape(threadID) + "/messages?order=asc&limit=100"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ---- transport ----

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = &buf
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ai service %s %s: %w", method, path, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("failed to read response: %w", readErr)
	}

	c.logger.Debug("AI service request",
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Endpoint:   method + " " + path,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
