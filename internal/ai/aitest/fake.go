// Package aitest provides an in-memory ai.Service for tests.
package aitest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/feichai0017/lecture-processor/internal/ai"
)

var _ ai.Service = (*Fake)(nil)

// Fake scripts the AI service. GetRun walks RunStatuses and repeats the last
// entry once the script is exhausted.
type Fake struct {
	mu sync.Mutex

	RunStatuses []ai.RunStatus
	Messages    []ai.Message
	// FileStatus 按文件 id 返回的状态，未列出的文件视为不存在
	FileStatus map[string]string

	UploadErr          error
	DeleteFileErr      error
	CreateAssistantErr error
	AttachErr          error
	CreateThreadErr    error
	PostMessageErr     error
	CreateRunErr       error
	GetRunErr          error
	ListMessagesErr    error
	DeleteAssistantErr error

	Uploaded       map[string][]byte
	DeletedFiles   []string
	Attached       []string
	Posted         []string
	CreatedAssists int
	CreatedThreads int
	CreatedRuns    int
	GetRunCalls    int
	DeletedAssists []string

	nextID int
}

func NewFake() *Fake {
	return &Fake{
		FileStatus: make(map[string]string),
		Uploaded:   make(map[string][]byte),
	}
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *Fake) UploadFile(ctx context.Context, fileName string, r io.Reader) (*ai.FileObject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}
	id := f.id("file")
	f.Uploaded[id] = data
	f.FileStatus[id] = ai.FileStatusUploaded
	return &ai.FileObject{ID: id, Filename: fileName, Bytes: int64(len(data)), Status: ai.FileStatusUploaded}, nil
}

func (f *Fake) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedFiles = append(f.DeletedFiles, fileID)
	if f.DeleteFileErr != nil {
		return f.DeleteFileErr
	}
	delete(f.FileStatus, fileID)
	return nil
}

func (f *Fake) GetFileStatus(ctx context.Context, fileID string) (*ai.FileObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.FileStatus[fileID]
	if !ok {
		return nil, &ai.APIError{Endpoint: "GET /v1/files/" + fileID, StatusCode: 404, Body: `{"error":"No such File object"}`}
	}
	return &ai.FileObject{ID: fileID, Status: status}, nil
}

func (f *Fake) CreateAssistant(ctx context.Context, params ai.AssistantParams) (*ai.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateAssistantErr != nil {
		return nil, f.CreateAssistantErr
	}
	f.CreatedAssists++
	return &ai.Assistant{ID: f.id("asst"), Model: params.Model}, nil
}

func (f *Fake) AttachFile(ctx context.Context, assistantID, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachErr != nil {
		return f.AttachErr
	}
	f.Attached = append(f.Attached, fileID)
	return nil
}

func (f *Fake) DeleteAssistant(ctx context.Context, assistantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedAssists = append(f.DeletedAssists, assistantID)
	return f.DeleteAssistantErr
}

func (f *Fake) CreateThread(ctx context.Context) (*ai.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateThreadErr != nil {
		return nil, f.CreateThreadErr
	}
	f.CreatedThreads++
	return &ai.Thread{ID: f.id("thread")}, nil
}

func (f *Fake) PostMessage(ctx context.Context, threadID, content string) (*ai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PostMessageErr != nil {
		return nil, f.PostMessageErr
	}
	f.Posted = append(f.Posted, content)
	return &ai.Message{ID: f.id("msg"), ThreadID: threadID, Role: ai.RoleUser}, nil
}

func (f *Fake) CreateRun(ctx context.Context, threadID, assistantID string) (*ai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateRunErr != nil {
		return nil, f.CreateRunErr
	}
	f.CreatedRuns++
	return &ai.Run{ID: f.id("run"), ThreadID: threadID, AssistantID: assistantID, Status: ai.RunQueued}, nil
}

func (f *Fake) GetRun(ctx context.Context, threadID, runID string) (*ai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetRunCalls++
	if f.GetRunErr != nil {
		return nil, f.GetRunErr
	}
	status := ai.RunInProgress
	if n := len(f.RunStatuses); n > 0 {
		i := f.GetRunCalls - 1
		if i >= n {
			i = n - 1
		}
		status = f.RunStatuses[i]
	}
	return &ai.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (f *Fake) ListMessages(ctx context.Context, threadID string) ([]ai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListMessagesErr != nil {
		return nil, f.ListMessagesErr
	}
	return append([]ai.Message(nil), f.Messages...), nil
}

// TextMessage builds a single-part text message.
func TextMessage(id, role, text string) ai.Message {
	return ai.Message{
		ID:      id,
		Role:    role,
		Content: []ai.MessageContent{{Type: "text", Text: &ai.MessageText{Value: text}}},
	}
}
