package models

import (
	"strings"
	"time"
)

// FileType 文件类型
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
	Text  FileType = "text"
)

// DocumentRecord is one uploaded lecture file and its processing state.
type DocumentRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	StorageRef string `json:"storageRef"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`

	LocalProcessed bool    `json:"localProcessed"`
	LocalComplete  bool    `json:"localComplete"`
	LocalError     *string `json:"localError,omitempty"`

	// ExternalRequested records that ingestion into the AI service was asked for
	ExternalRequested bool    `json:"externalRequested"`
	ExternalID        *string `json:"externalId,omitempty"`
	ExternalProcessed bool    `json:"externalProcessed"`
	ExternalEmbedded  bool    `json:"externalEmbedded"`

	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *DocumentRecord) Clone() *DocumentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string{}, r.Tags...)
	if r.LocalError != nil {
		v := *r.LocalError
		c.LocalError = &v
	}
	if r.ExternalID != nil {
		v := *r.ExternalID
		c.ExternalID = &v
	}
	return &c
}

// ExternalPending reports records whose requested ingestion has not landed yet.
func (r *DocumentRecord) ExternalPending() bool {
	return r.ExternalRequested && !r.ExternalProcessed
}

// LocalState names where the record is in the local processing state machine.
func (r *DocumentRecord) LocalState() LocalState {
	switch {
	case !r.LocalProcessed:
		return LocalUploaded
	case r.LocalComplete:
		return LocalComplete
	case r.LocalError != nil:
		return LocalFailed
	default:
		return LocalProcessing
	}
}

// AIReady reports whether the record can take part in a search.
func (r *DocumentRecord) AIReady() bool {
	return r.ExternalProcessed && r.ExternalID != nil && *r.ExternalID != ""
}

type LocalState string

const (
	LocalUploaded   LocalState = "uploaded"
	LocalProcessing LocalState = "processing"
	LocalComplete   LocalState = "complete"
	LocalFailed     LocalState = "failed"
)

// ProcessingStatus is the externally visible processing view of a record.
type ProcessingStatus struct {
	RecordID          string     `json:"recordId"`
	State             LocalState `json:"state"`
	LocalProcessed    bool       `json:"localProcessed"`
	LocalComplete     bool       `json:"localComplete"`
	LocalError        *string    `json:"localError,omitempty"`
	ExternalRequested bool       `json:"externalRequested"`
	ExternalProcessed bool       `json:"externalProcessed"`
	ExternalEmbedded  bool       `json:"externalEmbedded"`
	Version           int        `json:"version"`
	LastUpdated       time.Time  `json:"lastUpdated"`
}

// StatusOf projects a record onto its processing status.
func StatusOf(r *DocumentRecord) *ProcessingStatus {
	return &ProcessingStatus{
		RecordID:          r.ID,
		State:             r.LocalState(),
		LocalProcessed:    r.LocalProcessed,
		LocalComplete:     r.LocalComplete,
		LocalError:        r.LocalError,
		ExternalRequested: r.ExternalRequested,
		ExternalProcessed: r.ExternalProcessed,
		ExternalEmbedded:  r.ExternalEmbedded,
		Version:           r.Version,
		LastUpdated:       r.LastUpdated,
	}
}

// NormalizeTags trims, drops blanks and removes duplicates while keeping the
// first occurrence order. The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// DocumentMetadata 文档元数据
type DocumentMetadata struct {
	Title     string                 `json:"title"`
	Author    string                 `json:"author"`
	FileType  FileType               `json:"fileType"`
	FileSize  int64                  `json:"fileSize"`
	MimeType  string                 `json:"mimeType"`
	Pages     int                    `json:"pages"`
	CreatedAt time.Time              `json:"createdAt"`
	Hash      string                 `json:"hash"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// DocumentChunk 文档块
type DocumentChunk struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}
