package converters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/feichai0017/lecture-processor/internal/models"
)

// DocumentConverter 定义文档转换器接口
type DocumentConverter interface {
	Convert(rec *models.DocumentRecord, chunks []models.DocumentChunk, elapsed time.Duration) (*ProcessedDocument, error)
}

// ProcessedDocument is the extracted-content artifact stored for a record.
type ProcessedDocument struct {
	RecordID    string           `json:"recordId"`
	Status      string           `json:"status"`
	Content     []ChunkContent   `json:"content"`
	Metadata    DocumentMetadata `json:"metadata"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// ChunkContent 定义文档块内容
type ChunkContent struct {
	Text     string                 `json:"text"`
	Position int                    `json:"position"`
	Type     string                 `json:"type"` // "page", "image", "text"
	Metadata map[string]interface{} `json:"metadata"`
}

// DocumentMetadata 定义文档元数据
type DocumentMetadata struct {
	FileName     string   `json:"fileName"`
	FileType     string   `json:"fileType"`
	FileSize     int64    `json:"fileSize"`
	PageCount    int      `json:"pageCount,omitempty"`
	Title        string   `json:"title,omitempty"`
	Author       string   `json:"author,omitempty"`
	Hash         string   `json:"hash,omitempty"`
	Sections     []string `json:"sections"`
	WordCount    int      `json:"wordCount"`
	Confidence   float64  `json:"confidence"`
	ProcessingMs int64    `json:"processingMs"`
}

// JSONConverter 实现文档转换器
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

func (c *JSONConverter) Convert(rec *models.DocumentRecord, chunks []models.DocumentChunk, elapsed time.Duration) (*ProcessedDocument, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to convert")
	}

	// 初始化文档结构
	doc := &ProcessedDocument{
		RecordID:    rec.ID,
		Status:      "completed",
		ProcessedAt: time.Now().UTC(),
		Content:     make([]ChunkContent, 0, len(chunks)),
		Metadata: DocumentMetadata{
			FileName:     rec.FileName,
			FileType:     rec.FileType,
			FileSize:     rec.FileSize,
			Sections:     make([]string, 0),
			Confidence:   1.0,
			ProcessingMs: elapsed.Milliseconds(),
		},
	}

	sections := make(map[string]bool)
	var totalConfidence float64
	var scored int

	for i, chunk := range chunks {
		meta := chunk.Metadata
		if meta == nil {
			meta = make(map[string]interface{})
		}
		content := ChunkContent{
			Text:     chunk.Content,
			Position: i + 1,
			Type:     "text",
			Metadata: meta,
		}

		// 根据元数据设置类型
		if _, ok := meta["pageNumber"]; ok {
			content.Type = "page"
			doc.Metadata.PageCount++
		} else if _, ok := meta["imageType"]; ok {
			content.Type = "image"
		}

		doc.Content = append(doc.Content, content)
		doc.Metadata.WordCount += len(strings.Fields(chunk.Content))

		if section, ok := meta["section"].(string); ok && section != "" {
			sections[section] = true
		}
		if conf, ok := meta["confidence"].(float64); ok {
			totalConfidence += conf
			scored++
		}
	}

	for section := range sections {
		doc.Metadata.Sections = append(doc.Metadata.Sections, section)
	}
	sort.Strings(doc.Metadata.Sections)

	// 只对带置信度的块求平均
	if scored > 0 {
		doc.Metadata.Confidence = totalConfidence / float64(scored)
	}

	return doc, nil
}

// MergeSource copies what the processor read from the file itself onto doc.
// The page count from the source wins over the number of page chunks.
func (c *JSONConverter) MergeSource(doc *ProcessedDocument, src models.DocumentMetadata) {
	if src.Title != "" {
		doc.Metadata.Title = src.Title
	}
	if src.Author != "" {
		doc.Metadata.Author = src.Author
	}
	if src.Hash != "" {
		doc.Metadata.Hash = src.Hash
	}
	if src.Pages > 0 {
		doc.Metadata.PageCount = src.Pages
	}
}

// Marshal encodes doc for storage.
func (c *JSONConverter) Marshal(doc *ProcessedDocument) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode processed document: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored artifact.
func (c *JSONConverter) Unmarshal(data []byte) (*ProcessedDocument, error) {
	var doc ProcessedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode processed document: %w", err)
	}
	return &doc, nil
}
