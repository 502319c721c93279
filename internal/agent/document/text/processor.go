package text

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// Processor splits plain text and markdown notes into chunks. Markdown
// headings become the section of the chunks under them.
type Processor struct {
	logger    logger.Logger
	chunkSize int
}

func NewProcessor(log logger.Logger, chunkSize int) *Processor {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	return &Processor{logger: log.Named("text"), chunkSize: chunkSize}
}

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == "text/plain" || mimeType == "text/markdown"
}

func (p *Processor) Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, document.Unreadable("text is not valid utf-8")
	}
	body := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(body) == "" {
		return nil, document.Unreadable("text is empty")
	}

	var (
		chunks  []models.DocumentChunk
		section string
		buf     strings.Builder
	)
	flush := func() {
		content := strings.TrimSpace(buf.String())
		buf.Reset()
		if content == "" {
			return
		}
		meta := map[string]interface{}{"position": len(chunks) + 1}
		if section != "" {
			meta["section"] = section
		}
		chunks = append(chunks, models.DocumentChunk{Content: content, Metadata: meta})
	}

	for _, para := range strings.Split(body, "\n\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if heading, ok := markdownHeading(para); ok {
			flush()
			section = heading
		}
		if buf.Len() > 0 && buf.Len()+len(para) > p.chunkSize {
			flush()
		}
		for len(para) > p.chunkSize {
			cut := splitPoint(para, p.chunkSize)
			buf.WriteString(para[:cut])
			flush()
			para = strings.TrimSpace(para[cut:])
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(para)
	}
	flush()

	return chunks, nil
}

func (p *Processor) ExtractMetadata(ctx context.Context, reader io.Reader) (models.DocumentMetadata, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return models.DocumentMetadata{}, fmt.Errorf("failed to read text: %w", err)
	}
	hash := sha256.Sum256(data)
	meta := models.DocumentMetadata{
		FileType:  models.Text,
		FileSize:  int64(len(data)),
		MimeType:  "text/plain",
		Pages:     1,
		CreatedAt: time.Now().UTC(),
		Hash:      hex.EncodeToString(hash[:]),
	}
	// 第一个一级标题作为文档标题
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "# ") {
			meta.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			meta.MimeType = "text/markdown"
			break
		}
	}
	return meta, nil
}

func (p *Processor) Close() error {
	return nil
}

func markdownHeading(para string) (string, bool) {
	line := para
	if i := strings.IndexByte(para, '\n'); i >= 0 {
		line = para[:i]
	}
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	title := strings.TrimSpace(strings.TrimLeft(line, "#"))
	if title == "" || len(line)-len(strings.TrimLeft(line, "#")) > 6 {
		return "", false
	}
	return title, true
}

// splitPoint finds a cut at or before max that does not split a rune,
// preferring the last whitespace.
func splitPoint(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if i := strings.LastIndexAny(s[:cut], " \n\t"); i > cut/2 {
		return i
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}
