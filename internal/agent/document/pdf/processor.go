package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

type Processor struct {
	logger logger.Logger
	// fallback 处理没有文本层的扫描版 PDF，可为空
	fallback document.Processor
}

func NewProcessor(log logger.Logger, fallback document.Processor) *Processor {
	return &Processor{
		logger:   log.Named("pdf"),
		fallback: fallback,
	}
}

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == "application/pdf"
}

func (p *Processor) Process(ctx context.Context, file io.Reader) ([]models.DocumentChunk, error) {
	// 首先将文件读入内存
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	pdfReader, err := open(content)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(content)
	hashStr := hex.EncodeToString(hash[:])

	numPages := pdfReader.NumPage()
	chunks := make([]models.DocumentChunk, 0, numPages)
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := pageText(pdfReader, pageNum)
		if err != nil {
			return nil, err
		}
		text = cleanText(text)
		if text == "" {
			continue
		}

		chunks = append(chunks, models.DocumentChunk{
			Content: text,
			Metadata: map[string]interface{}{
				"pageNumber": pageNum,
				"hash":       hashStr,
				"section":    fmt.Sprintf("page_%d", pageNum),
			},
		})
	}

	if len(chunks) == 0 {
		if p.fallback != nil && p.fallback.CanProcess("application/pdf") {
			p.logger.Info("PDF has no text layer, falling back to OCR",
				logger.Int("pages", numPages),
			)
			return p.fallback.Process(ctx, bytes.NewReader(content))
		}
		return nil, document.Unreadable("pdf has no extractable text")
	}

	return chunks, nil
}

func (p *Processor) ExtractMetadata(ctx context.Context, file io.Reader) (models.DocumentMetadata, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return models.DocumentMetadata{}, fmt.Errorf("failed to read pdf: %w", err)
	}

	pdfReader, err := open(content)
	if err != nil {
		return models.DocumentMetadata{}, err
	}

	hash := sha256.Sum256(content)
	metadata := models.DocumentMetadata{
		FileType:  models.PDF,
		FileSize:  int64(len(content)),
		MimeType:  "application/pdf",
		Pages:     pdfReader.NumPage(),
		CreatedAt: time.Now().UTC(),
		Hash:      hex.EncodeToString(hash[:]),
	}

	// 尝试从PDF文档中获取更多信息
	info := pdfReader.Trailer().Key("Info")
	if !info.IsNull() {
		if title := info.Key("Title"); !title.IsNull() {
			metadata.Title = title.Text()
		}
		if author := info.Key("Author"); !author.IsNull() {
			metadata.Author = author.Text()
		}
	}

	return metadata, nil
}

// open parses content. The pdf package panics on some malformed inputs.
func open(content []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, document.Unreadable("malformed pdf: %v", rec)
		}
	}()

	reader := bytes.NewReader(content)
	r, err = pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, document.Unreadable("not a readable pdf: %v", err)
	}
	return r, nil
}

func pageText(r *pdf.Reader, pageNum int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", document.Unreadable("malformed page %d: %v", pageNum, rec)
		}
	}()

	page := r.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("failed to get text from page %d: %w", pageNum, err)
	}
	return text, nil
}

// cleanText collapses runs of blank lines and trims each line.
func cleanText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Close 实现 document.Processor 接口的 Close 方法
func (p *Processor) Close() error {
	return nil
}
