package agent

import (
	"context"
	"fmt"
	"strings"

	cfg "github.com/feichai0017/lecture-processor/config"
	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/agent/document/image"
	"github.com/feichai0017/lecture-processor/internal/agent/document/pdf"
	"github.com/feichai0017/lecture-processor/internal/agent/document/text"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// 添加扩展名到 MIME 类型的映射
var extToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
}

// MIMEFromExt maps a file extension (with the dot) to the MIME type the
// factory registers processors under.
func MIMEFromExt(ext string) (string, bool) {
	m, ok := extToMIME[strings.ToLower(ext)]
	return m, ok
}

// FactoryOptions selects the processors the factory builds.
type FactoryOptions struct {
	Processing cfg.ProcessingConfig
	Textract   *cfg.TextractConfig
	// OCR replaces the Textract processor when set
	OCR document.Processor
}

type ProcessorFactory struct {
	processors map[string]document.Processor
	ocr        document.Processor
	logger     logger.Logger
}

func NewProcessorFactory(ctx context.Context, opts FactoryOptions, log logger.Logger) (*ProcessorFactory, error) {
	factory := &ProcessorFactory{
		processors: make(map[string]document.Processor),
		logger:     log.Named("processors"),
	}

	// 初始化 Textract 处理器，只在启用时创建
	ocr := opts.OCR
	if ocr == nil && opts.Textract != nil && opts.Textract.Enabled {
		textractProcessor, err := image.NewTextractProcessor(ctx, &image.TextractConfig{
			Region:        opts.Textract.Region,
			Endpoint:      opts.Textract.Endpoint,
			AccessKey:     opts.Textract.AccessKey,
			SecretKey:     opts.Textract.SecretKey,
			MinConfidence: 80.0,
			EnableTable:   true,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create textract processor: %w", err)
		}
		ocr = textractProcessor
	}
	factory.ocr = ocr

	// 初始化 PDF 处理器，扫描件回退到 OCR
	factory.processors["application/pdf"] = pdf.NewProcessor(log, ocr)

	textProcessor := text.NewProcessor(log, opts.Processing.ChunkSize)
	factory.processors["text/plain"] = textProcessor
	factory.processors["text/markdown"] = textProcessor

	imageProcessor, err := image.NewProcessor(log, &image.ProcessOptions{
		MinWidth:  opts.Processing.MinImageWidth,
		MinHeight: opts.Processing.MinImageHeight,
		MaxWidth:  opts.Processing.MaxImageWidth,
		MaxHeight: opts.Processing.MaxImageHeight,
	}, ocr)
	if err != nil {
		return nil, fmt.Errorf("failed to create image processor: %w", err)
	}
	for _, m := range []string{"image/jpeg", "image/jpg", "image/png", "image/gif"} {
		factory.processors[m] = imageProcessor
	}

	factory.logger.Info("Processors registered",
		logger.Int("count", len(factory.processors)),
		logger.Bool("ocr", ocr != nil),
	)
	return factory, nil
}

// GetProcessor accepts a MIME type or a file extension.
func (f *ProcessorFactory) GetProcessor(fileType string) (document.Processor, error) {
	key := strings.ToLower(strings.TrimSpace(fileType))
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	if p, ok := f.processors[key]; ok {
		return p, nil
	}

	// 将扩展名转换为 MIME 类型
	mimeType, ok := extToMIME[key]
	if !ok {
		return nil, document.Unreadable("unsupported file type: %s", fileType)
	}
	p, ok := f.processors[mimeType]
	if !ok {
		return nil, document.Unreadable("no processor found for mime type: %s", mimeType)
	}
	return p, nil
}

// Close releases the OCR client once; the image and pdf processors share it.
func (f *ProcessorFactory) Close() error {
	if f.ocr != nil {
		return f.ocr.Close()
	}
	return nil
}
