// internal/agent/document/image/processor.go
package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/lecture-processor/internal/agent/document"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// ProcessOptions bounds the images the processor accepts.
type ProcessOptions struct {
	MinWidth  int
	MinHeight int
	MaxWidth  int
	MaxHeight int
	// OCRMaxSide 送入 OCR 前的最长边
	OCRMaxSide int
}

func (o *ProcessOptions) withDefaults() *ProcessOptions {
	c := ProcessOptions{}
	if o != nil {
		c = *o
	}
	if c.MinWidth <= 0 {
		c.MinWidth = 32
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 32
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 10000
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 10000
	}
	if c.OCRMaxSide <= 0 {
		c.OCRMaxSide = 3000
	}
	return &c
}

// Processor validates slide images. With an OCR processor it also extracts
// their text; without one it records the image itself as a single chunk.
type Processor struct {
	logger        logger.Logger
	config        *ProcessOptions
	preprocessors []ImagePreprocessor
	ocr           document.Processor
}

// 创建新的处理器
func NewProcessor(log logger.Logger, opts *ProcessOptions, ocr document.Processor) (*Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg := opts.withDefaults()
	if cfg.MinWidth > cfg.MaxWidth || cfg.MinHeight > cfg.MaxHeight {
		return nil, fmt.Errorf("invalid image bounds: min exceeds max")
	}
	return &Processor{
		logger:        log.Named("image"),
		config:        cfg,
		preprocessors: DefaultOCRPreprocessors(cfg.OCRMaxSide, cfg.OCRMaxSide),
		ocr:           ocr,
	}, nil
}

func (p *Processor) CanProcess(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif":
		return true
	}
	return false
}

func (p *Processor) Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	img, format, err := p.decode(data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()

	if p.ocr == nil {
		return []models.DocumentChunk{{
			Content: fmt.Sprintf("%s image %dx%d", format, b.Dx(), b.Dy()),
			Metadata: map[string]interface{}{
				"imageType": format,
				"width":     b.Dx(),
				"height":    b.Dy(),
			},
		}}, nil
	}

	// 预处理后再送 OCR
	start := time.Now()
	prepared := img
	for _, pre := range p.preprocessors {
		if prepared, err = pre.Process(prepared); err != nil {
			return nil, fmt.Errorf("failed to preprocess image: %w", err)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, prepared, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode preprocessed image: %w", err)
	}

	chunks, err := p.ocr.Process(ctx, &buf)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]interface{})
		}
		chunks[i].Metadata["imageType"] = format
	}
	p.logger.Debug("OCR finished",
		logger.Int("chunks", len(chunks)),
		logger.Duration("elapsed", time.Since(start)),
	)
	if len(chunks) == 0 {
		return nil, document.Unreadable("no text detected in image")
	}
	return chunks, nil
}

func (p *Processor) ExtractMetadata(ctx context.Context, reader io.Reader) (models.DocumentMetadata, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return models.DocumentMetadata{}, fmt.Errorf("failed to read image: %w", err)
	}
	img, format, err := p.decode(data)
	if err != nil {
		return models.DocumentMetadata{}, err
	}
	hash := sha256.Sum256(data)
	return models.DocumentMetadata{
		FileType:  models.Image,
		FileSize:  int64(len(data)),
		MimeType:  "image/" + format,
		Pages:     1,
		CreatedAt: time.Now().UTC(),
		Hash:      hex.EncodeToString(hash[:]),
		Extra: map[string]interface{}{
			"width":  img.Bounds().Dx(),
			"height": img.Bounds().Dy(),
		},
	}, nil
}

// decode reads the header first so oversized images are rejected before
// their pixels are allocated.
func (p *Processor) decode(data []byte) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", document.Unreadable("not a decodable image: %v", err)
	}
	if cfg.Width < p.config.MinWidth || cfg.Height < p.config.MinHeight {
		return nil, "", document.Unreadable("image %dx%d is smaller than %dx%d",
			cfg.Width, cfg.Height, p.config.MinWidth, p.config.MinHeight)
	}
	if cfg.Width > p.config.MaxWidth || cfg.Height > p.config.MaxHeight {
		return nil, "", document.Unreadable("image %dx%d is larger than %dx%d",
			cfg.Width, cfg.Height, p.config.MaxWidth, p.config.MaxHeight)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", document.Unreadable("failed to decode %s image: %v", format, err)
	}
	return img, format, nil
}

func (p *Processor) Close() error {
	if p.ocr != nil {
		return p.ocr.Close()
	}
	return nil
}
