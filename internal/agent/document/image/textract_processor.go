package image

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

// TextractAPI is the part of the Textract client the processor calls.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type TextractProcessor struct {
	client TextractAPI
	logger logger.Logger
	config *TextractConfig
}

type TextractConfig struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32
	// EnableTable 开启后改用 AnalyzeDocument 并输出表格块
	EnableTable bool
}

func NewTextractProcessor(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractProcessor, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewTextractProcessorWithClient(client, cfg, log), nil
}

func NewTextractProcessorWithClient(client TextractAPI, cfg *TextractConfig, log logger.Logger) *TextractProcessor {
	return &TextractProcessor{
		client: client,
		logger: log.Named("textract"),
		config: cfg,
	}
}

func (p *TextractProcessor) CanProcess(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff", "application/pdf":
		return true
	}
	return false
}

func (p *TextractProcessor) Process(ctx context.Context, reader io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	doc := &types.Document{Bytes: data}

	var blocks []types.Block
	if p.config.EnableTable {
		out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
			Document:     doc,
			FeatureTypes: []types.FeatureType{types.FeatureTypeTables},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to analyze document: %w", err)
		}
		blocks = out.Blocks
	} else {
		out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{Document: doc})
		if err != nil {
			return nil, fmt.Errorf("failed to detect document text: %w", err)
		}
		blocks = out.Blocks
	}

	chunks := []models.DocumentChunk{}

	lines, confidence := p.processLines(blocks)
	if len(lines) > 0 {
		chunks = append(chunks, models.DocumentChunk{
			Content: strings.Join(lines, "\n"),
			Metadata: map[string]interface{}{
				"source":     "textract",
				"type":       "text",
				"confidence": confidence,
			},
		})
	}

	if p.config.EnableTable {
		for i, table := range processTables(blocks) {
			chunks = append(chunks, models.DocumentChunk{
				Content: table.Content,
				Metadata: map[string]interface{}{
					"source":  "textract",
					"type":    "table",
					"section": fmt.Sprintf("table_%d", i+1),
					"rows":    table.Rows,
					"cols":    table.Cols,
				},
			})
		}
	}

	p.logger.Debug("Textract finished",
		logger.Int("lines", len(lines)),
		logger.Float64("confidence", confidence),
		logger.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

func (p *TextractProcessor) ExtractMetadata(ctx context.Context, reader io.Reader) (models.DocumentMetadata, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return models.DocumentMetadata{}, fmt.Errorf("failed to read image data: %w", err)
	}
	return models.DocumentMetadata{
		FileType: models.Image,
		FileSize: int64(len(data)),
		Extra:    map[string]interface{}{"processor": "textract"},
	}, nil
}

func (p *TextractProcessor) Close() error {
	return nil
}

// processLines keeps LINE blocks above the confidence floor and returns
// their mean confidence on a 0..1 scale.
func (p *TextractProcessor) processLines(blocks []types.Block) ([]string, float64) {
	var texts []string
	var total float64
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		if block.Confidence == nil || *block.Confidence < p.config.MinConfidence {
			continue
		}
		texts = append(texts, *block.Text)
		total += float64(*block.Confidence)
	}
	if len(texts) == 0 {
		return nil, 0
	}
	return texts, total / float64(len(texts)) / 100
}

// Table 表格结构
type Table struct {
	Content string
	Rows    int
	Cols    int
	Cells   [][]string
}

// processTables rebuilds every TABLE block from its CELL children.
func processTables(blocks []types.Block) []Table {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var tables []Table
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeTable {
			continue
		}

		var cells []types.Block
		rows, cols := 0, 0
		for _, id := range childIDs(block) {
			cell, ok := byID[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			cells = append(cells, cell)
			if r := int(*cell.RowIndex); r > rows {
				rows = r
			}
			if c := int(*cell.ColumnIndex); c > cols {
				cols = c
			}
		}
		if rows == 0 || cols == 0 {
			continue
		}

		t := Table{Rows: rows, Cols: cols, Cells: make([][]string, rows)}
		for i := range t.Cells {
			t.Cells[i] = make([]string, cols)
		}
		for _, cell := range cells {
			t.Cells[*cell.RowIndex-1][*cell.ColumnIndex-1] = cellText(cell, byID)
		}

		var b strings.Builder
		for _, row := range t.Cells {
			b.WriteString(strings.Join(row, " | "))
			b.WriteString("\n")
		}
		t.Content = strings.TrimSpace(b.String())
		tables = append(tables, t)
	}
	return tables
}

func childIDs(block types.Block) []string {
	var ids []string
	for _, rel := range block.Relationships {
		if rel.Type == types.RelationshipTypeChild {
			ids = append(ids, rel.Ids...)
		}
	}
	return ids
}

func cellText(cell types.Block, byID map[string]types.Block) string {
	words := make([]string, 0)
	for _, id := range childIDs(cell) {
		if w, ok := byID[id]; ok && w.BlockType == types.BlockTypeWord && w.Text != nil {
			words = append(words, *w.Text)
		}
	}
	if len(words) == 0 && cell.Text != nil {
		return *cell.Text
	}
	return strings.Join(words, " ")
}
