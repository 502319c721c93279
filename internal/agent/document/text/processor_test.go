package text

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

func TestProcessMarkdownSections(t *testing.T) {
	p := NewProcessor(logger.NewNop(), 0)
	body := "# Week 1\n\nIntro paragraph.\n\n## Sorting\n\nQuicksort picks a pivot.\n\nMerge sort splits in half."

	chunks, err := p.Process(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Week 1", chunks[0].Metadata["section"])
	assert.Contains(t, chunks[0].Content, "Intro paragraph.")
	assert.Equal(t, "Sorting", chunks[1].Metadata["section"])
	assert.Contains(t, chunks[1].Content, "Merge sort")
	assert.Equal(t, 2, chunks[1].Metadata["position"])
}

func TestProcessSplitsLongParagraphs(t *testing.T) {
	p := NewProcessor(logger.NewNop(), 50)
	body := strings.Repeat("lecture ", 40)

	chunks, err := p.Process(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 50)
		assert.NotEmpty(t, c.Content)
	}
}

func TestProcessRejectsUnreadableText(t *testing.T) {
	p := NewProcessor(logger.NewNop(), 0)

	_, err := p.Process(context.Background(), strings.NewReader("  \n\n "))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = p.Process(context.Background(), strings.NewReader(string([]byte{0xff, 0xfe, 0x00})))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExtractMetadataTitle(t *testing.T) {
	p := NewProcessor(logger.NewNop(), 0)

	meta, err := p.ExtractMetadata(context.Background(), strings.NewReader("notes\n# Graphs\nBFS"))
	require.NoError(t, err)
	assert.Equal(t, "Graphs", meta.Title)
	assert.Equal(t, "text/markdown", meta.MimeType)
	assert.Len(t, meta.Hash, 64)

	meta, err = p.ExtractMetadata(context.Background(), strings.NewReader("plain notes"))
	require.NoError(t, err)
	assert.Empty(t, meta.Title)
	assert.Equal(t, "text/plain", meta.MimeType)
}

func TestSplitPointKeepsRunes(t *testing.T) {
	s := "讲义讲义讲义"
	cut := splitPoint(s, 4)
	assert.Equal(t, 3, cut)
	assert.Equal(t, "讲", s[:cut])
}
