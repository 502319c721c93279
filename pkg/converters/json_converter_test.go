package converters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/internal/models"
)

func TestJSONConverter_Convert(t *testing.T) {
	rec := &models.DocumentRecord{ID: "rec-1", FileName: "cardio.pdf", FileType: "application/pdf", FileSize: 2048}
	chunks := []models.DocumentChunk{
		{Content: "heart rate and rhythm", Metadata: map[string]interface{}{"pageNumber": 1, "section": "Intro"}},
		{Content: "ecg basics", Metadata: map[string]interface{}{"pageNumber": 2, "section": "ECG", "confidence": 0.8}},
		{Content: "scan", Metadata: map[string]interface{}{"imageType": "png", "confidence": 0.6}},
		{Content: "plain", Metadata: nil},
	}

	doc, err := NewJSONConverter().Convert(rec, chunks, 1500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "rec-1", doc.RecordID)
	assert.Equal(t, "completed", doc.Status)
	require.Len(t, doc.Content, 4)
	assert.Equal(t, "page", doc.Content[0].Type)
	assert.Equal(t, "image", doc.Content[2].Type)
	assert.Equal(t, "text", doc.Content[3].Type)
	assert.Equal(t, 4, doc.Content[3].Position)

	assert.Equal(t, 2, doc.Metadata.PageCount)
	assert.Equal(t, []string{"ECG", "Intro"}, doc.Metadata.Sections)
	assert.InDelta(t, 0.7, doc.Metadata.Confidence, 1e-9)
	assert.Equal(t, 8, doc.Metadata.WordCount)
	assert.Equal(t, int64(1500), doc.Metadata.ProcessingMs)
	assert.Equal(t, "cardio.pdf", doc.Metadata.FileName)
}

func TestJSONConverter_MergeSource(t *testing.T) {
	c := NewJSONConverter()
	doc, err := c.Convert(&models.DocumentRecord{ID: "r"}, []models.DocumentChunk{
		{Content: "p1", Metadata: map[string]interface{}{"pageNumber": 1}},
	}, 0)
	require.NoError(t, err)

	c.MergeSource(doc, models.DocumentMetadata{})
	assert.Equal(t, 1, doc.Metadata.PageCount)
	assert.Empty(t, doc.Metadata.Hash)

	c.MergeSource(doc, models.DocumentMetadata{Title: "Cardio", Author: "Dr. Lee", Pages: 12, Hash: "abc"})
	assert.Equal(t, 12, doc.Metadata.PageCount)
	assert.Equal(t, "Cardio", doc.Metadata.Title)
	assert.Equal(t, "Dr. Lee", doc.Metadata.Author)
	assert.Equal(t, "abc", doc.Metadata.Hash)
}

func TestJSONConverter_NoChunks(t *testing.T) {
	_, err := NewJSONConverter().Convert(&models.DocumentRecord{}, nil, 0)
	assert.Error(t, err)
}

func TestJSONConverter_RoundTripKeepsContent(t *testing.T) {
	c := NewJSONConverter()
	doc, err := c.Convert(&models.DocumentRecord{ID: "r"}, []models.DocumentChunk{{Content: "x"}}, 0)
	require.NoError(t, err)

	data, err := c.Marshal(doc)
	require.NoError(t, err)
	back, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "x", back.Content[0].Text)
	assert.Equal(t, 1.0, back.Metadata.Confidence)

	_, err = c.Unmarshal([]byte("nope"))
	assert.Error(t, err)
}
