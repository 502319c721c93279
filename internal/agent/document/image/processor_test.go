package image

import (
	"bytes"
	"context"
	goimage "image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := goimage.NewRGBA(goimage.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeOCR struct {
	chunks   []models.DocumentChunk
	received int
}

func (f *fakeOCR) CanProcess(string) bool { return true }

func (f *fakeOCR) Process(ctx context.Context, r io.Reader) ([]models.DocumentChunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.received = len(data)
	return f.chunks, nil
}

func (f *fakeOCR) ExtractMetadata(context.Context, io.Reader) (models.DocumentMetadata, error) {
	return models.DocumentMetadata{}, nil
}

func (f *fakeOCR) Close() error { return nil }

func TestProcessWithoutOCR(t *testing.T) {
	p, err := NewProcessor(logger.NewNop(), nil, nil)
	require.NoError(t, err)

	chunks, err := p.Process(context.Background(), bytes.NewReader(pngBytes(t, 64, 48)))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "png", chunks[0].Metadata["imageType"])
	assert.Equal(t, 64, chunks[0].Metadata["width"])
	assert.Equal(t, 48, chunks[0].Metadata["height"])
}

func TestProcessRejectsOutOfBoundsImages(t *testing.T) {
	p, err := NewProcessor(logger.NewNop(), &ProcessOptions{MaxWidth: 100, MaxHeight: 100}, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), bytes.NewReader(pngBytes(t, 8, 8)))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = p.Process(context.Background(), bytes.NewReader(pngBytes(t, 200, 50)))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = p.Process(context.Background(), bytes.NewReader([]byte("GIF89a garbage")))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestProcessDelegatesToOCR(t *testing.T) {
	ocr := &fakeOCR{chunks: []models.DocumentChunk{{Content: "Lecture 3: Graphs"}}}
	p, err := NewProcessor(logger.NewNop(), nil, ocr)
	require.NoError(t, err)

	chunks, err := p.Process(context.Background(), bytes.NewReader(pngBytes(t, 64, 64)))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Lecture 3: Graphs", chunks[0].Content)
	assert.Equal(t, "png", chunks[0].Metadata["imageType"])
	assert.Positive(t, ocr.received)
}

func TestProcessOCRWithoutText(t *testing.T) {
	p, err := NewProcessor(logger.NewNop(), nil, &fakeOCR{})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), bytes.NewReader(pngBytes(t, 64, 64)))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewProcessorRejectsInvertedBounds(t *testing.T) {
	_, err := NewProcessor(logger.NewNop(), &ProcessOptions{MinWidth: 500, MaxWidth: 100}, nil)
	assert.Error(t, err)
}

func TestExtractMetadata(t *testing.T) {
	p, err := NewProcessor(logger.NewNop(), nil, nil)
	require.NoError(t, err)

	data := pngBytes(t, 40, 32)
	meta, err := p.ExtractMetadata(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, models.Image, meta.FileType)
	assert.Equal(t, "image/png", meta.MimeType)
	assert.Equal(t, int64(len(data)), meta.FileSize)
	assert.Equal(t, 40, meta.Extra["width"])
}

func TestFitProcessorShrinks(t *testing.T) {
	img := goimage.NewRGBA(goimage.Rect(0, 0, 400, 200))
	out, err := NewFitProcessor(100, 100).Process(img)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	small := goimage.NewRGBA(goimage.Rect(0, 0, 50, 50))
	out, err = NewFitProcessor(100, 100).Process(small)
	require.NoError(t, err)
	assert.Same(t, small, out)
}
