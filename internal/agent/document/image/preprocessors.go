package image

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ImagePreprocessor 图像预处理接口
type ImagePreprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// 灰度处理器
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// 降噪处理器
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	// 使用高斯模糊进行降噪
	return imaging.Blur(img, p.strength), nil
}

// 锐化处理器
type SharpenProcessor struct {
	strength float64
}

func NewSharpenProcessor(strength float64) *SharpenProcessor {
	return &SharpenProcessor{strength: strength}
}

func (p *SharpenProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, p.strength), nil
}

// 对比度处理器
type ContrastProcessor struct {
	percentage float64
}

func NewContrastProcessor(percentage float64) *ContrastProcessor {
	return &ContrastProcessor{percentage: percentage}
}

func (p *ContrastProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.percentage), nil
}

// FitProcessor shrinks images larger than the bounds, keeping the aspect ratio.
type FitProcessor struct {
	maxWidth  int
	maxHeight int
}

func NewFitProcessor(maxWidth, maxHeight int) *FitProcessor {
	return &FitProcessor{maxWidth: maxWidth, maxHeight: maxHeight}
}

func (p *FitProcessor) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	b := img.Bounds()
	if b.Dx() <= p.maxWidth && b.Dy() <= p.maxHeight {
		return img, nil
	}
	return imaging.Fit(img, p.maxWidth, p.maxHeight, imaging.Lanczos), nil
}

// DefaultOCRPreprocessors prepares slide photos for text detection.
func DefaultOCRPreprocessors(maxWidth, maxHeight int) []ImagePreprocessor {
	return []ImagePreprocessor{
		NewFitProcessor(maxWidth, maxHeight),
		NewGrayscaleProcessor(),
		NewDenoiseProcessor(0.5),
		NewContrastProcessor(20),
		NewSharpenProcessor(0.5),
	}
}
