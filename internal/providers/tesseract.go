//go:build ocr

package providers

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractProvider runs OCR locally through gosseract. It needs the
// tesseract libraries at build and run time and the "ocr" build tag.
type TesseractProvider struct {
	languages  []string
	rateLimit  float64
	retries    int
	retryDelay time.Duration
}

// NewTesseractProvider creates a local OCR provider.
func NewTesseractProvider(cfg TesseractConfig) (OCRProvider, error) {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 4.0
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	return &TesseractProvider{
		languages:  cfg.Languages,
		rateLimit:  cfg.RateLimit,
		retries:    cfg.Retries,
		retryDelay: 500 * time.Millisecond,
	}, nil
}

func (p *TesseractProvider) Name() string { return TesseractName }

func (p *TesseractProvider) RequestsPerSecond() float64 { return p.rateLimit }

func (p *TesseractProvider) MaxRetries() int { return p.retries }

func (p *TesseractProvider) RetryDelayBase() time.Duration { return p.retryDelay }

// ProcessPage recognizes text in a raster image. PDF pages are rejected
// because tesseract cannot read them directly.
func (p *TesseractProvider) ProcessPage(ctx context.Context, data []byte, pageNum int) (*OCRResult, error) {
	start := time.Now()
	fail := func(err error) (*OCRResult, error) {
		return &OCRResult{ErrorMessage: err.Error(), ExecutionTime: time.Since(start)}, err
	}

	if bytes.HasPrefix(data, []byte("%PDF")) {
		return fail(fmt.Errorf("%w: tesseract cannot read PDF page %d", ErrInvalidImage, pageNum))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	c := gosseract.NewClient()
	defer c.Close()

	if err := c.SetLanguage(p.languages...); err != nil {
		return fail(fmt.Errorf("set languages: %w", err))
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidImage, err))
	}
	text, err := c.Text()
	if err != nil {
		return fail(fmt.Errorf("recognize text: %w", err))
	}
	text = strings.TrimSpace(text)

	result := &OCRResult{
		Success:       true,
		Text:          text,
		WordCount:     len(strings.Fields(text)),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"page_num": pageNum,
			"provider": TesseractName,
		},
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence / 100.0
		}
		avg := sum / float64(len(boxes))
		result.Confidence = &avg
	}
	return result, nil
}

var _ OCRProvider = (*TesseractProvider)(nil)
