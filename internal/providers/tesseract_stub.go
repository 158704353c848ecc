//go:build !ocr

package providers

// NewTesseractProvider returns ErrOCRNotEnabled unless built with -tags ocr.
func NewTesseractProvider(cfg TesseractConfig) (OCRProvider, error) {
	return nil, ErrOCRNotEnabled
}
