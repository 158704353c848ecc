package providers

const TesseractName = "tesseract"

// TesseractConfig configures the local tesseract provider.
type TesseractConfig struct {
	Languages []string
	RateLimit float64
	Retries   int
}
