package providers

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidImage is returned when the provider rejects page data as unreadable.
	// Callers should not retry it.
	ErrInvalidImage = errors.New("invalid or corrupted page data")

	// ErrOCRNotEnabled is returned by providers compiled out of the binary.
	ErrOCRNotEnabled = errors.New("OCR support not enabled (build with -tags ocr)")
)

// OCRProvider turns one page of a document into text.
// Separate from any LLM client because it has its own rate limits,
// retry policy and result shape (text + confidence + word count).
type OCRProvider interface {
	// Name returns the provider identifier (e.g., "huawei", "tesseract").
	Name() string

	// ProcessPage extracts text from a single page. data is an image or a
	// single-page PDF; pageNum is used for logging and metadata only.
	ProcessPage(ctx context.Context, data []byte, pageNum int) (*OCRResult, error)

	// Rate limiting properties
	RequestsPerSecond() float64
	MaxRetries() int
	RetryDelayBase() time.Duration
}

// OCRResult is the response from an OCR provider.
type OCRResult struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`

	// Confidence is the mean word confidence reported by the provider, if any.
	Confidence *float64 `json:"confidence,omitempty"`
	// WordCount is the number of recognized words. Zero means "not reported".
	WordCount int `json:"word_count"`

	// Metadata from provider (dimensions, block counts, etc.)
	Metadata map[string]any `json:"metadata,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// TransientError marks an error as worth retrying (5xx, 429, network).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
// Errors that are neither invalid input nor explicitly transient are treated
// as transient so unknown failures still get retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrOCRNotEnabled) || errors.Is(err, context.Canceled) {
		return false
	}
	var permanent *PermanentError
	return !errors.As(err, &permanent)
}

// PermanentError is a provider failure that retrying will not fix (auth, 4xx).
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }
