// Package pages tracks per-page OCR outcomes for a document and derives the
// document status, aggregate text and caller-facing views from them.
package pages

// PageStatus is the result of processing a single page.
type PageStatus string

const (
	PageSuccess   PageStatus = "success"
	PageError     PageStatus = "error"
	PageSkipped   PageStatus = "skipped"
	PageTimeout   PageStatus = "timeout"
	PageCorrupted PageStatus = "corrupted"
)

// Failed reports whether the status counts as a page failure.
func (s PageStatus) Failed() bool {
	return s == PageError || s == PageTimeout || s == PageCorrupted
}

// Error codes attached to failed or skipped outcomes.
const (
	CodeDimensionsInvalid = "DIMENSIONS_INVALID"
	CodeTimeout           = "TIMEOUT"
	CodeCorrupted         = "DOCUMENT_CORRUPTED"
	CodeOCRFailed         = "OCR_FAILED"
	CodeAborted           = "ABORTED"
	CodeCancelled         = "CANCELLED"
)

// Outcome is the result of OCR on one page.
// Text is only meaningful when Status is PageSuccess.
type Outcome struct {
	PageNumber       int        `json:"page_number"`
	Status           PageStatus `json:"status"`
	Text             string     `json:"text,omitempty"`
	Confidence       *float64   `json:"confidence"`
	WordCount        *int       `json:"word_count"`
	ProcessingTimeMs *int64     `json:"processing_time_ms"`
	Error            string     `json:"error,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	RetryCount       int        `json:"retry_count"`
}

// errorMessage returns the best available description of a failure.
func (o Outcome) errorMessage() string {
	switch {
	case o.Error != "":
		return o.Error
	case o.ErrorCode != "":
		return o.ErrorCode
	default:
		return "Unknown error"
	}
}

// Metadata describes a page. It never affects status logic.
type Metadata struct {
	PageNumber int  `json:"page_number"`
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	Rotation   int  `json:"rotation"`
	HasText    bool `json:"has_text"`
	HasImages  bool `json:"has_images"`
	DPI        int  `json:"dpi,omitempty"`
}

// Float returns a pointer to v. Handy for building outcomes.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Millis returns a pointer to v.
func Millis(v int64) *int64 { return &v }
