package history

import (
	"time"

	"github.com/jackzampolin/folio/internal/pages"
)

// Source types.
const (
	SourceFile = "file"
	SourceURL  = "url"
)

// Record is one processed document.
type Record struct {
	HistoryID     string `json:"history_id"`
	DocumentID    string `json:"document_id"`
	FileName      string `json:"file_name"`
	FileFormat    string `json:"file_format"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	SourceType    string `json:"source_type"`

	Status         pages.Status `json:"status"`
	Success        bool         `json:"success"`
	TotalPages     int          `json:"total_pages"`
	PagesProcessed int          `json:"pages_processed"`
	FailedPages    int          `json:"failed_pages"`
	OCRConfidence  *float64     `json:"ocr_confidence,omitempty"`

	ProcessingTimeMs int64  `json:"processing_time_ms"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ResultSummary    string `json:"result_summary,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DaysUntilExpiry returns the remaining lifetime in days, never negative.
func (r Record) DaysUntilExpiry(now time.Time) float64 {
	d := r.ExpiresAt.Sub(now).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// FromResponse builds a record for a finished document.
func FromResponse(resp pages.Response, fileName, fileFormat string, size int64) *Record {
	r := &Record{
		DocumentID:     resp.DocumentID,
		FileName:       fileName,
		FileFormat:     fileFormat,
		FileSizeBytes:  size,
		Status:         resp.Status,
		Success:        resp.Status == pages.StatusSuccess || resp.Status == pages.StatusPartialSuccess,
		TotalPages:     resp.TotalPages,
		PagesProcessed: resp.Summary.ProcessedPages,
		FailedPages:    len(resp.FailedPages),
		OCRConfidence:  resp.AverageConfidence,
		ErrorMessage:   resp.Error,
	}
	if resp.Summary.ProcessingTimeSeconds != nil {
		r.ProcessingTimeMs = int64(*resp.Summary.ProcessingTimeSeconds * 1000)
	}
	if r.ErrorMessage == "" && len(resp.FailedPages) > 0 {
		if pr, ok := resp.PageResults.Get(resp.FailedPages[0]); ok && pr.Error != nil {
			r.ErrorMessage = *pr.Error
		}
	}
	r.ResultSummary = summarize(resp)
	return r
}

func summarize(resp pages.Response) string {
	const max = 500
	runes := []rune(resp.CombinedText)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return resp.CombinedText
}

// Query filters List.
type Query struct {
	DocumentID     string
	FileFormat     string
	Success        *bool
	After          *time.Time
	Before         *time.Time
	Limit          int
	Offset         int
	IncludeExpired bool
}

// Stats summarizes stored history.
type Stats struct {
	TotalRecords            int            `json:"total_records"`
	SuccessfulRecords       int            `json:"successful_records"`
	FailedRecords           int            `json:"failed_records"`
	SuccessRate             float64        `json:"success_rate"`
	FormatDistribution      map[string]int `json:"format_distribution"`
	AverageProcessingTimeMs float64        `json:"average_processing_time_ms"`
	TotalBytesProcessed     int64          `json:"total_bytes_processed"`
	ActiveRecords           int            `json:"active_records"`
	ExpiredRecords          int            `json:"expired_records"`
}
