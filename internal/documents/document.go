package documents

import (
	"context"
	"sync"
	"time"

	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/enhance"
	"github.com/jackzampolin/folio/internal/pages"
)

// Document is a submitted document and its tracker.
type Document struct {
	ID          string
	FileName    string
	Format      docsrc.Format
	SizeBytes   int64
	SourceType  string
	PageCount   int
	FirstPage   int
	LastPage    int
	SubmittedAt time.Time

	tracker *pages.Tracker
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.RWMutex
	finishedAt  *time.Time
	enhancement *enhance.Result
	err         error
}

// Info is the listing view of a document.
type Info struct {
	DocumentID  string       `json:"document_id"`
	FileName    string       `json:"file_name"`
	Format      string       `json:"format"`
	SizeBytes   int64        `json:"size_bytes"`
	PageStart   int          `json:"page_start"`
	PageEnd     int          `json:"page_end"`
	Status      pages.Status `json:"status"`
	Processed   int          `json:"processed_pages"`
	TotalPages  int          `json:"total_pages"`
	SubmittedAt time.Time    `json:"submitted_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Tracker returns the document's page tracker.
func (d *Document) Tracker() *pages.Tracker {
	return d.tracker
}

// Done is closed once processing has finished and history is recorded.
func (d *Document) Done() <-chan struct{} {
	return d.done
}

// Cancel stops processing.
func (d *Document) Cancel() {
	d.cancel()
}

// Finished reports whether processing has finished.
func (d *Document) Finished() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Enhancement returns the enhancement result, if any.
func (d *Document) Enhancement() *enhance.Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enhancement
}

// Err returns the run error (cancellation or range mismatch), if any.
func (d *Document) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Info snapshots the document for listings.
func (d *Document) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := Info{
		DocumentID:  d.ID,
		FileName:    d.FileName,
		Format:      string(d.Format),
		SizeBytes:   d.SizeBytes,
		PageStart:   d.FirstPage,
		PageEnd:     d.LastPage,
		Status:      d.tracker.Status(),
		Processed:   d.tracker.ProcessedPages(),
		TotalPages:  d.tracker.Config().TotalPages,
		SubmittedAt: d.SubmittedAt,
		FinishedAt:  d.finishedAt,
	}
	if d.err != nil {
		info.Error = d.err.Error()
	}
	return info
}

func (d *Document) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Document) setEnhancement(res *enhance.Result) {
	d.mu.Lock()
	d.enhancement = res
	d.mu.Unlock()
}

func (d *Document) markFinished(at time.Time) {
	d.mu.Lock()
	d.finishedAt = &at
	d.mu.Unlock()
}
