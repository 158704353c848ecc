package pages

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrInvalidPageCount is returned by New when the document has no pages.
	ErrInvalidPageCount = errors.New("total pages must be positive")

	// ErrPageOutOfRange is returned when a page number is outside the tracked range.
	ErrPageOutOfRange = errors.New("page number out of range")
)

// Status is the derived status of the whole document.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

// Terminal reports whether every expected page has been accounted for.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusPartialSuccess || s == StatusFailed
}

// Config is the construction snapshot of a tracker. The processing policy
// fields are recorded for the engine and for audit; the tracker does not
// enforce them.
type Config struct {
	DocumentID string
	TotalPages int
	// FirstPage is the number of the first tracked page. Defaults to 1.
	FirstPage int

	ContinueOnError   bool
	MaxRetriesPerPage int
	ParallelWorkers   int
	TimeoutPerPage    time.Duration
}

// LastPage returns the number of the last tracked page.
func (c Config) LastPage() int {
	return c.FirstPage + c.TotalPages - 1
}

// Tracker owns the page outcomes of one document.
// All methods are safe for concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config

	outcomes map[int]Outcome
	metadata map[int]Metadata
	errors   map[int]string

	successful []int
	failed     []int
	skipped    []int

	status Status

	combined     bool
	combinedText string
	avgConf      *float64
	totalWords   int

	startedAt   *time.Time
	completedAt *time.Time

	subscribers map[int]chan PageEvent
	nextSubID   int
}

// New creates a tracker for cfg.TotalPages pages.
func New(cfg Config) (*Tracker, error) {
	if cfg.TotalPages <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageCount, cfg.TotalPages)
	}
	if cfg.FirstPage <= 0 {
		cfg.FirstPage = 1
	}
	return &Tracker{
		cfg:         cfg,
		outcomes:    make(map[int]Outcome),
		metadata:    make(map[int]Metadata),
		errors:      make(map[int]string),
		status:      StatusPending,
		subscribers: make(map[int]chan PageEvent),
	}, nil
}

// Config returns the construction snapshot.
func (t *Tracker) Config() Config {
	return t.cfg
}

// DocumentID returns the document identifier.
func (t *Tracker) DocumentID() string {
	return t.cfg.DocumentID
}

// InRange reports whether page is one of the tracked page numbers.
func (t *Tracker) InRange(page int) bool {
	return page >= t.cfg.FirstPage && page <= t.cfg.LastPage()
}

// Report records the outcome for a page, replacing any earlier outcome.
// The page moves into exactly one of the successful, failed or skipped sets
// and the document status is recomputed before the lock is released.
func (t *Tracker) Report(page int, outcome Outcome) error {
	if !t.InRange(page) {
		return fmt.Errorf("%w: page %d not in [%d, %d]", ErrPageOutOfRange, page, t.cfg.FirstPage, t.cfg.LastPage())
	}
	outcome.PageNumber = page

	t.mu.Lock()
	t.outcomes[page] = outcome

	t.successful = remove(t.successful, page)
	t.failed = remove(t.failed, page)
	t.skipped = remove(t.skipped, page)
	delete(t.errors, page)

	switch {
	case outcome.Status == PageSuccess:
		t.successful = insertSorted(t.successful, page)
	case outcome.Status.Failed():
		t.failed = insertSorted(t.failed, page)
		t.errors[page] = outcome.errorMessage()
	case outcome.Status == PageSkipped:
		t.skipped = insertSorted(t.skipped, page)
	}

	t.status = t.computeStatus()
	t.publish(PageEvent{Page: page, Outcome: outcome, Status: t.status})
	t.mu.Unlock()
	return nil
}

// AttachMetadata stores descriptive metadata for a page, replacing any earlier value.
func (t *Tracker) AttachMetadata(page int, md Metadata) error {
	if !t.InRange(page) {
		return fmt.Errorf("%w: page %d", ErrPageOutOfRange, page)
	}
	md.PageNumber = page

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[page] = md
	return nil
}

// computeStatus must be called with the lock held.
func (t *Tracker) computeStatus() Status {
	processed := len(t.outcomes)
	switch {
	case processed == 0:
		return StatusPending
	case processed < t.cfg.TotalPages:
		return StatusProcessing
	case len(t.successful) == t.cfg.TotalPages:
		return StatusSuccess
	case len(t.successful) == 0:
		return StatusFailed
	default:
		return StatusPartialSuccess
	}
}

// MarkStarted records when processing began.
func (t *Tracker) MarkStarted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = &at
}

// MarkCompleted records when processing finished.
func (t *Tracker) MarkCompleted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedAt = &at
}

// Status returns the current document status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// ProcessedPages returns how many pages have been reported.
func (t *Tracker) ProcessedPages() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.outcomes)
}

// SuccessfulPages returns the successful page numbers in ascending order.
func (t *Tracker) SuccessfulPages() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.successful)
}

// FailedPages returns the failed page numbers in ascending order.
func (t *Tracker) FailedPages() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.failed)
}

// SkippedPages returns the skipped page numbers in ascending order.
func (t *Tracker) SkippedPages() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.skipped)
}

// Errors returns the error message of every currently failed page.
func (t *Tracker) Errors() map[int]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]string, len(t.errors))
	for k, v := range t.errors {
		out[k] = v
	}
	return out
}

// Outcome returns the recorded outcome for a page.
func (t *Tracker) Outcome(page int) (Outcome, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.outcomes[page]
	return o, ok
}

// Outcomes returns all recorded outcomes ordered by page number.
func (t *Tracker) Outcomes() []Outcome {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Outcome, 0, len(t.outcomes))
	for _, page := range sortedKeys(t.outcomes) {
		out = append(out, t.outcomes[page])
	}
	return out
}

// Metadata returns the metadata attached to a page.
func (t *Tracker) Metadata(page int) (Metadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	md, ok := t.metadata[page]
	return md, ok
}

// StartedAt returns the processing start time, if set.
func (t *Tracker) StartedAt() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startedAt == nil {
		return time.Time{}, false
	}
	return *t.startedAt, true
}

func remove(s []int, v int) []int {
	if i, ok := slices.BinarySearch(s, v); ok {
		return slices.Delete(s, i, i+1)
	}
	return s
}

func insertSorted(s []int, v int) []int {
	i, ok := slices.BinarySearch(s, v)
	if ok {
		return s
	}
	return slices.Insert(s, i, v)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
