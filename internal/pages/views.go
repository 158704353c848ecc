package pages

import (
	"fmt"
	"strings"
)

const blockSeparator = "\n\n"

func labeledBlock(page int, text string) string {
	return fmt.Sprintf("[Page %d]\n%s", page, text)
}

// Combine aggregates the successful pages, in page order, into the combined
// text, average confidence and total word count. Every call recomputes the
// aggregates from the current outcomes.
func (t *Tracker) Combine() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.combined = false
	t.combinedText = ""
	t.avgConf = nil
	t.totalWords = 0

	if len(t.successful) == 0 {
		return
	}

	var (
		blocks    []string
		words     int
		confSum   float64
		confCount int
	)
	for _, page := range t.successful {
		o := t.outcomes[page]
		if o.Text == "" {
			continue
		}
		blocks = append(blocks, labeledBlock(page, o.Text))
		if o.WordCount != nil {
			words += *o.WordCount
		}
		if o.Confidence != nil {
			confSum += *o.Confidence
			confCount++
		}
	}

	t.combined = true
	t.combinedText = strings.Join(blocks, blockSeparator)
	t.totalWords = words
	if confCount > 0 {
		avg := confSum / float64(confCount)
		t.avgConf = &avg
	}
}

// CombinedText returns the combined text and whether Combine has produced it.
func (t *Tracker) CombinedText() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.combinedText, t.combined
}

// AverageConfidence returns the mean confidence of the combined pages.
// ok is false when no combined page reported a confidence.
func (t *Tracker) AverageConfidence() (avg float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.avgConf == nil {
		return 0, false
	}
	return *t.avgConf, true
}

// TotalWordCount returns the combined word count.
func (t *Tracker) TotalWordCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalWords
}

// Summary is a count-oriented view of a tracker.
type Summary struct {
	DocumentID            string         `json:"document_id"`
	Status                Status         `json:"status"`
	TotalPages            int            `json:"total_pages"`
	ProcessedPages        int            `json:"processed_pages"`
	SuccessfulPages       int            `json:"successful_pages"`
	FailedPages           int            `json:"failed_pages"`
	SkippedPages          int            `json:"skipped_pages"`
	SuccessRate           float64        `json:"success_rate"`
	AverageConfidence     *float64       `json:"average_confidence"`
	TotalWordCount        int            `json:"total_word_count"`
	ProcessingTimeSeconds *float64       `json:"processing_time_seconds"`
	PagesWithErrors       map[int]string `json:"pages_with_errors"`
}

// Summary returns counts, success rate and the error map.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() Summary {
	s := Summary{
		DocumentID:      t.cfg.DocumentID,
		Status:          t.status,
		TotalPages:      t.cfg.TotalPages,
		ProcessedPages:  len(t.outcomes),
		SuccessfulPages: len(t.successful),
		FailedPages:     len(t.failed),
		SkippedPages:    len(t.skipped),
		TotalWordCount:  t.totalWords,
		PagesWithErrors: make(map[int]string, len(t.errors)),
	}
	if t.cfg.TotalPages > 0 {
		s.SuccessRate = float64(len(t.successful)) / float64(t.cfg.TotalPages) * 100
	}
	if t.avgConf != nil {
		avg := *t.avgConf
		s.AverageConfidence = &avg
	}
	if t.startedAt != nil && t.completedAt != nil {
		secs := t.completedAt.Sub(*t.startedAt).Seconds()
		s.ProcessingTimeSeconds = &secs
	}
	for page, msg := range t.errors {
		s.PagesWithErrors[page] = msg
	}
	return s
}

// PageRangeText returns the labeled text of successful pages in the inclusive
// range [start, end]. ok is false when no page in the range has text.
func (t *Tracker) PageRangeText(start, end int) (text string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var blocks []string
	for _, page := range t.successful {
		if page < start || page > end {
			continue
		}
		if o := t.outcomes[page]; o.Text != "" {
			blocks = append(blocks, labeledBlock(page, o.Text))
		}
	}
	if len(blocks) == 0 {
		return "", false
	}
	return strings.Join(blocks, blockSeparator), true
}
