package pages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// PageResult is the caller-facing projection of an Outcome.
type PageResult struct {
	PageNumber       int        `json:"-"`
	Status           PageStatus `json:"status"`
	Text             *string    `json:"text"`
	Confidence       *float64   `json:"confidence"`
	WordCount        *int       `json:"word_count"`
	ProcessingTimeMs *int64     `json:"processing_time_ms"`
	Error            *string    `json:"error"`
	RetryCount       int        `json:"retry_count"`
}

// PageResults is ordered by page number and encodes as a JSON object keyed
// by page number with keys in ascending numeric order.
type PageResults []PageResult

// MarshalJSON writes the results as {"1": {...}, "2": {...}, ...}.
func (p PageResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(r.PageNumber)))
		buf.WriteByte(':')
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", r.PageNumber, err)
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the object form and restores page order.
func (p *PageResults) UnmarshalJSON(data []byte) error {
	var raw map[string]PageResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(PageResults, 0, len(raw))
	for key, r := range raw {
		page, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("invalid page key %q: %w", key, err)
		}
		r.PageNumber = page
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b PageResult) int { return a.PageNumber - b.PageNumber })
	*p = out
	return nil
}

// MarshalYAML renders the results as a page-keyed mapping.
func (p PageResults) MarshalYAML() (any, error) {
	m := make(map[int]PageResult, len(p))
	for _, r := range p {
		m[r.PageNumber] = r
	}
	return m, nil
}

// Get returns the result for a page.
func (p PageResults) Get(page int) (PageResult, bool) {
	i, ok := slices.BinarySearchFunc(p, page, func(r PageResult, page int) int { return r.PageNumber - page })
	if !ok {
		return PageResult{}, false
	}
	return p[i], true
}

// Response is the caller-facing projection of a tracker.
type Response struct {
	Status            Status      `json:"status"`
	DocumentID        string      `json:"document_id"`
	TotalPages        int         `json:"total_pages"`
	Summary           Summary     `json:"summary"`
	PageResults       PageResults `json:"page_results"`
	SuccessfulPages   int         `json:"successful_pages"`
	FailedPages       []int       `json:"failed_pages"`
	AverageConfidence *float64    `json:"average_confidence"`
	TotalWordCount    int         `json:"total_word_count"`
	Error             string      `json:"error,omitempty"`
	CombinedText      string      `json:"combined_text,omitempty"`
}

// Response renders the tracker for callers. The top-level error is set only
// when the document failed, and is the error of the lowest failed page.
func (t *Tracker) Response() Response {
	t.mu.RLock()
	defer t.mu.RUnlock()

	resp := Response{
		Status:          t.status,
		DocumentID:      t.cfg.DocumentID,
		TotalPages:      t.cfg.TotalPages,
		Summary:         t.summaryLocked(),
		PageResults:     make(PageResults, 0, len(t.outcomes)),
		SuccessfulPages: len(t.successful),
		FailedPages:     slices.Clone(t.failed),
		TotalWordCount:  t.totalWords,
		CombinedText:    t.combinedText,
	}
	if resp.FailedPages == nil {
		resp.FailedPages = []int{}
	}
	if t.avgConf != nil {
		avg := *t.avgConf
		resp.AverageConfidence = &avg
	}
	if t.status == StatusFailed && len(t.failed) > 0 {
		resp.Error = t.errors[t.failed[0]]
	}

	for _, page := range sortedKeys(t.outcomes) {
		o := t.outcomes[page]
		r := PageResult{
			PageNumber:       page,
			Status:           o.Status,
			Confidence:       o.Confidence,
			WordCount:        o.WordCount,
			ProcessingTimeMs: o.ProcessingTimeMs,
			RetryCount:       o.RetryCount,
		}
		if o.Status == PageSuccess {
			text := o.Text
			r.Text = &text
		}
		if o.Error != "" {
			msg := o.Error
			r.Error = &msg
		}
		resp.PageResults = append(resp.PageResults, r)
	}
	return resp
}
