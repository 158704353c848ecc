package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const MockOCRName = "mock"

// MockOCRProvider is an OCRProvider for tests and local runs without
// cloud credentials. Behavior can be scripted per page.
type MockOCRProvider struct {
	ProviderName string
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	ResponseText string
	Confidence   *float64
	RPS          float64
	Retries      int
	RetryDelay   time.Duration

	// PageErrors are returned, in order, by successive calls for a page.
	// Once exhausted the page succeeds.
	PageErrors map[int][]error
	// PageLatency overrides Latency for specific pages.
	PageLatency map[int]time.Duration
	// IgnoreContext makes latency uninterruptible, like a provider that
	// does not honor cancellation.
	IgnoreContext bool

	mu           sync.Mutex
	pageCalls    map[int]int
	requestCount atomic.Int64
}

// NewMockOCRProvider creates a new mock OCR provider.
func NewMockOCRProvider() *MockOCRProvider {
	return &MockOCRProvider{
		ProviderName: MockOCRName,
		Latency:      10 * time.Millisecond,
		ResponseText: "mock OCR text",
		RPS:          10.0,
		Retries:      3,
		RetryDelay:   time.Second,
	}
}

// Name returns the provider identifier.
func (p *MockOCRProvider) Name() string {
	return p.ProviderName
}

// RequestsPerSecond returns the rate limit.
func (p *MockOCRProvider) RequestsPerSecond() float64 {
	return p.RPS
}

// MaxRetries returns the max retry count.
func (p *MockOCRProvider) MaxRetries() int {
	return p.Retries
}

// RetryDelayBase returns the base retry delay.
func (p *MockOCRProvider) RetryDelayBase() time.Duration {
	return p.RetryDelay
}

// ProcessPage returns "Page N: <ResponseText>" unless scripted to fail.
func (p *MockOCRProvider) ProcessPage(ctx context.Context, data []byte, pageNum int) (*OCRResult, error) {
	start := time.Now()
	count := p.requestCount.Add(1)
	call := p.recordCall(pageNum)

	fail := func(err error) (*OCRResult, error) {
		return &OCRResult{ErrorMessage: err.Error(), ExecutionTime: time.Since(start)}, err
	}

	if p.ShouldFail {
		return fail(fmt.Errorf("mock OCR provider configured to fail"))
	}
	if p.FailAfter > 0 && int(count) > p.FailAfter {
		return fail(fmt.Errorf("mock OCR provider failed after %d requests", p.FailAfter))
	}

	latency := p.Latency
	if d, ok := p.PageLatency[pageNum]; ok {
		latency = d
	}
	if p.IgnoreContext {
		time.Sleep(latency)
	} else {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	if errs := p.PageErrors[pageNum]; call <= len(errs) {
		return fail(errs[call-1])
	}

	text := fmt.Sprintf("Page %d: %s", pageNum, p.ResponseText)
	return &OCRResult{
		Success:       true,
		Text:          text,
		Confidence:    p.Confidence,
		WordCount:     len(strings.Fields(text)),
		ExecutionTime: time.Since(start),
		Metadata: map[string]any{
			"page_num":   pageNum,
			"provider":   p.ProviderName,
			"data_bytes": len(data),
		},
	}, nil
}

func (p *MockOCRProvider) recordCall(pageNum int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pageCalls == nil {
		p.pageCalls = make(map[int]int)
	}
	p.pageCalls[pageNum]++
	return p.pageCalls[pageNum]
}

// Calls returns how many times a page was requested.
func (p *MockOCRProvider) Calls(pageNum int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCalls[pageNum]
}

// RequestCount returns the number of requests made.
func (p *MockOCRProvider) RequestCount() int64 {
	return p.requestCount.Load()
}

// Reset resets the request counters.
func (p *MockOCRProvider) Reset() {
	p.requestCount.Store(0)
	p.mu.Lock()
	p.pageCalls = nil
	p.mu.Unlock()
}

// Verify interface
var _ OCRProvider = (*MockOCRProvider)(nil)
