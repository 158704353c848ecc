// Package engine turns document pages into tracker outcomes by calling an
// OCR provider with size validation, per-page timeouts and retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/pages"
	"github.com/jackzampolin/folio/internal/providers"
)

const (
	DefaultMinPageDimension = 15
	DefaultMaxPageDimension = 30000
)

// ErrPageRange is returned by Run when the tracker expects pages the
// document does not have.
var ErrPageRange = errors.New("page range exceeds document")

var errPageTimeout = errors.New("page timed out")

// Config configures an Engine.
type Config struct {
	// RetryDelay is the base backoff delay. Defaults to the provider's.
	RetryDelay time.Duration
	// MaxRetryDelay caps exponential backoff (default 30s).
	MaxRetryDelay time.Duration

	MinPageDimension int
	MaxPageWidth     int
	MaxPageHeight    int

	Logger *slog.Logger
}

// Policy is the per-page processing policy.
type Policy struct {
	MaxRetries int
	// Timeout bounds each provider call. Zero means no timeout.
	Timeout time.Duration
}

// Engine processes pages with one OCR provider. Safe for concurrent use;
// all runs share the provider's rate limiter.
type Engine struct {
	provider providers.OCRProvider
	limiter  *providers.RateLimiter
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine for the provider.
func New(provider providers.OCRProvider, cfg Config) *Engine {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = provider.RetryDelayBase()
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.MinPageDimension <= 0 {
		cfg.MinPageDimension = DefaultMinPageDimension
	}
	if cfg.MaxPageWidth <= 0 {
		cfg.MaxPageWidth = DefaultMaxPageDimension
	}
	if cfg.MaxPageHeight <= 0 {
		cfg.MaxPageHeight = DefaultMaxPageDimension
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		limiter:  providers.NewRateLimiter(provider.RequestsPerSecond()),
		cfg:      cfg,
		logger:   logger.With("provider", provider.Name()),
	}
}

// Provider returns the engine's OCR provider.
func (e *Engine) Provider() providers.OCRProvider {
	return e.provider
}

// LimiterStatus reports the shared rate limiter state.
func (e *Engine) LimiterStatus() providers.RateLimiterStatus {
	return e.limiter.Status()
}

// Run processes every page the tracker expects and reports each outcome.
// Pages run concurrently up to the tracker's ParallelWorkers. When
// ContinueOnError is false, no new page starts after the first failure and
// the remaining pages are reported skipped. Run combines the tracker before
// returning; it returns an error only for a page range mismatch or when ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, doc docsrc.Document, t *pages.Tracker) error {
	cfg := t.Config()
	if cfg.LastPage() > doc.PageCount() {
		return fmt.Errorf("%w: pages %d-%d requested, document has %d",
			ErrPageRange, cfg.FirstPage, cfg.LastPage(), doc.PageCount())
	}

	workers := cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	policy := Policy{MaxRetries: cfg.MaxRetriesPerPage, Timeout: cfg.TimeoutPerPage}
	logger := e.logger.With("document_id", cfg.DocumentID)

	start := time.Now()
	t.MarkStarted(start)
	logger.Info("processing document",
		"first_page", cfg.FirstPage,
		"last_page", cfg.LastPage(),
		"workers", workers,
		"max_retries", policy.MaxRetries,
		"timeout", policy.Timeout)

	var aborted atomic.Bool
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for n := cfg.FirstPage; n <= cfg.LastPage(); n++ {
		if e.skipIfStopped(ctx, t, n, &aborted) {
			continue
		}
		eg.Go(func() error {
			if e.skipIfStopped(gctx, t, n, &aborted) {
				return nil
			}
			outcome, md := e.ProcessPage(gctx, doc, n, policy)
			record(logger, t, n, outcome, md)
			if outcome.Status.Failed() {
				logger.Warn("page failed", "page", n, "status", outcome.Status, "code", outcome.ErrorCode, "error", outcome.Error)
				if !cfg.ContinueOnError {
					aborted.Store(true)
				}
			}
			return nil
		})
	}
	eg.Wait()

	t.MarkCompleted(time.Now())
	t.Combine()

	logger.Info("document processed",
		"status", t.Status(),
		"successful", len(t.SuccessfulPages()),
		"failed", len(t.FailedPages()),
		"skipped", len(t.SkippedPages()),
		"duration", time.Since(start))

	return ctx.Err()
}

// skipIfStopped reports page n as skipped when the run was cancelled or
// aborted by an earlier failure.
func (e *Engine) skipIfStopped(ctx context.Context, t *pages.Tracker, n int, aborted *atomic.Bool) bool {
	switch {
	case ctx.Err() != nil:
		record(e.logger, t, n, pages.Outcome{Status: pages.PageSkipped, Error: "processing cancelled", ErrorCode: pages.CodeCancelled}, nil)
		return true
	case aborted.Load():
		record(e.logger, t, n, pages.Outcome{Status: pages.PageSkipped, Error: "skipped after an earlier page failed", ErrorCode: pages.CodeAborted}, nil)
		return true
	}
	return false
}

// record attaches metadata (when present) and reports the outcome. Tracker
// rejections are logged; they only happen for pages outside the tracked range.
func record(logger *slog.Logger, t *pages.Tracker, n int, outcome pages.Outcome, md *pages.Metadata) {
	if md != nil {
		if err := t.AttachMetadata(n, *md); err != nil {
			logger.Error("failed to attach page metadata", "page", n, "error", err)
		}
	}
	if err := t.Report(n, outcome); err != nil {
		logger.Error("failed to report page", "page", n, "error", err)
	}
}

// ProcessPage runs one page through validation and OCR. It never returns an
// error: every failure becomes the outcome's status and code. The metadata
// is nil when the page could not be extracted.
func (e *Engine) ProcessPage(ctx context.Context, doc docsrc.Document, n int, policy Policy) (pages.Outcome, *pages.Metadata) {
	start := time.Now()
	outcome := pages.Outcome{PageNumber: n}
	finish := func(md *pages.Metadata) (pages.Outcome, *pages.Metadata) {
		outcome.ProcessingTimeMs = pages.Millis(time.Since(start).Milliseconds())
		return outcome, md
	}

	page, err := doc.Page(ctx, n)
	if err != nil {
		outcome.Status = pages.PageError
		outcome.ErrorCode = pages.CodeDimensionsInvalid
		outcome.Error = fmt.Sprintf("failed to decode page %d: %v", n, err)
		return finish(nil)
	}

	md := &pages.Metadata{
		PageNumber: n,
		Width:      page.Width,
		Height:     page.Height,
		Rotation:   page.Rotation,
		HasImages:  page.HasImages,
		DPI:        page.DPI,
	}

	if msg := e.checkDimensions(page); msg != "" {
		outcome.Status = pages.PageError
		outcome.ErrorCode = pages.CodeDimensionsInvalid
		outcome.Error = msg
		return finish(md)
	}

	result, retries, err := e.recognize(ctx, page, policy)
	outcome.RetryCount = retries
	if err != nil {
		outcome.Status, outcome.ErrorCode, outcome.Error = classify(ctx, n, policy, err)
		return finish(md)
	}

	wordCount := result.WordCount
	if wordCount == 0 {
		wordCount = len(strings.Fields(result.Text))
	}
	outcome.Status = pages.PageSuccess
	outcome.Text = result.Text
	outcome.Confidence = result.Confidence
	outcome.WordCount = pages.Int(wordCount)
	md.HasText = strings.TrimSpace(result.Text) != ""

	return finish(md)
}

// checkDimensions returns a message when the page size is outside the
// accepted range.
func (e *Engine) checkDimensions(page docsrc.Page) string {
	// Unknown dimensions (e.g. a PDF without a media box) are not checked.
	if page.Width == 0 && page.Height == 0 {
		return ""
	}
	if page.Width > e.cfg.MaxPageWidth || page.Height > e.cfg.MaxPageHeight {
		return fmt.Sprintf("page %d dimensions %dx%d exceeds maximum %dx%d",
			page.Number, page.Width, page.Height, e.cfg.MaxPageWidth, e.cfg.MaxPageHeight)
	}
	if page.Width < e.cfg.MinPageDimension || page.Height < e.cfg.MinPageDimension {
		return fmt.Sprintf("page %d dimensions %dx%d below minimum %dx%d",
			page.Number, page.Width, page.Height, e.cfg.MinPageDimension, e.cfg.MinPageDimension)
	}
	return ""
}

// recognize calls the provider with retries. It returns the number of
// retries performed alongside the result.
func (e *Engine) recognize(ctx context.Context, page docsrc.Page, policy Policy) (*providers.OCRResult, int, error) {
	var (
		attempts int
		result   *providers.OCRResult
		lastErr  error
	)

	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	err := retry.Do(
		func() error {
			attempts++
			if err := e.limiter.Wait(ctx); err != nil {
				lastErr = err
				return err
			}
			r, err := e.callWithTimeout(ctx, page, policy.Timeout)
			if err == nil && !r.Success {
				err = errors.New(r.ErrorMessage)
				if r.ErrorMessage == "" {
					err = errors.New("provider returned no result")
				}
			}
			if err != nil {
				var te *providers.TransientError
				if errors.As(err, &te) && te.StatusCode == 429 {
					e.limiter.Record429(e.cfg.RetryDelay)
				}
				lastErr = err
				return err
			}
			result, lastErr = r, nil
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries+1)),
		retry.Delay(e.cfg.RetryDelay),
		retry.MaxDelay(e.cfg.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errPageTimeout) && ctx.Err() == nil && providers.IsTransient(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying page", "page", page.Number, "attempt", n+2, "error", err)
		}),
	)

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if result != nil {
		return result, retries, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return nil, retries, lastErr
}

// callWithTimeout bounds one provider call. The deadline holds even when the
// provider ignores its context; a late result is discarded.
func (e *Engine) callWithTimeout(ctx context.Context, page docsrc.Page, timeout time.Duration) (*providers.OCRResult, error) {
	if timeout <= 0 {
		return e.provider.ProcessPage(ctx, page.Data, page.Number)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		result *providers.OCRResult
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		r, err := e.provider.ProcessPage(actx, page.Data, page.Number)
		ch <- reply{r, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errPageTimeout
		}
		return out.result, out.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errPageTimeout
	}
}

// classify maps a final recognition error to a page status and code.
func classify(ctx context.Context, n int, policy Policy, err error) (pages.PageStatus, string, string) {
	switch {
	case errors.Is(err, errPageTimeout):
		return pages.PageTimeout, pages.CodeTimeout, fmt.Sprintf("page %d timed out after %s", n, policy.Timeout)
	case ctx.Err() != nil:
		return pages.PageError, pages.CodeCancelled, fmt.Sprintf("page %d cancelled: %v", n, ctx.Err())
	case errors.Is(err, providers.ErrInvalidImage):
		return pages.PageCorrupted, pages.CodeCorrupted, err.Error()
	default:
		return pages.PageError, pages.CodeOCRFailed, err.Error()
	}
}
