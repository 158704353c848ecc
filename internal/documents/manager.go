// Package documents owns submitted documents: it opens the upload, builds a
// page tracker, runs the engine in the background and records the outcome.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/engine"
	"github.com/jackzampolin/folio/internal/enhance"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/pages"
)

const DefaultMaxDocuments = 1000

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidRange = errors.New("invalid page range")
	ErrTooManyPages = errors.New("document has too many pages")
	ErrShuttingDown = errors.New("document manager is shutting down")
)

// Defaults is the processing policy used when a request leaves a field unset.
type Defaults struct {
	ContinueOnError   bool
	MaxRetriesPerPage int
	ParallelWorkers   int
	TimeoutPerPage    time.Duration
	// MaxPages rejects documents with more pages. Zero means no limit.
	MaxPages int
	Source   docsrc.Options
}

// Config configures a Manager. History and Enhancer are optional.
type Config struct {
	Engine   *engine.Engine
	History  *history.Store
	Enhancer *enhance.Enhancer
	Defaults Defaults
	// MaxDocuments bounds how many documents are kept in memory; the oldest
	// finished documents are evicted first.
	MaxDocuments int
	Logger       *slog.Logger
}

// Request is one document submission.
type Request struct {
	Data       []byte
	FileName   string
	SourceType string

	// PageStart and PageEnd select a 1-based inclusive range. Zero means
	// the first and last page respectively.
	PageStart int
	PageEnd   int

	ContinueOnError   *bool
	MaxRetriesPerPage *int
	ParallelWorkers   *int
	TimeoutPerPage    *time.Duration

	Enhance bool
}

// Manager tracks documents in memory.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	docs  map[string]*Document
	order []string
}

// NewManager creates a Manager. Background runs are cancelled by Shutdown.
func NewManager(cfg Config) *Manager {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = DefaultMaxDocuments
	}
	if cfg.Defaults.ParallelWorkers <= 0 {
		cfg.Defaults.ParallelWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "documents"),
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*Document),
	}
}

// Submit validates the request, registers the document and starts
// processing in the background. The returned document is pending or
// processing; use Wait or Document.Done to observe completion.
func (m *Manager) Submit(req Request) (*Document, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	src, err := docsrc.Open(req.Data, m.cfg.Defaults.Source)
	if err != nil {
		return nil, err
	}

	doc, err := m.newDocument(req, src)
	if err != nil {
		src.Close()
		return nil, err
	}

	// Shutdown cancels under mu, so once the check passes the Add below
	// happens before Shutdown starts waiting.
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		doc.cancel()
		src.Close()
		return nil, ErrShuttingDown
	}
	m.docs[doc.ID] = doc
	m.order = append(m.order, doc.ID)
	m.evictLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("document submitted",
		"document_id", doc.ID,
		"file", doc.FileName,
		"format", doc.Format,
		"pages", fmt.Sprintf("%d-%d", doc.FirstPage, doc.LastPage))

	go func() {
		defer m.wg.Done()
		defer src.Close()
		m.run(doc, src, req.Enhance)
	}()
	return doc, nil
}

// Process submits the request and waits for it to finish.
func (m *Manager) Process(ctx context.Context, req Request) (*Document, error) {
	doc, err := m.Submit(req)
	if err != nil {
		return nil, err
	}
	select {
	case <-doc.Done():
		return doc, nil
	case <-ctx.Done():
		doc.Cancel()
		<-doc.Done()
		return doc, ctx.Err()
	}
}

func (m *Manager) newDocument(req Request, src docsrc.Document) (*Document, error) {
	total := src.PageCount()
	if limit := m.cfg.Defaults.MaxPages; limit > 0 && total > limit {
		return nil, fmt.Errorf("%w: %d pages (max %d)", ErrTooManyPages, total, limit)
	}

	first, last := req.PageStart, req.PageEnd
	if first == 0 {
		first = 1
	}
	if last == 0 {
		last = total
	}
	if first < 1 || last < first || last > total {
		return nil, fmt.Errorf("%w: %d-%d of %d pages", ErrInvalidRange, first, last, total)
	}

	d := m.cfg.Defaults
	cfg := pages.Config{
		DocumentID:        uuid.New().String(),
		TotalPages:        last - first + 1,
		FirstPage:         first,
		ContinueOnError:   d.ContinueOnError,
		MaxRetriesPerPage: d.MaxRetriesPerPage,
		ParallelWorkers:   d.ParallelWorkers,
		TimeoutPerPage:    d.TimeoutPerPage,
	}
	if req.ContinueOnError != nil {
		cfg.ContinueOnError = *req.ContinueOnError
	}
	if req.MaxRetriesPerPage != nil {
		cfg.MaxRetriesPerPage = *req.MaxRetriesPerPage
	}
	if req.ParallelWorkers != nil && *req.ParallelWorkers > 0 {
		cfg.ParallelWorkers = *req.ParallelWorkers
	}
	if req.TimeoutPerPage != nil {
		cfg.TimeoutPerPage = *req.TimeoutPerPage
	}

	tracker, err := pages.New(cfg)
	if err != nil {
		return nil, err
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = history.SourceFile
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = "document." + string(src.Format())
	}

	ctx, cancel := context.WithCancel(m.ctx)
	return &Document{
		ID:          cfg.DocumentID,
		FileName:    fileName,
		Format:      src.Format(),
		SizeBytes:   int64(len(req.Data)),
		SourceType:  sourceType,
		PageCount:   total,
		FirstPage:   first,
		LastPage:    last,
		SubmittedAt: time.Now(),
		tracker:     tracker,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

func (m *Manager) run(doc *Document, src docsrc.Document, wantEnhance bool) {
	defer close(doc.done)
	defer doc.cancel()
	logger := m.logger.With("document_id", doc.ID)

	if err := m.cfg.Engine.Run(doc.ctx, src, doc.tracker); err != nil {
		logger.Warn("document run ended early", "error", err)
		doc.setErr(err)
	}

	resp := doc.tracker.Response()
	logger.Info("document processed",
		"status", resp.Status,
		"successful", resp.SuccessfulPages,
		"failed", len(resp.FailedPages),
		"skipped", resp.Summary.SkippedPages)

	if wantEnhance && m.cfg.Enhancer != nil && resp.CombinedText != "" {
		if res := m.cfg.Enhancer.TryEnhance(m.ctx, doc.ID, resp.CombinedText, resp.AverageConfidence); res != nil {
			doc.setEnhancement(res)
		}
	}

	if m.cfg.History != nil {
		rec := history.FromResponse(resp, doc.FileName, string(doc.Format), doc.SizeBytes)
		rec.SourceType = doc.SourceType
		rec.Metadata = map[string]any{
			"provider":   m.cfg.Engine.Provider().Name(),
			"page_start": doc.FirstPage,
			"page_end":   doc.LastPage,
		}
		if res := doc.Enhancement(); res != nil {
			rec.Metadata["enhanced"] = true
		}
		if err := doc.Err(); err != nil {
			rec.ErrorMessage = err.Error()
		}
		// The document context may already be cancelled; history should still land.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.cfg.History.Add(ctx, rec); err != nil {
			logger.Error("failed to record history", "error", err)
		}
		cancel()
	}

	doc.markFinished(time.Now())
}

// Get returns a document by id.
func (m *Manager) Get(id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

// List returns document infos, most recently submitted first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range slices.Backward(m.order) {
		out = append(out, m.docs[id].Info())
	}
	return out
}

// Cancel stops processing of a document. Pages not yet started are
// reported skipped.
func (m *Manager) Cancel(id string) error {
	doc, err := m.Get(id)
	if err != nil {
		return err
	}
	doc.Cancel()
	return nil
}

// Wait blocks until the document is finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Document, error) {
	doc, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-doc.Done():
		return doc, nil
	case <-ctx.Done():
		return doc, ctx.Err()
	}
}

// Active returns the number of documents still processing.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, doc := range m.docs {
		if !doc.Finished() {
			n++
		}
	}
	return n
}

// Shutdown cancels background runs and waits for them to record their
// results, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked drops the oldest finished documents above MaxDocuments.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.cfg.MaxDocuments
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.docs[id].Finished() {
			delete(m.docs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
