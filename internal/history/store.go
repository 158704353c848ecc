// Package history keeps an expiring record of processed documents in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const DefaultRetention = 7 * 24 * time.Hour

// ErrNotFound is returned when no live record matches.
var ErrNotFound = errors.New("history record not found")

const schema = `
CREATE TABLE IF NOT EXISTS processing_history (
	history_id         TEXT PRIMARY KEY,
	document_id        TEXT NOT NULL,
	file_name          TEXT NOT NULL,
	file_format        TEXT NOT NULL,
	file_size_bytes    INTEGER NOT NULL,
	source_type        TEXT NOT NULL,
	status             TEXT NOT NULL,
	success            INTEGER NOT NULL,
	total_pages        INTEGER NOT NULL,
	pages_processed    INTEGER NOT NULL,
	failed_pages       INTEGER NOT NULL,
	ocr_confidence     REAL,
	processing_time_ms INTEGER NOT NULL,
	error_code         TEXT,
	error_message      TEXT,
	result_summary     TEXT,
	metadata           TEXT,
	processed_at       INTEGER NOT NULL,
	expires_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_document_id ON processing_history(document_id);
CREATE INDEX IF NOT EXISTS idx_history_expires_at ON processing_history(expires_at);
CREATE INDEX IF NOT EXISTS idx_history_processed_at ON processing_history(processed_at);
`

const columns = `history_id, document_id, file_name, file_format, file_size_bytes, source_type,
	status, success, total_pages, pages_processed, failed_pages, ocr_confidence,
	processing_time_ms, error_code, error_message, result_summary, metadata,
	processed_at, expires_at`

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. ":memory:" is allowed for tests.
	Path      string
	Retention time.Duration
	Logger    *slog.Logger
}

// Store persists processing history.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Open opens (creating if needed) the history database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	logger.Info("opening history database", "path", cfg.Path)
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &Store{db: db, retention: cfg.Retention, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a record. HistoryID, ProcessedAt and ExpiresAt are filled in
// when zero.
func (s *Store) Add(ctx context.Context, r *Record) error {
	if r.HistoryID == "" {
		r.HistoryID = uuid.New().String()
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = s.now()
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.ProcessedAt.Add(s.retention)
	}
	if r.SourceType == "" {
		r.SourceType = SourceFile
	}

	var metadata sql.NullString
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO processing_history (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.HistoryID, r.DocumentID, r.FileName, r.FileFormat, r.FileSizeBytes, r.SourceType,
		r.Status, r.Success, r.TotalPages, r.PagesProcessed, r.FailedPages, nullFloat(r.OCRConfidence),
		r.ProcessingTimeMs, nullString(r.ErrorCode), nullString(r.ErrorMessage), nullString(r.ResultSummary), metadata,
		r.ProcessedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	s.logger.Debug("recorded processing history", "history_id", r.HistoryID, "document_id", r.DocumentID)
	return nil
}

// Get returns a live record by history id.
func (s *Store) Get(ctx context.Context, historyID string) (*Record, error) {
	return s.getOne(ctx, "history_id = ?", historyID)
}

// GetByDocument returns the most recent live record for a document.
func (s *Store) GetByDocument(ctx context.Context, documentID string) (*Record, error) {
	return s.getOne(ctx, "document_id = ?", documentID)
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM processing_history
		WHERE `+where+` AND expires_at > ? ORDER BY processed_at DESC LIMIT 1`,
		arg, s.now().UnixMilli())
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history record: %w", err)
	}
	return r, nil
}

// List returns live records matching the query, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if !q.IncludeExpired {
		conds = append(conds, "expires_at > ?")
		args = append(args, s.now().UnixMilli())
	}
	if q.DocumentID != "" {
		conds = append(conds, "document_id = ?")
		args = append(args, q.DocumentID)
	}
	if q.FileFormat != "" {
		conds = append(conds, "file_format = ?")
		args = append(args, q.FileFormat)
	}
	if q.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *q.Success)
	}
	if q.After != nil {
		conds = append(conds, "processed_at >= ?")
		args = append(args, q.After.UnixMilli())
	}
	if q.Before != nil {
		conds = append(conds, "processed_at < ?")
		args = append(args, q.Before.UnixMilli())
	}

	query := `SELECT ` + columns + ` FROM processing_history`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY processed_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Cleanup deletes expired records and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processing_history WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("cleaned up expired history", "deleted", n)
	}
	return n, nil
}

// RunCleanup deletes expired records every interval until ctx is done.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("history cleanup failed", "error", err)
			}
		}
	}
}

// Stats summarizes all stored records.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().UnixMilli()
	st := &Stats{FormatDistribution: make(map[string]int)}

	var avgTime sql.NullFloat64
	var totalBytes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			AVG(processing_time_ms),
			SUM(file_size_bytes)
		FROM processing_history`, now).
		Scan(&st.TotalRecords, &st.SuccessfulRecords, &st.ActiveRecords, &avgTime, &totalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute history stats: %w", err)
	}
	st.FailedRecords = st.TotalRecords - st.SuccessfulRecords
	st.ExpiredRecords = st.TotalRecords - st.ActiveRecords
	st.AverageProcessingTimeMs = avgTime.Float64
	st.TotalBytesProcessed = totalBytes.Int64
	if st.TotalRecords > 0 {
		st.SuccessRate = float64(st.SuccessfulRecords) / float64(st.TotalRecords) * 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT file_format, COUNT(*) FROM processing_history GROUP BY file_format`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute format distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var format string
		var n int
		if err := rows.Scan(&format, &n); err != nil {
			return nil, err
		}
		st.FormatDistribution[format] = n
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                                 Record
		conf                              sql.NullFloat64
		errCode, errMsg, summary, metaStr sql.NullString
		processedAt, expiresAt            int64
	)
	err := sc.Scan(
		&r.HistoryID, &r.DocumentID, &r.FileName, &r.FileFormat, &r.FileSizeBytes, &r.SourceType,
		&r.Status, &r.Success, &r.TotalPages, &r.PagesProcessed, &r.FailedPages, &conf,
		&r.ProcessingTimeMs, &errCode, &errMsg, &summary, &metaStr,
		&processedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	if conf.Valid {
		r.OCRConfidence = &conf.Float64
	}
	r.ErrorCode = errCode.String
	r.ErrorMessage = errMsg.String
	r.ResultSummary = summary.String
	if metaStr.Valid && metaStr.String != "" {
		if err := json.Unmarshal([]byte(metaStr.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata: %w", err)
		}
	}
	r.ProcessedAt = time.UnixMilli(processedAt)
	r.ExpiresAt = time.UnixMilli(expiresAt)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
