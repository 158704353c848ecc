// Package objstore downloads source documents named by URL: gs:// objects
// through Cloud Storage and http(s) URLs through a plain HTTP client.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/jackzampolin/folio/internal/docsrc"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported source URL scheme")
	ErrNotFound          = errors.New("source object not found")
	ErrGCSDisabled       = errors.New("gs:// sources are not enabled")
)

// Object is a downloaded document.
type Object struct {
	Source      string
	Name        string
	ContentType string
	Data        []byte
}

// OpenFunc opens an object in a bucket.
type OpenFunc func(ctx context.Context, bucket, object string) (io.ReadCloser, error)

// Config configures a Fetcher.
type Config struct {
	MaxSize int64
	// GCS enables gs:// URLs using application default credentials.
	GCS        bool
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Fetcher downloads documents.
type Fetcher struct {
	maxSize int64
	http    *http.Client
	gcs     *storage.Client
	openGCS OpenFunc
	logger  *slog.Logger
}

// New creates a Fetcher. When cfg.GCS is set a Cloud Storage client is
// created; it honors STORAGE_EMULATOR_HOST.
func New(ctx context.Context, cfg Config) (*Fetcher, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = docsrc.DefaultMaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	f := &Fetcher{
		maxSize: cfg.MaxSize,
		http:    httpClient,
		logger:  logger.With("component", "objstore"),
	}
	if cfg.GCS {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		f.gcs = client
		f.openGCS = func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
			r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
			if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
				return nil, ErrNotFound
			}
			return r, err
		}
	}
	return f, nil
}

// WithOpener replaces the gs:// opener.
func (f *Fetcher) WithOpener(open OpenFunc) *Fetcher {
	f.openGCS = open
	return f
}

// Close releases the storage client.
func (f *Fetcher) Close() error {
	if f.gcs != nil {
		return f.gcs.Close()
	}
	return nil
}

// Fetch downloads the document at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Object, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "gs":
		return f.fetchGCS(ctx, rawURL, u)
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) fetchGCS(ctx context.Context, rawURL string, u *url.URL) (*Object, error) {
	if f.openGCS == nil {
		return nil, ErrGCSDisabled
	}
	bucket := u.Host
	object := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("invalid gs:// URL %q: want gs://bucket/object", rawURL)
	}

	f.logger.Info("downloading object", "bucket", bucket, "object", object)
	r, err := f.openGCS(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := f.readLimited(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	obj := &Object{Source: rawURL, Name: path.Base(object), Data: data}
	if sr, ok := r.(*storage.Reader); ok {
		obj.ContentType = sr.Attrs.ContentType
	}
	return obj, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	f.logger.Info("downloading URL", "url", rawURL)
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to download %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", docsrc.ErrTooLarge, resp.ContentLength, f.maxSize)
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	name := path.Base(resp.Request.URL.Path)
	if name == "/" || name == "." {
		name = "download"
	}
	return &Object{
		Source:      rawURL,
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", docsrc.ErrTooLarge, f.maxSize)
	}
	return data, nil
}
