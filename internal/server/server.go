package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/documents"
	"github.com/jackzampolin/folio/internal/engine"
	"github.com/jackzampolin/folio/internal/enhance"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/objstore"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/server/endpoints"
	"github.com/jackzampolin/folio/internal/svcctx"
)

// Server is the main Folio HTTP server.
// It owns the OCR engine, the document manager and the history database,
// building them on start and closing them on shutdown.
type Server struct {
	httpServer *http.Server
	registry   *providers.Registry
	configMgr  *config.Manager
	home       *home.Dir
	logger     *slog.Logger

	engine    *engine.Engine
	documents *documents.Manager
	history   *history.Store
	fetcher   *objstore.Fetcher

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the folio home directory; the history database lives under it
	// unless history.db_path is set.
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Home = h
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)
	registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

	s := &Server{
		registry:  registry,
		configMgr: cfg.ConfigManager,
		home:      cfg.Home,
		logger:    cfg.Logger,
	}

	// Watch for config changes
	cfg.ConfigManager.OnChange(func(c *config.Config) {
		registry.Reload(c.ToProviderRegistryConfig())
		cfg.Logger.Info("provider registry reloaded from config")
		if s.engine != nil && c.OCR.Provider != s.engine.Provider().Name() {
			cfg.Logger.Warn("active OCR provider changed; restart the server to use it",
				"active", s.engine.Provider().Name(), "configured", c.OCR.Provider)
		}
	})

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withLogging(s.withServices(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start builds the processing services and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.home.EnsureExists(); err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	cfg := s.configMgr.Get()
	if err := s.initServices(ctx, cfg); err != nil {
		_ = s.shutdown()
		return err
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr, "provider", s.engine.Provider().Name())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// initServices creates the engine, history store, fetcher, enhancer and
// document manager from cfg.
func (s *Server) initServices(ctx context.Context, cfg *config.Config) error {
	provider, err := s.registry.GetOCR(cfg.OCR.Provider)
	if err != nil {
		return fmt.Errorf("OCR provider %q is not available (check credentials and enabled flag): %w", cfg.OCR.Provider, err)
	}

	proc := cfg.Processing
	s.engine = engine.New(provider, engine.Config{
		RetryDelay:       proc.RetryDelay(),
		MaxRetryDelay:    proc.MaxRetryDelay(),
		MinPageDimension: proc.MinPageDimension,
		MaxPageWidth:     proc.MaxPageWidth,
		MaxPageHeight:    proc.MaxPageHeight,
		Logger:           s.logger,
	})

	if cfg.History.Enabled {
		if err := s.openHistory(ctx, cfg.History); err != nil {
			return err
		}
	}

	s.fetcher, err = objstore.New(ctx, objstore.Config{
		MaxSize: proc.MaxFileSize(),
		GCS:     cfg.Storage.GCS,
		Timeout: cfg.Storage.DownloadTimeout(),
		Logger:  s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create source fetcher: %w", err)
	}

	var enhancer *enhance.Enhancer
	if e := cfg.Enhancement; e.Enabled {
		enhancer, err = enhance.New(enhance.Config{
			BaseURL:     e.BaseURL,
			APIKey:      config.ResolveEnvVars(e.APIKey),
			Model:       e.Model,
			Temperature: e.Temperature,
			MaxTokens:   e.MaxTokens,
			Timeout:     e.Timeout(),
			Logger:      s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create text enhancer: %w", err)
		}
	}

	s.documents = documents.NewManager(documents.Config{
		Engine:   s.engine,
		History:  s.history,
		Enhancer: enhancer,
		Defaults: documents.Defaults{
			ContinueOnError:   proc.ContinueOnError,
			MaxRetriesPerPage: proc.MaxRetriesPerPage,
			ParallelWorkers:   proc.ParallelWorkers,
			TimeoutPerPage:    proc.TimeoutPerPage(),
			MaxPages:          proc.MaxPages,
			Source: docsrc.Options{
				MaxSize:   proc.MaxFileSize(),
				Rasterize: proc.Rasterize,
				DPI:       proc.DPI,
			},
		},
		Logger: s.logger,
	})

	s.services = &svcctx.Services{
		Registry:  s.registry,
		Engine:    s.engine,
		Documents: s.documents,
		History:   s.history,
		Fetcher:   s.fetcher,
		Config:    s.configMgr,
		Logger:    s.logger,
		Home:      s.home,
	}
	return nil
}

// openHistory opens the history database, retrying briefly in case another
// process still holds the file lock.
func (s *Server) openHistory(ctx context.Context, hc config.HistoryCfg) error {
	path := hc.DBPath
	if path == "" {
		path = s.home.HistoryPath()
	}
	store, err := retry.DoWithData(
		func() (*history.Store, error) {
			return history.Open(ctx, history.Config{
				Path:      path,
				Retention: hc.Retention(),
				Logger:    s.logger,
			})
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying history database open", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	s.history = store

	if hc.CleanupOnStartup {
		if _, err := store.Cleanup(ctx); err != nil {
			s.logger.Warn("startup history cleanup failed", "error", err)
		}
	}
	go store.RunCleanup(ctx, hc.CleanupInterval())
	return nil
}

// shutdown stops accepting requests, waits for in-flight documents and
// closes the history database.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.documents != nil {
		if err := s.documents.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("document manager shutdown error", "error", err)
		}
	}

	if s.fetcher != nil {
		if err := s.fetcher.Close(); err != nil {
			s.logger.Error("fetcher close error", "error", err)
		}
	}

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("history close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Documents returns the document manager.
// Returns nil if the server hasn't started yet.
func (s *Server) Documents() *documents.Manager {
	return s.documents
}

// History returns the history store, nil when disabled or not started.
func (s *Server) History() *history.Store {
	return s.history
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}
