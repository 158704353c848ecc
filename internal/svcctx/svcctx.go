// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/documents"
	"github.com/jackzampolin/folio/internal/engine"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/objstore"
	"github.com/jackzampolin/folio/internal/providers"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Registry  *providers.Registry
	Engine    *engine.Engine
	Documents *documents.Manager
	History   *history.Store // nil when history is disabled
	Fetcher   *objstore.Fetcher
	Config    *config.Manager
	Logger    *slog.Logger
	Home      *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// EngineFrom extracts the OCR engine from context.
func EngineFrom(ctx context.Context) *engine.Engine {
	if s := ServicesFrom(ctx); s != nil {
		return s.Engine
	}
	return nil
}

// DocumentsFrom extracts the document manager from context.
func DocumentsFrom(ctx context.Context) *documents.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Documents
	}
	return nil
}

// HistoryFrom extracts the history store from context.
func HistoryFrom(ctx context.Context) *history.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.History
	}
	return nil
}

// FetcherFrom extracts the source fetcher from context.
func FetcherFrom(ctx context.Context) *objstore.Fetcher {
	if s := ServicesFrom(ctx); s != nil {
		return s.Fetcher
	}
	return nil
}

// ConfigFrom extracts the current configuration from context.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil && s.Config != nil {
		return s.Config.Get()
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
