package app

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/autotara/internal/config"
	"github.com/tjfontaine/autotara/internal/generation"
	"github.com/tjfontaine/autotara/internal/knowledge"
	"github.com/tjfontaine/autotara/internal/storage"
	"github.com/tjfontaine/autotara/internal/storage/memory"
	"github.com/tjfontaine/autotara/internal/storage/sqldb"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfig sets the loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithMemoryStorage keeps artifacts in process memory.
func WithMemoryStorage() Option {
	return func(a *App) error {
		a.backend = memory.New()
		return nil
	}
}

// WithSQLite stores artifacts in a SQLite file.
func WithSQLite(path string) Option {
	return func(a *App) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		a.backend = store
		return nil
	}
}

// WithStorageBackend sets a custom storage backend.
func WithStorageBackend(b storage.Backend) Option {
	return func(a *App) error {
		a.backend = b
		return nil
	}
}

// WithCompleter sets the completion backend, bypassing generation config.
func WithCompleter(c generation.Completer) Option {
	return func(a *App) error {
		a.completer = c
		return nil
	}
}

// WithEmbedder sets the knowledge embedder, bypassing knowledge API config.
func WithEmbedder(e knowledge.Embedder) Option {
	return func(a *App) error {
		a.embedder = e
		return nil
	}
}

// WithGenerator replaces the whole generation client.
func WithGenerator(g generation.Client) Option {
	return func(a *App) error {
		a.gen = g
		return nil
	}
}
