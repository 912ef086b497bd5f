// Package app wires configuration, storage, generation, the orchestrator
// and the HTTP surface into one runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/autotara/internal/api"
	"github.com/tjfontaine/autotara/internal/config"
	"github.com/tjfontaine/autotara/internal/generation"
	"github.com/tjfontaine/autotara/internal/generation/anthropic"
	"github.com/tjfontaine/autotara/internal/generation/openai"
	"github.com/tjfontaine/autotara/internal/knowledge"
	"github.com/tjfontaine/autotara/internal/pipeline"
	"github.com/tjfontaine/autotara/internal/prompt"
	"github.com/tjfontaine/autotara/internal/server"
	"github.com/tjfontaine/autotara/internal/storage"
	"github.com/tjfontaine/autotara/internal/storage/memory"
	"github.com/tjfontaine/autotara/internal/storage/sqldb"
)

// App is the assembled service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	backend   storage.Backend
	completer generation.Completer
	embedder  knowledge.Embedder
	gen       generation.Client

	store   *storage.Store
	prompts *prompt.Library
	orch    *pipeline.Orchestrator
	server  *server.Server
}

// New assembles an App. Storage and the completion backend come from the
// configuration unless an option supplies them.
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.cfg == nil {
		return nil, errors.New("config required (use WithConfig)")
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if a.backend == nil {
		b, err := openBackend(a.cfg.Storage)
		if err != nil {
			a.logger.Error("failed to open storage", slog.String("type", a.cfg.Storage.Type), slog.String("error", err.Error()))
			return nil, err
		}
		a.backend = b
	}
	a.store = storage.New(a.backend)

	if a.gen == nil {
		prompts, err := prompt.NewLibrary(prompt.Options{
			Dir:                a.cfg.Prompts.Dir,
			MaxReferenceTokens: a.cfg.Prompts.MaxReferenceTokens,
			Encoding:           a.cfg.Prompts.Encoding,
			Logger:             a.logger,
		})
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		a.prompts = prompts

		if a.completer == nil {
			c, err := newCompleter(a.cfg.Generation)
			if err != nil {
				a.store.Close()
				return nil, err
			}
			a.completer = c
		}

		var genOpts []generation.Option
		if a.cfg.Knowledge.Enabled {
			r, err := a.openKnowledge(context.Background())
			if err != nil {
				a.store.Close()
				return nil, err
			}
			genOpts = append(genOpts, generation.WithRetriever(r))
		}
		a.gen = generation.New(a.completer, prompts, a.logger, genOpts...)
	}

	a.orch = pipeline.New(a.store, a.gen,
		pipeline.WithLogger(a.logger),
		pipeline.WithGenerationTimeout(a.cfg.Generation.Timeout))

	a.server = server.New(server.Options{
		Port:            a.cfg.Server.Port,
		RequestTimeout:  a.cfg.Server.RequestTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		ServiceName:     a.cfg.Telemetry.ServiceName,
	}, a.logger)
	api.New(a.orch,
		api.WithLogger(a.logger),
		api.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes)).Routes(a.server.Router)

	attrs := []any{
		slog.String("storage", a.cfg.Storage.Type),
		slog.Int("port", a.cfg.Server.Port),
	}
	if a.completer != nil {
		attrs = append(attrs, slog.String("backend", a.completer.Name()))
	}
	a.logger.Info("app assembled", attrs...)
	return a, nil
}

// Handler returns the HTTP handler with every route mounted.
func (a *App) Handler() http.Handler {
	return a.server.Router
}

// Orchestrator returns the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	return a.orch
}

// Run serves until ctx is done, then waits for generations left running by
// disconnected callers before closing storage.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Prompts.Watch && a.prompts != nil {
		if err := a.prompts.Watch(ctx); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	}

	serveErr := a.server.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := a.orch.Wait(drainCtx); err != nil {
		a.logger.Warn("background generations still running at shutdown", slog.String("error", err.Error()))
	}

	if err := a.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
	a.logger.Info("shutdown complete")
	return serveErr
}

// Close releases storage.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

// openKnowledge loads the saved index, embeds catalog documents it does not
// hold yet and saves it again when anything was added.
func (a *App) openKnowledge(ctx context.Context) (*knowledge.Retriever, error) {
	cfg := a.cfg.Knowledge
	if a.embedder == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("knowledge.api_key is required when knowledge is enabled")
		}
		opts := []openai.ClientOption{openai.WithEmbeddingModel(cfg.EmbeddingModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		a.embedder = openai.NewClient(cfg.APIKey, "", opts...)
	}

	x := knowledge.NewIndex(a.embedder)
	if err := x.Load(cfg.IndexPath); err != nil {
		return nil, fmt.Errorf("load knowledge index: %w", err)
	}
	added, err := knowledge.Ingest(ctx, x, cfg.Sources, a.logger)
	if err != nil {
		return nil, fmt.Errorf("ingest knowledge: %w", err)
	}
	if added > 0 {
		if err := x.Save(cfg.IndexPath); err != nil {
			return nil, fmt.Errorf("save knowledge index: %w", err)
		}
	}

	opts := []knowledge.RetrieverOption{knowledge.WithRetrieverLogger(a.logger)}
	if cfg.MaxTokens > 0 {
		b, err := prompt.NewBudget(a.cfg.Prompts.Encoding, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		opts = append(opts, knowledge.WithBudget(b))
	}
	a.logger.Info("knowledge retrieval enabled",
		slog.String("index", cfg.IndexPath),
		slog.Int("documents", x.Len()))
	return knowledge.NewRetriever(x, opts...), nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqldb.New(context.Background(), sqldb.Config{
			Driver:         "sqlite",
			DSN:            cfg.SQLite.Path,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create sqlite storage: %w", err)
		}
		return store, nil
	case "postgres", "mysql":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = cfg.Type
		}
		store, err := sqldb.New(context.Background(), sqldb.Config{
			Driver:         driver,
			DSN:            cfg.Database.DSN,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s storage: %w", cfg.Type, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newCompleter(cfg config.GenerationConfig) (generation.Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generation.api_key is required for %s", cfg.Provider)
	}
	switch cfg.Provider {
	case "openai":
		var opts []openai.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.Temperature != nil {
			opts = append(opts, openai.WithTemperature(float32(*cfg.Temperature)))
		}
		return openai.NewClient(cfg.APIKey, cfg.Model, opts...), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
