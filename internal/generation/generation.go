// Package generation is the boundary to the external content generation
// backend. A Client turns a stage prompt context into a lazy sequence of
// records, or fails with a domain generation failure.
package generation

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/prompt"
)

// RowSeq yields generated records in order. A non-nil error ends the sequence.
type RowSeq = iter.Seq2[domain.Record, error]

// Request asks for the rows of one stage artifact.
type Request struct {
	Stage  domain.StageID
	Prompt prompt.Context
}

// Client generates stage rows. Each Generate call makes at most one backend call.
type Client interface {
	Generate(ctx context.Context, req *Request) (RowSeq, error)
}

// Completion is a single text completion request.
type Completion struct {
	System string
	User   string
}

// Completer is a text completion backend.
type Completer interface {
	// Name identifies the backend in logs and spans.
	Name() string
	// Complete returns the raw text of one completion.
	Complete(ctx context.Context, c *Completion) (string, error)
}

// Retriever selects knowledge passages for a stage prompt.
type Retriever interface {
	Retrieve(ctx context.Context, id domain.StageID, pc *prompt.Context) (string, error)
}

// Generator implements Client over a Completer and a prompt Library.
type Generator struct {
	backend   Completer
	prompts   *prompt.Library
	retriever Retriever
	logger    *slog.Logger
}

var _ Client = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithRetriever adds retrieved knowledge to every prompt. A failed
// retrieval is logged and the prompt goes out without it.
func WithRetriever(r Retriever) Option {
	return func(g *Generator) {
		g.retriever = r
	}
}

// New returns a Generator.
func New(backend Completer, prompts *prompt.Library, logger *slog.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{backend: backend, prompts: prompts, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders the stage prompt, calls the backend once and returns the
// rows decoded lazily from its JSON payload.
func (g *Generator) Generate(ctx context.Context, req *Request) (RowSeq, error) {
	ctx, span := otel.Tracer("github.com/tjfontaine/autotara/generation").Start(ctx, "generation.generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("tara.stage", int(req.Stage)),
		attribute.String("tara.scope", req.Prompt.Scope),
		attribute.String("tara.backend", g.backend.Name()),
	)

	pc := req.Prompt
	if g.retriever != nil {
		passages, err := g.retriever.Retrieve(ctx, req.Stage, &pc)
		if err != nil {
			g.logger.Warn("knowledge retrieval failed",
				slog.Int("stage", int(req.Stage)),
				slog.String("scope", req.Prompt.Scope),
				slog.String("error", err.Error()))
		}
		pc.Retrieved = passages
		span.SetAttributes(attribute.Int("tara.retrieved_bytes", len(passages)))
	}

	system, user, err := g.prompts.Render(req.Stage, &pc)
	if err != nil {
		return nil, domain.ErrGenerationFailed(domain.CauseBackend, err).WithStage(req.Stage)
	}

	start := time.Now()
	text, err := g.backend.Complete(ctx, &Completion{System: system, User: user})
	elapsed := time.Since(start)
	if err != nil {
		gerr := Classify(ctx, err).WithStage(req.Stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("generation failed",
			slog.Int("stage", int(req.Stage)),
			slog.String("scope", req.Prompt.Scope),
			slog.String("backend", g.backend.Name()),
			slog.String("cause", string(gerr.Cause)),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		return nil, gerr
	}

	g.logger.Debug("generation completed",
		slog.Int("stage", int(req.Stage)),
		slog.String("scope", req.Prompt.Scope),
		slog.String("backend", g.backend.Name()),
		slog.Duration("duration", elapsed),
		slog.Int("response_bytes", len(text)))

	rows, err := ExtractRows(text)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, domain.ErrGenerationFailed(domain.CauseInvalidOutput, err).WithStage(req.Stage)
	}
	return DecodeRows(req.Stage, rows), nil
}

// Classify maps a backend error to a generation failure cause.
func Classify(ctx context.Context, err error) *domain.Error {
	var e *domain.Error
	if errors.As(err, &e) && e.Kind == domain.KindGeneration {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrGenerationFailed(domain.CauseTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return domain.ErrGenerationFailed(domain.CauseCanceled, err)
	default:
		return domain.ErrGenerationFailed(domain.CauseBackend, err)
	}
}
