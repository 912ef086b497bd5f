package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/generation"
	"github.com/tjfontaine/autotara/internal/prompt"
	"github.com/tjfontaine/autotara/internal/stage"
	"github.com/tjfontaine/autotara/internal/storage"
)

// RunRequest asks for one stage to be run for one scope.
type RunRequest struct {
	Stage    domain.StageID
	ScopeKey string
	Params   map[string]string
}

// ModifyRequest regenerates an existing artifact from operator feedback.
type ModifyRequest struct {
	RunRequest
	Feedback  string
	Reference *prompt.Reference
}

// Result is the outcome of a committed run.
type Result struct {
	Artifact *domain.Artifact
	// Invalidated lists the downstream keys this commit marked stale.
	Invalidated []domain.ArtifactKey
}

// Orchestrator runs stages against a workspace's artifact store.
type Orchestrator struct {
	store   *storage.Store
	gen     generation.Client
	leases  *leaseTable
	commits *workspaceLocks
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time

	// background tracks generations that outlive a disconnected caller.
	background sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGenerationTimeout bounds every generation call. Zero means no bound
// beyond the caller's context.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithClock overrides the time source used for producedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an Orchestrator.
func New(store *storage.Store, gen generation.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		gen:     gen,
		leases:  newLeaseTable(),
		commits: newWorkspaceLocks(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/tjfontaine/autotara/pipeline"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until generations left running by disconnected callers have
// committed or failed, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UploadModel replaces the workspace model and marks every artifact stale.
func (o *Orchestrator) UploadModel(ctx context.Context, ws domain.Workspace, name string, raw []byte) (*domain.Model, error) {
	m, err := domain.ParseModel(name, raw)
	if err != nil {
		return nil, err
	}
	unlock := o.commits.lock(ws)
	m.UploadedAt = o.now()
	err = o.store.ReplaceModel(ctx, ws, m)
	unlock()
	if err != nil {
		return nil, err
	}
	o.logger.Info("model uploaded",
		slog.String("workspace", ws.Key()),
		slog.String("name", name),
		slog.Int("bytes", len(raw)))
	return m, nil
}

// Run executes one stage for one scope.
func (o *Orchestrator) Run(ctx context.Context, ws domain.Workspace, req RunRequest) (*Result, error) {
	j, err := o.plan(req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, ws, j, "pipeline.run")
}

// Modify regenerates an existing artifact with feedback and an optional
// reference file added to the prompt. Parameters the request leaves out are
// taken from the artifact being modified.
func (o *Orchestrator) Modify(ctx context.Context, ws domain.Workspace, req ModifyRequest) (*Result, error) {
	desc, err := stage.Get(req.Stage)
	if err != nil {
		return nil, err
	}
	scope, err := desc.ScopeOf(req.ScopeKey, req.Params)
	if err != nil {
		return nil, err
	}
	feedback := strings.TrimSpace(req.Feedback)
	var reference *prompt.Reference
	if ref := req.Reference; ref != nil && strings.TrimSpace(ref.Content) != "" {
		reference = ref
	}
	if feedback == "" && reference == nil {
		return nil, domain.ErrInvalid("modify requires feedback or a reference file").WithParam("feedback")
	}

	key := domain.ArtifactKey{Stage: desc.ID, Scope: scope}
	cur, err := o.store.Get(ctx, ws, key.Stage, key.Scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrUnresolved(key.Stage, "%s has no artifact to modify, run it first", key)
	}
	if err != nil {
		return nil, err
	}

	run := req.RunRequest
	run.Params = maps.Clone(cur.Params)
	if run.Params == nil {
		run.Params = make(map[string]string)
	}
	for name, value := range req.Params {
		if strings.TrimSpace(value) != "" {
			run.Params[name] = value
		}
	}
	j, err := o.plan(run)
	if err != nil {
		return nil, err
	}
	j.modify = true
	j.feedback = feedback
	j.reference = reference
	return o.execute(ctx, ws, j, "pipeline.modify")
}

// job carries one run through its steps.
type job struct {
	desc     stage.Descriptor
	resolved stage.Resolved
	key      domain.ArtifactKey

	modify    bool
	feedback  string
	reference *prompt.Reference
	current   []domain.Record

	model  *domain.Model
	inputs []resolvedInput
}

func (o *Orchestrator) plan(req RunRequest) (*job, error) {
	desc, err := stage.Get(req.Stage)
	if err != nil {
		return nil, err
	}
	resolved, err := desc.Resolve(req.ScopeKey, req.Params)
	if err != nil {
		return nil, err
	}
	return &job{
		desc:     desc,
		resolved: resolved,
		key:      domain.ArtifactKey{Stage: desc.ID, Scope: resolved.Scope},
	}, nil
}

type outcome struct {
	result *Result
	err    error
}

func (o *Orchestrator) execute(ctx context.Context, ws domain.Workspace, j *job, spanName string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("tara.workspace", ws.Key()),
		attribute.Int("tara.stage", int(j.key.Stage)),
		attribute.String("tara.scope", j.key.Scope),
	)

	res, err := o.executeLeased(ctx, ws, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tara.rows", len(res.Artifact.Rows)),
		attribute.Int("tara.invalidated", len(res.Invalidated)),
	)
	return res, nil
}

func (o *Orchestrator) executeLeased(ctx context.Context, ws domain.Workspace, j *job) (*Result, error) {
	l, ok := o.leases.acquire(ws, j.key)
	if !ok {
		return nil, domain.ErrRunning(j.key.Stage, j.key.Scope)
	}
	logger := o.logger.With(
		slog.String("run_id", l.token),
		slog.String("workspace", ws.Key()),
		slog.Int("stage", int(j.key.Stage)),
		slog.String("scope", j.key.Scope),
		slog.Bool("modify", j.modify))

	if err := o.resolve(ctx, ws, j); err != nil {
		o.leases.release(l)
		logger.Info("run rejected", slog.String("error", err.Error()))
		return nil, err
	}

	genCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if o.timeout > 0 {
		genCtx, cancel = context.WithTimeout(genCtx, o.timeout)
	} else {
		genCtx, cancel = context.WithCancel(genCtx)
	}

	done := make(chan outcome, 1)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		res, err := o.dispatch(genCtx, ws, j, l, logger)
		cancel()
		o.leases.release(l)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !l.revoke() {
			out := <-done
			return out.result, out.err
		}
		o.leases.release(l)
		cancel()
		logger.Warn("run timed out, key released")
		return nil, domain.ErrGenerationFailed(domain.CauseTimeout, ctx.Err()).WithStage(j.key.Stage)
	}

	logger.Info("caller went away, generation continues")
	return nil, domain.ErrGenerationFailed(domain.CauseCanceled, ctx.Err()).WithStage(j.key.Stage)
}

// dispatch makes the generation call and commits the result under the lease.
func (o *Orchestrator) dispatch(ctx context.Context, ws domain.Workspace, j *job, l *lease, logger *slog.Logger) (*Result, error) {
	start := time.Now()
	seq, err := o.gen.Generate(ctx, &generation.Request{Stage: j.key.Stage, Prompt: j.promptContext()})
	if err != nil {
		logger.Warn("generation failed", slog.Duration("duration", time.Since(start)), slog.String("error", err.Error()))
		return nil, generation.Classify(ctx, err).WithStage(j.key.Stage)
	}
	rows, err := o.collect(j, seq)
	if err != nil {
		logger.Warn("generated rows rejected", slog.Duration("duration", time.Since(start)), slog.String("error", err.Error()))
		return nil, err
	}

	refs := j.inputRefs()
	art := &domain.Artifact{
		Stage:       j.key.Stage,
		Scope:       j.key.Scope,
		Rows:        rows,
		ProducedAt:  o.now(),
		Fingerprint: domain.Fingerprint(refs),
		Inputs:      refs,
		Feedback:    j.feedback,
		Params:      j.resolved.Params,
	}

	var invalidated []domain.ArtifactKey
	committed, err := l.commit(func() error {
		unlock := o.commits.lock(ws)
		defer unlock()

		ref, changed, err := o.superseded(ctx, ws, refs)
		if err != nil {
			return err
		}
		if changed {
			logger.Warn("input changed during generation, committing as stale", slog.String("input", ref.Key().String()))
			art.Stale = true
		}
		invalidated, err = o.store.Commit(ctx, ws, art)
		return err
	})
	if !committed {
		logger.Warn("discarding late result, run no longer holds the key", slog.Int("rows", len(rows)))
		return nil, domain.ErrGenerationFailed(domain.CauseTimeout, errors.New("result arrived after the run was released")).WithStage(j.key.Stage)
	}
	if err != nil {
		logger.Error("commit failed", slog.String("error", err.Error()))
		return nil, err
	}

	logger.Info("artifact committed",
		slog.Int("rows", len(rows)),
		slog.String("fingerprint", art.Fingerprint),
		slog.Int("invalidated", len(invalidated)),
		slog.Bool("stale", art.Stale),
		slog.Duration("duration", time.Since(start)))
	return &Result{Artifact: storage.CloneArtifact(art), Invalidated: invalidated}, nil
}

// superseded reports the first input whose current version is not the one
// the run read. Callers hold the workspace commit lock.
func (o *Orchestrator) superseded(ctx context.Context, ws domain.Workspace, refs []domain.InputRef) (domain.InputRef, bool, error) {
	for _, ref := range refs {
		var current time.Time
		if ref.Stage == domain.StageModel {
			m, err := o.store.GetModel(ctx, ws)
			if errors.Is(err, storage.ErrNotFound) {
				return ref, true, nil
			}
			if err != nil {
				return ref, false, err
			}
			current = m.UploadedAt
		} else {
			a, err := o.store.Get(ctx, ws, ref.Stage, ref.Scope)
			if errors.Is(err, storage.ErrNotFound) {
				return ref, true, nil
			}
			if err != nil {
				return ref, false, err
			}
			current = a.ProducedAt
		}
		if !current.Equal(ref.ProducedAt) {
			return ref, true, nil
		}
	}
	return domain.InputRef{}, false, nil
}

// collect drains the generated rows, normalizing each one. Any row that
// cannot be repaired fails the whole run.
func (o *Orchestrator) collect(j *job, seq generation.RowSeq) ([]domain.Record, error) {
	xr := j.crossRefs()
	var rows []domain.Record
	for rec, err := range seq {
		if err != nil {
			var e *domain.Error
			if errors.As(err, &e) {
				return nil, err
			}
			return nil, invalidRow(j, len(rows), err)
		}
		if rec.Stage() != j.key.Stage {
			return nil, invalidRow(j, len(rows), errors.New("row shape does not match stage"))
		}
		xr.fill(rec)
		nc := domain.NormalizeContext{Index: len(rows), Stakeholder: j.resolved.Stakeholder}
		if j.desc.Scope == stage.ScopeAsset {
			nc.Scope = j.key.Scope
		}
		if err := domain.Normalize(rec, nc); err != nil {
			return nil, invalidRow(j, len(rows), err)
		}
		rows = append(rows, rec)
	}
	if rows == nil {
		rows = []domain.Record{}
	}
	return rows, nil
}

func invalidRow(j *job, index int, err error) error {
	return &domain.Error{
		Kind:    domain.KindGeneration,
		Message: fmt.Sprintf("generated row %d is invalid", index+1),
		Cause:   domain.CauseInvalidOutput,
		Stage:   j.key.Stage,
		Err:     err,
	}
}
