// Package storage persists stage artifacts and the uploaded model per
// workspace, and tracks artifact staleness.
//
// A Backend provides primitive persistence; Store layers the artifact
// contract (last-write-wins commits, scope listing and forward invalidation
// over the stage graph) on top of any Backend. A commit and the staleness it
// causes reach the backend as one write, so a failure leaves neither behind.
package storage

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/stage"
)

// ErrNotFound is returned when an artifact or model does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the primitive persistence layer. Implementations must be safe
// for concurrent use and must not alias artifacts handed to or returned
// from them.
type Backend interface {
	// CommitArtifact writes a as the current version of its key and flags
	// the stale keys in the same atomic step.
	CommitArtifact(ctx context.Context, workspace string, a *domain.Artifact, stale []domain.ArtifactKey) error
	GetArtifact(ctx context.Context, workspace string, key domain.ArtifactKey) (*domain.Artifact, error)
	// ListArtifacts returns every artifact of a stage ordered by scope key.
	ListArtifacts(ctx context.Context, workspace string, id domain.StageID) ([]*domain.Artifact, error)
	// ReplaceModel writes m and flags every artifact of the workspace stale
	// in the same atomic step.
	ReplaceModel(ctx context.Context, workspace string, m *domain.Model) error
	GetModel(ctx context.Context, workspace string) (*domain.Model, error)
	Close() error
}

// Store implements the artifact contract over a Backend.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Put writes an artifact as the current, fresh version of its key without
// touching its dependents.
func (s *Store) Put(ctx context.Context, ws domain.Workspace, a *domain.Artifact) error {
	cp := *a
	cp.Stale = false
	if err := s.backend.CommitArtifact(ctx, ws.Key(), &cp, nil); err != nil {
		return domain.ErrStorageFailed("put artifact", err).WithStage(a.Stage)
	}
	return nil
}

// Commit writes an artifact as the current version of its key and marks
// stale every artifact computed from the version it replaces. The artifact's
// own Stale flag is kept. It returns the keys it marked.
//
// Callers that race other commits in the same workspace must serialize them;
// the dependents are read before the write.
func (s *Store) Commit(ctx context.Context, ws domain.Workspace, a *domain.Artifact) ([]domain.ArtifactKey, error) {
	marked, err := s.Dependents(ctx, ws, a.Key())
	if err != nil {
		return nil, err
	}
	if err := s.backend.CommitArtifact(ctx, ws.Key(), a, marked); err != nil {
		return nil, domain.ErrStorageFailed("commit artifact", err).WithStage(a.Stage)
	}
	return marked, nil
}

// Get returns the last committed artifact for a key or ErrNotFound.
func (s *Store) Get(ctx context.Context, ws domain.Workspace, id domain.StageID, scope string) (*domain.Artifact, error) {
	a, err := s.backend.GetArtifact(ctx, ws.Key(), domain.ArtifactKey{Stage: id, Scope: scope})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.ErrStorageFailed("get artifact", err).WithStage(id)
	}
	return a, nil
}

// List returns every artifact of a stage ordered by scope key.
func (s *Store) List(ctx context.Context, ws domain.Workspace, id domain.StageID) ([]*domain.Artifact, error) {
	list, err := s.backend.ListArtifacts(ctx, ws.Key(), id)
	if err != nil {
		return nil, domain.ErrStorageFailed("list artifacts", err).WithStage(id)
	}
	return list, nil
}

// ListScopes returns the scope keys that have an artifact for the stage.
func (s *Store) ListScopes(ctx context.Context, ws domain.Workspace, id domain.StageID) ([]string, error) {
	list, err := s.List(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(list))
	for _, a := range list {
		scopes = append(scopes, a.Scope)
	}
	return scopes, nil
}

// Dependents returns the fresh artifacts computed, directly or transitively,
// from the changed key. Artifacts of sibling scopes are left out. Nothing
// is written.
func (s *Store) Dependents(ctx context.Context, ws domain.Workspace, changed domain.ArtifactKey) ([]domain.ArtifactKey, error) {
	var marked []domain.ArtifactKey
	seen := map[domain.ArtifactKey]bool{changed: true}
	frontier := []domain.ArtifactKey{changed}

	for len(frontier) > 0 {
		key := frontier[0]
		frontier = frontier[1:]

		for _, next := range stage.Downstream(key.Stage) {
			list, err := s.List(ctx, ws, next)
			if err != nil {
				return nil, err
			}
			for _, a := range list {
				k := a.Key()
				if seen[k] || !a.DependsOn(key) {
					continue
				}
				seen[k] = true
				frontier = append(frontier, k)
				if !a.Stale {
					marked = append(marked, k)
				}
			}
		}
	}

	return marked, nil
}

// ReplaceModel stores a new workspace model and marks every artifact in the
// workspace stale.
func (s *Store) ReplaceModel(ctx context.Context, ws domain.Workspace, m *domain.Model) error {
	if err := s.backend.ReplaceModel(ctx, ws.Key(), m); err != nil {
		return domain.ErrStorageFailed("replace model", err).WithStage(domain.StageModel)
	}
	return nil
}

// GetModel returns the workspace model or ErrNotFound.
func (s *Store) GetModel(ctx context.Context, ws domain.Workspace) (*domain.Model, error) {
	m, err := s.backend.GetModel(ctx, ws.Key())
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.ErrStorageFailed("get model", err).WithStage(domain.StageModel)
	}
	return m, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// CloneArtifact copies an artifact so the copy's slices do not alias the
// original. Records are shared; they are treated as immutable once committed.
func CloneArtifact(a *domain.Artifact) *domain.Artifact {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Rows = slices.Clone(a.Rows)
	cp.Inputs = slices.Clone(a.Inputs)
	cp.Params = maps.Clone(a.Params)
	return &cp
}
