package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/storage"
)

// Store is an in-memory implementation of storage.Backend
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*wsData
}

type wsData struct {
	model     *domain.Model
	artifacts map[domain.ArtifactKey]*domain.Artifact
}

var _ storage.Backend = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		workspaces: make(map[string]*wsData),
	}
}

// ws returns the workspace, creating it. Callers must hold the write lock.
func (s *Store) ws(id string) *wsData {
	w, ok := s.workspaces[id]
	if !ok {
		w = &wsData{artifacts: make(map[domain.ArtifactKey]*domain.Artifact)}
		s.workspaces[id] = w
	}
	return w
}

// CommitArtifact flags the stale keys and stores a under one lock hold, so
// readers see either neither change or both.
func (s *Store) CommitArtifact(ctx context.Context, workspace string, a *domain.Artifact, stale []domain.ArtifactKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.ws(workspace)
	for _, key := range stale {
		if cur, ok := w.artifacts[key]; ok {
			cur.Stale = true
		}
	}
	w.artifacts[a.Key()] = storage.CloneArtifact(a)
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, workspace string, key domain.ArtifactKey) (*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workspaces[workspace]
	if !ok {
		return nil, storage.ErrNotFound
	}
	a, ok := w.artifacts[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneArtifact(a), nil
}

func (s *Store) ListArtifacts(ctx context.Context, workspace string, id domain.StageID) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Artifact
	w, ok := s.workspaces[workspace]
	if !ok {
		return result, nil
	}
	for key, a := range w.artifacts {
		if key.Stage == id {
			result = append(result, storage.CloneArtifact(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Scope < result[j].Scope
	})
	return result, nil
}

func (s *Store) ReplaceModel(ctx context.Context, workspace string, m *domain.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.ws(workspace)
	cp := *m
	w.model = &cp
	for _, a := range w.artifacts {
		a.Stale = true
	}
	return nil
}

func (s *Store) GetModel(ctx context.Context, workspace string) (*domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workspaces[workspace]
	if !ok || w.model == nil {
		return nil, storage.ErrNotFound
	}
	cp := *w.model
	return &cp, nil
}

func (s *Store) Close() error {
	return nil
}
