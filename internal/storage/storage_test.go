package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/storage"
	"github.com/tjfontaine/autotara/internal/storage/memory"
)

var ws = domain.Workspace{ID: "test"}

// put commits an artifact computed from the given upstream artifacts.
func put(t *testing.T, s *storage.Store, id domain.StageID, scope string, from ...*domain.Artifact) *domain.Artifact {
	t.Helper()
	var inputs []domain.InputRef
	for _, up := range from {
		inputs = append(inputs, domain.InputRef{Stage: up.Stage, Scope: up.Scope, ProducedAt: up.ProducedAt})
	}
	a := &domain.Artifact{
		Stage:       id,
		Scope:       scope,
		ProducedAt:  time.Now().UTC(),
		Inputs:      inputs,
		Fingerprint: domain.Fingerprint(inputs),
	}
	if err := s.Put(context.Background(), ws, a); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return a
}

func stale(t *testing.T, s *storage.Store, id domain.StageID, scope string) bool {
	t.Helper()
	a, err := s.Get(context.Background(), ws, id, scope)
	if err != nil {
		t.Fatalf("Get(%d, %q) error = %v", id, scope, err)
	}
	return a.Stale
}

func TestStore_CommitMarksDownstream(t *testing.T) {
	s := storage.New(memory.New())
	ctx := context.Background()

	assets := put(t, s, domain.StageAssets, "")
	dsA1 := put(t, s, domain.StageDamage, "A1", assets)
	dsA2 := put(t, s, domain.StageDamage, "A2", assets)
	irA1 := put(t, s, domain.StageImpact, "A1", dsA1)
	tsA1 := put(t, s, domain.StageThreat, "A1", dsA1)
	apA1 := put(t, s, domain.StageAttackPath, "A1", tsA1)
	afA1 := put(t, s, domain.StageFeasibility, "A1", apA1)
	put(t, s, domain.StageImpact, "A2", dsA2)
	put(t, s, domain.StageRisk, "Road User", irA1, afA1)

	rerun := *dsA1
	rerun.ProducedAt = dsA1.ProducedAt.Add(time.Second)
	marked, err := s.Commit(ctx, ws, &rerun)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(marked) != 5 {
		t.Errorf("Commit() marked %d keys, want 5: %v", len(marked), marked)
	}

	for _, k := range []domain.ArtifactKey{irA1.Key(), tsA1.Key(), apA1.Key(), afA1.Key(), {Stage: domain.StageRisk, Scope: "Road User"}} {
		if !stale(t, s, k.Stage, k.Scope) {
			t.Errorf("%s should be stale", k)
		}
	}
	for _, k := range []domain.ArtifactKey{assets.Key(), dsA1.Key(), dsA2.Key(), {Stage: domain.StageImpact, Scope: "A2"}} {
		if stale(t, s, k.Stage, k.Scope) {
			t.Errorf("%s should stay fresh", k)
		}
	}

	// A second commit finds nothing new to mark
	marked, err = s.Commit(ctx, ws, &rerun)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(marked) != 0 {
		t.Errorf("second Commit() marked %v, want none", marked)
	}
}

func TestStore_PutClearsStale(t *testing.T) {
	s := storage.New(memory.New())
	ctx := context.Background()

	put(t, s, domain.StageAssets, "")
	if err := s.ReplaceModel(ctx, ws, &domain.Model{Name: "model.json", UploadedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("ReplaceModel() error = %v", err)
	}
	if !stale(t, s, domain.StageAssets, "") {
		t.Fatal("ReplaceModel() did not mark stage 1")
	}
	put(t, s, domain.StageAssets, "")
	if stale(t, s, domain.StageAssets, "") {
		t.Error("Put() should commit a fresh artifact")
	}
}

func TestStore_GetAndListScopes(t *testing.T) {
	s := storage.New(memory.New())
	ctx := context.Background()

	if _, err := s.Get(ctx, ws, domain.StageDamage, "A1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetModel(ctx, ws); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetModel() error = %v, want ErrNotFound", err)
	}

	put(t, s, domain.StageDamage, "A2")
	put(t, s, domain.StageDamage, "A1")
	scopes, err := s.ListScopes(ctx, ws, domain.StageDamage)
	if err != nil {
		t.Fatalf("ListScopes() error = %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "A1" || scopes[1] != "A2" {
		t.Errorf("ListScopes() = %v, want [A1 A2]", scopes)
	}
}

// failingBackend rejects any commit that would flag dependents.
type failingBackend struct {
	*memory.Store
}

func (b failingBackend) CommitArtifact(ctx context.Context, workspace string, a *domain.Artifact, stale []domain.ArtifactKey) error {
	if len(stale) > 0 {
		return errors.New("disk full")
	}
	return b.Store.CommitArtifact(ctx, workspace, a, stale)
}

func TestStore_BackendFailure(t *testing.T) {
	s := storage.New(failingBackend{memory.New()})
	ctx := context.Background()

	assets := put(t, s, domain.StageAssets, "")
	put(t, s, domain.StageDamage, "A1", assets)

	rerun := *assets
	rerun.ProducedAt = assets.ProducedAt.Add(time.Second)
	marked, err := s.Commit(ctx, ws, &rerun)
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("Commit() error = %v, want storage failure", err)
	}
	if marked != nil {
		t.Errorf("Commit() marked %v on failure", marked)
	}

	// Neither half of the failed commit is visible
	got, err := s.Get(ctx, ws, domain.StageAssets, "")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.ProducedAt.Equal(assets.ProducedAt) {
		t.Errorf("stage 1 ProducedAt = %v, want the previous version %v", got.ProducedAt, assets.ProducedAt)
	}
	if stale(t, s, domain.StageDamage, "A1") {
		t.Error("stage 2 was marked stale by a failed commit")
	}
}
