package pipeline

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/stage"
	"github.com/tjfontaine/autotara/internal/storage"
)

// Artifact returns the last committed artifact of a stage. For scoped
// stages an empty scope resolves to the only scope present, if there is
// exactly one.
func (o *Orchestrator) Artifact(ctx context.Context, ws domain.Workspace, id domain.StageID, scope string) (*domain.Artifact, error) {
	desc, err := stage.Get(id)
	if err != nil {
		return nil, err
	}
	if desc.Scope == stage.ScopeNone && scope != "" {
		return nil, domain.ErrInvalid("stage %d is not scoped, got scope %q", id, scope).WithParam("scope")
	}
	if desc.Scope == stage.ScopeStakeholder && scope != "" {
		s, ok := domain.ParseStakeholder(scope)
		if !ok {
			return nil, domain.ErrInvalid("unknown stakeholder %q", scope).WithParam("scope")
		}
		scope = string(s)
	}
	if desc.Scope != stage.ScopeNone && scope == "" {
		scopes, err := o.store.ListScopes(ctx, ws, id)
		if err != nil {
			return nil, err
		}
		switch len(scopes) {
		case 0:
			return nil, domain.ErrUnresolved(id, "stage %d has not been run", id)
		case 1:
			scope = scopes[0]
		default:
			return nil, domain.ErrInvalid("stage %d has several scopes %q, pick one", id, scopes).WithParam("scope")
		}
	}

	a, err := o.store.Get(ctx, ws, id, scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrUnresolved(id, "%s has not been run", domain.ArtifactKey{Stage: id, Scope: scope})
	}
	return a, err
}

// AssetList is the current stage 1 output.
type AssetList struct {
	// Ran is false when stage 1 has never been run for the workspace.
	Ran    bool            `json:"ran"`
	Stale  bool            `json:"stale"`
	Assets []*domain.Asset `json:"assets"`
}

// ListAssets returns the assets of the stage 1 artifact, or an empty list
// with Ran unset.
func (o *Orchestrator) ListAssets(ctx context.Context, ws domain.Workspace) (*AssetList, error) {
	a, err := o.store.Get(ctx, ws, domain.StageAssets, "")
	if errors.Is(err, storage.ErrNotFound) {
		return &AssetList{Assets: []*domain.Asset{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &AssetList{Ran: true, Stale: a.Stale, Assets: domain.RowsOf[*domain.Asset](a.Rows)}, nil
}

// KeyStatus is the lifecycle state of one artifact key.
type KeyStatus struct {
	Stage       domain.StageID `json:"stageId"`
	Table       string         `json:"table"`
	Scope       string         `json:"scopeKey,omitempty"`
	State       domain.State   `json:"state"`
	Running     bool           `json:"running"`
	Rows        int            `json:"rows"`
	ProducedAt  *time.Time     `json:"producedAt,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// WorkspaceStatus summarizes a workspace.
type WorkspaceStatus struct {
	Workspace string      `json:"workspace"`
	Model     *ModelInfo  `json:"model,omitempty"`
	Keys      []KeyStatus `json:"keys"`
}

// ModelInfo describes the uploaded model without its content.
type ModelInfo struct {
	Name       string    `json:"name"`
	Bytes      int       `json:"bytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Status reports the state of every key in the workspace. Asset-scoped
// stages list every known asset and stage 7 lists both stakeholder classes,
// so keys that were never run appear as unrun.
func (o *Orchestrator) Status(ctx context.Context, ws domain.Workspace) (*WorkspaceStatus, error) {
	out := &WorkspaceStatus{Workspace: ws.Key(), Keys: []KeyStatus{}}

	m, err := o.store.GetModel(ctx, ws)
	switch {
	case err == nil:
		out.Model = &ModelInfo{Name: m.Name, Bytes: len(m.Raw), UploadedAt: m.UploadedAt}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	assets, err := o.ListAssets(ctx, ws)
	if err != nil {
		return nil, err
	}

	for _, desc := range stage.All() {
		list, err := o.store.List(ctx, ws, desc.ID)
		if err != nil {
			return nil, err
		}
		byScope := make(map[string]*domain.Artifact, len(list))
		for _, a := range list {
			byScope[a.Scope] = a
		}

		var scopes []string
		switch desc.Scope {
		case stage.ScopeNone:
			scopes = []string{""}
		case stage.ScopeAsset:
			for _, a := range assets.Assets {
				scopes = append(scopes, a.AssetID)
			}
		case stage.ScopeStakeholder:
			for _, s := range domain.Stakeholders {
				scopes = append(scopes, string(s))
			}
		}
		for scope := range byScope {
			if !slices.Contains(scopes, scope) {
				scopes = append(scopes, scope)
			}
		}
		if desc.Scope == stage.ScopeAsset {
			slices.Sort(scopes)
		}

		for _, scope := range scopes {
			key := domain.ArtifactKey{Stage: desc.ID, Scope: scope}
			a := byScope[scope]
			ks := KeyStatus{
				Stage:   desc.ID,
				Table:   desc.Table,
				Scope:   scope,
				State:   domain.StateOf(a),
				Running: o.leases.running(ws, key),
			}
			if a != nil {
				produced := a.ProducedAt
				ks.Rows = len(a.Rows)
				ks.ProducedAt = &produced
				ks.Fingerprint = a.Fingerprint
			}
			out.Keys = append(out.Keys, ks)
		}
	}
	return out, nil
}
