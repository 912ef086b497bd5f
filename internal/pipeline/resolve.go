package pipeline

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/prompt"
	"github.com/tjfontaine/autotara/internal/stage"
	"github.com/tjfontaine/autotara/internal/storage"
)

// resolvedInput is one upstream artifact version read by a run.
type resolvedInput struct {
	ref   domain.InputRef
	table string
	rows  []domain.Record
}

// resolve validates the scope against the current upstream state and loads
// every input the stage reads. Nothing is written.
func (o *Orchestrator) resolve(ctx context.Context, ws domain.Workspace, j *job) error {
	var err error
	switch j.desc.Scope {
	case stage.ScopeNone:
		err = o.resolveModel(ctx, ws, j)
	case stage.ScopeAsset:
		err = o.resolveAsset(ctx, ws, j)
	case stage.ScopeStakeholder:
		err = o.resolveFanIn(ctx, ws, j)
	}
	if err != nil {
		return err
	}

	if j.modify {
		cur, err := o.store.Get(ctx, ws, j.key.Stage, j.key.Scope)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ErrUnresolved(j.key.Stage, "%s has no artifact to modify, run it first", j.key)
		}
		if err != nil {
			return err
		}
		j.current = cur.Rows
	}
	return nil
}

func (o *Orchestrator) resolveModel(ctx context.Context, ws domain.Workspace, j *job) error {
	m, err := o.store.GetModel(ctx, ws)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrUnresolved(domain.StageModel, "no model has been uploaded")
	}
	if err != nil {
		return err
	}
	j.model = m
	j.inputs = []resolvedInput{{
		ref: domain.InputRef{Stage: domain.StageModel, ProducedAt: m.UploadedAt},
	}}
	return nil
}

func (o *Orchestrator) resolveAsset(ctx context.Context, ws domain.Workspace, j *job) error {
	assets, err := o.require(ctx, ws, domain.StageAssets, "")
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(domain.RowsOf[*domain.Asset](assets.Rows), func(a *domain.Asset) bool {
		return a.AssetID == j.key.Scope
	})
	if idx < 0 {
		return domain.ErrUnresolved(domain.StageAssets, "asset %q is not in the stage 1 artifact", j.key.Scope).WithParam(stage.ParamAssetID)
	}

	for _, up := range j.desc.Upstream {
		if up == domain.StageAssets {
			j.inputs = append(j.inputs, input(assets, []domain.Record{domain.RowsOf[*domain.Asset](assets.Rows)[idx]}))
			continue
		}
		a, err := o.require(ctx, ws, up, j.key.Scope)
		if err != nil {
			return err
		}
		j.inputs = append(j.inputs, input(a, a.Rows))
	}
	return nil
}

// resolveFanIn loads the impact ratings and feasibility artifacts of every
// asset scope. Each asset must have both.
func (o *Orchestrator) resolveFanIn(ctx context.Context, ws domain.Workspace, j *job) error {
	lists := make([][]*domain.Artifact, len(j.desc.Upstream))
	g, gctx := errgroup.WithContext(ctx)
	for i, up := range j.desc.Upstream {
		g.Go(func() error {
			list, err := o.store.List(gctx, ws, up)
			lists[i] = list
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byScope := make(map[string][]*domain.Artifact)
	var scopes []string
	for i, list := range lists {
		for _, a := range list {
			if _, ok := byScope[a.Scope]; !ok {
				scopes = append(scopes, a.Scope)
				byScope[a.Scope] = make([]*domain.Artifact, len(lists))
			}
			byScope[a.Scope][i] = a
		}
	}
	if len(scopes) == 0 {
		return domain.ErrUnresolved(j.desc.Upstream[0], "no asset has stage %d and stage %d artifacts", j.desc.Upstream[0], j.desc.Upstream[1])
	}
	slices.Sort(scopes)

	for _, scope := range scopes {
		for i, a := range byScope[scope] {
			if a == nil {
				return domain.ErrUnresolved(j.desc.Upstream[i], "asset %q has no stage %d artifact", scope, j.desc.Upstream[i])
			}
			j.inputs = append(j.inputs, input(a, a.Rows))
		}
	}
	return nil
}

// require fetches an upstream artifact, reporting absence as an unresolved
// dependency on that stage.
func (o *Orchestrator) require(ctx context.Context, ws domain.Workspace, id domain.StageID, scope string) (*domain.Artifact, error) {
	a, err := o.store.Get(ctx, ws, id, scope)
	if errors.Is(err, storage.ErrNotFound) {
		key := domain.ArtifactKey{Stage: id, Scope: scope}
		return nil, domain.ErrUnresolved(id, "%s has not been run", key)
	}
	return a, err
}

func input(a *domain.Artifact, rows []domain.Record) resolvedInput {
	d, _ := stage.Get(a.Stage)
	return resolvedInput{
		ref:   domain.InputRef{Stage: a.Stage, Scope: a.Scope, ProducedAt: a.ProducedAt},
		table: d.Table,
		rows:  rows,
	}
}

func (j *job) inputRefs() []domain.InputRef {
	refs := make([]domain.InputRef, len(j.inputs))
	for i, in := range j.inputs {
		refs[i] = in.ref
	}
	return refs
}

func (j *job) promptContext() prompt.Context {
	pc := prompt.Context{
		Scope:     j.key.Scope,
		Params:    j.resolved.Params,
		Current:   j.current,
		Feedback:  j.feedback,
		Reference: j.reference,
	}
	if j.model != nil {
		pc.Model = j.model.Document
	}
	for _, in := range j.inputs {
		if in.ref.Stage == domain.StageModel {
			continue
		}
		pc.Inputs = append(pc.Inputs, prompt.Input{
			Stage: in.ref.Stage,
			Table: in.table,
			Scope: in.ref.Scope,
			Rows:  in.rows,
		})
	}
	return pc
}

// crossRefs fills identifiers a generated row omits from the upstream rows
// it points at.
type crossRefs struct {
	stakeholderByDamage map[string]domain.Stakeholder
	damageByThreat      map[string]string
	assetByThreat       map[string]string
}

func (j *job) crossRefs() crossRefs {
	xr := crossRefs{
		stakeholderByDamage: make(map[string]domain.Stakeholder),
		damageByThreat:      make(map[string]string),
		assetByThreat:       make(map[string]string),
	}
	for _, in := range j.inputs {
		for _, rec := range in.rows {
			switch r := rec.(type) {
			case *domain.DamageScenario:
				xr.stakeholderByDamage[r.DamageID] = r.Stakeholder
			case *domain.ThreatScenario:
				xr.damageByThreat[r.ThreatID] = r.DamageScenarioID
			case *domain.AttackPath:
				if r.DamageScenarioID != "" {
					xr.damageByThreat[r.ThreatScenarioID] = r.DamageScenarioID
				}
			case *domain.AttackFeasibility:
				xr.assetByThreat[r.ThreatScenarioID] = in.ref.Scope
			}
		}
	}
	return xr
}

func (xr crossRefs) fill(rec domain.Record) {
	switch r := rec.(type) {
	case *domain.ImpactRating:
		if r.Stakeholder == "" {
			r.Stakeholder = xr.stakeholderByDamage[r.DamageScenarioID]
		}
	case *domain.AttackPath:
		if r.DamageScenarioID == "" {
			r.DamageScenarioID = xr.damageByThreat[r.ThreatScenarioID]
		}
	case *domain.AttackFeasibility:
		if r.DamageScenarioID == "" {
			r.DamageScenarioID = xr.damageByThreat[r.ThreatScenarioID]
		}
	case *domain.RiskValue:
		if r.AssetID == "" {
			r.AssetID = xr.assetByThreat[r.ThreatScenarioID]
		}
	}
}
