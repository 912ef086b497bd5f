package stage

import (
	"sort"
	"strings"

	"github.com/tjfontaine/autotara/internal/domain"
)

// Resolved is the validated outcome of a run request.
type Resolved struct {
	// Scope is the artifact scope key the run writes.
	Scope string

	// Stakeholder is the canonical stakeholder parameter, if one was given.
	Stakeholder domain.Stakeholder

	// Params holds the canonicalized parameter values.
	Params map[string]string
}

// Resolve validates run parameters against the descriptor and derives the
// scope key. Empty parameter values are treated as absent.
func (d Descriptor) Resolve(scopeKey string, params map[string]string) (Resolved, error) {
	scopeKey = strings.TrimSpace(scopeKey)
	out := Resolved{Params: make(map[string]string)}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(params[name])
		if value == "" {
			continue
		}
		p, ok := d.Param(name)
		if !ok {
			return Resolved{}, domain.ErrInvalid("stage %d does not accept parameter %q", d.ID, name).WithParam(name)
		}
		switch p.Type {
		case TypeStakeholder:
			s, ok := domain.ParseStakeholder(value)
			if !ok {
				return Resolved{}, domain.ErrInvalid("stakeholder must be one of %q or %q, got %q", domain.RoadUser, domain.OEM, value).WithParam(name)
			}
			out.Stakeholder = s
			value = string(s)
		}
		out.Params[name] = value
	}

	for _, p := range d.Params {
		if _, ok := out.Params[p.Name]; p.Required && !ok {
			return Resolved{}, domain.ErrInvalid("stage %d requires parameter %q", d.ID, p.Name).WithParam(p.Name)
		}
	}

	switch d.Scope {
	case ScopeNone:
		if scopeKey != "" {
			return Resolved{}, domain.ErrInvalid("stage %d is not scoped, got scopeKey %q", d.ID, scopeKey).WithParam("scopeKey")
		}
	case ScopeAsset:
		asset := out.Params[ParamAssetID]
		switch {
		case scopeKey == "" && asset == "":
			return Resolved{}, domain.ErrInvalid("stage %d is scoped per asset, scopeKey or assetId is required", d.ID).WithParam("scopeKey")
		case scopeKey != "" && asset != "" && scopeKey != asset:
			return Resolved{}, domain.ErrInvalid("scopeKey %q does not match assetId %q", scopeKey, asset).WithParam("scopeKey")
		case scopeKey == "":
			scopeKey = asset
		}
		out.Params[ParamAssetID] = scopeKey
		out.Scope = scopeKey
	case ScopeStakeholder:
		if scopeKey != "" {
			s, ok := domain.ParseStakeholder(scopeKey)
			if !ok || s != out.Stakeholder {
				return Resolved{}, domain.ErrInvalid("scopeKey %q does not match stakeholder %q", scopeKey, out.Stakeholder).WithParam("scopeKey")
			}
		}
		out.Scope = string(out.Stakeholder)
	}
	return out, nil
}

// ScopeOf derives the scope key a request addresses without checking
// required parameters. It lets a caller locate an existing artifact from a
// partial request.
func (d Descriptor) ScopeOf(scopeKey string, params map[string]string) (string, error) {
	scopeKey = strings.TrimSpace(scopeKey)
	switch d.Scope {
	case ScopeAsset:
		asset := strings.TrimSpace(params[ParamAssetID])
		switch {
		case scopeKey == "" && asset == "":
			return "", domain.ErrInvalid("stage %d is scoped per asset, scopeKey or assetId is required", d.ID).WithParam("scopeKey")
		case scopeKey != "" && asset != "" && scopeKey != asset:
			return "", domain.ErrInvalid("scopeKey %q does not match assetId %q", scopeKey, asset).WithParam("scopeKey")
		case scopeKey == "":
			return asset, nil
		}
		return scopeKey, nil
	case ScopeStakeholder:
		value := scopeKey
		if value == "" {
			value = strings.TrimSpace(params[ParamStakeholder])
		}
		s, ok := domain.ParseStakeholder(value)
		if !ok {
			return "", domain.ErrInvalid("stage %d is scoped per stakeholder, got %q", d.ID, value).WithParam(ParamStakeholder)
		}
		return string(s), nil
	}
	if scopeKey != "" {
		return "", domain.ErrInvalid("stage %d is not scoped, got scopeKey %q", d.ID, scopeKey).WithParam("scopeKey")
	}
	return "", nil
}
