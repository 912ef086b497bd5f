package domain

import (
	"fmt"
	"strings"
)

// NormalizeContext carries the run parameters a record is normalized against.
type NormalizeContext struct {
	// Scope is the artifact scope key (asset id for asset-scoped stages).
	Scope string
	// Stakeholder is the run's stakeholder parameter, if any.
	Stakeholder Stakeholder
	// Index is the zero-based position of the record in the generated rows.
	Index int
}

func (nc NormalizeContext) seqID(prefix string) string {
	return fmt.Sprintf("%s-%s-%02d", prefix, nc.Scope, nc.Index+1)
}

// Normalize canonicalizes enum fields, fills defaulted identifiers and derives
// computed columns. It returns an error when a record cannot be repaired.
func Normalize(rec Record, nc NormalizeContext) error {
	switch r := rec.(type) {
	case *Asset:
		return r.normalize()
	case *DamageScenario:
		return r.normalize(nc)
	case *ImpactRating:
		return r.normalize(nc)
	case *ThreatScenario:
		return r.normalize(nc)
	case *AttackPath:
		return r.normalize(nc)
	case *AttackFeasibility:
		return r.normalize()
	case *RiskValue:
		return r.normalize(nc)
	default:
		return fmt.Errorf("unknown record type %T", rec)
	}
}

func (a *Asset) normalize() error {
	a.AssetID = strings.TrimSpace(a.AssetID)
	if a.AssetID == "" {
		return fmt.Errorf("asset: missing assetId")
	}
	seen := make(map[CyberProperty]bool)
	props := make([]CyberProperty, 0, len(a.CyberProperties))
	for _, p := range a.CyberProperties {
		cp, ok := ParseCyberProperty(string(p))
		if !ok || seen[cp] {
			continue
		}
		seen[cp] = true
		props = append(props, cp)
	}
	if len(props) == 0 {
		props = append(props, AllCyberProperties...)
	}
	a.CyberProperties = props
	return nil
}

func (d *DamageScenario) normalize(nc NormalizeContext) error {
	if d.AssetID == "" {
		d.AssetID = nc.Scope
	}
	if nc.Scope != "" && d.AssetID != nc.Scope {
		return fmt.Errorf("damage scenario: assetId %q outside scope %q", d.AssetID, nc.Scope)
	}
	if s, ok := ParseStakeholder(string(d.Stakeholder)); ok {
		d.Stakeholder = s
	} else {
		d.Stakeholder = nc.Stakeholder
	}
	cp, ok := ParseCyberProperty(string(d.CyberProperty))
	if !ok {
		return fmt.Errorf("damage scenario: unknown cyber property %q", d.CyberProperty)
	}
	d.CyberProperty = cp
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("damage scenario: empty description")
	}
	if d.DamageID == "" {
		d.DamageID = nc.seqID("DS")
	}
	return nil
}

func (i *ImpactRating) normalize(nc NormalizeContext) error {
	if i.DamageScenarioID == "" {
		return fmt.Errorf("impact rating: missing damageScenarioId")
	}
	if s, ok := ParseStakeholder(string(i.Stakeholder)); ok {
		i.Stakeholder = s
	} else if nc.Stakeholder != "" {
		i.Stakeholder = nc.Stakeholder
	}
	i.Scheme = SchemeFor(i.Stakeholder)
	scores := make(map[string]int)
	for _, dim := range i.Scheme.Dimensions() {
		v := i.Scores[dim]
		if v < 0 {
			v = 0
		}
		if v > MaxImpactScore {
			v = MaxImpactScore
		}
		scores[dim] = v
	}
	i.Scores = scores
	i.AggregateImpact = AggregateImpact(scores)
	return nil
}

func (t *ThreatScenario) normalize(nc NormalizeContext) error {
	if t.DamageScenarioID == "" {
		return fmt.Errorf("threat scenario: missing damageScenarioId")
	}
	if t.AssetID == "" {
		t.AssetID = nc.Scope
	}
	c, ok := ParseSTRIDE(string(t.Category))
	if !ok {
		return fmt.Errorf("threat scenario: unknown STRIDE category %q", t.Category)
	}
	t.Category = c
	if t.ThreatID == "" {
		t.ThreatID = nc.seqID("TS")
	}
	return nil
}

func (p *AttackPath) normalize(nc NormalizeContext) error {
	if p.ThreatScenarioID == "" {
		return fmt.Errorf("attack path: missing threatScenarioId")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("attack path: no steps")
	}
	if p.PathID == "" {
		p.PathID = nc.seqID("AP")
	}
	return nil
}

func (f *AttackFeasibility) normalize() error {
	if f.ThreatScenarioID == "" {
		return fmt.Errorf("attack feasibility: missing threatScenarioId")
	}
	for _, v := range []int{f.ElapsedTime, f.Expertise, f.Knowledge, f.WindowOfOpportunity, f.Equipment} {
		if v < 0 {
			return fmt.Errorf("attack feasibility: negative factor score %d", v)
		}
	}
	f.AttackPotential = f.ElapsedTime + f.Expertise + f.Knowledge + f.WindowOfOpportunity + f.Equipment
	f.Level = FeasibilityFromPotential(f.AttackPotential)
	return nil
}

func (r *RiskValue) normalize(nc NormalizeContext) error {
	if r.ThreatScenarioID == "" {
		return fmt.Errorf("risk value: missing threatScenarioId")
	}
	if nc.Stakeholder != "" {
		r.Stakeholder = nc.Stakeholder
	}
	impact, ok := ParseImpactLevel(string(r.Impact))
	if !ok {
		return fmt.Errorf("risk value: unknown impact %q", r.Impact)
	}
	feas, ok := ParseFeasibilityLevel(string(r.Feasibility))
	if !ok {
		return fmt.Errorf("risk value: unknown feasibility %q", r.Feasibility)
	}
	r.Impact, r.Feasibility = impact, feas
	r.Risk, _ = RiskValueFor(impact, feas)
	return nil
}
