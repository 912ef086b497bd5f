// Package stage holds the static descriptor table of the seven TARA stages.
//
// The table declares, for each stage, the upstream artifacts it reads, the
// dimension its artifacts are partitioned by and the parameters a run
// accepts. It has no mutable state; the orchestrator consults it to validate
// a run before anything is dispatched.
package stage

import (
	"slices"
	"strconv"
	"strings"

	"github.com/tjfontaine/autotara/internal/domain"
)

// ScopeDimension is the dimension a stage's artifacts are partitioned by.
type ScopeDimension string

const (
	ScopeNone        ScopeDimension = "none"
	ScopeAsset       ScopeDimension = "asset"
	ScopeStakeholder ScopeDimension = "stakeholder"
)

// ParamType is the value type of a run parameter.
type ParamType string

const (
	TypeStakeholder ParamType = "stakeholder"
	TypeString      ParamType = "string"
)

// Parameter names accepted by run requests.
const (
	ParamStakeholder = "stakeholder"
	ParamAssetID     = "assetId"
)

// Param declares one run parameter.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// Descriptor describes one stage.
type Descriptor struct {
	// ID is the stage ordinal, 1..7.
	ID domain.StageID

	// Name is the human-readable stage name.
	Name string

	// Table is the stable name the stage's artifacts are addressed by.
	Table string

	// Upstream lists the stages whose artifacts this stage reads, in order.
	// Stage 1 reads domain.StageModel.
	Upstream []domain.StageID

	// Scope is the dimension artifacts of this stage are keyed by.
	Scope ScopeDimension

	// Params lists the accepted run parameters.
	Params []Param
}

// Param looks up a declared parameter by name.
func (d Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

var (
	stakeholderRequired = Param{Name: ParamStakeholder, Type: TypeStakeholder, Required: true}
	assetOptional       = Param{Name: ParamAssetID, Type: TypeString}
)

var descriptors = []Descriptor{
	{
		ID:       domain.StageAssets,
		Name:     "asset-extraction",
		Table:    "assets",
		Upstream: []domain.StageID{domain.StageModel},
		Scope:    ScopeNone,
	},
	{
		ID:       domain.StageDamage,
		Name:     "damage-scenarios",
		Table:    "damage_scenarios",
		Upstream: []domain.StageID{domain.StageAssets},
		Scope:    ScopeAsset,
		Params:   []Param{stakeholderRequired, assetOptional},
	},
	{
		ID:       domain.StageImpact,
		Name:     "impact-rating",
		Table:    "impact_ratings",
		Upstream: []domain.StageID{domain.StageDamage},
		Scope:    ScopeAsset,
		Params:   []Param{assetOptional},
	},
	{
		ID:       domain.StageThreat,
		Name:     "threat-scenarios",
		Table:    "threat_scenarios",
		Upstream: []domain.StageID{domain.StageDamage},
		Scope:    ScopeAsset,
		Params:   []Param{assetOptional},
	},
	{
		ID:       domain.StageAttackPath,
		Name:     "attack-paths",
		Table:    "attack_paths",
		Upstream: []domain.StageID{domain.StageThreat},
		Scope:    ScopeAsset,
		Params:   []Param{assetOptional},
	},
	{
		ID:       domain.StageFeasibility,
		Name:     "attack-feasibility",
		Table:    "attack_feasibility",
		Upstream: []domain.StageID{domain.StageAttackPath},
		Scope:    ScopeAsset,
		Params:   []Param{assetOptional},
	},
	{
		ID:       domain.StageRisk,
		Name:     "risk-values",
		Table:    "risk_values",
		Upstream: []domain.StageID{domain.StageImpact, domain.StageFeasibility},
		Scope:    ScopeStakeholder,
		Params:   []Param{stakeholderRequired},
	},
}

// Get returns the descriptor for a stage id.
func Get(id domain.StageID) (Descriptor, error) {
	if !id.Valid() {
		return Descriptor{}, domain.ErrInvalid("unknown stage %d", id).WithParam("stageId")
	}
	return descriptors[id-1], nil
}

// All returns every descriptor in stage order.
func All() []Descriptor {
	return slices.Clone(descriptors)
}

// ByName resolves a table name ("assets", "assets.csv"), a stage name or a
// stage number to its descriptor.
func ByName(name string) (Descriptor, bool) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".csv")
	if n, err := strconv.Atoi(name); err == nil {
		d, err := Get(domain.StageID(n))
		return d, err == nil
	}
	for _, d := range descriptors {
		if d.Table == name || d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Upstream returns the stages a stage reads from.
func Upstream(id domain.StageID) []domain.StageID {
	d, err := Get(id)
	if err != nil {
		return nil
	}
	return slices.Clone(d.Upstream)
}

// Downstream returns the stages that read directly from id, in stage order.
// Downstream(domain.StageModel) returns stage 1.
func Downstream(id domain.StageID) []domain.StageID {
	var out []domain.StageID
	for _, d := range descriptors {
		if slices.Contains(d.Upstream, id) {
			out = append(out, d.ID)
		}
	}
	return out
}
