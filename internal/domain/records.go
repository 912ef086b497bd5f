package domain

import (
	"encoding/json"
	"fmt"
)

// Record is one row of a stage artifact. It is a closed set: exactly one
// concrete type exists per stage, and Stage reports which.
type Record interface {
	Stage() StageID
	isRecord()
}

// Asset is produced by stage 1.
type Asset struct {
	AssetID         string          `json:"assetId"`
	Name            string          `json:"name,omitempty"`
	Type            string          `json:"type,omitempty"`
	Description     string          `json:"description"`
	Location        string          `json:"location,omitempty"`
	CyberProperties []CyberProperty `json:"cyberProperties"`
	Interfaces      []string        `json:"interfaces,omitempty"`
}

// DamageScenario is produced by stage 2, keyed by (asset, stakeholder, property).
type DamageScenario struct {
	DamageID        string        `json:"damageId"`
	AssetID         string        `json:"assetId"`
	Stakeholder     Stakeholder   `json:"stakeholder"`
	CyberProperty   CyberProperty `json:"cyberProperty"`
	Description     string        `json:"description"`
	SeverityContext string        `json:"severityContext,omitempty"`
}

// ImpactRating is produced by stage 3, one per damage scenario.
type ImpactRating struct {
	DamageScenarioID string         `json:"damageScenarioId"`
	Stakeholder      Stakeholder    `json:"stakeholder"`
	Scheme           ImpactScheme   `json:"scheme"`
	Scores           map[string]int `json:"scores"`
	AggregateImpact  ImpactLevel    `json:"aggregateImpact"`
	Justification    string         `json:"justification,omitempty"`
}

// ThreatScenario is produced by stage 4, zero or more per damage scenario.
type ThreatScenario struct {
	ThreatID         string   `json:"threatScenarioId"`
	DamageScenarioID string   `json:"damageScenarioId"`
	AssetID          string   `json:"assetId"`
	Category         STRIDE   `json:"strideCategory"`
	Description      string   `json:"description"`
	AttackVectors    []string `json:"attackVectors,omitempty"`
}

// AttackPath is produced by stage 5, zero or more per threat scenario.
type AttackPath struct {
	PathID           string   `json:"pathId"`
	ThreatScenarioID string   `json:"threatScenarioId"`
	DamageScenarioID string   `json:"damageScenarioId,omitempty"`
	EntryVector      string   `json:"entryVector,omitempty"`
	CVERefs          []string `json:"cveRefs,omitempty"`
	CWERefs          []string `json:"cweRefs"`
	CAPECRefs        []string `json:"capecRefs"`
	ATTCKRefs        []string `json:"attckRefs"`
	ATMRefs          []string `json:"atmRefs"`
	Steps            []string `json:"steps"`
}

// AttackFeasibility is produced by stage 6, one per threat scenario.
type AttackFeasibility struct {
	ThreatScenarioID    string           `json:"threatScenarioId"`
	DamageScenarioID    string           `json:"damageScenarioId,omitempty"`
	ElapsedTime         int              `json:"elapsedTime"`
	Expertise           int              `json:"expertise"`
	Knowledge           int              `json:"knowledge"`
	WindowOfOpportunity int              `json:"windowOfOpportunity"`
	Equipment           int              `json:"equipment"`
	AttackPotential     int              `json:"attackPotential"`
	Level               FeasibilityLevel `json:"feasibilityLevel"`
}

// RiskValue is produced by stage 7, one per (threat scenario, stakeholder).
type RiskValue struct {
	ThreatScenarioID string           `json:"threatScenarioId"`
	AssetID          string           `json:"assetId,omitempty"`
	Stakeholder      Stakeholder      `json:"stakeholder"`
	Impact           ImpactLevel      `json:"impact"`
	Feasibility      FeasibilityLevel `json:"feasibility"`
	Risk             int              `json:"risk"`
	Justification    string           `json:"justification,omitempty"`
}

func (*Asset) Stage() StageID             { return StageAssets }
func (*DamageScenario) Stage() StageID    { return StageDamage }
func (*ImpactRating) Stage() StageID      { return StageImpact }
func (*ThreatScenario) Stage() StageID    { return StageThreat }
func (*AttackPath) Stage() StageID        { return StageAttackPath }
func (*AttackFeasibility) Stage() StageID { return StageFeasibility }
func (*RiskValue) Stage() StageID         { return StageRisk }

func (*Asset) isRecord()             {}
func (*DamageScenario) isRecord()    {}
func (*ImpactRating) isRecord()      {}
func (*ThreatScenario) isRecord()    {}
func (*AttackPath) isRecord()        {}
func (*AttackFeasibility) isRecord() {}
func (*RiskValue) isRecord()         {}

// NewRecord returns an empty record of the shape produced by the stage.
func NewRecord(stage StageID) (Record, error) {
	switch stage {
	case StageAssets:
		return &Asset{}, nil
	case StageDamage:
		return &DamageScenario{}, nil
	case StageImpact:
		return &ImpactRating{}, nil
	case StageThreat:
		return &ThreatScenario{}, nil
	case StageAttackPath:
		return &AttackPath{}, nil
	case StageFeasibility:
		return &AttackFeasibility{}, nil
	case StageRisk:
		return &RiskValue{}, nil
	default:
		return nil, fmt.Errorf("no record shape for stage %d", stage)
	}
}

// DecodeRecord decodes one JSON object into the stage's record shape.
func DecodeRecord(stage StageID, raw []byte) (Record, error) {
	rec, err := NewRecord(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode stage %d record: %w", stage, err)
	}
	return rec, nil
}

// DecodeRows decodes a JSON array of records of the given stage.
func DecodeRows(stage StageID, raw []byte) ([]Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode stage %d rows: %w", stage, err)
	}
	rows := make([]Record, 0, len(items))
	for _, item := range items {
		rec, err := DecodeRecord(stage, item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// RowsOf returns the rows of the concrete type T, skipping any other shape.
func RowsOf[T Record](rows []Record) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
