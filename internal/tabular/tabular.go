// Package tabular renders artifact rows as comma separated text with one
// header row and one line per record.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tjfontaine/autotara/internal/domain"
)

// ListSeparator joins list valued fields inside one cell.
const ListSeparator = ";"

// impactColumns is the union of the SFOP and RFOIP dimensions.
var impactColumns = []string{
	domain.DimSafety,
	domain.DimFinancial,
	domain.DimOperational,
	domain.DimPrivacy,
	domain.DimReputation,
	domain.DimIntellectualProperty,
}

// Header returns the column names of a stage's table.
func Header(id domain.StageID) ([]string, error) {
	switch id {
	case domain.StageAssets:
		return []string{"assetId", "name", "type", "description", "location", "cyberProperties", "interfaces"}, nil
	case domain.StageDamage:
		return []string{"damageId", "assetId", "stakeholder", "cyberProperty", "description", "severityContext"}, nil
	case domain.StageImpact:
		cols := []string{"damageScenarioId", "stakeholder", "scheme"}
		cols = append(cols, impactColumns...)
		return append(cols, "aggregateImpact", "justification"), nil
	case domain.StageThreat:
		return []string{"threatScenarioId", "damageScenarioId", "assetId", "strideCategory", "description", "attackVectors"}, nil
	case domain.StageAttackPath:
		return []string{"pathId", "threatScenarioId", "damageScenarioId", "entryVector", "cveRefs", "cweRefs", "capecRefs", "attckRefs", "atmRefs", "steps"}, nil
	case domain.StageFeasibility:
		return []string{"threatScenarioId", "damageScenarioId", "elapsedTime", "expertise", "knowledge", "windowOfOpportunity", "equipment", "attackPotential", "feasibilityLevel"}, nil
	case domain.StageRisk:
		return []string{"threatScenarioId", "assetId", "stakeholder", "impact", "feasibility", "risk", "justification"}, nil
	default:
		return nil, fmt.Errorf("no table for stage %d", id)
	}
}

// Write renders the rows of a stage. Rows of another shape are an error.
func Write(w io.Writer, id domain.StageID, rows []domain.Record) error {
	header, err := Header(id)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, rec := range rows {
		if rec.Stage() != id {
			return fmt.Errorf("row %d is a stage %d record, want stage %d", i+1, rec.Stage(), id)
		}
		if err := cw.Write(line(rec)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func line(rec domain.Record) []string {
	switch r := rec.(type) {
	case *domain.Asset:
		return []string{r.AssetID, r.Name, r.Type, r.Description, r.Location, join(r.CyberProperties), join(r.Interfaces)}
	case *domain.DamageScenario:
		return []string{r.DamageID, r.AssetID, string(r.Stakeholder), string(r.CyberProperty), r.Description, r.SeverityContext}
	case *domain.ImpactRating:
		out := []string{r.DamageScenarioID, string(r.Stakeholder), string(r.Scheme)}
		for _, dim := range impactColumns {
			v, ok := r.Scores[dim]
			if !ok {
				out = append(out, "")
				continue
			}
			out = append(out, strconv.Itoa(v))
		}
		return append(out, string(r.AggregateImpact), r.Justification)
	case *domain.ThreatScenario:
		return []string{r.ThreatID, r.DamageScenarioID, r.AssetID, string(r.Category), r.Description, join(r.AttackVectors)}
	case *domain.AttackPath:
		return []string{r.PathID, r.ThreatScenarioID, r.DamageScenarioID, r.EntryVector,
			join(r.CVERefs), join(r.CWERefs), join(r.CAPECRefs), join(r.ATTCKRefs), join(r.ATMRefs), join(r.Steps)}
	case *domain.AttackFeasibility:
		return []string{r.ThreatScenarioID, r.DamageScenarioID,
			strconv.Itoa(r.ElapsedTime), strconv.Itoa(r.Expertise), strconv.Itoa(r.Knowledge),
			strconv.Itoa(r.WindowOfOpportunity), strconv.Itoa(r.Equipment), strconv.Itoa(r.AttackPotential),
			string(r.Level)}
	case *domain.RiskValue:
		return []string{r.ThreatScenarioID, r.AssetID, string(r.Stakeholder), string(r.Impact), string(r.Feasibility), strconv.Itoa(r.Risk), r.Justification}
	}
	return nil
}

func join[S ~string](vs []S) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ListSeparator)
}
