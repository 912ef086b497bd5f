package tabular

import (
	"strings"
	"testing"

	"github.com/tjfontaine/autotara/internal/domain"
)

func TestWrite(t *testing.T) {
	tests := []struct {
		name string
		id   domain.StageID
		rows []domain.Record
		want string
	}{
		{
			name: "assets join lists",
			id:   domain.StageAssets,
			rows: []domain.Record{&domain.Asset{
				AssetID:         "A1",
				Description:     "Brake ECU, rear axle",
				CyberProperties: []domain.CyberProperty{domain.Integrity, domain.Availability},
				Interfaces:      []string{"CAN"},
			}},
			want: "assetId,name,type,description,location,cyberProperties,interfaces\n" +
				"A1,,,\"Brake ECU, rear axle\",,Integrity;Availability,CAN\n",
		},
		{
			name: "impact union columns",
			id:   domain.StageImpact,
			rows: []domain.Record{
				&domain.ImpactRating{DamageScenarioID: "DS-A1-01", Stakeholder: domain.RoadUser, Scheme: domain.SchemeSFOP,
					Scores: map[string]int{"safety": 3, "financial": 0, "operational": 1, "privacy": 0}, AggregateImpact: domain.ImpactSevere},
				&domain.ImpactRating{DamageScenarioID: "DS-A1-02", Stakeholder: domain.OEM, Scheme: domain.SchemeRFOIP,
					Scores: map[string]int{"reputation": 2, "financial": 1, "operational": 0, "ip": 1, "privacy": 0}, AggregateImpact: domain.ImpactMajor},
			},
			want: "damageScenarioId,stakeholder,scheme,safety,financial,operational,privacy,reputation,ip,aggregateImpact,justification\n" +
				"DS-A1-01,Road User,SFOP,3,0,1,0,,,Severe,\n" +
				"DS-A1-02,OEM,RFOIP,,1,0,0,2,1,Major,\n",
		},
		{
			name: "attack path steps",
			id:   domain.StageAttackPath,
			rows: []domain.Record{&domain.AttackPath{
				PathID: "AP-A1-01", ThreatScenarioID: "TS-A1-01", CWERefs: []string{"CWE-345", "CWE-294"},
				Steps: []string{"gain OBD access", "inject frames"},
			}},
			want: "pathId,threatScenarioId,damageScenarioId,entryVector,cveRefs,cweRefs,capecRefs,attckRefs,atmRefs,steps\n" +
				"AP-A1-01,TS-A1-01,,,,CWE-345;CWE-294,,,,gain OBD access;inject frames\n",
		},
		{
			name: "risk",
			id:   domain.StageRisk,
			rows: []domain.Record{&domain.RiskValue{ThreatScenarioID: "TS-A1-01", AssetID: "A1", Stakeholder: domain.RoadUser,
				Impact: domain.ImpactSevere, Feasibility: domain.FeasibilityHigh, Risk: 4}},
			want: "threatScenarioId,assetId,stakeholder,impact,feasibility,risk,justification\n" +
				"TS-A1-01,A1,Road User,Severe,High,4,\n",
		},
		{
			name: "empty table keeps header",
			id:   domain.StageThreat,
			want: "threatScenarioId,damageScenarioId,assetId,strideCategory,description,attackVectors\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			if err := Write(&b, tt.id, tt.rows); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if b.String() != tt.want {
				t.Errorf("Write() =\n%s\nwant\n%s", b.String(), tt.want)
			}
		})
	}
}

func TestWrite_ShapeMismatch(t *testing.T) {
	var b strings.Builder
	err := Write(&b, domain.StageDamage, []domain.Record{&domain.Asset{AssetID: "A1"}})
	if err == nil {
		t.Fatal("Write() error = nil, want shape mismatch")
	}
}

func TestHeader_EveryStage(t *testing.T) {
	for id := domain.StageAssets; id <= domain.StageRisk; id++ {
		h, err := Header(id)
		if err != nil {
			t.Fatalf("Header(%d) error = %v", id, err)
		}
		if len(h) == 0 {
			t.Errorf("Header(%d) is empty", id)
		}
	}
	if _, err := Header(domain.StageModel); err == nil {
		t.Error("Header(0) error = nil")
	}
}
