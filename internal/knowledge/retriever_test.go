package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/prompt"
)

func retrieverIndex(t *testing.T, e Embedder) *Index {
	t.Helper()
	x := NewIndex(e)
	_, err := x.Add(context.Background(), []Document{
		{ID: "CVE-2023-0001", Source: SourceNVD, Title: "CVE CVE-2023-0001", Body: "CAN injection in brake ECU"},
		{ID: "345", Source: SourceCWE, Title: "CWE 345: Insufficient Verification", Body: "can frames are not authenticated"},
		{ID: "T1190", Source: SourceATTCK, Title: "ATT&CK T1190: Exploit", Body: "bluetooth exploit"},
		{ID: "iso21434.md", Source: SourceStandard, Title: "Standard: iso21434.md", Body: "brake risk"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return x
}

func TestRetriever_Retrieve(t *testing.T) {
	asset := prompt.Input{Stage: domain.StageAssets, Rows: []domain.Record{
		&domain.Asset{AssetID: "A2", Type: "Gateway"},
		&domain.Asset{AssetID: "A1", Type: "Brake ECU", Interfaces: []string{"CAN"}},
	}}
	threats := prompt.Input{Stage: domain.StageThreat, Rows: []domain.Record{
		&domain.ThreatScenario{ThreatID: "T1", AssetID: "A1", AttackVectors: []string{"Bluetooth", "CAN"}},
	}}
	paths := prompt.Input{Stage: domain.StageAttackPath, Rows: []domain.Record{
		&domain.AttackPath{PathID: "P1", CVERefs: []string{"CVE-2023-0001"}},
	}}

	tests := []struct {
		name     string
		stage    domain.StageID
		pc       prompt.Context
		query    string
		contains []string
		excludes []string
	}{
		{
			name:     "attack paths",
			stage:    domain.StageAttackPath,
			pc:       prompt.Context{Scope: "A1", Inputs: []prompt.Input{asset, threats}},
			query:    "affecting Brake ECU using attack vectors CAN, Bluetooth",
			contains: []string{"# Vulnerabilities (NVD)\n## CVE CVE-2023-0001\nCAN injection", "\n# Weaknesses (CWE)\n## CWE 345", "# ATT&CK Techniques\n## ATT&CK T1190"},
			excludes: []string{"Standard:", "# Attack Patterns (CAPEC)\n#"},
		},
		{
			name:     "feasibility",
			stage:    domain.StageFeasibility,
			pc:       prompt.Context{Scope: "T1", Inputs: []prompt.Input{paths}},
			query:    "exploitation details for CVEs: CVE-2023-0001",
			contains: []string{"# NVD Exploitation Details\n## CVE CVE-2023-0001", "# ATT&CK Tactics and Techniques"},
		},
		{
			name:     "standards only",
			stage:    domain.StageDamage,
			pc:       prompt.Context{Scope: "A9"},
			query:    "consequences for asset A9",
			contains: []string{"# Standard: iso21434.md\nbrake risk"},
			excludes: []string{"CVE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &wordEmbedder{}
			r := NewRetriever(retrieverIndex(t, e))
			got, err := r.Retrieve(context.Background(), tt.stage, &tt.pc)
			if err != nil {
				t.Fatalf("Retrieve() error = %v", err)
			}
			if len(e.queries) == 0 || !strings.Contains(e.queries[0], tt.query) {
				t.Errorf("query = %q, want it to contain %q", e.queries, tt.query)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Retrieve() lacks %q:\n%s", want, got)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("Retrieve() contains %q:\n%s", bad, got)
				}
			}
		})
	}
}

func TestRetriever_Empty(t *testing.T) {
	r := NewRetriever(NewIndex(&wordEmbedder{}))
	got, err := r.Retrieve(context.Background(), domain.StageAttackPath, &prompt.Context{Scope: "A1"})
	if err != nil || got != "" {
		t.Errorf("Retrieve() on empty index = %q, %v, want empty", got, err)
	}

	r = NewRetriever(retrieverIndex(t, &wordEmbedder{}))
	got, err = r.Retrieve(context.Background(), domain.StageModel, &prompt.Context{})
	if err != nil || got != "" {
		t.Errorf("Retrieve() for the system model = %q, %v, want empty", got, err)
	}
}

func TestRetriever_Budget(t *testing.T) {
	b, err := prompt.NewBudget("", 5)
	if err != nil {
		t.Fatalf("NewBudget() error = %v", err)
	}
	r := NewRetriever(retrieverIndex(t, &wordEmbedder{}), WithBudget(b))
	got, err := r.Retrieve(context.Background(), domain.StageAttackPath, &prompt.Context{Scope: "A1"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if n, _ := b.Count(got); n > 5 {
		t.Errorf("Retrieve() = %d tokens, want at most 5", n)
	}
}

func TestRetriever_SearchError(t *testing.T) {
	e := &wordEmbedder{}
	r := NewRetriever(retrieverIndex(t, e))
	e.err = errors.New("quota exceeded")
	if _, err := r.Retrieve(context.Background(), domain.StageRisk, &prompt.Context{Scope: "OEM"}); err == nil {
		t.Fatal("Retrieve() error = nil")
	}
}
