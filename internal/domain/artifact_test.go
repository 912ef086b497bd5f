package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFingerprint(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	a := []InputRef{{Stage: StageAssets, ProducedAt: t0}, {Stage: StageDamage, Scope: "A1", ProducedAt: t0}}
	b := []InputRef{a[1], a[0]}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("Fingerprint() should not depend on input order")
	}

	c := []InputRef{a[0], {Stage: StageDamage, Scope: "A1", ProducedAt: t0.Add(time.Nanosecond)}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("Fingerprint() should change when an input version changes")
	}
	if len(Fingerprint(nil)) != 64 {
		t.Errorf("Fingerprint(nil) length = %d, want 64", len(Fingerprint(nil)))
	}
}

func TestParseModel(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "json", raw: `{"blocks": [{"name": "ECU"}]}`},
		{name: "yaml", raw: "blocks:\n  - name: ECU\n"},
		{name: "empty", raw: "  \n", wantErr: true},
		{name: "scalar", raw: "hello", wantErr: true},
		{name: "malformed", raw: "blocks: [unclosed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseModel("model", []byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseModel() error = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModel() error = %v", err)
			}
			var doc map[string]any
			if err := json.Unmarshal(m.Document, &doc); err != nil {
				t.Fatalf("Document is not JSON: %v", err)
			}
			if _, ok := doc["blocks"]; !ok {
				t.Errorf("Document = %s, want blocks key", m.Document)
			}
			if m.UploadedAt.IsZero() {
				t.Error("UploadedAt should be set")
			}
		})
	}
}

func TestArtifact_DependsOnAndState(t *testing.T) {
	if StateOf(nil) != StateUnrun {
		t.Error("StateOf(nil) should be unrun")
	}
	a := &Artifact{
		Stage:  StageImpact,
		Scope:  "A1",
		Inputs: []InputRef{{Stage: StageDamage, Scope: "A1"}},
	}
	if StateOf(a) != StateFresh {
		t.Error("StateOf(fresh) should be fresh")
	}
	a.Stale = true
	if StateOf(a) != StateStale {
		t.Error("StateOf(stale) should be stale")
	}
	if !a.DependsOn(ArtifactKey{Stage: StageDamage, Scope: "A1"}) {
		t.Error("DependsOn(stage 2/A1) = false, want true")
	}
	if a.DependsOn(ArtifactKey{Stage: StageDamage, Scope: "A2"}) {
		t.Error("DependsOn(stage 2/A2) = true, want false")
	}
}
