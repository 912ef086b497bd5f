package domain

import "testing"

func TestFeasibilityFromPotential(t *testing.T) {
	tests := []struct {
		total int
		want  FeasibilityLevel
	}{
		{0, FeasibilityVeryHigh},
		{9, FeasibilityVeryHigh},
		{10, FeasibilityHigh},
		{13, FeasibilityHigh},
		{14, FeasibilityMedium},
		{19, FeasibilityMedium},
		{20, FeasibilityLow},
		{57, FeasibilityLow},
	}
	for _, tt := range tests {
		if got := FeasibilityFromPotential(tt.total); got != tt.want {
			t.Errorf("FeasibilityFromPotential(%d) = %s, want %s", tt.total, got, tt.want)
		}
	}
}

func TestRiskValueFor(t *testing.T) {
	tests := []struct {
		impact ImpactLevel
		feas   FeasibilityLevel
		want   int
		ok     bool
	}{
		{ImpactSevere, FeasibilityVeryHigh, 5, true},
		{ImpactSevere, FeasibilityLow, 2, true},
		{ImpactNegligible, FeasibilityVeryHigh, 1, true},
		{ImpactModerate, FeasibilityHigh, 2, true},
		{ImpactMajor, FeasibilityHigh, 3, true},
		{"Unknown", FeasibilityHigh, 0, false},
		{ImpactMajor, "Unknown", 0, false},
	}
	for _, tt := range tests {
		got, ok := RiskValueFor(tt.impact, tt.feas)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RiskValueFor(%s, %s) = (%d, %v), want (%d, %v)", tt.impact, tt.feas, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAggregateImpact(t *testing.T) {
	if got := AggregateImpact(nil); got != ImpactNegligible {
		t.Errorf("AggregateImpact(nil) = %s, want Negligible", got)
	}
	got := AggregateImpact(map[string]int{DimSafety: 2, DimFinancial: 0, DimPrivacy: 1})
	if got != ImpactMajor {
		t.Errorf("AggregateImpact() = %s, want Major", got)
	}
}

func TestSchemeFor(t *testing.T) {
	if SchemeFor(OEM) != SchemeRFOIP {
		t.Error("SchemeFor(OEM) should be RFOIP")
	}
	if SchemeFor(RoadUser) != SchemeSFOP {
		t.Error("SchemeFor(Road User) should be SFOP")
	}
	if n := len(SchemeRFOIP.Dimensions()); n != 5 {
		t.Errorf("RFOIP dimensions = %d, want 5", n)
	}
}
