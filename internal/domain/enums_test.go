package domain

import "testing"

func TestParseCyberProperty(t *testing.T) {
	tests := []struct {
		in   string
		want CyberProperty
		ok   bool
	}{
		{"conf", Confidentiality, true},
		{"Integrity", Integrity, true},
		{"availability", Availability, true},
		{"Authenticity", Authenticity, true},
		{"authz", Authorization, true},
		{"Authorization", Authorization, true},
		{"Non-repudiation", NonRepudiation, true},
		{"non repudiation", NonRepudiation, true},
		{"", "", false},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseCyberProperty(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseCyberProperty(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseSTRIDE(t *testing.T) {
	tests := []struct {
		in   string
		want STRIDE
	}{
		{"spoofing", Spoofing},
		{"Tampering", Tampering},
		{"DoS", DenialOfService},
		{"Information Disclosure", InformationDisclosure},
		{"Elevation of Privilege", ElevationOfPrivilege},
		{"repudiation", Repudiation},
	}
	for _, tt := range tests {
		got, ok := ParseSTRIDE(tt.in)
		if !ok || got != tt.want {
			t.Errorf("ParseSTRIDE(%q) = (%q, %v), want %q", tt.in, got, ok, tt.want)
		}
	}
	if _, ok := ParseSTRIDE("phishing"); ok {
		t.Error("ParseSTRIDE(phishing) should fail")
	}
}

func TestParseLevels(t *testing.T) {
	feas := map[string]FeasibilityLevel{
		"Very High": FeasibilityVeryHigh,
		"VeryHigh":  FeasibilityVeryHigh,
		"high":      FeasibilityHigh,
		"moderate":  FeasibilityMedium,
		"Low":       FeasibilityLow,
	}
	for in, want := range feas {
		if got, ok := ParseFeasibilityLevel(in); !ok || got != want {
			t.Errorf("ParseFeasibilityLevel(%q) = %q, want %q", in, got, want)
		}
	}

	impact := map[string]ImpactLevel{
		"Severe":     ImpactSevere,
		"serious":    ImpactMajor,
		"moderate":   ImpactModerate,
		"negligible": ImpactNegligible,
	}
	for in, want := range impact {
		if got, ok := ParseImpactLevel(in); !ok || got != want {
			t.Errorf("ParseImpactLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStakeholder(t *testing.T) {
	if s, ok := ParseStakeholder("road_user"); !ok || s != RoadUser {
		t.Errorf("ParseStakeholder(road_user) = %q, %v", s, ok)
	}
	if s, ok := ParseStakeholder("OEM"); !ok || s != OEM {
		t.Errorf("ParseStakeholder(OEM) = %q, %v", s, ok)
	}
	if _, ok := ParseStakeholder("pedestrian"); ok {
		t.Error("ParseStakeholder(pedestrian) should fail")
	}
}
