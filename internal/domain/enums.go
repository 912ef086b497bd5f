package domain

import (
	"regexp"
	"strings"
)

// StageID identifies one of the seven pipeline stages. StageModel is the
// pseudo stage standing for the uploaded system model.
type StageID int

const (
	StageModel StageID = iota
	StageAssets
	StageDamage
	StageImpact
	StageThreat
	StageAttackPath
	StageFeasibility
	StageRisk
)

// Valid reports whether id names a real stage (1..7).
func (id StageID) Valid() bool {
	return id >= StageAssets && id <= StageRisk
}

// CyberProperty is a cybersecurity property of an asset.
type CyberProperty string

const (
	Confidentiality CyberProperty = "Confidentiality"
	Integrity       CyberProperty = "Integrity"
	Availability    CyberProperty = "Availability"
	Authenticity    CyberProperty = "Authenticity"
	Authorization   CyberProperty = "Authorization"
	NonRepudiation  CyberProperty = "Non-repudiation"
)

// AllCyberProperties lists every property in canonical order.
var AllCyberProperties = []CyberProperty{
	Confidentiality, Integrity, Availability, Authenticity, Authorization, NonRepudiation,
}

// Stakeholder is the party a damage scenario or risk is evaluated for.
type Stakeholder string

const (
	RoadUser Stakeholder = "Road User"
	OEM      Stakeholder = "OEM"
)

// Stakeholders lists the accepted stakeholder values.
var Stakeholders = []Stakeholder{RoadUser, OEM}

// STRIDE is a threat category.
type STRIDE string

const (
	Spoofing              STRIDE = "Spoofing"
	Tampering             STRIDE = "Tampering"
	Repudiation           STRIDE = "Repudiation"
	InformationDisclosure STRIDE = "InformationDisclosure"
	DenialOfService       STRIDE = "DenialOfService"
	ElevationOfPrivilege  STRIDE = "ElevationOfPrivilege"
)

// FeasibilityLevel is the attack feasibility rating.
type FeasibilityLevel string

const (
	FeasibilityLow      FeasibilityLevel = "Low"
	FeasibilityMedium   FeasibilityLevel = "Medium"
	FeasibilityHigh     FeasibilityLevel = "High"
	FeasibilityVeryHigh FeasibilityLevel = "VeryHigh"
)

// ImpactLevel is the aggregate impact category of a damage scenario.
type ImpactLevel string

const (
	ImpactNegligible ImpactLevel = "Negligible"
	ImpactModerate   ImpactLevel = "Moderate"
	ImpactMajor      ImpactLevel = "Major"
	ImpactSevere     ImpactLevel = "Severe"
)

var nonWord = regexp.MustCompile(`[^a-z0-9 ]+`)

// clean lower-cases, drops punctuation and collapses separators.
func clean(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.NewReplacer("_", " ", "-", " ").Replace(v)
	v = nonWord.ReplaceAllString(v, "")
	return strings.Join(strings.Fields(v), " ")
}

// ParseStakeholder maps free text onto a Stakeholder.
func ParseStakeholder(v string) (Stakeholder, bool) {
	switch clean(v) {
	case "road user", "roaduser", "road users", "user", "driver":
		return RoadUser, true
	case "oem", "manufacturer":
		return OEM, true
	}
	return "", false
}

// cyberSynonyms is checked in order; the first matching fragment wins.
var cyberSynonyms = []struct {
	fragment string
	prop     CyberProperty
}{
	{"non repudiation", NonRepudiation},
	{"nonrepudiation", NonRepudiation},
	{"nonrep", NonRepudiation},
	{"conf", Confidentiality},
	{"integ", Integrity},
	{"avail", Availability},
	{"authz", Authorization},
	{"authori", Authorization},
	{"authn", Authenticity},
	{"authentic", Authenticity},
}

// ParseCyberProperty maps free text such as "conf" or "non repudiation" onto
// a CyberProperty.
func ParseCyberProperty(v string) (CyberProperty, bool) {
	c := clean(v)
	if c == "" {
		return "", false
	}
	for _, s := range cyberSynonyms {
		if strings.Contains(c, s.fragment) {
			return s.prop, true
		}
	}
	return "", false
}

// ParseSTRIDE maps free text such as "DoS" or "information disclosure" onto a
// STRIDE category.
func ParseSTRIDE(v string) (STRIDE, bool) {
	c := strings.ReplaceAll(clean(v), " ", "")
	switch {
	case c == "":
		return "", false
	case strings.HasPrefix(c, "spoof"):
		return Spoofing, true
	case strings.HasPrefix(c, "tamper"):
		return Tampering, true
	case strings.HasPrefix(c, "repudiat"):
		return Repudiation, true
	case strings.HasPrefix(c, "information"), c == "infodisclosure", c == "disclosure":
		return InformationDisclosure, true
	case strings.HasPrefix(c, "denial"), c == "dos":
		return DenialOfService, true
	case strings.HasPrefix(c, "elevation"), c == "eop", c == "privilegeescalation":
		return ElevationOfPrivilege, true
	}
	return "", false
}

// ParseFeasibilityLevel maps free text onto a FeasibilityLevel.
func ParseFeasibilityLevel(v string) (FeasibilityLevel, bool) {
	c := clean(v)
	switch {
	case c == "":
		return "", false
	case strings.Contains(c, "very high"), c == "veryhigh":
		return FeasibilityVeryHigh, true
	case strings.Contains(c, "high"):
		return FeasibilityHigh, true
	case strings.Contains(c, "med"), strings.Contains(c, "moderat"), strings.Contains(c, "mid"):
		return FeasibilityMedium, true
	case strings.Contains(c, "low"):
		return FeasibilityLow, true
	}
	return "", false
}

// ParseImpactLevel maps free text onto an ImpactLevel.
func ParseImpactLevel(v string) (ImpactLevel, bool) {
	c := clean(v)
	switch {
	case c == "":
		return "", false
	case strings.Contains(c, "severe"), strings.Contains(c, "critical"):
		return ImpactSevere, true
	case strings.Contains(c, "major"), strings.Contains(c, "serious"), strings.Contains(c, "high"):
		return ImpactMajor, true
	case strings.Contains(c, "moderate"), strings.Contains(c, "medium"):
		return ImpactModerate, true
	case strings.Contains(c, "negligible"), strings.Contains(c, "low"), strings.Contains(c, "none"):
		return ImpactNegligible, true
	}
	return "", false
}
