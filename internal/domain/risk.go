package domain

// Impact dimension names. SFOP applies to road users, RFOIP to the OEM.
const (
	DimSafety               = "safety"
	DimFinancial            = "financial"
	DimOperational          = "operational"
	DimPrivacy              = "privacy"
	DimReputation           = "reputation"
	DimIntellectualProperty = "ip"
)

// ImpactScheme names the scoring scheme of an impact rating.
type ImpactScheme string

const (
	SchemeSFOP  ImpactScheme = "SFOP"
	SchemeRFOIP ImpactScheme = "RFOIP"
)

// Dimensions returns the dimension names scored by the scheme, in order.
func (s ImpactScheme) Dimensions() []string {
	switch s {
	case SchemeRFOIP:
		return []string{DimReputation, DimFinancial, DimOperational, DimIntellectualProperty, DimPrivacy}
	default:
		return []string{DimSafety, DimFinancial, DimOperational, DimPrivacy}
	}
}

// SchemeFor returns the impact scheme used for a stakeholder class.
func SchemeFor(s Stakeholder) ImpactScheme {
	if s == OEM {
		return SchemeRFOIP
	}
	return SchemeSFOP
}

// MaxImpactScore is the highest score a single impact dimension can take.
const MaxImpactScore = 3

var impactByScore = [...]ImpactLevel{ImpactNegligible, ImpactModerate, ImpactMajor, ImpactSevere}

// AggregateImpact returns the impact category of the highest-scoring dimension.
func AggregateImpact(scores map[string]int) ImpactLevel {
	highest := 0
	for _, v := range scores {
		if v > highest {
			highest = v
		}
	}
	if highest > MaxImpactScore {
		highest = MaxImpactScore
	}
	return impactByScore[highest]
}

// FeasibilityFromPotential derives the feasibility level from the total attack
// potential (sum of elapsed time, expertise, knowledge, window of opportunity
// and equipment scores). Lower potential means an easier attack.
func FeasibilityFromPotential(total int) FeasibilityLevel {
	switch {
	case total <= 9:
		return FeasibilityVeryHigh
	case total <= 13:
		return FeasibilityHigh
	case total <= 19:
		return FeasibilityMedium
	default:
		return FeasibilityLow
	}
}

var impactRow = map[ImpactLevel]int{
	ImpactNegligible: 0,
	ImpactModerate:   1,
	ImpactMajor:      2,
	ImpactSevere:     3,
}

var feasibilityColumn = map[FeasibilityLevel]int{
	FeasibilityLow:      0,
	FeasibilityMedium:   1,
	FeasibilityHigh:     2,
	FeasibilityVeryHigh: 3,
}

// riskMatrix[impact][feasibility] yields the risk value 1..5.
var riskMatrix = [4][4]int{
	{1, 1, 1, 1}, // Negligible
	{1, 2, 2, 3}, // Moderate
	{1, 2, 3, 4}, // Major
	{2, 3, 4, 5}, // Severe
}

// RiskValueFor looks up the risk value for an impact / feasibility pair.
// Unknown levels return 0 and false.
func RiskValueFor(impact ImpactLevel, feasibility FeasibilityLevel) (int, bool) {
	row, ok := impactRow[impact]
	if !ok {
		return 0, false
	}
	col, ok := feasibilityColumn[feasibility]
	if !ok {
		return 0, false
	}
	return riskMatrix[row][col], true
}
