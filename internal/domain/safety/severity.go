package safety

// Severity is the single ordinal scale every sub-check maps onto.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical label.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskLevel is the aggregated order-level risk.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the canonical label.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// InteractionLevel is the drug-knowledge vocabulary for interactions.
type InteractionLevel string

const (
	InteractionMinor           InteractionLevel = "minor"
	InteractionModerate        InteractionLevel = "moderate"
	InteractionMajor           InteractionLevel = "major"
	InteractionContraindicated InteractionLevel = "contraindicated"
)

// Severity maps the interaction vocabulary onto the ordinal scale.
func (l InteractionLevel) Severity() Severity {
	switch l {
	case InteractionContraindicated:
		return SeverityCritical
	case InteractionMajor:
		return SeverityHigh
	case InteractionModerate:
		return SeverityMedium
	case InteractionMinor:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// CrossReactivityRisk is the drug-knowledge vocabulary for allergy
// cross-reactivity.
type CrossReactivityRisk string

const (
	CrossReactivityNone CrossReactivityRisk = "none"
	CrossReactivityLow  CrossReactivityRisk = "low"
	CrossReactivityHigh CrossReactivityRisk = "high"
)

// Severity maps cross-reactivity onto the ordinal scale. A High
// cross-reactivity match is treated the same as a direct allergen
// match: it blocks the order unless overridden.
func (r CrossReactivityRisk) Severity() Severity {
	switch r {
	case CrossReactivityHigh:
		return SeverityCritical
	case CrossReactivityLow:
		return SeverityHigh
	default:
		return SeverityNone
	}
}
