package safety

import (
	"context"

	"github.com/clinicore/medorder/internal/domain/meds"
)

// Interaction is one interaction pair returned by the knowledge base.
type Interaction struct {
	DrugA       string           `json:"drug_a"`
	DrugB       string           `json:"drug_b"`
	Level       InteractionLevel `json:"level"`
	Description string           `json:"description"`
	Management  string           `json:"management,omitempty"`
}

// Contraindication is a condition under which the drug must not, or
// should not, be given.
type Contraindication struct {
	Condition string `json:"condition"`
	Absolute  bool   `json:"absolute"`
	Detail    string `json:"detail,omitempty"`
}

// DosingNorm carries the published dosing limits for a drug.
type DosingNorm struct {
	MinDose            float64 `json:"min_dose"`
	MaxDose            float64 `json:"max_dose"`
	MaxDailyDose       float64 `json:"max_daily_dose"`
	DoseUnit           string  `json:"dose_unit"`
	RenalAdjustment    bool    `json:"renal_adjustment"`
	HepaticAdjustment  bool    `json:"hepatic_adjustment"`
	PregnancyCategory  string  `json:"pregnancy_category,omitempty"`
	RecommendedText    string  `json:"recommended_text,omitempty"`
}

// KnowledgePort is the external drug knowledge base. The engine only
// queries it; implementations live outside this module. A nil result
// with nil error means "no finding".
type KnowledgePort interface {
	LookupInteraction(ctx context.Context, drugA, drugB string) (*Interaction, error)
	LookupAllergyCrossReactivity(ctx context.Context, allergen, drug string) (CrossReactivityRisk, error)
	LookupContraindications(ctx context.Context, drug string, profile meds.PatientProfile) ([]Contraindication, error)
	LookupDosingNorms(ctx context.Context, drug string, profile meds.PatientProfile) (*DosingNorm, error)
}
