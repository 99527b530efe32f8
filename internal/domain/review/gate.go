// Package review implements the pharmacist review gate: the second
// authority that must approve an order before it becomes
// administrable.
package review

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/domain/safety"
	"github.com/clinicore/medorder/pkg/identity"
)

// Gate evaluates orders and enforces the approval coupling rules.
type Gate struct {
	clock  identity.Clock
	ids    identity.IDGenerator
	logger *zap.Logger
}

// NewGate creates a review gate.
func NewGate(clock identity.Clock, ids identity.IDGenerator, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	if ids == nil {
		ids = identity.UUIDGenerator{}
	}
	return &Gate{clock: clock, ids: ids, logger: logger}
}

// Evaluate computes the clinical review flags from the order and the
// patient's current active medication list, and generates a
// recommendation for every flag that is false. The returned review is
// undecided; the pharmacist sets the verdict through Decide.
func (g *Gate) Evaluate(o *order.MedicationOrder, activeMedications []meds.ListEntry, pharmacistID string) *order.PharmacistReview {
	clinical := order.ClinicalReview{
		AppropriateIndication: o.Indication != "",
		AppropriateDosing:     appropriateDosing(o),
		AppropriateDuration:   o.DurationDays > 0,
		NoDuplicateTherapy:    noDuplicates(o, activeMedications),
	}

	rev := &order.PharmacistReview{
		ID:             g.ids.NewID(),
		OrderID:        o.ID,
		PharmacistID:   pharmacistID,
		Clinical:       clinical,
		ApprovalStatus: order.ApprovalPending,
		ReviewedAt:     g.clock.Now(),
	}

	if !clinical.AppropriateIndication {
		rev.Recommendations = append(rev.Recommendations, g.recommend(
			"Document the indication for this medication.", order.PriorityRoutine))
	}
	if !clinical.AppropriateDosing {
		rev.Recommendations = append(rev.Recommendations, g.recommend(
			fmt.Sprintf("Reassess the dosing of %s; the safety check raised dosing findings.", o.Medication.Name), order.PriorityUrgent))
	}
	if !clinical.AppropriateDuration {
		rev.Recommendations = append(rev.Recommendations, g.recommend(
			"Specify a therapy duration.", order.PriorityRoutine))
	}
	if !clinical.NoDuplicateTherapy {
		rev.Recommendations = append(rev.Recommendations, g.recommend(
			fmt.Sprintf("Resolve duplicate therapy: %s overlaps the active medication list.", o.Medication.Name), order.PriorityUrgent))
	}
	return rev
}

// Decide records the pharmacist's verdict on the review. A requested
// Approved verdict is downgraded to Approved with Modifications when
// the dosing flag is false; callers cannot bypass this coupling.
func (g *Gate) Decide(rev *order.PharmacistReview, requested order.ApprovalStatus, notes string) error {
	switch requested {
	case order.Approved, order.ApprovedWithModifications, order.Rejected:
	default:
		return &order.ValidationError{Field: "approval_status", Rule: "decided", Message: "approval status must be approved, approved_with_modifications or rejected"}
	}

	if requested == order.Approved && !rev.Clinical.AppropriateDosing {
		g.logger.Info("downgrading approval: dosing flagged inappropriate",
			zap.String("order_id", rev.OrderID),
			zap.String("pharmacist_id", rev.PharmacistID))
		requested = order.ApprovedWithModifications
	}

	rev.ApprovalStatus = requested
	rev.Notes = notes
	rev.ReviewedAt = g.clock.Now()
	return nil
}

// MarkImplemented toggles the implemented flag on a recommendation.
func MarkImplemented(rev *order.PharmacistReview, recommendationID string) bool {
	for i := range rev.Recommendations {
		if rev.Recommendations[i].ID == recommendationID {
			rev.Recommendations[i].Implemented = true
			return true
		}
	}
	return false
}

func (g *Gate) recommend(text string, priority order.RecommendationPriority) order.Recommendation {
	return order.Recommendation{ID: g.ids.NewID(), Text: text, Priority: priority}
}

// appropriateDosing is false when the creation-time safety snapshot
// raised any High-or-worse dosing finding.
func appropriateDosing(o *order.MedicationOrder) bool {
	if o.Safety == nil {
		return false
	}
	for _, w := range o.Safety.Warnings {
		if w.Check == safety.CheckDosing && w.Severity >= safety.SeverityHigh {
			return false
		}
	}
	return true
}

func noDuplicates(o *order.MedicationOrder, active []meds.ListEntry) bool {
	for _, entry := range active {
		if meds.SameDrug(entry.Name, o.Medication.Name) {
			return false
		}
	}
	return true
}
