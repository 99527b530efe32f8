package order

import "time"

// ApprovalStatus is the pharmacist's verdict on an order.
type ApprovalStatus string

const (
	ApprovalPending           ApprovalStatus = "pending_review"
	Approved                  ApprovalStatus = "approved"
	ApprovedWithModifications ApprovalStatus = "approved_with_modifications"
	Rejected                  ApprovalStatus = "rejected"
)

// Activates reports whether the verdict moves the order to Active.
func (s ApprovalStatus) Activates() bool {
	return s == Approved || s == ApprovedWithModifications
}

// ClinicalReview holds the flags the review gate computes from the
// order plus the patient's active medication list.
type ClinicalReview struct {
	AppropriateIndication bool `json:"appropriate_indication"`
	AppropriateDosing     bool `json:"appropriate_dosing"`
	AppropriateDuration   bool `json:"appropriate_duration"`
	NoDuplicateTherapy    bool `json:"no_duplicate_therapy"`
}

// RecommendationPriority orders pharmacist recommendations.
type RecommendationPriority string

const (
	PriorityRoutine RecommendationPriority = "routine"
	PriorityUrgent  RecommendationPriority = "urgent"
)

// Recommendation is generated for every clinical review flag that is
// false; the pharmacist toggles Implemented later.
type Recommendation struct {
	ID          string                 `json:"id"`
	Text        string                 `json:"text"`
	Priority    RecommendationPriority `json:"priority"`
	Implemented bool                   `json:"implemented"`
}

// PharmacistReview is the authoritative approval record for one review
// cycle. Re-created on re-review.
type PharmacistReview struct {
	ID              string           `json:"id"`
	OrderID         string           `json:"order_id"`
	PharmacistID    string           `json:"pharmacist_id"`
	Clinical        ClinicalReview   `json:"clinical"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	ApprovalStatus  ApprovalStatus   `json:"approval_status"`
	Notes           string           `json:"notes,omitempty"`
	ReviewedAt      time.Time        `json:"reviewed_at"`
}
