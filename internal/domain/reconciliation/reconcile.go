// Package reconciliation implements medication reconciliation at
// admission, transfer and discharge boundaries: a symmetric-difference
// comparison of two medication lists producing discrepancies and
// required interventions.
package reconciliation

import (
	"errors"
	"time"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/pkg/identity"
)

// EventType is the care transition that triggered reconciliation.
type EventType string

const (
	EventAdmission EventType = "admission"
	EventTransfer  EventType = "transfer"
	EventDischarge EventType = "discharge"
	EventVisit     EventType = "visit"
)

// DiscrepancyType classifies a finding.
type DiscrepancyType string

const (
	// Omission: on the home list but missing from the current list.
	Omission DiscrepancyType = "omission"
	// Commission: on the current list but not on the home list.
	Commission DiscrepancyType = "commission"
	// DoseOrFrequencyError: same drug, different dose or frequency.
	DoseOrFrequencyError DiscrepancyType = "dose_or_frequency_error"
)

// Significance grades the clinical weight of a discrepancy.
type Significance string

const (
	SignificanceLow    Significance = "low"
	SignificanceMedium Significance = "medium"
	SignificanceHigh   Significance = "high"
)

// Discrepancy is one medication-list difference.
type Discrepancy struct {
	ID           string          `json:"id"`
	Type         DiscrepancyType `json:"type"`
	DrugName     string          `json:"drug_name"`
	HomeEntry    *meds.ListEntry `json:"home_entry,omitempty"`
	CurrentEntry *meds.ListEntry `json:"current_entry,omitempty"`
	Significance Significance    `json:"significance"`
	Resolved     bool            `json:"resolved"`
}

// InterventionType classifies the follow-up action.
type InterventionType string

const (
	InterventionClarify     InterventionType = "clarify"
	InterventionRestart     InterventionType = "restart"
	InterventionDiscontinue InterventionType = "discontinue"
	InterventionAdjust      InterventionType = "adjust"
)

// Intervention tracks the action taken for a discrepancy.
type Intervention struct {
	ID            string           `json:"id"`
	DiscrepancyID string           `json:"discrepancy_id"`
	Type          InterventionType `json:"type"`
	Notes         string           `json:"notes,omitempty"`
	CreatedBy     string           `json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Reconciliation is one reconciliation event with its snapshots and
// derived findings.
type Reconciliation struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Event     EventType `json:"event"`

	HomeMedications    []meds.ListEntry `json:"home_medications"`
	CurrentMedications []meds.ListEntry `json:"current_medications"`

	Discrepancies []Discrepancy  `json:"discrepancies,omitempty"`
	Interventions []Intervention `json:"interventions,omitempty"`

	Complete    bool      `json:"complete"`
	PerformedAt time.Time `json:"performed_at"`
}

// Engine runs reconciliations. Stateless; safe for concurrent use.
type Engine struct {
	clock identity.Clock
	ids   identity.IDGenerator
}

// NewEngine creates a reconciliation engine.
func NewEngine(clock identity.Clock, ids identity.IDGenerator) *Engine {
	if clock == nil {
		clock = identity.SystemClock{}
	}
	if ids == nil {
		ids = identity.UUIDGenerator{}
	}
	return &Engine{clock: clock, ids: ids}
}

// Reconcile compares the home and current lists by normalized drug
// name. A drug present on both lists with a differing dose or
// frequency yields a single dose/frequency discrepancy, not an
// omission plus a commission.
func (e *Engine) Reconcile(patientID string, event EventType, home, current []meds.ListEntry) *Reconciliation {
	rec := &Reconciliation{
		ID:                 e.ids.NewID(),
		PatientID:          patientID,
		Event:              event,
		HomeMedications:    home,
		CurrentMedications: current,
		PerformedAt:        e.clock.Now(),
	}

	currentByName := make(map[string]meds.ListEntry, len(current))
	for _, entry := range current {
		currentByName[meds.NormalizeName(entry.Name)] = entry
	}
	homeNames := make(map[string]bool, len(home))

	for _, homeEntry := range home {
		name := meds.NormalizeName(homeEntry.Name)
		homeNames[name] = true
		h := homeEntry

		currentEntry, onCurrent := currentByName[name]
		if !onCurrent {
			rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
				ID:           e.ids.NewID(),
				Type:         Omission,
				DrugName:     homeEntry.Name,
				HomeEntry:    &h,
				Significance: SignificanceHigh,
			})
			continue
		}
		if currentEntry.Dose != homeEntry.Dose || currentEntry.Frequency != homeEntry.Frequency {
			c := currentEntry
			rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
				ID:           e.ids.NewID(),
				Type:         DoseOrFrequencyError,
				DrugName:     homeEntry.Name,
				HomeEntry:    &h,
				CurrentEntry: &c,
				Significance: SignificanceHigh,
			})
		}
	}

	for _, currentEntry := range current {
		if homeNames[meds.NormalizeName(currentEntry.Name)] {
			continue
		}
		c := currentEntry
		rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
			ID:           e.ids.NewID(),
			Type:         Commission,
			DrugName:     currentEntry.Name,
			CurrentEntry: &c,
			Significance: SignificanceMedium,
		})
	}

	return rec
}

// AddIntervention records an action against a discrepancy.
func (e *Engine) AddIntervention(rec *Reconciliation, discrepancyID string, t InterventionType, createdBy, notes string) (*Intervention, error) {
	found := false
	for _, d := range rec.Discrepancies {
		if d.ID == discrepancyID {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("reconciliation: discrepancy not found")
	}

	iv := Intervention{
		ID:            e.ids.NewID(),
		DiscrepancyID: discrepancyID,
		Type:          t,
		Notes:         notes,
		CreatedBy:     createdBy,
		CreatedAt:     e.clock.Now(),
	}
	rec.Interventions = append(rec.Interventions, iv)
	return &iv, nil
}

// ErrIncomplete signals an attempt to complete a reconciliation while
// a High-significance discrepancy still lacks a clarify intervention
// and remains unresolved.
var ErrIncomplete = errors.New("reconciliation: high-significance discrepancies lack interventions")

// MarkComplete sets the completion flag. Every High-significance
// discrepancy must be resolved or carry at least one Clarify
// intervention, otherwise ErrIncomplete is returned.
func (rec *Reconciliation) MarkComplete() error {
	for _, d := range rec.Discrepancies {
		if d.Significance != SignificanceHigh || d.Resolved {
			continue
		}
		clarified := false
		for _, iv := range rec.Interventions {
			if iv.DiscrepancyID == d.ID && iv.Type == InterventionClarify {
				clarified = true
				break
			}
		}
		if !clarified {
			return ErrIncomplete
		}
	}
	rec.Complete = true
	return nil
}

// ResolveDiscrepancy marks a discrepancy resolved.
func (rec *Reconciliation) ResolveDiscrepancy(discrepancyID string) bool {
	for i := range rec.Discrepancies {
		if rec.Discrepancies[i].ID == discrepancyID {
			rec.Discrepancies[i].Resolved = true
			return true
		}
	}
	return false
}
