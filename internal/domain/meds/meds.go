// Package meds defines medication value objects shared across the
// ordering, safety, administration and reconciliation engines.
package meds

import "strings"

// MedicationDetails describes the drug being ordered.
type MedicationDetails struct {
	Name         string `json:"name"`
	GenericName  string `json:"generic_name,omitempty"`
	Strength     string `json:"strength"`
	Form         string `json:"form"`
	DrugClass    string `json:"drug_class"`
	IsControlled bool   `json:"is_controlled"`
	DEASchedule  string `json:"dea_schedule,omitempty"`
	BlackBox     bool   `json:"black_box"`
}

// DosingInstructions describes how the medication is to be taken.
type DosingInstructions struct {
	Dose         float64 `json:"dose"`
	DoseUnit     string  `json:"dose_unit"`
	Route        string  `json:"route"`
	Frequency    string  `json:"frequency"`
	TimesPerDay  int     `json:"times_per_day"`
	MaxDailyDose float64 `json:"max_daily_dose"`
	PRN          bool    `json:"prn"`
	Instructions string  `json:"instructions,omitempty"`
}

// DailyDose returns the scheduled daily intake.
func (d DosingInstructions) DailyDose() float64 {
	times := d.TimesPerDay
	if times <= 0 {
		times = 1
	}
	return d.Dose * float64(times)
}

// Allergy is a documented patient allergy.
type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ListEntry is one row of a medication list as used by review and
// reconciliation. Dose and frequency are kept as display strings since
// the lists come from heterogeneous sources.
type ListEntry struct {
	Name      string `json:"name"`
	DrugClass string `json:"drug_class,omitempty"`
	Dose      string `json:"dose"`
	Frequency string `json:"frequency"`
	Route     string `json:"route,omitempty"`
	Source    string `json:"source,omitempty"`
}

// PatientProfile carries the clinical facts the safety engine needs.
type PatientProfile struct {
	PatientID           string      `json:"patient_id"`
	AgeYears            int         `json:"age_years"`
	WeightKg            float64     `json:"weight_kg,omitempty"`
	Pregnant            bool        `json:"pregnant"`
	RenalImpairment     bool        `json:"renal_impairment"`
	HepaticImpairment   bool        `json:"hepatic_impairment"`
	CreatinineClearance float64     `json:"creatinine_clearance,omitempty"`
	Allergies           []Allergy   `json:"allergies,omitempty"`
	ActiveMedications   []ListEntry `json:"active_medications,omitempty"`
}

// NormalizeName canonicalizes a drug name for matching: lower case,
// trimmed, inner whitespace collapsed, common salt suffixes removed.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), " ")
	for _, suffix := range saltSuffixes {
		n = strings.TrimSuffix(n, " "+suffix)
	}
	return n
}

var saltSuffixes = []string{
	"hydrochloride", "hcl", "sodium", "potassium", "sulfate",
	"tartrate", "succinate", "maleate", "besylate", "citrate",
}

// SameDrug reports whether two names refer to the same drug after
// normalization.
func SameDrug(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}
