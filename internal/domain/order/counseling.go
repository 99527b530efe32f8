package order

import "github.com/clinicore/medorder/internal/domain/meds"

// counselingByClass is the deterministic rule table keyed on drug
// class. Entries apply in table order so counseling output is stable.
var counselingByClass = []struct {
	class  string
	points []CounselingPoint
}{
	{"opioid", []CounselingPoint{
		{Topic: "sedation", Text: "May cause drowsiness; avoid driving or operating machinery until effects are known."},
		{Topic: "storage", Text: "Store securely away from others; never share this medication."},
	}},
	{"anticoagulant", []CounselingPoint{
		{Topic: "bleeding", Text: "Report unusual bruising, blood in urine or stool, or bleeding that does not stop."},
		{Topic: "interactions", Text: "Check with the pharmacy before starting any new medication, including over-the-counter products."},
	}},
	{"benzodiazepine", []CounselingPoint{
		{Topic: "sedation", Text: "Do not combine with alcohol or other sedating medications."},
		{Topic: "discontinuation", Text: "Do not stop abruptly; the dose must be tapered."},
	}},
	{"ace_inhibitor", []CounselingPoint{
		{Topic: "cough", Text: "A persistent dry cough can occur; report it rather than stopping the medication."},
		{Topic: "angioedema", Text: "Seek immediate care for swelling of the face, lips or tongue."},
	}},
	{"statin", []CounselingPoint{
		{Topic: "myopathy", Text: "Report unexplained muscle pain or weakness."},
	}},
	{"antibiotic", []CounselingPoint{
		{Topic: "course", Text: "Complete the full course even if symptoms improve."},
	}},
	{"insulin", []CounselingPoint{
		{Topic: "hypoglycemia", Text: "Carry a fast-acting sugar source and know the signs of low blood sugar."},
	}},
}

// CounselingFor builds the counseling list for a medication from the
// rule table, plus standing entries for black-box and controlled
// flags.
func CounselingFor(m meds.MedicationDetails) []CounselingPoint {
	var points []CounselingPoint
	for _, rule := range counselingByClass {
		if rule.class == m.DrugClass {
			points = append(points, rule.points...)
		}
	}
	if m.BlackBox {
		points = append(points, CounselingPoint{
			Topic: "boxed_warning",
			Text:  "This medication carries a boxed warning; review the specific risks with the patient before the first dose.",
		})
	}
	if m.IsControlled {
		points = append(points, CounselingPoint{
			Topic: "controlled_substance",
			Text:  "This is a controlled substance; refills are restricted and early refill requests are reviewed.",
		})
	}
	if len(points) == 0 {
		points = append(points, CounselingPoint{
			Topic: "general",
			Text:  "Take exactly as directed and report any unexpected effects.",
		})
	}
	return points
}
