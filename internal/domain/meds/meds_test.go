package meds

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Warfarin Sodium", "warfarin"},
		{"  Metoprolol   Tartrate ", "metoprolol"},
		{"Lisinopril", "lisinopril"},
		{"Amlodipine Besylate", "amlodipine"},
		{"HCL", "hcl"}, // bare suffix is a name, not a suffix
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSameDrug(t *testing.T) {
	if !SameDrug("Warfarin Sodium", "warfarin") {
		t.Error("salt form must match the base name")
	}
	if SameDrug("warfarin", "heparin") {
		t.Error("different drugs must not match")
	}
}

func TestDailyDose(t *testing.T) {
	d := DosingInstructions{Dose: 5, TimesPerDay: 3}
	if got := d.DailyDose(); got != 15 {
		t.Errorf("DailyDose = %v, want 15", got)
	}
	// Unset frequency is treated as once daily.
	d = DosingInstructions{Dose: 5}
	if got := d.DailyDose(); got != 5 {
		t.Errorf("DailyDose = %v, want 5", got)
	}
}
