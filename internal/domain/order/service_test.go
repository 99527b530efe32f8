package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinicore/medorder/internal/authz"
	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/domain/safety"
	"github.com/clinicore/medorder/internal/infrastructure/memory"
	"github.com/clinicore/medorder/pkg/identity"
)

// stubKB returns no findings; tests that need a finding set allergen.
type stubKB struct{}

func (stubKB) LookupInteraction(context.Context, string, string) (*safety.Interaction, error) {
	return nil, nil
}
func (stubKB) LookupAllergyCrossReactivity(context.Context, string, string) (safety.CrossReactivityRisk, error) {
	return safety.CrossReactivityNone, nil
}
func (stubKB) LookupContraindications(context.Context, string, meds.PatientProfile) ([]safety.Contraindication, error) {
	return nil, nil
}
func (stubKB) LookupDosingNorms(context.Context, string, meds.PatientProfile) (*safety.DosingNorm, error) {
	return nil, nil
}

// stubSender records outcomes on the prescription the way the real
// sender does: transport failures are recorded, not returned.
type stubSender struct {
	fail  string
	sends int
}

func (s *stubSender) Send(_ context.Context, rx *order.ElectronicPrescription) error {
	s.sends++
	if s.fail != "" {
		rx.Status = order.TransmissionError
		rx.ErrorMessage = s.fail
		return nil
	}
	rx.Status = order.TransmissionTransmitted
	rx.MessageID = "MSG-" + rx.ID
	return nil
}

type fixture struct {
	svc    *order.Service
	store  *memory.OrderStore
	admin  *memory.AdministrationStore
	sender *stubSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewOrderStore()
	admin := memory.NewAdministrationStore()
	sender := &stubSender{}
	clock := identity.FixedClock{T: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc := order.NewService(store, safety.NewEngine(stubKB{}, clock), authz.NewRoleAuthorizer(), admin, sender, clock, &identity.SequenceIDs{Prefix: "ord"}, nil)
	return &fixture{svc: svc, store: store, admin: admin, sender: sender}
}

var (
	prescriber = order.Actor{ID: "dr-1", Role: order.RolePrescriber}
	pharmacist = order.Actor{ID: "ph-1", Role: order.RolePharmacist}
	nurse      = order.Actor{ID: "rn-1", Role: order.RoleNurse}
)

func createInput() order.CreateInput {
	return order.CreateInput{
		PatientID:    "pat-1",
		PrescriberID: prescriber.ID,
		Medication:   meds.MedicationDetails{Name: "lisinopril", DrugClass: "ace_inhibitor", Strength: "10 mg", Form: "tablet"},
		Dosing:       meds.DosingInstructions{Dose: 10, DoseUnit: "mg", Route: "oral", Frequency: "daily", TimesPerDay: 1},
		Indication:   "hypertension",
		DurationDays: 30,
		Profile:      meds.PatientProfile{PatientID: "pat-1", AgeYears: 55},
	}
}

func controlledInput() order.CreateInput {
	in := createInput()
	in.Medication = meds.MedicationDetails{Name: "oxycodone", DrugClass: "opioid", Strength: "5 mg", Form: "tablet", IsControlled: true, DEASchedule: "II"}
	in.Dosing = meds.DosingInstructions{Dose: 5, DoseUnit: "mg", Route: "oral", Frequency: "q12h", TimesPerDay: 2}
	in.Indication = "post-operative pain"
	in.DurationDays = 5
	return in
}

func TestCreateDraftOrder(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.Create(context.Background(), prescriber, createInput())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if o.Status != order.StatusDraft {
		t.Errorf("expected draft, got %s", o.Status)
	}
	if o.QuantityPrescribed != 30 {
		t.Errorf("expected quantity 30 (1/day x 30 days), got %v", o.QuantityPrescribed)
	}
	if len(o.Counseling) == 0 {
		t.Error("expected counseling points for ace_inhibitor")
	}
	if len(o.AuditTrail) != 1 || o.AuditTrail[0].Action != "create" {
		t.Errorf("expected a create audit note, got %+v", o.AuditTrail)
	}
	if len(f.store.Events) != 1 || f.store.Events[0].EventType != order.EventOrderCreated {
		t.Errorf("expected one OrderCreated event, got %+v", f.store.Events)
	}
}

func TestCreateRejectsNurse(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), nurse, createInput())
	var ae *order.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	in := controlledInput()
	in.Medication.DEASchedule = ""
	_, err := f.svc.Create(context.Background(), prescriber, in)
	var ve *order.ValidationError
	if !errors.As(err, &ve) || ve.Field != "medication.dea_schedule" {
		t.Fatalf("expected dea_schedule validation error, got %v", err)
	}
}

func TestCreateCriticalGate(t *testing.T) {
	f := newFixture(t)

	in := createInput()
	in.Profile.Allergies = []meds.Allergy{{Allergen: "lisinopril"}}

	_, err := f.svc.Create(context.Background(), prescriber, in)
	var ge *order.SafetyGateError
	if !errors.As(err, &ge) {
		t.Fatalf("expected safety gate error, got %v", err)
	}
	if len(ge.Warnings) != 1 {
		t.Errorf("expected the blocking warning in the error, got %+v", ge.Warnings)
	}
}

func TestCreateWithOverride(t *testing.T) {
	f := newFixture(t)

	in := createInput()
	in.Profile.Allergies = []meds.Allergy{{Allergen: "lisinopril"}}
	in.Overrides = []order.OverrideRequest{{
		Check:      safety.CheckAllergy,
		Code:       "allergy.direct_match",
		Reason:     "tolerated previous course under observation",
		ApprovedBy: "attending-9",
	}}

	o, err := f.svc.Create(context.Background(), prescriber, in)
	if err != nil {
		t.Fatalf("create with override failed: %v", err)
	}
	if len(o.Safety.UnresolvedCritical()) != 0 {
		t.Error("override did not resolve the critical warning")
	}
	found := false
	for _, w := range o.Safety.Warnings {
		if w.Override != nil && w.Override.ApprovedBy == "attending-9" {
			found = true
		}
	}
	if !found {
		t.Error("override not retained on the warning")
	}
}

func TestOverrideByPrescriberRejected(t *testing.T) {
	f := newFixture(t)

	in := createInput()
	in.Profile.Allergies = []meds.Allergy{{Allergen: "lisinopril"}}
	in.Overrides = []order.OverrideRequest{{
		Check:      safety.CheckAllergy,
		Code:       "allergy.direct_match",
		Reason:     "tolerated previously",
		ApprovedBy: prescriber.ID,
	}}

	_, err := f.svc.Create(context.Background(), prescriber, in)
	var ve *order.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for self-approval, got %v", err)
	}
}

func TestTransmitMovesDraftToPending(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	o, err := f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "Main Street Pharmacy")
	if err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if o.Status != order.StatusPending {
		t.Errorf("expected pending, got %s", o.Status)
	}
	if o.Prescription == nil || o.Prescription.Status != order.TransmissionTransmitted {
		t.Fatalf("expected transmitted prescription, got %+v", o.Prescription)
	}
	if o.Prescription.IdempotencyKey == "" {
		t.Error("expected an idempotency key")
	}
	if o.TransmissionAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", o.TransmissionAttempts)
	}
}

func TestTransmitErrorRecordedNotRaised(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = "pharmacy endpoint unreachable"
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	o, err := f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "")
	if err != nil {
		t.Fatalf("transport failure must not fail the call: %v", err)
	}
	if o.Status != order.StatusPending {
		t.Errorf("status must not revert on transport failure, got %s", o.Status)
	}
	if o.Prescription.Status != order.TransmissionError || o.Prescription.ErrorMessage == "" {
		t.Errorf("expected recorded error, got %+v", o.Prescription)
	}

	// Retry produces a fresh attempt with a new idempotency key.
	firstKey := o.Prescription.IdempotencyKey
	f.sender.fail = ""
	o, err = f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if o.TransmissionAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", o.TransmissionAttempts)
	}
	if o.Prescription.IdempotencyKey == firstKey {
		t.Error("a deliberate retry must carry a new idempotency key")
	}
}

func TestTransmitOpensLedgerExactlyOnce(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.Create(context.Background(), prescriber, controlledInput())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o, err = f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "")
	if err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if !o.LedgerOpened {
		t.Fatal("expected ledger opened for controlled order")
	}
	l := f.admin.Ledger(o.ID)
	if l == nil {
		t.Fatal("ledger row missing")
	}
	if l.QuantityPrescribed != o.QuantityPrescribed {
		t.Errorf("ledger prescribed %v != order %v", l.QuantityPrescribed, o.QuantityPrescribed)
	}

	// A retry must not reopen it.
	if _, err := f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", ""); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := f.admin.Ledger(o.ID); got != l {
		t.Error("retry replaced the ledger row")
	}
}

func TestTransmitDeniedForOtherPrescriber(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	other := order.Actor{ID: "dr-2", Role: order.RolePrescriber}
	_, err := f.svc.Transmit(context.Background(), other, o.ID, "pharm-77", "")
	var ae *order.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error for foreign order, got %v", err)
	}
}

func approvedReview(status order.ApprovalStatus) *order.PharmacistReview {
	return &order.PharmacistReview{
		ID:             "rev-1",
		PharmacistID:   pharmacist.ID,
		ApprovalStatus: status,
	}
}

func pendingOrder(t *testing.T, f *fixture) *order.MedicationOrder {
	t.Helper()
	o, err := f.svc.Create(context.Background(), prescriber, createInput())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	o, err = f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "")
	if err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	return o
}

func TestApproveActivates(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	o, err := f.svc.Approve(context.Background(), pharmacist, o.ID, approvedReview(order.Approved))
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if o.Status != order.StatusActive {
		t.Errorf("expected active, got %s", o.Status)
	}
	if !o.Administrable() {
		t.Error("active order must be administrable")
	}
}

func TestRejectCancels(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	rev := approvedReview(order.Rejected)
	rev.Notes = "duplicate therapy with existing order"
	o, err := f.svc.Approve(context.Background(), pharmacist, o.ID, rev)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if o.Status != order.StatusCancelled {
		t.Errorf("expected cancelled, got %s", o.Status)
	}
}

func TestApproveRequiresPharmacist(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	_, err := f.svc.Approve(context.Background(), prescriber, o.ID, approvedReview(order.Approved))
	var ae *order.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestApproveUndecidedReviewRejected(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	_, err := f.svc.Approve(context.Background(), pharmacist, o.ID, approvedReview(order.ApprovalPending))
	var ve *order.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for undecided review, got %v", err)
	}
}

func TestHoldAndResumeRestoresPriorStatus(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)
	o, _ = f.svc.Approve(context.Background(), pharmacist, o.ID, approvedReview(order.Approved))

	o, err := f.svc.Hold(context.Background(), pharmacist, o.ID, "pending lab results")
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if o.Status != order.StatusOnHold || o.HeldFrom != order.StatusActive {
		t.Fatalf("expected on_hold from active, got %s from %s", o.Status, o.HeldFrom)
	}

	o, err = f.svc.Resume(context.Background(), pharmacist, o.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if o.Status != order.StatusActive {
		t.Errorf("resume must restore the held-from status, got %s", o.Status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	o, err := f.svc.Cancel(context.Background(), prescriber, o.ID, "entered in error")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	events := len(f.store.Events)

	o, err = f.svc.Cancel(context.Background(), prescriber, o.ID, "entered in error")
	if err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	if o.Status != order.StatusCancelled {
		t.Errorf("expected cancelled, got %s", o.Status)
	}
	if len(f.store.Events) != events {
		t.Error("second cancel must not emit another event")
	}
}

func TestCompletedOrderCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)
	o, _ = f.svc.Approve(context.Background(), pharmacist, o.ID, approvedReview(order.Approved))
	o, err := f.svc.Complete(context.Background(), prescriber, o.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, err = f.svc.Cancel(context.Background(), prescriber, o.ID, "late cancel")
	var ve *order.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateDosingDraftOnly(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	_, err := f.svc.UpdateDosing(context.Background(), prescriber, o.ID, o.Dosing, 14, meds.PatientProfile{}, nil)
	var ve *order.ValidationError
	if !errors.As(err, &ve) || ve.Rule != "draft_only" {
		t.Fatalf("expected draft_only validation error, got %v", err)
	}
}

func TestUpdateDosingRecomputesQuantity(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	dosing := o.Dosing
	dosing.TimesPerDay = 2
	o, err := f.svc.UpdateDosing(context.Background(), prescriber, o.ID, dosing, 10, meds.PatientProfile{}, nil)
	if err != nil {
		t.Fatalf("update dosing failed: %v", err)
	}
	if o.QuantityPrescribed != 20 {
		t.Errorf("expected quantity 20 (2/day x 10 days), got %v", o.QuantityPrescribed)
	}
}

func TestUpdateDosingKeepsCreationOverride(t *testing.T) {
	f := newFixture(t)

	in := createInput()
	in.Profile.Allergies = []meds.Allergy{{Allergen: "lisinopril"}}
	in.Overrides = []order.OverrideRequest{{
		Check:      safety.CheckAllergy,
		Code:       "allergy.direct_match",
		Reason:     "tolerated previous course under observation",
		ApprovedBy: "attending-9",
	}}
	o, err := f.svc.Create(context.Background(), prescriber, in)
	if err != nil {
		t.Fatalf("create with override failed: %v", err)
	}

	// Editing the draft re-raises the allergy warning; the recorded
	// override must carry forward without being re-approved.
	dosing := o.Dosing
	dosing.TimesPerDay = 2
	o, err = f.svc.UpdateDosing(context.Background(), prescriber, o.ID, dosing, 10, in.Profile, nil)
	if err != nil {
		t.Fatalf("dosing edit on overridden draft failed: %v", err)
	}
	if o.QuantityPrescribed != 20 {
		t.Errorf("expected quantity 20 (2/day x 10 days), got %v", o.QuantityPrescribed)
	}
	if len(o.Safety.UnresolvedCritical()) != 0 {
		t.Error("carried-forward override did not resolve the warning")
	}
}

func TestUpdateDosingAcceptsOverride(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.Create(context.Background(), prescriber, createInput())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// A newly discovered allergy blocks the edit until it is overridden.
	profile := meds.PatientProfile{PatientID: "pat-1", AgeYears: 55, Allergies: []meds.Allergy{{Allergen: "lisinopril"}}}
	_, err = f.svc.UpdateDosing(context.Background(), prescriber, o.ID, o.Dosing, 14, profile, nil)
	var ge *order.SafetyGateError
	if !errors.As(err, &ge) {
		t.Fatalf("expected safety gate error, got %v", err)
	}

	o, err = f.svc.UpdateDosing(context.Background(), prescriber, o.ID, o.Dosing, 14, profile, []order.OverrideRequest{{
		Check:      safety.CheckAllergy,
		Code:       "allergy.direct_match",
		Reason:     "tolerated previous course under observation",
		ApprovedBy: "attending-9",
	}})
	if err != nil {
		t.Fatalf("edit with override failed: %v", err)
	}
	if len(o.Safety.UnresolvedCritical()) != 0 {
		t.Error("override did not resolve the warning")
	}
}

func TestCreateStartsAtVersionZero(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	if o.Version != 0 {
		t.Errorf("new order must start at version 0, got %d", o.Version)
	}
	o, err := f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", "")
	if err != nil {
		t.Fatalf("transmit failed: %v", err)
	}
	if o.Version != 1 {
		t.Errorf("first update must bump to version 1, got %d", o.Version)
	}
}

func TestFillStatusIsMonotonic(t *testing.T) {
	f := newFixture(t)
	o := pendingOrder(t, f)

	o, err := f.svc.ApplyFillUpdate(context.Background(), o.ID, order.FillPickupReady)
	if err != nil {
		t.Fatalf("fill update failed: %v", err)
	}
	if o.Prescription.FillStatus != order.FillPickupReady {
		t.Fatalf("expected pickup_ready, got %s", o.Prescription.FillStatus)
	}

	// A late, out-of-order callback is ignored, not an error.
	o, err = f.svc.ApplyFillUpdate(context.Background(), o.ID, order.FillPartial)
	if err != nil {
		t.Fatalf("backward callback must not error: %v", err)
	}
	if o.Prescription.FillStatus != order.FillPickupReady {
		t.Errorf("backward callback must not regress fill status, got %s", o.Prescription.FillStatus)
	}
}

func TestStaleWriterLosesVersionCheck(t *testing.T) {
	f := newFixture(t)
	o, _ := f.svc.Create(context.Background(), prescriber, createInput())

	stale, err := f.store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if _, err := f.svc.Transmit(context.Background(), prescriber, o.ID, "pharm-77", ""); err != nil {
		t.Fatalf("transmit failed: %v", err)
	}

	err = f.store.Update(context.Background(), stale, nil)
	if !errors.Is(err, order.ErrVersionConflict) {
		t.Fatalf("expected version conflict for stale writer, got %v", err)
	}
	if !order.IsRetryable(err) {
		t.Error("version conflict must be retryable")
	}
}

func TestParseFillStatus(t *testing.T) {
	for _, label := range []string{"not_filled", "partial_fill", "filled", "pickup_ready", "picked_up"} {
		status, ok := order.ParseFillStatus(label)
		if !ok {
			t.Errorf("label %q did not parse", label)
		}
		if status.String() != label {
			t.Errorf("round trip mismatch: %q -> %s", label, status)
		}
	}
	if _, ok := order.ParseFillStatus("shipped"); ok {
		t.Error("unknown label must not parse")
	}
}
