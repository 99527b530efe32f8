package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/medorder/internal/api/handlers"
	"github.com/clinicore/medorder/internal/api/middleware"
	"github.com/clinicore/medorder/internal/authz"
	"github.com/clinicore/medorder/internal/domain/administration"
	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/infrastructure/memory"
	"github.com/clinicore/medorder/pkg/identity"
)

var handlerNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// newAdministrationRouter mounts the administration routes behind the
// actor middleware, backed by memory stores and one active order.
func newAdministrationRouter(t *testing.T) http.Handler {
	t.Helper()
	clock := identity.FixedClock{T: handlerNow}
	ids := &identity.SequenceIDs{Prefix: "adm"}
	orders := memory.NewOrderStore()
	admin := memory.NewAdministrationStore()

	o := &order.MedicationOrder{
		ID:           "ord-1",
		PatientID:    "pat-1",
		PrescriberID: "dr-1",
		Medication:   meds.MedicationDetails{Name: "lisinopril", DrugClass: "ace_inhibitor"},
		Dosing:       meds.DosingInstructions{Dose: 10, DoseUnit: "mg", Route: "oral", Frequency: "daily", TimesPerDay: 1},
		Status:       order.StatusActive,
	}
	if err := orders.Create(context.Background(), o, nil); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	authorizer := authz.NewRoleAuthorizer()
	svc := order.NewService(orders, nil, authorizer, admin, nil, clock, ids, nil)
	engine := administration.NewEngine(admin, nil, administration.DefaultConfig(), clock, ids, nil)
	h := handlers.NewAdministrationHandler(svc, engine, admin, authorizer, nil, nil)

	r := chi.NewRouter()
	r.Use(middleware.Actor)
	r.Mount("/orders/{id}/administrations", h.Routes())
	return r
}

func postAs(t *testing.T, router http.Handler, path, actorID, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("X-Actor-ID", actorID)
	req.Header.Set("X-Actor-Role", role)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdministerRequiresNurseRole(t *testing.T) {
	router := newAdministrationRouter(t)
	body := handlers.AdministerRequest{
		PatientID:      "pat-1",
		MedicationName: "lisinopril",
		Dose:           10,
		DoseUnit:       "mg",
		Route:          "oral",
		ScheduledAt:    handlerNow.Add(30 * time.Minute),
		Method:         administration.MethodBarcode,
	}

	w := postAs(t, router, "/orders/ord-1/administrations", "dr-1", "prescriber", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("prescriber must not document doses, got %d: %s", w.Code, w.Body.String())
	}

	w = postAs(t, router, "/orders/ord-1/administrations", "ph-1", "pharmacist", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("pharmacist must not document doses, got %d: %s", w.Code, w.Body.String())
	}

	w = postAs(t, router, "/orders/ord-1/administrations", "rn-1", "nurse", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("nurse administration rejected, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSkipRequiresNurseRole(t *testing.T) {
	router := newAdministrationRouter(t)
	body := handlers.SkipRequest{
		ScheduledAt: handlerNow.Add(30 * time.Minute),
		Status:      administration.StatusHeld,
		Reason:      "npo before surgery",
	}

	w := postAs(t, router, "/orders/ord-1/administrations/skip", "dr-1", "prescriber", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("prescriber must not skip doses, got %d: %s", w.Code, w.Body.String())
	}

	w = postAs(t, router, "/orders/ord-1/administrations/skip", "rn-1", "nurse", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("nurse skip rejected, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDuplicateScheduledDoseConflicts(t *testing.T) {
	router := newAdministrationRouter(t)
	body := handlers.AdministerRequest{
		PatientID:      "pat-1",
		MedicationName: "lisinopril",
		Dose:           10,
		DoseUnit:       "mg",
		Route:          "oral",
		ScheduledAt:    handlerNow.Add(30 * time.Minute),
		Method:         administration.MethodBarcode,
	}

	w := postAs(t, router, "/orders/ord-1/administrations", "rn-1", "nurse", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("first documentation rejected, got %d: %s", w.Code, w.Body.String())
	}

	w = postAs(t, router, "/orders/ord-1/administrations", "rn-2", "nurse", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("second documentation for the same scheduled dose must conflict, got %d: %s", w.Code, w.Body.String())
	}
}
