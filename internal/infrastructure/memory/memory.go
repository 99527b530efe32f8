// Package memory provides in-memory implementations of the
// persistence ports. Used by tests and local development; semantics
// mirror the Postgres stores, including version conflicts and
// idempotent ledger decrements.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clinicore/medorder/internal/domain/administration"
	"github.com/clinicore/medorder/internal/domain/ledger"
	"github.com/clinicore/medorder/internal/domain/order"
)

// OrderStore is an in-memory order.Store.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string][]byte
	Events []*order.Event
}

// NewOrderStore creates an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string][]byte)}
}

// Create inserts a new order.
func (s *OrderStore) Create(_ context.Context, o *order.MedicationOrder, events []*order.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order already exists: %s", o.ID)
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	s.orders[o.ID] = doc
	s.Events = append(s.Events, events...)
	return nil
}

// Update applies optimistic concurrency the same way the Postgres
// store does: the write succeeds only against the version the caller
// read, and bumps it.
func (s *OrderStore) Update(_ context.Context, o *order.MedicationOrder, events []*order.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	stored := &order.MedicationOrder{}
	if err := json.Unmarshal(doc, stored); err != nil {
		return err
	}
	if stored.Version != o.Version {
		return order.ErrVersionConflict
	}
	o.Version++
	next, err := json.Marshal(o)
	if err != nil {
		o.Version--
		return err
	}
	s.orders[o.ID] = next
	s.Events = append(s.Events, events...)
	return nil
}

// Get returns a deep copy of the stored order.
func (s *OrderStore) Get(_ context.Context, id string) (*order.MedicationOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o := &order.MedicationOrder{}
	if err := json.Unmarshal(doc, o); err != nil {
		return nil, err
	}
	return o, nil
}

// AdministrationStore is an in-memory administration.RecordStore that
// also opens and decrements controlled-substance ledgers, satisfying
// order.LedgerOpener.
type AdministrationStore struct {
	mu      sync.RWMutex
	records map[string]*administration.Record
	ledgers map[string]*ledger.Ledger

	// Notifications is appended to by the test notifier helpers.
	Notifications []administration.AdverseReaction
}

// NewAdministrationStore creates an empty store.
func NewAdministrationStore() *AdministrationStore {
	return &AdministrationStore{
		records: make(map[string]*administration.Record),
		ledgers: make(map[string]*ledger.Ledger),
	}
}

// Open creates a ledger for the order. Idempotent.
func (s *AdministrationStore) Open(_ context.Context, orderID string, quantityPrescribed, dailyQuantity float64, deaSchedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[orderID]; ok {
		return nil
	}
	l, err := ledger.Open(orderID, quantityPrescribed, dailyQuantity, deaSchedule, time.Now().UTC())
	if err != nil {
		return err
	}
	s.ledgers[orderID] = l
	return nil
}

// SaveGiven stores the record and decrements the ledger in one
// critical section, replaying as a no-op on a duplicate record id. A
// second Given record for the same scheduled dose is rejected the same
// way the Postgres store rejects it.
func (s *AdministrationStore) SaveGiven(_ context.Context, rec *administration.Record, quantity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return nil
	}
	if s.doseDocumented(rec) {
		return administration.ErrDoseAlreadyDocumented
	}
	l, ok := s.ledgers[rec.OrderID]
	if !ok {
		return fmt.Errorf("ledger not found for order: %s", rec.OrderID)
	}
	at := rec.CreatedAt
	if rec.AdministeredAt != nil {
		at = *rec.AdministeredAt
	}
	if err := l.RecordDispense(rec.ID, quantity, at); err != nil {
		return err
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Save stores a record with no ledger effect.
func (s *AdministrationStore) Save(_ context.Context, rec *administration.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return nil
	}
	if rec.Status == administration.StatusGiven && s.doseDocumented(rec) {
		return administration.ErrDoseAlreadyDocumented
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// doseDocumented reports whether a Given record for the same order and
// scheduled time already exists. Callers hold the lock.
func (s *AdministrationStore) doseDocumented(rec *administration.Record) bool {
	for _, existing := range s.records {
		if existing.OrderID == rec.OrderID &&
			existing.Status == administration.StatusGiven &&
			existing.ScheduledAt.Equal(rec.ScheduledAt) {
			return true
		}
	}
	return false
}

// Update rewrites an existing record.
func (s *AdministrationStore) Update(_ context.Context, rec *administration.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("administration record not found: %s", rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get returns a copy of the record.
func (s *AdministrationStore) Get(_ context.Context, id string) (*administration.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("administration record not found: %s", id)
	}
	return cloneRecord(rec), nil
}

// ListByOrder returns copies of all records for an order.
func (s *AdministrationStore) ListByOrder(_ context.Context, orderID string) ([]*administration.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*administration.Record
	for _, rec := range s.records {
		if rec.OrderID == orderID {
			recs = append(recs, cloneRecord(rec))
		}
	}
	return recs, nil
}

// Ledger returns the live ledger for an order, or nil.
func (s *AdministrationStore) Ledger(orderID string) *ledger.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgers[orderID]
}

func cloneRecord(rec *administration.Record) *administration.Record {
	doc, _ := json.Marshal(rec)
	out := &administration.Record{}
	_ = json.Unmarshal(doc, out)
	return out
}
