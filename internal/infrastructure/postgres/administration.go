package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/administration"
	"github.com/clinicore/medorder/internal/domain/ledger"
	"github.com/clinicore/medorder/internal/infrastructure/redpanda"
)

// AdministrationStore persists administration records and the
// controlled-substance ledger. SaveGiven writes the record and the
// ledger decrement in one transaction, keyed on the record id, so a
// redelivered documentation request replays as a no-op. A scheduled
// dose holds at most one Given record: writers for the same order and
// scheduled time are serialized on an advisory lock and the second one
// gets administration.ErrDoseAlreadyDocumented.
type AdministrationStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAdministrationStore creates the store.
func NewAdministrationStore(pool *pgxpool.Pool, logger *zap.Logger) *AdministrationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdministrationStore{pool: pool, logger: logger}
}

// Open creates the ledger row for a controlled order. Idempotent: a
// second open for the same order is a no-op.
func (s *AdministrationStore) Open(ctx context.Context, orderID string, quantityPrescribed, dailyQuantity float64, deaSchedule string) error {
	query := `
		INSERT INTO controlled_ledger
			(order_id, dea_schedule, quantity_prescribed, quantity_dispensed, quantity_remaining, daily_quantity, opened_at)
		VALUES ($1, $2, $3, 0, $3, $4, NOW())
		ON CONFLICT (order_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, orderID, deaSchedule, quantityPrescribed, dailyQuantity)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	return nil
}

// SaveGiven writes an administered-dose record and decrements the
// ledger atomically. If the record id already exists the whole call is
// a replay and nothing changes; a different record for the same
// scheduled dose is rejected.
func (s *AdministrationStore) SaveGiven(ctx context.Context, rec *administration.Record, quantity float64) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := claimScheduledDose(ctx, tx, rec); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO administration_records (id, order_id, patient_id, status, scheduled_at, doc, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.OrderID, rec.PatientID, string(rec.Status), rec.ScheduledAt, doc, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of an already-documented dose.
		return tx.Commit(ctx)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE controlled_ledger
		SET quantity_dispensed = quantity_dispensed + $1,
		    quantity_remaining = quantity_remaining - $1
		WHERE order_id = $2 AND quantity_remaining >= $1
	`, quantity, rec.OrderID)
	if err != nil {
		return fmt.Errorf("decrement ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientQuantity
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_events (order_id, administration_id, quantity, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, rec.OrderID, rec.ID, quantity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}

	if err := writeAdministrationEvent(ctx, tx, rec, doc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Save writes a record with no ledger effect (held, refused, omitted,
// not available, or an uncontrolled given dose). Given records claim
// their scheduled dose the same way SaveGiven does.
func (s *AdministrationStore) Save(ctx context.Context, rec *administration.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec.Status == administration.StatusGiven {
		if err := claimScheduledDose(ctx, tx, rec); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO administration_records (id, order_id, patient_id, status, scheduled_at, doc, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.OrderID, rec.PatientID, string(rec.Status), rec.ScheduledAt, doc, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if err := writeAdministrationEvent(ctx, tx, rec, doc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update rewrites an existing record, used when an adverse reaction is
// attached after documentation.
func (s *AdministrationStore) Update(ctx context.Context, rec *administration.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE administration_records
		SET status = $1, doc = $2
		WHERE id = $3
	`, string(rec.Status), doc, rec.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("administration record not found: %s", rec.ID)
	}

	if rec.Reaction != nil {
		payload, err := json.Marshal(rec.Reaction)
		if err != nil {
			return fmt.Errorf("marshal reaction: %w", err)
		}
		entry := &OutboxEntry{
			AggregateID:   rec.ID,
			AggregateType: "administration",
			EventType:     "adverse_reaction_recorded",
			Payload:       payload,
			Topic:         redpanda.TopicAdverseReactions,
			Key:           rec.PatientID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads a record by id.
func (s *AdministrationStore) Get(ctx context.Context, id string) (*administration.Record, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM administration_records WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("administration record not found: %s", id)
		}
		return nil, fmt.Errorf("query record: %w", err)
	}

	rec := &administration.Record{}
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// ListByOrder returns all records for an order, oldest first.
func (s *AdministrationStore) ListByOrder(ctx context.Context, orderID string) ([]*administration.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc
		FROM administration_records
		WHERE order_id = $1
		ORDER BY recorded_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []*administration.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec := &administration.Record{}
		if err := json.Unmarshal(doc, rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetLedger rebuilds the ledger for an order from its row and events.
func (s *AdministrationStore) GetLedger(ctx context.Context, orderID string) (*ledger.Ledger, error) {
	l := &ledger.Ledger{OrderID: orderID}
	err := s.pool.QueryRow(ctx, `
		SELECT dea_schedule, quantity_prescribed, quantity_dispensed, quantity_remaining, daily_quantity, opened_at
		FROM controlled_ledger
		WHERE order_id = $1
	`, orderID).Scan(&l.DEASchedule, &l.QuantityPrescribed, &l.QuantityDispensed, &l.QuantityRemaining, &l.DailyQuantity, &l.OpenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger not found for order: %s", orderID)
		}
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT administration_id, quantity, occurred_at
		FROM ledger_events
		WHERE order_id = $1
		ORDER BY occurred_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e ledger.DispenseEvent
		if err := rows.Scan(&e.AdministrationID, &e.Quantity, &e.At); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		l.Events = append(l.Events, e)
	}
	return l, rows.Err()
}

// claimScheduledDose serializes writers documenting the same scheduled
// dose. It takes a transaction-scoped advisory lock keyed on the order
// and scheduled time, then checks for an existing Given record: a
// record with a different id means the dose was already documented, a
// record with the same id is a replay and passes through to the
// ON CONFLICT guard on the insert.
func claimScheduledDose(ctx context.Context, tx pgx.Tx, rec *administration.Record) error {
	key := rec.OrderID + "|" + rec.ScheduledAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock scheduled dose: %w", err)
	}

	var existingID string
	err := tx.QueryRow(ctx, `
		SELECT id
		FROM administration_records
		WHERE order_id = $1 AND scheduled_at = $2 AND status = $3
	`, rec.OrderID, rec.ScheduledAt, string(administration.StatusGiven)).Scan(&existingID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check scheduled dose: %w", err)
	case existingID != rec.ID:
		return administration.ErrDoseAlreadyDocumented
	}
	return nil
}

func writeAdministrationEvent(ctx context.Context, tx pgx.Tx, rec *administration.Record, doc []byte) error {
	entry := &OutboxEntry{
		AggregateID:   rec.ID,
		AggregateType: "administration",
		EventType:     "dose_" + string(rec.Status),
		Payload:       doc,
		Topic:         redpanda.TopicAdministrationEvents,
		Key:           rec.OrderID,
	}
	return WriteEntry(ctx, tx, entry)
}
