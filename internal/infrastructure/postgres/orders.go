package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/infrastructure/redpanda"
)

// OrderStore persists medication orders with optimistic concurrency.
// The full order document is stored as JSONB alongside the columns the
// engine queries on; domain events land in the outbox within the same
// transaction.
type OrderStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOrderStore creates an order store.
func NewOrderStore(pool *pgxpool.Pool, logger *zap.Logger) *OrderStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStore{pool: pool, logger: logger}
}

// Create inserts a new order at version 0; Update bumps the version on
// every successful write.
func (s *OrderStore) Create(ctx context.Context, o *order.MedicationOrder, events []*order.Event) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO medication_orders (id, patient_id, prescriber_id, status, version, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, query,
		o.ID, o.PatientID, o.PrescriberID, string(o.Status), o.Version, doc, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := writeOrderEvents(ctx, tx, o, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update writes the order only if the caller holds the current
// version, then bumps it. A stale writer gets ErrVersionConflict and
// must re-read.
func (s *OrderStore) Update(ctx context.Context, o *order.MedicationOrder, events []*order.Event) error {
	expected := o.Version
	o.Version++

	doc, err := json.Marshal(o)
	if err != nil {
		o.Version = expected
		return fmt.Errorf("marshal order: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		o.Version = expected
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE medication_orders
		SET status = $1, version = $2, doc = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`
	tag, err := tx.Exec(ctx, query,
		string(o.Status), o.Version, doc, o.UpdatedAt, o.ID, expected,
	)
	if err != nil {
		o.Version = expected
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		o.Version = expected
		return order.ErrVersionConflict
	}

	if err := writeOrderEvents(ctx, tx, o, events); err != nil {
		o.Version = expected
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		o.Version = expected
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads an order by id.
func (s *OrderStore) Get(ctx context.Context, id string) (*order.MedicationOrder, error) {
	query := `SELECT doc FROM medication_orders WHERE id = $1`

	var doc []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("query order: %w", err)
	}

	o := &order.MedicationOrder{}
	if err := json.Unmarshal(doc, o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return o, nil
}

// ListByPatient returns the most recent orders for a patient.
func (s *OrderStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*order.MedicationOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT doc
		FROM medication_orders
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.MedicationOrder
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o := &order.MedicationOrder{}
		if err := json.Unmarshal(doc, o); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func writeOrderEvents(ctx context.Context, tx pgx.Tx, o *order.MedicationOrder, events []*order.Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventType, err)
		}
		entry := &OutboxEntry{
			AggregateID:   o.ID,
			AggregateType: "medication_order",
			EventType:     string(e.EventType),
			Payload:       payload,
			Topic:         redpanda.TopicOrderEvents,
			Key:           o.ID,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}
