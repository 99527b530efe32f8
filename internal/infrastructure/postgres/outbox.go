// Package postgres provides the PostgreSQL persistence layer: order
// and administration stores, the controlled-substance ledger rows, and
// the transactional outbox that carries domain events to the broker.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one domain event staged for broker delivery. The
// stores insert entries in the same transaction as the state change
// they describe; the relay drains them.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	Attempts      int
	LastError     *string
}

// OutboxConfig tunes the relay's drain loop.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts is how many publish failures an entry survives
	// before it is parked on the dead-letter topic.
	MaxAttempts     int
	DeadLetterTopic string
}

// DefaultOutboxConfig returns the relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxAttempts:     5,
		DeadLetterTopic: "medorder.dead.letter",
	}
}

// OutboxPublisher delivers a staged entry to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox drains staged events to the broker. Only one relay drains at
// a time; concurrent relays coordinate through an advisory lock.
type Outbox struct {
	pool      *pgxpool.Pool
	cfg       OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// drainLockID keys the cross-process advisory lock. Arbitrary but
// must agree across relay instances.
const drainLockID = int64(0x6d65646f72646572) // "medorder"

// NewOutbox creates a relay over the given pool and publisher.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry stages an event inside the caller's transaction so the
// event is durable exactly when the state change is.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("stage outbox entry: %w", err)
	}
	return nil
}

// Start launches the drain loop.
func (o *Outbox) Start() {
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.drain()
			}
		}
	}()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Duration("poll_interval", o.cfg.PollInterval))
}

// Stop halts the drain loop and waits for the in-flight batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) drain() {
	ctx, span := o.tracer.Start(o.ctx, "outbox.drain")
	defer span.End()

	var locked bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", drainLockID).Scan(&locked); err != nil || !locked {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", drainLockID)

	entries, err := o.pending(ctx)
	if err != nil {
		o.logger.Error("outbox fetch failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.deliver(ctx, entry); err != nil {
			o.logger.Error("outbox delivery failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) pending(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		o.cfg.MaxAttempts, o.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.Key, &entry.CreatedAt, &entry.Attempts, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) deliver(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.deliver",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		errStr := err.Error()
		if _, uerr := o.pool.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, errStr, entry.ID); uerr != nil {
			o.logger.Error("outbox attempt bump failed", zap.Error(uerr))
		}
		return fmt.Errorf("publish %s: %w", entry.Topic, err)
	}

	if _, err := o.pool.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`,
		entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark delivered: %w", err)
	}

	o.logger.Debug("outbox entry delivered",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// CleanupProcessed prunes delivered entries older than the given age
// and reports how many were removed.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MoveToDeadLetter parks entries that exhausted their attempts on the
// dead-letter topic, wrapped with their failure context, and marks
// them delivered so the drain loop stops seeing them.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`,
		o.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select exhausted: %w", err)
	}
	defer rows.Close()

	var parked int64
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.Key, &entry.CreatedAt, &entry.Attempts, &entry.LastError,
		); err != nil {
			continue
		}

		wrapped, _ := json.Marshal(map[string]any{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"attempts":       entry.Attempts,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err := o.publisher.Publish(ctx, o.cfg.DeadLetterTopic, entry.Key, wrapped); err != nil {
			o.logger.Error("dead-letter publish failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx,
			"UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("dead-letter mark failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		parked++
	}
	return parked, rows.Err()
}

// OutboxStats summarizes relay backlog for the metrics loop.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats reports backlog depth, deliveries in the last day, entries
// out of attempts, and the age of the oldest waiting entry.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.cfg.MaxAttempts,
	).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
