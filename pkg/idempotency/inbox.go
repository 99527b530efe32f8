// Package idempotency provides deterministic keys for outbound
// prescription transmissions and an inbox for exactly-once handling of
// consumed events.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TransmissionKey derives the idempotency key for one outbound
// transmission attempt. The attempt sequence is part of the key, so a
// deliberate retry produces a new key while a duplicate delivery of
// the same attempt does not.
func TransmissionKey(orderID string, attempt int) string {
	return digest(orderID + "|tx|" + strconv.Itoa(attempt))
}

// AdministrationKey derives the key for an administration event so a
// redelivered event replays as a no-op downstream.
func AdministrationKey(orderID, administrationID string) string {
	return digest(orderID + "|adm|" + administrationID)
}

// NotificationKey derives the key for one physician alert so a
// redelivered adverse-reaction event does not page twice.
func NotificationKey(patientID, reactionID string) string {
	return digest(patientID + "|alert|" + reactionID)
}

func digest(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Status is the processing status of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry is one idempotency inbox record.
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds inbox tuning.
type InboxConfig struct {
	// DefaultTTL is how long entries are retained.
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry counts as stale.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns production defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent event processing backed by Postgres.
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox manager.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ErrDuplicateEvent indicates the event was already processed.
var ErrDuplicateEvent = errors.New("duplicate event: already processed")

// ErrEventInProgress indicates another handler holds the event.
var ErrEventInProgress = errors.New("event in progress by another handler")

// ProcessResult is the outcome of idempotent processing.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the handler signature.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process executes a handler with exactly-once guarantees keyed on the
// idempotency key. A FINISHED entry short-circuits with the stored
// result; a stale STARTED entry is recovered and rerun.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	prior, err := i.lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	if prior != nil {
		switch prior.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: prior.Result}, nil
		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("event previously failed permanently: %s", key)
		case StatusStarted:
			if time.Since(prior.UpdatedAt) <= i.cfg.RecoveryTimeout {
				return nil, ErrEventInProgress
			}
			// The holder went away mid-processing; reclaim it.
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("reclaim stale entry: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, failure); err != nil {
			i.logger.Error("inbox status update failed", zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// Handler succeeded; a bookkeeping failure must not fail it.
		i.logger.Error("inbox finish mark failed", zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        prior == nil,
		WasRecovered: prior != nil && prior.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// lookup returns the entry for key, or nil when none exists.
func (i *Inbox) lookup(ctx context.Context, key string) (*InboxEntry, error) {
	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`, key,
	).Scan(&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim inserts a STARTED entry, or takes over a RECOVERABLE one. The
// conditional upsert is the race arbiter: of two concurrent claimers,
// exactly one gets a row back.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key`,
		key, handlerName, StatusStarted, payload, time.Now().Add(i.cfg.DefaultTTL),
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateEvent
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop stops the inbox cleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - INTERVAL '7 days')`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox entries purged", zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE. Run
// at boot so entries orphaned by a crash are retried promptly.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval`,
		i.cfg.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// isTerminalError decides whether a handler error should be retried.
// Malformed or unauthorized events will never succeed; everything
// else is assumed transient.
func isTerminalError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
