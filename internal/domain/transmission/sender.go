// Package transmission implements the outbound electronic
// prescription workflow: one attempt per invocation against the
// pharmacy transport, behind a circuit breaker with a caller-visible
// timeout. Retry policy belongs to the caller.
package transmission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/pkg/circuitbreaker"
	"github.com/clinicore/medorder/pkg/identity"
)

// PharmacyTransport is the external pharmacy system. Transmit returns
// the remote message id on success. The idempotency key on the
// prescription lets the remote side deduplicate retried attempts.
type PharmacyTransport interface {
	Transmit(ctx context.Context, rx *order.ElectronicPrescription) (messageID string, err error)
}

// Config holds sender settings.
type Config struct {
	// Timeout bounds one transmission attempt.
	Timeout time.Duration
}

// DefaultConfig returns defaults for pharmacy transmission.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Sender performs transmission attempts. Implements
// order.PrescriptionSender: transport failures are recorded on the
// prescription, never raised, so the order stays in a valid state and
// the caller decides whether to retry.
type Sender struct {
	transport PharmacyTransport
	breakers  *circuitbreaker.Manager
	config    Config
	clock     identity.Clock
	logger    *zap.Logger
}

// NewSender creates a sender with per-pharmacy circuit breakers.
func NewSender(transport PharmacyTransport, breakers *circuitbreaker.Manager, cfg Config, clock identity.Clock, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Sender{
		transport: transport,
		breakers:  breakers,
		config:    cfg,
		clock:     clock,
		logger:    logger,
	}
}

// Send performs a single transmission attempt and records the outcome
// on the prescription. The returned error is reserved for cancelled
// contexts and malformed input.
func (s *Sender) Send(ctx context.Context, rx *order.ElectronicPrescription) error {
	if rx == nil || rx.PharmacyID == "" {
		return errors.New("transmission: prescription with pharmacy id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	messageID, err := s.attempt(ctx, rx)
	now := s.clock.Now()
	rx.UpdatedAt = now

	if err != nil {
		rx.Status = order.TransmissionError
		rx.ErrorMessage = err.Error()
		s.logger.Warn("transmission attempt failed",
			zap.String("order_id", rx.OrderID),
			zap.String("pharmacy_id", rx.PharmacyID),
			zap.Int("attempt", rx.AttemptSequence),
			zap.Error(err))
		return nil
	}

	rx.Status = order.TransmissionTransmitted
	rx.ErrorMessage = ""
	rx.MessageID = messageID
	rx.TransmittedAt = &now
	s.logger.Info("prescription transmitted",
		zap.String("order_id", rx.OrderID),
		zap.String("pharmacy_id", rx.PharmacyID),
		zap.String("message_id", messageID))
	return nil
}

func (s *Sender) attempt(ctx context.Context, rx *order.ElectronicPrescription) (string, error) {
	if s.breakers == nil {
		return s.transport.Transmit(ctx, rx)
	}

	breaker, err := s.breakers.GetOrCreate("pharmacy:"+rx.PharmacyID, circuitbreaker.DefaultConfig("pharmacy:"+rx.PharmacyID))
	if err != nil {
		return "", err
	}
	result, err := breaker.Execute(ctx, func() (interface{}, error) {
		return s.transport.Transmit(ctx, rx)
	})
	if err != nil {
		return "", err
	}
	messageID, _ := result.(string)
	return messageID, nil
}
