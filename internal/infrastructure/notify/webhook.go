// Package notify delivers physician alerts over webhooks. The notify
// worker drives it from consumed adverse-reaction events; the
// administration engine can also call it inline for severe reactions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/administration"
)

// Config holds webhook settings.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Webhook implements administration.PhysicianNotifier.
type Webhook struct {
	http   *http.Client
	config Config
	logger *zap.Logger
}

// NewWebhook creates the notifier.
func NewWebhook(cfg Config, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

type alertPayload struct {
	PatientID string                         `json:"patient_id"`
	Reaction  administration.AdverseReaction `json:"reaction"`
	SentAt    time.Time                      `json:"sent_at"`
}

// NotifyPhysician posts the adverse-reaction alert.
func (n *Webhook) NotifyPhysician(ctx context.Context, patientID string, reaction administration.AdverseReaction) error {
	body, err := json.Marshal(alertPayload{
		PatientID: patientID,
		Reaction:  reaction,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", n.config.APIKey)

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("alert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}

	n.logger.Info("physician notified",
		zap.String("patient_id", patientID),
		zap.String("severity", string(reaction.Severity)))
	return nil
}
