// Package pharmacy provides the outbound HTTP transport to the
// pharmacy network gateway. The transmission sender wraps it with
// per-pharmacy circuit breakers; this transport only moves bytes.
package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/order"
)

// Config holds gateway settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Gateway implements transmission.PharmacyTransport.
type Gateway struct {
	http   *http.Client
	config Config
	logger *zap.Logger
}

// NewGateway creates the gateway transport.
func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

type transmitResponse struct {
	MessageID string `json:"message_id"`
}

// Transmit posts the prescription to the gateway and returns the
// network message id. The idempotency key header lets the gateway
// deduplicate redelivered attempts.
func (g *Gateway) Transmit(ctx context.Context, rx *order.ElectronicPrescription) (string, error) {
	body, err := json.Marshal(rx)
	if err != nil {
		return "", fmt.Errorf("marshal prescription: %w", err)
	}

	url := fmt.Sprintf("%s/v1/pharmacies/%s/prescriptions", g.config.BaseURL, rx.PharmacyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", g.config.APIKey)
	req.Header.Set("X-Idempotency-Key", rx.IdempotencyKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var out transmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("gateway response missing message id")
	}
	return out.MessageID, nil
}
