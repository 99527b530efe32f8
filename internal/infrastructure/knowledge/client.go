// Package knowledge provides the HTTP adapter for the external drug
// knowledge base. Lookups run through a circuit breaker; when the
// breaker is open or the service is down, errors propagate to the
// safety engine, which records the affected checks as not performed.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/safety"
	"github.com/clinicore/medorder/pkg/circuitbreaker"
)

// Config holds client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 5 * time.Second}
}

// Client implements safety.KnowledgePort over HTTP.
type Client struct {
	http    *http.Client
	config  Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a knowledge base client.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cb, err := breakers.GetOrCreate("drug-knowledge", circuitbreaker.DefaultConfig("drug-knowledge"))
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		config:  cfg,
		breaker: cb,
		logger:  logger,
	}, nil
}

// LookupInteraction queries the interaction pair. A 404 means no
// known interaction.
func (c *Client) LookupInteraction(ctx context.Context, drugA, drugB string) (*safety.Interaction, error) {
	var out *safety.Interaction
	path := fmt.Sprintf("/v1/interactions?drug_a=%s&drug_b=%s", url.QueryEscape(drugA), url.QueryEscape(drugB))
	found, err := c.get(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return out, nil
}

// LookupAllergyCrossReactivity queries cross-reactivity between an
// allergen and a drug.
func (c *Client) LookupAllergyCrossReactivity(ctx context.Context, allergen, drug string) (safety.CrossReactivityRisk, error) {
	var out struct {
		Risk safety.CrossReactivityRisk `json:"risk"`
	}
	path := fmt.Sprintf("/v1/cross-reactivity?allergen=%s&drug=%s", url.QueryEscape(allergen), url.QueryEscape(drug))
	found, err := c.get(ctx, path, &out)
	if err != nil {
		return safety.CrossReactivityNone, err
	}
	if !found {
		return safety.CrossReactivityNone, nil
	}
	return out.Risk, nil
}

// LookupContraindications queries condition contraindications for the
// patient's profile.
func (c *Client) LookupContraindications(ctx context.Context, drug string, profile meds.PatientProfile) ([]safety.Contraindication, error) {
	var out []safety.Contraindication
	path := fmt.Sprintf("/v1/contraindications?drug=%s&conditions=%s",
		url.QueryEscape(drug), url.QueryEscape(joinConditions(profile)))
	found, err := c.get(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return out, nil
}

// LookupDosingNorms queries published dosing limits.
func (c *Client) LookupDosingNorms(ctx context.Context, drug string, profile meds.PatientProfile) (*safety.DosingNorm, error) {
	var out *safety.DosingNorm
	path := fmt.Sprintf("/v1/dosing-norms?drug=%s&age=%d", url.QueryEscape(drug), profile.AgeYears)
	found, err := c.get(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return out, nil
}

// get performs a GET through the breaker. Returns found=false on 404.
func (c *Client) get(ctx context.Context, path string, out interface{}) (bool, error) {
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("knowledge base returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func joinConditions(profile meds.PatientProfile) string {
	var conds []string
	if profile.Pregnant {
		conds = append(conds, "pregnancy")
	}
	if profile.RenalImpairment {
		conds = append(conds, "renal_impairment")
	}
	if profile.HepaticImpairment {
		conds = append(conds, "hepatic_impairment")
	}
	return strings.Join(conds, ",")
}
