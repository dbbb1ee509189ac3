package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ValidationResult is the enrollment portal's admission verdict.
type ValidationResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PortalClient validates registration tokens against the external
// enrollment portal.
type PortalClient interface {
	ValidateNode(ctx context.Context, agentID, registrationToken, sourceIP string) (ValidationResult, error)
}

// HTTPPortalClient calls the portal's internal validation endpoint with
// a 10 s budget.
type HTTPPortalClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPPortalClient builds a client against PORTAL_SERVICE_URL using
// PORTAL_SERVICE_TOKEN as bearer auth.
func NewHTTPPortalClient(baseURL, token string) *HTTPPortalClient {
	return &HTTPPortalClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPortalClient) ValidateNode(ctx context.Context, agentID, registrationToken, sourceIP string) (ValidationResult, error) {
	body, _ := json.Marshal(map[string]string{
		"agent_id":           agentID,
		"registration_token": registrationToken,
		"source_ip":          sourceIP,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/internal/nodes/validate", bytes.NewReader(body))
	if err != nil {
		return ValidationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("portal unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ValidationResult{Allowed: false, Reason: fmt.Sprintf("portal_status_%d", resp.StatusCode)}, nil
	}

	var result ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ValidationResult{}, fmt.Errorf("portal response decode: %w", err)
	}
	return result, nil
}

// DisabledPortalClient admits everyone. Used when no portal is
// configured; admissions are recorded with the disabled reason so the
// ledger shows the gate was off.
type DisabledPortalClient struct{}

func (DisabledPortalClient) ValidateNode(ctx context.Context, agentID, registrationToken, sourceIP string) (ValidationResult, error) {
	return ValidationResult{Allowed: true, Reason: "portal_validation_disabled"}, nil
}
