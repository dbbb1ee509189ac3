package economy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPInvoiceProvider talks to an external Lightning invoice service.
type HTTPInvoiceProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoiceProvider builds a provider client against
// PAYMENT_PROVIDER_URL.
func NewHTTPInvoiceProvider(baseURL string) *HTTPInvoiceProvider {
	return &HTTPInvoiceProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPInvoiceProvider) CreateInvoice(ctx context.Context, amountSats int64, memo string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"amount_sats": amountSats,
		"memo":        memo,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment provider status %d", resp.StatusCode)
	}

	var out struct {
		InvoiceRef string `json:"invoice_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("payment provider response decode: %w", err)
	}
	return out.InvoiceRef, nil
}

func (p *HTTPInvoiceProvider) CheckSettlement(ctx context.Context, invoiceRef string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/invoices/"+invoiceRef, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("payment provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("payment provider status %d", resp.StatusCode)
	}

	var out struct {
		Settled bool   `json:"settled"`
		TxRef   string `json:"tx_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	return out.Settled, out.TxRef, nil
}

// DevInvoiceProvider fabricates invoice refs locally. It never
// self-reports settlement; settlements arrive through the explicit
// settle endpoint. Used when no provider URL is configured.
type DevInvoiceProvider struct{}

func (DevInvoiceProvider) CreateInvoice(context.Context, int64, string) (string, error) {
	return "dev-" + uuid.New().String(), nil
}

func (DevInvoiceProvider) CheckSettlement(context.Context, string) (bool, string, error) {
	return false, "", nil
}
