package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"kehilla/internal/platform/config"
	"kehilla/pkg/domain"
)

// Client talks to the ledger gateway service over HTTP. Every call builds a
// fresh request on a pooled http.Client, so there is no shared live
// connection state to manage; connection reuse is the transport's problem.
type Client struct {
	endpoint string
	issuer   domain.Address
	http     *http.Client
}

func NewClient(cfg config.Ledger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		issuer:   domain.Address(cfg.IssuerAddress),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type submitResponse struct {
	Hash      string `json:"hash"`
	Validated bool   `json:"validated"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) SetupTrustLine(ctx context.Context, addr domain.Address, currency string, limit string) (Receipt, error) {
	return c.submit(ctx, "/trustline", map[string]any{
		"account":  addr.String(),
		"currency": currency,
		"issuer":   c.issuer.String(),
		"limit":    limit,
	})
}

func (c *Client) Issue(ctx context.Context, addr domain.Address, currency string, amount string) (Receipt, error) {
	return c.submit(ctx, "/payment", map[string]any{
		"account":     c.issuer.String(),
		"destination": addr.String(),
		"currency":    currency,
		"issuer":      c.issuer.String(),
		"amount":      amount,
	})
}

func (c *Client) Transfer(ctx context.Context, from, to domain.Address, currency string, amount string) (Receipt, error) {
	return c.submit(ctx, "/payment", map[string]any{
		"account":     from.String(),
		"destination": to.String(),
		"currency":    currency,
		"issuer":      c.issuer.String(),
		"amount":      amount,
	})
}

func (c *Client) Balances(ctx context.Context, addr domain.Address) ([]BalanceLine, error) {
	var response struct {
		Lines []struct {
			Currency string `json:"currency"`
			Balance  string `json:"balance"`
			Freeze   bool   `json:"freeze"`
		} `json:"lines"`
	}
	if err := c.get(ctx, "/accounts/"+addr.String()+"/lines", &response); err != nil {
		return nil, err
	}
	lines := make([]BalanceLine, 0, len(response.Lines))
	for _, line := range response.Lines {
		lines = append(lines, BalanceLine{
			Currency: line.Currency,
			Value:    line.Balance,
			Frozen:   line.Freeze,
		})
	}
	return lines, nil
}

func (c *Client) FindTransaction(ctx context.Context, reference string) (bool, error) {
	var response struct {
		Validated bool `json:"validated"`
	}
	if err := c.get(ctx, "/transactions/"+reference, &response); err != nil {
		return false, err
	}
	return response.Validated, nil
}

func (c *Client) submit(ctx context.Context, path string, payload map[string]any) (Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal ledger request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Receipt{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("ledger rejected %s: %s (status %d)", path, decoded.Error, resp.StatusCode)
	}
	if !decoded.Validated {
		if decoded.Hash == "" {
			return Receipt{}, fmt.Errorf("ledger did not validate %s: %s", path, decoded.Error)
		}
		// The network accepted the submission but has not validated it
		// yet. Hand the reference back so the caller can reconcile later.
		return Receipt{Reference: decoded.Hash}, ErrUnconfirmed
	}
	return Receipt{Reference: decoded.Hash}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger query %s failed: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}
