/*
Package remote is the HTTP client for the remote authority's counter API.

PURPOSE:
  Implements credit.RemoteCounter (plus the identity package's migration
  and provisioning interfaces) over the api package's endpoints. Transport
  failures are wrapped in credit.ErrRemoteUnavailable so the account falls
  back to its cached/degraded paths; application-level rejections
  (insufficient balance, unknown product) map onto the matching credit
  sentinels instead.
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/iconforge/credit-engine/credit"
)

// Client talks to the remote authority.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the authority at baseURL (no trailing slash).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithHTTPClient injects a custom http.Client (tests, custom transports).
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// =============================================================================
// credit.RemoteCounter
// =============================================================================

func (c *Client) Fetch(ctx context.Context, id credit.AccountID) (credit.Balance, error) {
	return c.balanceCall(ctx, http.MethodGet, c.accountURL(id, ""), nil, "fetch")
}

func (c *Client) Credit(ctx context.Context, id credit.AccountID, productID credit.ProductID, txID credit.TransactionID) (credit.Balance, error) {
	body := map[string]any{"product_id": string(productID), "transaction_id": string(txID)}
	return c.balanceCall(ctx, http.MethodPost, c.accountURL(id, "credit"), body, "credit")
}

func (c *Client) Deduct(ctx context.Context, id credit.AccountID, amount int64) (credit.Balance, error) {
	body := map[string]any{"amount": amount}
	return c.balanceCall(ctx, http.MethodPost, c.accountURL(id, "deduct"), body, "deduct")
}

func (c *Client) Reset(ctx context.Context, id credit.AccountID, target int64) (credit.Balance, error) {
	body := map[string]any{"target": target}
	return c.balanceCall(ctx, http.MethodPost, c.accountURL(id, "reset"), body, "reset")
}

// =============================================================================
// identity.RemoteMigrator
// =============================================================================

func (c *Client) MigrateBalance(ctx context.Context, to credit.AccountID, guestID string, amount int64, txID credit.TransactionID) (credit.Balance, error) {
	body := map[string]any{"guest_id": guestID, "amount": amount, "transaction_id": string(txID)}
	return c.balanceCall(ctx, http.MethodPost, c.accountURL(to, "migrate"), body, "migrate")
}

// =============================================================================
// identity.Provisioner
// =============================================================================

func (c *Client) ProvisionAnonymous(ctx context.Context, guestID string) (credit.AccountID, error) {
	body := map[string]any{"guest_id": guestID}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/accounts/anonymous", body)
	if err != nil {
		return "", &credit.RemoteError{Op: "provision", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &credit.RemoteError{Op: "provision", Err: apiError(resp)}
	}
	var out struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &credit.RemoteError{Op: "provision", Err: err}
	}
	return credit.AccountID(out.AccountID), nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Client) accountURL(id credit.AccountID, op string) string {
	u := c.baseURL + "/api/accounts/" + url.PathEscape(string(id))
	if op != "" {
		u += "/" + op
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) balanceCall(ctx context.Context, method, u string, body any, op string) (credit.Balance, error) {
	resp, err := c.do(ctx, method, u, body)
	if err != nil {
		// Transport failure: the account degrades to its cached paths.
		return credit.Balance{}, &credit.RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var b credit.Balance
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return credit.Balance{}, &credit.RemoteError{Op: op, Err: err}
		}
		return b, nil
	case http.StatusConflict:
		return credit.Balance{}, fmt.Errorf("%w: %v", credit.ErrInsufficientBalance, apiError(resp))
	case http.StatusNotFound:
		return credit.Balance{}, fmt.Errorf("%w: %v", credit.ErrUnknownProduct, apiError(resp))
	default:
		return credit.Balance{}, &credit.RemoteError{Op: op, Err: apiError(resp)}
	}
}

func apiError(resp *http.Response) error {
	var dto struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil || dto.Error == "" {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return fmt.Errorf("http %d: %s (%s)", resp.StatusCode, dto.Error, dto.Code)
}
